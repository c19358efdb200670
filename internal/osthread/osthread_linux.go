//go:build linux

package osthread

import "golang.org/x/sys/unix"

func currentID() uint64 {
	return uint64(unix.Gettid())
}
