//go:build !linux && !windows

package osthread

import "github.com/petermattis/goid"

// No portable thread id query exists here; the goroutine id keeps values
// distinct per pinned goroutine, which is all the registry relies on.
func currentID() uint64 {
	return uint64(goid.Get())
}
