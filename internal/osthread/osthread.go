// Package osthread answers questions about operating-system threads: the id of
// the calling thread and the set of threads a process currently owns.
package osthread

import (
	"fmt"
	"os"
	"slices"

	"github.com/shirou/gopsutil/v4/process"
)

// InvalidID is never returned by CurrentID on supported platforms.
const InvalidID uint64 = 0

// CurrentID returns the OS identifier of the thread executing the caller.
// Goroutines migrate between threads unless pinned with runtime.LockOSThread,
// so the value is only stable for pinned goroutines.
func CurrentID() uint64 {
	return currentID()
}

// ProcessThreadIDs lists the OS thread ids of process pid in ascending order.
func ProcessThreadIDs(pid int32) ([]uint64, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	threads, err := p.Threads()
	if err != nil {
		return nil, fmt.Errorf("list threads of process %d: %w", pid, err)
	}
	ids := make([]uint64, 0, len(threads))
	for tid := range threads {
		ids = append(ids, uint64(tid))
	}
	slices.Sort(ids)
	return ids, nil
}

// SelfThreadIDs lists the OS thread ids of the current process.
func SelfThreadIDs() ([]uint64, error) {
	return ProcessThreadIDs(int32(os.Getpid()))
}

// Querier is the OS layer consulted by the thread registry.
type Querier interface {
	CurrentThreadID() uint64
}

// System is the Querier backed by the running operating system.
type System struct{}

// CurrentThreadID implements Querier.
func (System) CurrentThreadID() uint64 { return CurrentID() }
