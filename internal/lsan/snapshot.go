package lsan

import (
	"time"

	"lsan_threads/internal/threadregistry"
)

// LockThreadRegistry starts a scan bracket. Every transition blocks until
// UnlockThreadRegistry, so the running set observed in between is exact.
func (rt *Runtime) LockThreadRegistry() {
	rt.registry.Lock()
}

// UnlockThreadRegistry ends a scan bracket.
func (rt *Runtime) UnlockThreadRegistry() {
	rt.registry.Unlock()
}

// GetLsanThreadRegistryLocked returns the registry. The lock must be held.
func (rt *Runtime) GetLsanThreadRegistryLocked() *threadregistry.Registry {
	rt.registry.CheckLocked()
	return rt.registry
}

// GetRunningThreadsLocked appends the OS ids of all Running threads to dst.
func (rt *Runtime) GetRunningThreadsLocked(dst []uint64) []uint64 {
	for ctx := range rt.registry.ThreadsLocked() {
		if ctx.Status == threadregistry.StatusRunning {
			dst = append(dst, ctx.OSID)
		}
	}
	return dst
}

// RunningThreads lists the OS ids of all Running threads, holding the lock
// only for the iteration.
func (rt *Runtime) RunningThreads() []uint64 {
	running := []uint64{}
	for ctx := range rt.registry.Threads() {
		if ctx.Status == threadregistry.StatusRunning {
			running = append(running, ctx.OSID)
		}
	}
	return running
}

// GetThreadExtraStackRangesLocked appends the extra scan ranges owned by the
// thread with OS id osID.
func (rt *Runtime) GetThreadExtraStackRangesLocked(dst []Range, osID uint64) []Range {
	rt.registry.CheckLocked()
	return rt.ranges.ThreadExtraStackRanges(dst, osID)
}

// GetGlobalExtraStackRangesLocked appends the process-wide extra scan ranges.
func (rt *Runtime) GetGlobalExtraStackRangesLocked(dst []Range) []Range {
	rt.registry.CheckLocked()
	return rt.ranges.GlobalExtraStackRanges(dst)
}

// ThreadInfo is the exported view of one alive thread record.
type ThreadInfo struct {
	ID         uint32 `json:"tid"`
	Generation uint32 `json:"generation"`
	OSID       uint64 `json:"os_id"`
	Status     string `json:"status"`
	Type       string `json:"type"`
	ParentID   int64  `json:"parent_tid"` // -1 for none
	Detached   bool   `json:"detached"`
	Name       string `json:"name,omitempty"`
}

// Snapshot is a consistent copy of the registry taken in one critical section.
type Snapshot struct {
	Taken   time.Time            `json:"taken"`
	Threads []ThreadInfo         `json:"threads"`
	Running []uint64             `json:"running_os_ids"`
	Stats   threadregistry.Stats `json:"stats"`
	Bound   int                  `json:"bound_goroutines"`
}

// TakeSnapshot copies every alive record and the counters.
func (rt *Runtime) TakeSnapshot() Snapshot {
	rt.LockThreadRegistry()
	defer rt.UnlockThreadRegistry()

	s := Snapshot{
		Taken:   time.Now(),
		Threads: []ThreadInfo{},
		Running: []uint64{},
	}
	for ctx := range rt.registry.ThreadsLocked() {
		if !ctx.Alive() {
			continue
		}
		s.Threads = append(s.Threads, threadInfo(ctx))
	}
	s.Running = rt.GetRunningThreadsLocked(s.Running)
	s.Stats = rt.registry.StatsLocked()
	s.Bound = rt.binding.Len()
	return s
}

func threadInfo(ctx *ThreadContext) ThreadInfo {
	parent := int64(ctx.ParentID)
	if ctx.ParentID == InvalidTID {
		parent = -1
	}
	return ThreadInfo{
		ID:         uint32(ctx.ID),
		Generation: ctx.Generation,
		OSID:       ctx.OSID,
		Status:     ctx.Status.String(),
		Type:       ctx.Type.String(),
		ParentID:   parent,
		Detached:   ctx.Detached,
		Name:       ctx.Name,
	}
}

// Stats returns the registry counters.
func (rt *Runtime) Stats() threadregistry.Stats {
	return rt.registry.Stats()
}
