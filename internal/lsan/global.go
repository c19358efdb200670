package lsan

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"lsan_threads/internal/threadregistry"
)

var (
	globalRuntime atomic.Pointer[Runtime]
	initOnce      sync.Once
)

// ErrNotInitialized is returned when a mutating call is made before
// InitializeThreadRegistry.
var ErrNotInitialized = errors.New("thread registry is not initialized")

// InitializeThreadRegistry installs the process-wide Runtime. Only the first
// call builds it; later calls return the installed one and ignore opts.
func InitializeThreadRegistry(opts Options) (*Runtime, error) {
	var err error
	initOnce.Do(func() {
		var rt *Runtime
		rt, err = New(opts)
		if err == nil {
			globalRuntime.Store(rt)
		}
	})
	if err != nil {
		return nil, err
	}
	if rt := globalRuntime.Load(); rt != nil {
		return rt, nil
	}
	return nil, ErrNotInitialized
}

// Current returns the installed Runtime or nil.
func Current() *Runtime {
	return globalRuntime.Load()
}

// Registry returns the process-wide registry or nil before initialization.
func Registry() *threadregistry.Registry {
	if rt := Current(); rt != nil {
		return rt.registry
	}
	return nil
}

func mustCurrent() *Runtime {
	rt := Current()
	if rt == nil {
		panic(ErrNotInitialized)
	}
	return rt
}

// The package-level functions below act on the installed Runtime. Queries
// return empty results before initialization; lifecycle calls panic.

func ThreadCreate(parent ThreadID, detached bool, arg any) ThreadID {
	return mustCurrent().ThreadCreate(parent, detached, arg)
}

func ThreadStart(id ThreadID, osID uint64, typ ThreadType, arg any) {
	mustCurrent().ThreadStart(id, osID, typ, arg)
}

func ThreadFinish() { mustCurrent().ThreadFinish() }

func ThreadJoin(id ThreadID) { mustCurrent().ThreadJoin(id) }

func ThreadDetach(id ThreadID) { mustCurrent().ThreadDetach(id) }

func InitializeMainThread(osID uint64) ThreadID {
	return mustCurrent().InitializeMainThread(osID)
}

func EnsureMainThreadIDIsCorrect() {
	if rt := Current(); rt != nil {
		rt.EnsureMainThreadIDIsCorrect()
	}
}

func Go(typ ThreadType, detached bool, fn func()) (ThreadID, <-chan struct{}) {
	return mustCurrent().Go(typ, detached, fn)
}

func CurrentThreadID() ThreadID {
	if rt := Current(); rt != nil {
		return rt.CurrentThreadID()
	}
	return InvalidTID
}

func CurrentThreadContext() (*ThreadContext, bool) {
	if rt := Current(); rt != nil {
		return rt.CurrentThreadContext()
	}
	return nil, false
}

func LockThreadRegistry() {
	if rt := Current(); rt != nil {
		rt.LockThreadRegistry()
	}
}

func UnlockThreadRegistry() {
	if rt := Current(); rt != nil {
		rt.UnlockThreadRegistry()
	}
}

func GetLsanThreadRegistryLocked() *threadregistry.Registry {
	if rt := Current(); rt != nil {
		return rt.GetLsanThreadRegistryLocked()
	}
	return nil
}

func GetRunningThreadsLocked(dst []uint64) []uint64 {
	if rt := Current(); rt != nil {
		return rt.GetRunningThreadsLocked(dst)
	}
	return dst
}

func GetThreadExtraStackRangesLocked(dst []Range, osID uint64) []Range {
	if rt := Current(); rt != nil {
		return rt.GetThreadExtraStackRangesLocked(dst, osID)
	}
	return dst
}

func GetGlobalExtraStackRangesLocked(dst []Range) []Range {
	if rt := Current(); rt != nil {
		return rt.GetGlobalExtraStackRangesLocked(dst)
	}
	return dst
}

func RunningThreads() []uint64 {
	if rt := Current(); rt != nil {
		return rt.RunningThreads()
	}
	return []uint64{}
}

func TakeSnapshot() Snapshot {
	if rt := Current(); rt != nil {
		return rt.TakeSnapshot()
	}
	return Snapshot{Taken: time.Now(), Threads: []ThreadInfo{}, Running: []uint64{}}
}

func Stats() threadregistry.Stats {
	if rt := Current(); rt != nil {
		return rt.Stats()
	}
	return threadregistry.Stats{}
}
