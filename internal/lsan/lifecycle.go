package lsan

import (
	"runtime"

	"github.com/petermattis/goid"

	"lsan_threads/internal/threadregistry"
)

// ThreadCreate reserves a record for a thread about to be spawned by parent.
// The returned id is passed to the new thread, which must call ThreadStart.
func (rt *Runtime) ThreadCreate(parent ThreadID, detached bool, arg any) ThreadID {
	return rt.registry.CreateThread(0, detached, parent, arg)
}

// ThreadStart is the new thread's first call. It records osID, marks the
// thread Running and binds the calling goroutine to id.
func (rt *Runtime) ThreadStart(id ThreadID, osID uint64, typ ThreadType, arg any) {
	rt.registry.StartThread(id, osID, typ, arg)
}

// ThreadFinish is the calling thread's last observable action. Its caches and
// dynamic storage are released and its binding cleared before the registry
// marks it Finished. Calling it from an unbound goroutine panics.
func (rt *Runtime) ThreadFinish() {
	id := rt.CurrentThreadID()
	if id == InvalidTID {
		rt.log.Warn().Int64("goid", goid.Get()).Msg("ThreadFinish called from an unregistered goroutine")
	}
	rt.registry.FinishThread(id)
}

// ThreadJoin releases a finished, joinable thread.
func (rt *Runtime) ThreadJoin(id ThreadID) {
	rt.registry.JoinThread(id)
}

// ThreadDetach marks id as detached; it is released as soon as it finishes.
func (rt *Runtime) ThreadDetach(id ThreadID) {
	rt.registry.DetachThread(id)
}

// SetThreadName names the calling thread. Unbound callers are ignored.
func (rt *Runtime) SetThreadName(name string) {
	if id := rt.CurrentThreadID(); id != InvalidTID {
		rt.registry.SetThreadName(id, name)
	}
}

// InitializeMainThread registers the process's initial thread. It must be the
// first registration, so it receives MainTID. osID may be osthread.InvalidID
// when the real id is not known yet; EnsureMainThreadIDIsCorrect patches it.
func (rt *Runtime) InitializeMainThread(osID uint64) ThreadID {
	id := rt.registry.CreateThread(0, true, InvalidTID, nil)
	if id != MainTID {
		panic(&threadregistry.ContractViolation{
			Op:     "InitializeMainThread",
			ID:     id,
			Status: threadregistry.StatusCreated,
			Reason: "main thread must be the first registered thread",
		})
	}
	rt.registry.StartThread(id, osID, threadregistry.TypeMain, nil)
	rt.log.Debug().Uint64("os_id", osID).Msg("Main thread registered")
	return id
}

// Go runs fn on a new goroutine pinned to its own OS thread and registered
// for its whole lifetime. The parent is the caller's thread, if any.
// done is closed after the thread has finished. A joinable thread stays
// Finished until ThreadJoin is called with the returned id.
func (rt *Runtime) Go(typ ThreadType, detached bool, fn func()) (ThreadID, <-chan struct{}) {
	id := rt.ThreadCreate(rt.CurrentThreadID(), detached, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		rt.ThreadStart(id, rt.os.CurrentThreadID(), typ, nil)
		defer rt.ThreadFinish()
		fn()
	}()
	return id, done
}
