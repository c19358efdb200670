package lsan

import "github.com/petermattis/goid"

// The binding maps a goroutine id to the logical id of the thread it started.
// Only the goroutine itself writes its entry, so lookups need no registry lock.

// bindCurrent binds the caller to id. A goroutine that started another thread
// and never finished it is rebound to the new one.
func (rt *Runtime) bindCurrent(id ThreadID) {
	g := goid.Get()
	prev, loaded := rt.binding.LoadOrStore(g, func() ThreadID { return id })
	if loaded && prev != id {
		rt.log.Warn().
			Int64("goid", g).
			Uint32("tid", uint32(id)).
			Uint32("previous_tid", uint32(prev)).
			Msg("Goroutine started a thread while still bound to another")
		rt.binding.Store(g, id)
	}
}

// unbindCurrent removes the caller's entry if it still points at id.
func (rt *Runtime) unbindCurrent(id ThreadID) {
	rt.binding.Update(goid.Get(), func(cur ThreadID, ok bool) (ThreadID, bool) {
		return cur, ok && cur != id
	})
}

// CurrentThreadID returns the logical id bound to the calling goroutine, or
// InvalidTID.
func (rt *Runtime) CurrentThreadID() ThreadID {
	if id, ok := rt.binding.Load(goid.Get()); ok {
		return id
	}
	return InvalidTID
}

// CurrentThreadContext returns the record of the calling thread. It reports
// false for a goroutine that never started a thread or has finished it.
func (rt *Runtime) CurrentThreadContext() (*ThreadContext, bool) {
	id := rt.CurrentThreadID()
	if id == InvalidTID {
		return nil, false
	}
	// No lock needed: the record's lifecycle fields are only written by this thread.
	ctx := rt.registry.GetThreadLocked(id)
	return ctx, ctx != nil
}

// EnsureMainThreadIDIsCorrect patches the main thread's OS id when called from
// the main thread. The main thread may be registered before its OS id is
// known; this is the only place an id changes after Running.
func (rt *Runtime) EnsureMainThreadIDIsCorrect() {
	if rt.CurrentThreadID() != MainTID {
		return
	}
	rt.registry.SetThreadOSID(MainTID, rt.os.CurrentThreadID())
}
