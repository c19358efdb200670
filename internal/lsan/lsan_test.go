package lsan

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsan_threads/internal/threadregistry"
)

type fakeOS struct {
	mu sync.Mutex
	id uint64
}

func (f *fakeOS) CurrentThreadID() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func (f *fakeOS) set(id uint64) {
	f.mu.Lock()
	f.id = id
	f.mu.Unlock()
}

// releaseRecorder logs the release steps together with the state of the
// calling thread at that moment.
type releaseRecorder struct {
	rt    *Runtime
	mu    sync.Mutex
	steps []string
}

func (r *releaseRecorder) record(step string) {
	id := r.rt.CurrentThreadID()
	state := "unbound"
	if id != InvalidTID {
		state = r.rt.registry.GetThreadLocked(id).Status.String()
	}
	r.mu.Lock()
	r.steps = append(r.steps, step+":"+state)
	r.mu.Unlock()
}

type recorderAllocator struct{ *releaseRecorder }

func (a recorderAllocator) ReleaseThreadLocalCaches() { a.record("allocator") }

type recorderStorage struct{ *releaseRecorder }

func (s recorderStorage) DestroyThreadLocalDynamicStorage() { s.record("dtls") }

type staticRanges struct{}

func (staticRanges) ThreadExtraStackRanges(dst []Range, osID uint64) []Range {
	return append(dst, Range{Begin: uintptr(osID), End: uintptr(osID) + 16})
}

func (staticRanges) GlobalExtraStackRanges(dst []Range) []Range {
	return append(dst, Range{Begin: 0x1000, End: 0x2000})
}

func newTestRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	rt, err := New(opts)
	require.NoError(t, err)
	return rt
}

// startOnGoroutine runs create+start on a fresh goroutine and keeps it parked
// until the returned finish func is called.
func startOnGoroutine(t *testing.T, rt *Runtime, parent ThreadID, osID uint64) (ThreadID, func()) {
	t.Helper()
	id := rt.ThreadCreate(parent, false, nil)
	started := make(chan struct{})
	finish := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		rt.ThreadStart(id, osID, threadregistry.TypeRegular, nil)
		close(started)
		<-finish
		rt.ThreadFinish()
	}()
	<-started
	return id, func() {
		close(finish)
		<-finished
	}
}

func TestThreadLifecycleScenario(t *testing.T) {
	os := &fakeOS{id: 500}
	rt := newTestRuntime(t, Options{OS: os})

	main := rt.InitializeMainThread(500)
	require.Equal(t, MainTID, main)
	assert.Equal(t, MainTID, rt.CurrentThreadID())

	id, finish := startOnGoroutine(t, rt, main, 77)
	assert.Equal(t, ThreadID(1), id)

	rt.LockThreadRegistry()
	running := rt.GetRunningThreadsLocked(nil)
	rt.UnlockThreadRegistry()
	assert.ElementsMatch(t, []uint64{500, 77}, running)

	finish()
	assert.Equal(t, []uint64{500}, rt.RunningThreads())

	ctx := rt.registry.GetThreadLocked(id)
	assert.Equal(t, threadregistry.StatusFinished, ctx.Status)
	rt.ThreadJoin(id)
	assert.Equal(t, threadregistry.StatusDead, ctx.Status)
}

func TestCurrentThreadContext(t *testing.T) {
	rt := newTestRuntime(t, Options{})

	_, ok := rt.CurrentThreadContext()
	assert.False(t, ok, "unbound goroutine has no context")

	id := rt.ThreadCreate(InvalidTID, false, nil)
	var during, after bool
	var seen *ThreadContext
	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.ThreadStart(id, 42, threadregistry.TypeWorker, nil)
		seen, during = rt.CurrentThreadContext()
		rt.ThreadFinish()
		_, after = rt.CurrentThreadContext()
	}()
	<-done

	require.True(t, during)
	assert.Equal(t, id, seen.ID)
	assert.Equal(t, uint64(42), seen.OSID)
	assert.Equal(t, threadregistry.TypeWorker, seen.Type)
	assert.False(t, after, "binding must be cleared by ThreadFinish")
}

func TestFinishReleasesResourcesBeforeStatusChange(t *testing.T) {
	rec := &releaseRecorder{}
	rt := newTestRuntime(t, Options{
		Allocator:      recorderAllocator{rec},
		DynamicStorage: recorderStorage{rec},
	})
	rec.rt = rt

	id, finish := startOnGoroutine(t, rt, InvalidTID, 9)
	finish()

	assert.Equal(t, []string{"allocator:running", "dtls:running"}, rec.steps)
	assert.Equal(t, threadregistry.StatusFinished, rt.registry.GetThreadLocked(id).Status)
}

func TestThreadFinishUnboundPanics(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	assert.Panics(t, func() { rt.ThreadFinish() })
}

func TestEnsureMainThreadIDIsCorrect(t *testing.T) {
	os := &fakeOS{}
	rt := newTestRuntime(t, Options{OS: os})

	rt.InitializeMainThread(0)
	os.set(4242)

	// Other goroutines must not patch the main record.
	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.EnsureMainThreadIDIsCorrect()
	}()
	<-done
	assert.Equal(t, uint64(0), rt.registry.GetThreadLocked(MainTID).OSID)

	rt.EnsureMainThreadIDIsCorrect()
	assert.Equal(t, uint64(4242), rt.registry.GetThreadLocked(MainTID).OSID)
	assert.Equal(t, []uint64{4242}, rt.RunningThreads())
}

func TestInitializeMainThreadMustBeFirst(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	rt.ThreadCreate(InvalidTID, false, nil)
	assert.Panics(t, func() { rt.InitializeMainThread(1) })
}

func TestGoJoinable(t *testing.T) {
	os := &fakeOS{id: 31}
	rt := newTestRuntime(t, Options{OS: os})
	main := rt.InitializeMainThread(1)

	var inside ThreadID
	var parent ThreadID
	id, done := rt.Go(threadregistry.TypeWorker, false, func() {
		inside = rt.CurrentThreadID()
		ctx, _ := rt.CurrentThreadContext()
		parent = ctx.ParentID
	})
	<-done

	assert.Equal(t, id, inside)
	assert.Equal(t, main, parent)

	ctx := rt.registry.GetThreadLocked(id)
	assert.Equal(t, threadregistry.StatusFinished, ctx.Status)
	assert.Equal(t, uint64(31), ctx.OSID)
	rt.ThreadJoin(id)
	assert.Equal(t, 1, rt.Stats().Alive)
}

func TestGoDetachedIsRecycled(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	rt.InitializeMainThread(1)

	first, done := rt.Go(threadregistry.TypeRegular, true, func() {})
	<-done
	assert.Equal(t, threadregistry.StatusDead, rt.registry.GetThreadLocked(first).Status)

	second, done := rt.Go(threadregistry.TypeRegular, true, func() {})
	<-done
	assert.Equal(t, first, second, "dead slot is reused with no quarantine")
	assert.Equal(t, uint32(1), rt.registry.GetThreadLocked(second).Generation)
}

func TestExtraStackRanges(t *testing.T) {
	t.Run("empty by default", func(t *testing.T) {
		rt := newTestRuntime(t, Options{})
		rt.LockThreadRegistry()
		defer rt.UnlockThreadRegistry()
		assert.Empty(t, rt.GetThreadExtraStackRangesLocked(nil, 5))
		assert.Empty(t, rt.GetGlobalExtraStackRangesLocked(nil))
	})

	t.Run("provider appends", func(t *testing.T) {
		rt := newTestRuntime(t, Options{Ranges: staticRanges{}})
		rt.LockThreadRegistry()
		defer rt.UnlockThreadRegistry()

		dst := []Range{{Begin: 1, End: 2}}
		dst = rt.GetThreadExtraStackRangesLocked(dst, 0x100)
		dst = rt.GetGlobalExtraStackRangesLocked(dst)
		assert.Equal(t, []Range{{1, 2}, {0x100, 0x110}, {0x1000, 0x2000}}, dst)
	})

	t.Run("requires the lock", func(t *testing.T) {
		rt := newTestRuntime(t, Options{Ranges: staticRanges{}})
		assert.Panics(t, func() { rt.GetGlobalExtraStackRangesLocked(nil) })
		assert.Panics(t, func() { rt.GetRunningThreadsLocked(nil) })
		assert.Panics(t, func() { rt.GetLsanThreadRegistryLocked() })
	})
}

func TestTakeSnapshot(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	rt.InitializeMainThread(10)
	id, finish := startOnGoroutine(t, rt, MainTID, 11)
	done := rt.ThreadCreate(id, true, nil) // created, never started

	snap := rt.TakeSnapshot()
	want := []ThreadInfo{
		{ID: 0, OSID: 10, Status: "running", Type: "main", ParentID: -1, Detached: true},
		{ID: 1, OSID: 11, Status: "running", Type: "regular", ParentID: 0},
		{ID: uint32(done), Status: "created", Type: "regular", ParentID: 1, Detached: true},
	}
	if diff := cmp.Diff(want, snap.Threads); diff != "" {
		t.Errorf("snapshot threads mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{10, 11}, snap.Running, cmpopts.SortSlices(func(a, b uint64) bool { return a < b })); diff != "" {
		t.Errorf("running ids mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, snap.Stats.Alive)
	assert.Equal(t, 2, snap.Bound, "main and the started thread")
	assert.False(t, snap.Taken.IsZero())

	finish()
	rt.ThreadJoin(id)
	snap = rt.TakeSnapshot()
	assert.Len(t, snap.Threads, 2)
}

func TestUnknownBindingMap(t *testing.T) {
	_, err := New(Options{BindingMap: "btree"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "btree")
}

func TestBindingImplementations(t *testing.T) {
	for _, name := range []string{"xsync", "sharded", "cornelk", "sync"} {
		t.Run(name, func(t *testing.T) {
			rt := newTestRuntime(t, Options{BindingMap: name})
			rt.InitializeMainThread(1)

			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, done := rt.Go(threadregistry.TypeWorker, true, func() {
						ctx, ok := rt.CurrentThreadContext()
						assert.True(t, ok)
						assert.Equal(t, threadregistry.StatusRunning, ctx.Status)
					})
					<-done
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, rt.Stats().Alive)
			assert.Equal(t, []uint64{1}, rt.RunningThreads())
		})
	}
}

type countingObserver struct {
	threadregistry.NopHooks
	started, finished, dead int
}

func (o *countingObserver) OnStarted(*ThreadContext, any) { o.started++ }
func (o *countingObserver) OnFinished(*ThreadContext)     { o.finished++ }
func (o *countingObserver) OnDead(*ThreadContext)         { o.dead++ }

func TestObserverSeesTransitions(t *testing.T) {
	obs := &countingObserver{}
	rt := newTestRuntime(t, Options{Observer: obs})
	rt.InitializeMainThread(1)

	for range 3 {
		_, done := rt.Go(threadregistry.TypeWorker, true, func() {})
		<-done
	}

	rt.LockThreadRegistry()
	defer rt.UnlockThreadRegistry()
	assert.Equal(t, 4, obs.started)
	assert.Equal(t, 3, obs.finished)
	assert.Equal(t, 3, obs.dead)
}

func TestBindingFollowsLatestStart(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	first := rt.ThreadCreate(InvalidTID, false, nil)
	second := rt.ThreadCreate(InvalidTID, false, nil)

	done := make(chan struct{})
	var afterSecond, afterFinish ThreadID
	var boundAfterFinish int
	go func() {
		defer close(done)
		rt.ThreadStart(first, 1, threadregistry.TypeRegular, nil)
		rt.ThreadStart(second, 1, threadregistry.TypeRegular, nil)
		afterSecond = rt.CurrentThreadID()
		rt.ThreadFinish()
		afterFinish = rt.CurrentThreadID()
		boundAfterFinish = rt.binding.Len()
	}()
	<-done

	assert.Equal(t, second, afterSecond)
	assert.Equal(t, InvalidTID, afterFinish)
	assert.Zero(t, boundAfterFinish)
	assert.Equal(t, threadregistry.StatusFinished, rt.registry.GetThreadLocked(second).Status)
	assert.Equal(t, threadregistry.StatusRunning, rt.registry.GetThreadLocked(first).Status)
}

func TestUnbindKeepsForeignBinding(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	rt.InitializeMainThread(1)

	// Unbinding an id the caller is not bound to must leave the entry alone.
	rt.unbindCurrent(ThreadID(7))
	assert.Equal(t, MainTID, rt.CurrentThreadID())
	assert.Equal(t, 1, rt.binding.Len())

	rt.unbindCurrent(MainTID)
	assert.Equal(t, InvalidTID, rt.CurrentThreadID())
	assert.Zero(t, rt.binding.Len())

	// Unbinding an unbound goroutine does not create an entry.
	rt.unbindCurrent(MainTID)
	assert.Zero(t, rt.binding.Len())
}
