// Package lsan is the thread layer of the leak scanner. It records every
// logical thread of the process in a threadregistry.Registry, binds each
// goroutine that started a thread to its id, and gives the scanner a locked
// view of the running threads and their extra scan ranges.
//
// A thread is registered in three steps: ThreadCreate by the creator,
// ThreadStart by the new thread itself, and ThreadFinish by the thread as its
// last observable action. Go wraps the three steps around a goroutine pinned
// to its OS thread.
package lsan

import (
	"fmt"

	"github.com/phuslu/log"

	"lsan_threads/internal/logger"
	"lsan_threads/internal/maps"
	"lsan_threads/internal/osthread"
	"lsan_threads/internal/threadregistry"
)

// Re-exported so callers of this package rarely need threadregistry directly.
type (
	ThreadID      = threadregistry.ThreadID
	ThreadContext = threadregistry.Context
	ThreadType    = threadregistry.ThreadType
)

const (
	MainTID    = threadregistry.MainTID
	InvalidTID = threadregistry.InvalidTID
)

// Range is a half-open memory range [Begin, End) the scanner treats as roots.
type Range struct {
	Begin uintptr
	End   uintptr
}

// Allocator is the allocator layer; it owns per-thread caches.
type Allocator interface {
	ReleaseThreadLocalCaches()
}

// DynamicStorage is the thread-local dynamic storage layer.
type DynamicStorage interface {
	DestroyThreadLocalDynamicStorage()
}

// RangeProvider supplies scan ranges beyond the threads' own stacks. Both
// methods are called with the registry lock held and append to dst.
type RangeProvider interface {
	ThreadExtraStackRanges(dst []Range, osID uint64) []Range
	GlobalExtraStackRanges(dst []Range) []Range
}

type nopAllocator struct{}

func (nopAllocator) ReleaseThreadLocalCaches() {}

type nopDynamicStorage struct{}

func (nopDynamicStorage) DestroyThreadLocalDynamicStorage() {}

type noRanges struct{}

func (noRanges) ThreadExtraStackRanges(dst []Range, _ uint64) []Range { return dst }
func (noRanges) GlobalExtraStackRanges(dst []Range) []Range           { return dst }

// Options configures a Runtime. Zero values select no-op collaborators, the
// real OS layer and the default binding map.
type Options struct {
	Registry threadregistry.Config

	// BindingMap names the maps implementation backing the current-thread binding.
	BindingMap string

	Allocator      Allocator
	DynamicStorage DynamicStorage
	OS             osthread.Querier
	Ranges         RangeProvider

	// Observer receives every registry transition after the runtime's own
	// handling, e.g. a metrics collector.
	Observer threadregistry.Hooks

	// Logger defaults to a discarding logger.
	Logger *log.Logger
}

// Runtime owns one registry and the binding of goroutines to its records.
type Runtime struct {
	registry *threadregistry.Registry
	binding  maps.ConcurrentMap[int64, ThreadID]

	allocator Allocator
	dtls      DynamicStorage
	os        osthread.Querier
	ranges    RangeProvider
	observer  threadregistry.Hooks

	log log.Logger
}

// New builds a Runtime. Most programs use InitializeThreadRegistry instead,
// which installs a single process-wide Runtime.
func New(opts Options) (*Runtime, error) {
	binding, err := maps.NewConcurrentMapOf[int64, ThreadID](opts.BindingMap)
	if err != nil {
		return nil, fmt.Errorf("current-thread binding: %w", err)
	}

	rt := &Runtime{
		binding:   binding,
		allocator: opts.Allocator,
		dtls:      opts.DynamicStorage,
		os:        opts.OS,
		ranges:    opts.Ranges,
		observer:  opts.Observer,
	}
	if rt.allocator == nil {
		rt.allocator = nopAllocator{}
	}
	if rt.dtls == nil {
		rt.dtls = nopDynamicStorage{}
	}
	if rt.os == nil {
		rt.os = osthread.System{}
	}
	if rt.ranges == nil {
		rt.ranges = noRanges{}
	}
	if rt.observer == nil {
		rt.observer = threadregistry.NopHooks{}
	}
	if opts.Logger != nil {
		rt.log = *opts.Logger
	} else {
		rt.log = logger.Discard()
	}

	rt.registry = threadregistry.New(opts.Registry, threadHooks{rt: rt}, rt.log)
	return rt, nil
}

// Registry exposes the underlying registry, e.g. for metrics collectors.
func (rt *Runtime) Registry() *threadregistry.Registry {
	return rt.registry
}

// threadHooks ties registry transitions to the thread-local effects: binding
// on start, resource release and unbinding on finish.
type threadHooks struct {
	rt *Runtime
}

func (h threadHooks) OnCreated(ctx *ThreadContext, arg any) {
	h.rt.observer.OnCreated(ctx, arg)
}

func (h threadHooks) OnStarted(ctx *ThreadContext, arg any) {
	h.rt.bindCurrent(ctx.ID)
	h.rt.observer.OnStarted(ctx, arg)
}

func (h threadHooks) OnFinished(ctx *ThreadContext) {
	h.rt.allocator.ReleaseThreadLocalCaches()
	h.rt.dtls.DestroyThreadLocalDynamicStorage()
	h.rt.unbindCurrent(ctx.ID)
	h.rt.observer.OnFinished(ctx)
}

func (h threadHooks) OnJoined(ctx *ThreadContext) { h.rt.observer.OnJoined(ctx) }

func (h threadHooks) OnDead(ctx *ThreadContext) { h.rt.observer.OnDead(ctx) }
