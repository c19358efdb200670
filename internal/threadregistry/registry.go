// Package threadregistry implements the keyed collection of thread records
// shared by every lifecycle call and by the scanner. A single non-reentrant
// mutex serializes all transitions and all enumeration; slots are recycled
// through a FIFO quarantine and carry a generation counter so that stale ids
// can be told apart from their successors.
package threadregistry

import (
	"iter"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
	"github.com/phuslu/log"
)

// Config bounds the identifier space and controls recycling.
type Config struct {
	// MaxThreads caps the number of slots. Zero means no cap below InvalidTID.
	MaxThreads uint32
	// QuarantineSize is the number of dead records kept before the oldest one
	// is handed out again.
	QuarantineSize int
	// MaxReuse retires a slot after it has been recycled this many times.
	// Zero means unlimited.
	MaxReuse uint32
}

// DefaultConfig recycles a dead slot as soon as one is available.
func DefaultConfig() Config {
	return Config{}
}

// Stats is a point-in-time view of the registry counters.
type Stats struct {
	Total        int    `json:"total"` // Slots ever allocated.
	Alive        int    `json:"alive"` // Created, Running or Finished.
	Created      int    `json:"created"`
	Running      int    `json:"running"`
	Finished     int    `json:"finished"`
	Dead         int    `json:"dead"`
	Quarantined  int    `json:"quarantined"`
	Retired      int    `json:"retired"`
	MaxAlive     int    `json:"max_alive"`
	Reused       uint64 `json:"reused"`
	CreatedTotal uint64 `json:"created_total"` // CreateThread calls since start.
}

// Registry is the process-wide table of thread records.
type Registry struct {
	mu    sync.Mutex
	owner atomic.Int64 // goroutine id of the lock holder, 0 when unlocked

	// table is only mutated under mu. Its header is republished through slots
	// after every append so lock-free self lookups never see a torn slice.
	table []*Context
	slots atomic.Pointer[[]*Context]

	quarantine []*Context
	retired    int

	alive    int
	running  int
	maxAlive int
	reused   uint64
	created  uint64

	cfg   Config
	hooks Hooks
	log   log.Logger
}

// New creates an empty registry. A nil hooks value installs NopHooks.
func New(cfg Config, hooks Hooks, logger log.Logger) *Registry {
	if hooks == nil {
		hooks = NopHooks{}
	}
	if cfg.MaxThreads == 0 || cfg.MaxThreads > uint32(InvalidTID) {
		cfg.MaxThreads = uint32(InvalidTID)
	}
	r := &Registry{
		cfg:   cfg,
		hooks: hooks,
		log:   logger,
	}
	empty := make([]*Context, 0)
	r.slots.Store(&empty)
	return r
}

// --- Locking ---

// Lock acquires the registry lock. Locking twice from the same goroutine is a
// contract violation and panics instead of deadlocking.
func (r *Registry) Lock() {
	g := goid.Get()
	if r.owner.Load() == g {
		r.violate("Lock", InvalidTID, StatusInvalid, "registry lock is not reentrant")
	}
	r.mu.Lock()
	r.owner.Store(g)
}

// Unlock releases the registry lock.
func (r *Registry) Unlock() {
	if r.owner.Load() == 0 {
		r.violate("Unlock", InvalidTID, StatusInvalid, "registry is not locked")
	}
	r.owner.Store(0)
	r.mu.Unlock()
}

// CheckLocked panics unless some goroutine holds the lock. The holder need not
// be the caller: a scanner may lock and hand enumeration to a helper.
func (r *Registry) CheckLocked() {
	if r.owner.Load() == 0 {
		r.violate("CheckLocked", InvalidTID, StatusInvalid, "registry lock must be held")
	}
}

// --- Lifecycle ---

// CreateThread reserves a record for a new thread and returns its id.
func (r *Registry) CreateThread(userID uint64, detached bool, parent ThreadID, arg any) ThreadID {
	r.Lock()
	defer r.Unlock()

	ctx := r.allocLocked()
	ctx.Status = StatusCreated
	ctx.UserID = userID
	ctx.ParentID = parent
	ctx.Detached = detached

	r.created++
	r.alive++
	if r.alive > r.maxAlive {
		r.maxAlive = r.alive
	}
	r.hooks.OnCreated(ctx, arg)

	r.log.Trace().
		Uint32("tid", uint32(ctx.ID)).
		Uint32("generation", ctx.Generation).
		Uint32("parent_tid", uint32(parent)).
		Bool("detached", detached).
		Msg("Thread created")
	return ctx.ID
}

// allocLocked returns a fresh slot or recycles the oldest quarantined one.
func (r *Registry) allocLocked() *Context {
	full := uint32(len(r.table)) >= r.cfg.MaxThreads
	if len(r.quarantine) > r.cfg.QuarantineSize || (full && len(r.quarantine) > 0) {
		ctx := r.quarantine[0]
		r.quarantine[0] = nil
		r.quarantine = r.quarantine[1:]
		ctx.reset()
		ctx.ReuseCount++
		r.reused++
		return ctx
	}
	if full {
		r.violate("CreateThread", InvalidTID, StatusInvalid, "thread limit exceeded")
	}
	ctx := &Context{ID: ThreadID(len(r.table))}
	r.table = append(r.table, ctx)
	published := r.table
	r.slots.Store(&published)
	return ctx
}

// StartThread moves a Created record to Running. It is called once, by the new
// thread itself.
func (r *Registry) StartThread(id ThreadID, osID uint64, typ ThreadType, arg any) {
	r.Lock()
	defer r.Unlock()

	ctx := r.contextLocked("StartThread", id)
	if ctx.Status != StatusCreated {
		r.violate("StartThread", id, ctx.Status, "thread must be in created state")
	}
	ctx.OSID = osID
	ctx.Type = typ
	ctx.Status = StatusRunning
	r.running++
	r.hooks.OnStarted(ctx, arg)

	r.log.Trace().
		Uint32("tid", uint32(id)).
		Uint64("os_id", osID).
		Str("type", typ.String()).
		Msg("Thread started")
}

// FinishThread moves a Running record to Finished. Hooks.OnFinished runs first,
// so a concurrent snapshot sees either a live thread with its resources or a
// finished one without them. Detached threads are released immediately.
func (r *Registry) FinishThread(id ThreadID) {
	r.Lock()
	defer r.Unlock()

	ctx := r.contextLocked("FinishThread", id)
	if ctx.Status != StatusRunning {
		r.violate("FinishThread", id, ctx.Status, "thread must be running")
	}
	r.hooks.OnFinished(ctx)
	ctx.Status = StatusFinished
	r.running--

	r.log.Trace().
		Uint32("tid", uint32(id)).
		Uint64("os_id", ctx.OSID).
		Bool("detached", ctx.Detached).
		Msg("Thread finished")

	if ctx.Detached {
		r.releaseLocked(ctx)
	}
}

// JoinThread releases a finished, joinable thread.
func (r *Registry) JoinThread(id ThreadID) {
	r.Lock()
	defer r.Unlock()

	ctx := r.contextLocked("JoinThread", id)
	if ctx.Detached {
		r.violate("JoinThread", id, ctx.Status, "cannot join a detached thread")
	}
	if ctx.Status != StatusFinished {
		r.violate("JoinThread", id, ctx.Status, "thread has not finished")
	}
	r.hooks.OnJoined(ctx)
	r.releaseLocked(ctx)
}

// DetachThread marks a thread as detached. A thread that already finished is
// released right away.
func (r *Registry) DetachThread(id ThreadID) {
	r.Lock()
	defer r.Unlock()

	ctx := r.contextLocked("DetachThread", id)
	if !ctx.Alive() {
		r.violate("DetachThread", id, ctx.Status, "thread is not alive")
	}
	if ctx.Detached {
		r.violate("DetachThread", id, ctx.Status, "thread is already detached")
	}
	ctx.Detached = true
	if ctx.Status == StatusFinished {
		r.releaseLocked(ctx)
	}
}

// SetThreadName attaches a human readable name to a live thread.
func (r *Registry) SetThreadName(id ThreadID, name string) {
	r.Lock()
	defer r.Unlock()

	ctx := r.contextLocked("SetThreadName", id)
	if ctx.Alive() {
		ctx.Name = name
	}
}

// SetThreadOSID replaces the OS id of a live thread. It exists for the main
// thread, which may be registered before its OS id can be queried.
func (r *Registry) SetThreadOSID(id ThreadID, osID uint64) {
	r.Lock()
	defer r.Unlock()

	ctx := r.contextLocked("SetThreadOSID", id)
	if !ctx.Alive() {
		r.violate("SetThreadOSID", id, ctx.Status, "thread is not alive")
	}
	if ctx.OSID != osID {
		r.log.Debug().
			Uint32("tid", uint32(id)).
			Uint64("old_os_id", ctx.OSID).
			Uint64("os_id", osID).
			Msg("Thread OS id corrected")
	}
	ctx.OSID = osID
}

func (r *Registry) releaseLocked(ctx *Context) {
	ctx.Status = StatusDead
	r.alive--
	r.hooks.OnDead(ctx)

	switch {
	case ctx.ID == MainTID:
	case r.cfg.MaxReuse > 0 && ctx.ReuseCount >= r.cfg.MaxReuse:
		r.retired++
	default:
		r.quarantine = append(r.quarantine, ctx)
	}
}

func (r *Registry) contextLocked(op string, id ThreadID) *Context {
	if int64(id) >= int64(len(r.table)) {
		r.violate(op, id, StatusInvalid, "unknown thread id")
	}
	return r.table[id]
}

// --- Lookup and enumeration ---

// GetThreadLocked returns the record for id without taking the lock. It is
// meant for a thread looking up its own record; anyone else must hold the
// lock before reading the returned fields.
func (r *Registry) GetThreadLocked(id ThreadID) *Context {
	table := *r.slots.Load()
	if int64(id) >= int64(len(table)) {
		return nil
	}
	return table[id]
}

// LookupLocked resolves a generation-qualified handle. It returns false when
// the slot was recycled after the handle was taken.
func (r *Registry) LookupLocked(h Handle) (*Context, bool) {
	r.CheckLocked()
	if int64(h.ID) >= int64(len(r.table)) {
		return nil, false
	}
	ctx := r.table[h.ID]
	if ctx.Generation != h.Generation {
		return nil, false
	}
	return ctx, true
}

// RunCallbackForEachThreadLocked invokes fn once per record. The caller holds
// the lock; fn may only read the record.
func (r *Registry) RunCallbackForEachThreadLocked(fn func(ctx *Context)) {
	r.CheckLocked()
	for _, ctx := range r.table {
		fn(ctx)
	}
}

// ThreadsLocked is the iterator form of RunCallbackForEachThreadLocked.
func (r *Registry) ThreadsLocked() iter.Seq[*Context] {
	r.CheckLocked()
	table := r.table
	return func(yield func(*Context) bool) {
		for _, ctx := range table {
			if !yield(ctx) {
				return
			}
		}
	}
}

// Threads holds the lock for the duration of the iteration and releases it on
// every exit path, including break and panic in the loop body.
func (r *Registry) Threads() iter.Seq[*Context] {
	return func(yield func(*Context) bool) {
		r.Lock()
		defer r.Unlock()
		for _, ctx := range r.table {
			if !yield(ctx) {
				return
			}
		}
	}
}

// FindThreadContextLocked returns the first record accepted by cb.
func (r *Registry) FindThreadContextLocked(cb func(ctx *Context) bool) *Context {
	r.CheckLocked()
	for _, ctx := range r.table {
		if cb(ctx) {
			return ctx
		}
	}
	return nil
}

// FindThreadContextByOSIDLocked returns the alive record bound to osID.
func (r *Registry) FindThreadContextByOSIDLocked(osID uint64) *Context {
	return r.FindThreadContextLocked(func(ctx *Context) bool {
		return ctx.OSID == osID && ctx.Alive()
	})
}

// Stats returns a snapshot of the registry counters.
func (r *Registry) Stats() Stats {
	r.Lock()
	defer r.Unlock()
	return r.StatsLocked()
}

// StatsLocked is Stats for callers already holding the lock.
func (r *Registry) StatsLocked() Stats {
	r.CheckLocked()
	s := Stats{
		Total:        len(r.table),
		Alive:        r.alive,
		Running:      r.running,
		Quarantined:  len(r.quarantine),
		Retired:      r.retired,
		MaxAlive:     r.maxAlive,
		Reused:       r.reused,
		CreatedTotal: r.created,
	}
	for _, ctx := range r.table {
		switch ctx.Status {
		case StatusCreated:
			s.Created++
		case StatusFinished:
			s.Finished++
		case StatusDead:
			s.Dead++
		}
	}
	return s
}
