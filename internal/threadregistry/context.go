package threadregistry

import (
	"math"
	"strconv"
)

// ThreadID is the registry-internal logical thread identifier.
type ThreadID uint32

const (
	// MainTID is reserved for the process's initial thread and is never recycled.
	MainTID ThreadID = 0
	// InvalidTID means "no thread", e.g. the parent of the main thread.
	InvalidTID ThreadID = math.MaxUint32
)

// Status is the lifecycle state of a Context.
type Status uint8

const (
	StatusInvalid Status = iota // Slot is not in use.
	StatusCreated               // Reserved by the creator, not started yet.
	StatusRunning               // Started by the thread itself.
	StatusFinished              // Finished, waiting to be joined.
	StatusDead                  // Resources released; the slot may be recycled.
)

var statusNames = [...]string{"invalid", "created", "running", "finished", "dead"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// ThreadType distinguishes the initial thread from all others.
type ThreadType uint8

const (
	TypeRegular ThreadType = iota
	TypeMain
	TypeWorker
	TypeFiber
)

var typeNames = [...]string{"regular", "main", "worker", "fiber"}

func (t ThreadType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// Context is the per-thread record owned by the Registry.
// Fields are written only while the registry lock is held. The thread that
// owns the record may read ID, Generation, OSID, Status, ParentID and Type
// without the lock, since it drives its own Start and Finish transitions.
type Context struct {
	ID         ThreadID
	Generation uint32 // Bumped every time the slot is recycled.
	ReuseCount uint32

	OSID     uint64
	UserID   uint64
	Status   Status
	ParentID ThreadID
	Type     ThreadType
	Detached bool
	Name     string
}

// Handle pairs an id with the generation it was issued for, so a caller
// holding it across a recycle can detect that it went stale.
type Handle struct {
	ID         ThreadID
	Generation uint32
}

// Handle returns the generation-qualified identity of the record.
func (c *Context) Handle() Handle {
	return Handle{ID: c.ID, Generation: c.Generation}
}

// Alive reports whether the record represents a thread that has been created
// and not yet released.
func (c *Context) Alive() bool {
	return c.Status == StatusCreated || c.Status == StatusRunning || c.Status == StatusFinished
}

func (c *Context) reset() {
	gen := c.Generation + 1
	reuse := c.ReuseCount
	*c = Context{ID: c.ID, Generation: gen, ReuseCount: reuse}
}

// Hooks receives lifecycle callbacks. All callbacks run with the registry lock held
// and must not call back into the registry's mutating methods.
type Hooks interface {
	OnCreated(ctx *Context, arg any)
	OnStarted(ctx *Context, arg any)
	// OnFinished runs before the status leaves Running.
	OnFinished(ctx *Context)
	OnJoined(ctx *Context)
	OnDead(ctx *Context)
}

// NopHooks implements Hooks with no-ops; embed it to override a subset.
type NopHooks struct{}

func (NopHooks) OnCreated(*Context, any) {}
func (NopHooks) OnStarted(*Context, any) {}
func (NopHooks) OnFinished(*Context)     {}
func (NopHooks) OnJoined(*Context)       {}
func (NopHooks) OnDead(*Context)         {}
