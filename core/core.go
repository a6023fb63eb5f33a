package core

import "sync/atomic"

// CPUCore is the per-core record tracking "what is currently running",
// in place of a single module-level "current thread" pointer: each
// booted core gets one, addressed by its own id via an Arch's
// CurrentCoreID, and every cross-core read of "what is this core
// running right now" goes through it instead of a shared global.
//
// CPUCore holds no scheduler-specific fields itself -- sched, futex and
// signal each keep their own per-core state and look it up by CoreID --
// it exists purely to answer "what is core N currently running",
// the one piece of per-core state every subsystem needs to consult.
type CPUCore struct {
	id      uint32
	current atomic.Pointer[any]
	lock    IRQSpinlock
}

// NewCPUCore creates the record for a booted core. Called once per core
// at boot, mirroring RegisterCore in the scheduler.
func NewCPUCore(id uint32) *CPUCore {
	return &CPUCore{id: id}
}

// ID returns the core's id.
func (c *CPUCore) ID() uint32 { return c.id }

// Lock returns the core's IRQ-disabling spinlock. The run queues and
// pending-signal rings are not guarded by it: sched and signal each use
// their own locks.
func (c *CPUCore) Lock() *IRQSpinlock { return &c.lock }

// CurrentObject returns whatever opaque scheduler-object reference this
// core is currently running, or nil if it's idling. The type is kept
// as `any` here (rather than importing the sched package, which would
// create an import cycle since sched needs to ask cores who's running)
// -- callers type-assert to *sched.Object.
func (c *CPUCore) CurrentObject() any {
	p := c.current.Load()
	if p == nil {
		return nil
	}
	return *p
}

// SetCurrentObject records obj as this core's running object.
func (c *CPUCore) SetCurrentObject(obj any) {
	c.current.Store(&obj)
}

var (
	registryMu = IRQSpinlock{}
	registry   = map[uint32]*CPUCore{}
)

// RegisterCPUCore installs and returns a new CPUCore for id.
func RegisterCPUCore(id uint32) *CPUCore {
	c := NewCPUCore(id)
	registryMu.Acquire()
	registry[id] = c
	registryMu.Release()
	return c
}

// LookupCPUCore returns the CPUCore registered for id, if any.
func LookupCPUCore(id uint32) (*CPUCore, bool) {
	registryMu.Acquire()
	defer registryMu.Release()
	c, ok := registry[id]
	return c, ok
}
