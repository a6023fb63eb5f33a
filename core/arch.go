package core

import "time"

// FrameFlags tags an interceptor frame pushed by the signal subsystem.
type FrameFlags uint8

const (
	// FrameSeparateStack pushes the interceptor onto the alternate
	// signal stack instead of the thread's current user stack.
	FrameSeparateStack FrameFlags = 1 << iota
	// FrameHardwareTrap marks a frame pushed by a synchronous
	// hardware-trap path (execute_local_trap) rather than a queued,
	// asynchronous send.
	FrameHardwareTrap
)

// RegisterContext is an opaque, architecture-owned register snapshot.
// The kernel core never reads or writes register contents directly; it
// only asks Arch to inspect or transform one.
type RegisterContext interface {
	// IP returns the saved instruction pointer.
	IP() uintptr
}

// Arch is the fixed capability table the architecture layer injects at
// boot: the scheduler and its subsystems model the architecture's
// operations as a single interface table rather than per-call dynamic
// lookup. Everything behind it -- real core pinning, context switch,
// page tables, timer hardware -- lives entirely outside this module.
type Arch interface {
	// Tick returns the monotonic tick count in milliseconds.
	Tick() uint64
	// CurrentCoreID returns the id of the core the calling goroutine
	// is running as.
	CurrentCoreID() uint32
	// SendIPI executes fn(arg) on coreID, FIFO per sender. It may
	// return an error if coreID is not a known, running core.
	SendIPI(coreID uint32, fn func(arg any), arg any) error
	// IdleStall spins or halts the calling core for up to d -- used
	// when the scheduler has nothing to run.
	IdleStall(d time.Duration)
	// IsKernelPC reports whether pc lies in kernel code. Hardware
	// traps at a kernel PC are fatal; only user-mode PCs are valid
	// signal-injection sites.
	IsKernelPC(pc uintptr) bool
	// PushInterceptor pushes a signal-interceptor frame onto ctx (or
	// onto altStack if flags&FrameSeparateStack), overwrites the
	// saved PC with handler, and returns the modified context.
	PushInterceptor(ctx RegisterContext, altStack uintptr, handler uintptr, sig int, arg uintptr, flags FrameFlags) RegisterContext
}
