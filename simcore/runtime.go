// Package simcore is the goroutine-per-core Arch implementation used
// by tests and the demo harness (cmd/kernelsim): it is simulation glue,
// not kernel logic, and is deliberately kept out of sched/futex/
// semaphore/signal so those packages stay pure and unit-testable
// without it. Each core gets its own driver-loop goroutine and inbox
// channel, and shutdown waits on all of them with a bounded timeout.
//
// Threads are cooperative, not preemptive: a thread body must call
// ThreadContext.Checkpoint periodically (or block in futex.Wait/
// semaphore.Wait, which call it internally as their Park). A goroutine
// that never checkpoints cannot actually be preempted -- Advance will
// still demote and requeue it on paper, but the real goroutine keeps
// running until it next checks in. This is the one place the
// simulation's fidelity to a truly preemptive scheduler breaks down,
// and is inherent to modeling kernel threads with goroutines rather
// than real interruptible execution contexts.
package simcore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vali-go/corekernel/core"
	"github.com/vali-go/corekernel/kerrors"
	"github.com/vali-go/corekernel/klog"
	"github.com/vali-go/corekernel/sched"
)

var log = klog.DefaultLogger("simcore")

// SimContext is the RegisterContext PushInterceptor produces: a
// minimal stand-in for a real saved register snapshot, carrying only
// what this module ever inspects (the instruction pointer).
type SimContext struct {
	ip uintptr
}

func (c *SimContext) IP() uintptr { return c.ip }

// CoreArch is the core.Arch instance bound to a single simulated core.
// Every call a thread running "as" that core makes (including nested
// calls made from inside an IPI handler the Runtime dispatches to this
// core) should use this instance, so CurrentCoreID is always correct.
type CoreArch struct {
	coreID uint32
	rt     *Runtime
}

var _ core.Arch = (*CoreArch)(nil)

func (a *CoreArch) Tick() uint64          { return atomic.LoadUint64(&a.rt.clock) }
func (a *CoreArch) CurrentCoreID() uint32 { return a.coreID }

// SendIPI enqueues fn(arg) on coreID's mailbox, FIFO per sender since
// each core's mailbox is a single ordered channel and every sender that
// reaches it has already serialized on that channel's send.
func (a *CoreArch) SendIPI(coreID uint32, fn func(arg any), arg any) error {
	a.rt.mu.RLock()
	inbox, ok := a.rt.mailboxes[coreID]
	a.rt.mu.RUnlock()
	if !ok {
		return kerrors.Wrap(kerrors.ErrNotFound, "simcore: core %d is not booted", coreID)
	}
	select {
	case inbox <- func() { fn(arg) }:
		return nil
	case <-a.rt.stop:
		return kerrors.Wrap(kerrors.ErrInvalidState, "simcore: runtime is shutting down")
	}
}

func (a *CoreArch) IdleStall(d time.Duration) {
	select {
	case <-time.After(d):
	case <-a.rt.stop:
	}
}

func (a *CoreArch) IsKernelPC(pc uintptr) bool {
	if a.rt.KernelPC == nil {
		return false
	}
	return a.rt.KernelPC(pc)
}

func (a *CoreArch) PushInterceptor(ctx core.RegisterContext, altStack, handler uintptr, sig int, arg uintptr, flags core.FrameFlags) core.RegisterContext {
	return &SimContext{ip: handler}
}

// ThreadContext is a spawned thread body's handle onto the runtime: its
// scheduler identity and the resume signal that stands in for being
// dispatched onto a real CPU.
type ThreadContext struct {
	handle sched.ObjHandle
	arch   core.Arch
	resume chan struct{}
	exited chan struct{}
}

// Handle returns the thread's scheduler object handle.
func (tc *ThreadContext) Handle() sched.ObjHandle { return tc.handle }

// Arch returns this thread's bound core.Arch, to pass to
// sched/futex/semaphore/signal calls it makes.
func (tc *ThreadContext) Arch() core.Arch { return tc.arch }

// Checkpoint blocks until the runtime's driver loop schedules this
// thread to run, i.e. until sched.Advance picks this thread's object as
// `next`. It is also the Park implementation futex.Wait and
// semaphore.Wait are handed: parking and being cooperatively
// rescheduled are the same wait, from this thread's point of view.
func (tc *ThreadContext) Checkpoint() {
	<-tc.resume
}

// Runtime drives one goroutine per booted core, each repeatedly calling
// that core's PerCoreScheduler.Advance and dispatching IPI mailbox
// entries in between ticks.
type Runtime struct {
	// KernelPC optionally classifies a pc as kernel code for
	// CoreArch.IsKernelPC; nil means "never kernel code", fine for
	// threads that never exercise signal.ExecuteLocalTrap's kernel-PC
	// fatal path.
	KernelPC func(pc uintptr) bool

	clock uint64 // atomic, monotonic simulated ms

	mu        sync.RWMutex
	archs     map[uint32]*CoreArch
	mailboxes map[uint32]chan func()

	stop chan struct{}
	grp  *errgroup.Group
}

// NewRuntime creates a runtime with no booted cores.
func NewRuntime() *Runtime {
	return &Runtime{
		archs:     map[uint32]*CoreArch{},
		mailboxes: map[uint32]chan func(),
		stop:      make(chan struct{}),
	}
}

// Boot registers and starts a driver goroutine for each of coreIDs,
// each ticking every tickInterval of simulated wall-clock time. Also
// registers a core.CPUCore per id, so sched.CurrentRunning and
// core.LookupCPUCore can resolve the currently running object for
// these cores.
func (rt *Runtime) Boot(coreIDs []uint32, tickInterval time.Duration) {
	rt.grp = &errgroup.Group{}
	for _, id := range coreIDs {
		coreID := id
		sc := sched.RegisterCore(coreID)
		core.RegisterCPUCore(coreID)
		arch := &CoreArch{coreID: coreID, rt: rt}

		rt.mu.Lock()
		rt.archs[coreID] = arch
		rt.mailboxes[coreID] = make(chan func(), 256)
		rt.mu.Unlock()

		_, idleHandle := sc.CreateIdleObject(nil)
		if err := sched.Queue(arch, idleHandle, sched.CurrentRunning); err != nil {
			log.Fatal("simcore: failed to queue idle object", klog.Err(err), klog.Uint32("core", coreID))
		}

		rt.grp.Go(func() error {
			rt.runCore(coreID, sc, tickInterval)
			return nil
		})
	}
}

// ArchFor returns the core.Arch bound to coreID, for a thread body that
// needs to make calls as that core.
func (rt *Runtime) ArchFor(coreID uint32) (core.Arch, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	a, ok := rt.archs[coreID]
	return a, ok
}

// Spawn creates a scheduler object bound to coreID and starts body in
// its own goroutine. body does not run until the driver loop first
// schedules it; it should call tc.Checkpoint() at points where a real
// thread would be preemptible.
func (rt *Runtime) Spawn(coreID uint32, body func(tc *ThreadContext)) (sched.ObjHandle, error) {
	rt.mu.RLock()
	s, ok := rt.archs[coreID]
	rt.mu.RUnlock()
	if !ok {
		return sched.ObjHandle{}, kerrors.Wrap(kerrors.ErrNotFound, "simcore: core %d is not booted", coreID)
	}
	sc, ok := sched.LookupCore(coreID)
	if !ok {
		return sched.ObjHandle{}, kerrors.Wrap(kerrors.ErrNotFound, "simcore: core %d has no scheduler", coreID)
	}

	tc := &ThreadContext{arch: s, resume: make(chan struct{}, 1), exited: make(chan struct{})}
	_, h := sc.CreateBoundObject(tc)
	tc.handle = h

	if err := sched.Queue(s, h, sched.CurrentRunning); err != nil {
		return sched.ObjHandle{}, err
	}

	rt.grp.Go(func() error {
		tc.Checkpoint()
		body(tc)
		// Destruction happens on the driver loop (runCore): when it
		// observes exited closed for the core's current object, it
		// destroys it and clears the core's current object before calling
		// Advance, so the dead object is never requeued -- DestroyObject
		// requires the object not be queued or running, which only the
		// driver loop can know for certain.
		close(tc.exited)
		return nil
	})
	return h, nil
}

// Shutdown stops every driver loop and waits up to timeout for spawned
// thread goroutines to finish, mirroring utils.GracefulShutdown's
// timeout-bounded wait-all (simplified from its LIFO per-component
// ordering, which has no analogue here since driver loops are
// symmetric peers, not a dependency chain).
func (rt *Runtime) Shutdown(ctx context.Context, timeout time.Duration) error {
	close(rt.stop)

	done := make(chan error, 1)
	go func() { done <- rt.grp.Wait() }()

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case err := <-done:
		log.Info("simcore runtime shut down")
		return err
	case <-shutdownCtx.Done():
		log.Warn("simcore runtime shutdown timed out")
		return kerrors.Wrap(kerrors.ErrInvalidState, "simcore: shutdown timed out")
	}
}

func (rt *Runtime) runCore(coreID uint32, sc *sched.PerCoreScheduler, tickInterval time.Duration) {
	inbox := rt.mailboxes[coreID]
	cpu, _ := core.LookupCPUCore(coreID)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rt.stop:
			return
		case job := <-inbox:
			job()
			continue
		case <-ticker.C:
		}

		msPassed := int(tickInterval.Milliseconds())
		if msPassed < 1 {
			msPassed = 1
		}
		now := atomic.AddUint64(&rt.clock, uint64(msPassed))

		current := sched.CurrentRunning(coreID)
		if current != nil {
			if tc, ok := current.Payload().(*ThreadContext); ok {
				select {
				case <-tc.exited:
					// body returned: reap now, before Advance can
					// decide to requeue a now-dead object.
					if err := sc.DestroyObject(current.Self()); err != nil {
						log.Warn("destroy object on thread exit failed", klog.Err(err))
					}
					cpu.SetCurrentObject(nil)
					current = nil
				default:
				}
			}
		}

		next, nextDeadline := sc.Advance(current, true, msPassed, now)
		if next != current {
			cpu.SetCurrentObject(next)
			// next == nil or the idle object (FlagIdle): nothing real
			// is runnable. The ticker's own cadence already paces this
			// core, so there's nothing further to dispatch.
			if next != nil && next.Flags()&sched.FlagIdle == 0 {
				if tc, ok := next.Payload().(*ThreadContext); ok {
					select {
					case tc.resume <- struct{}{}:
					default:
					}
				}
			}
		}
		if nextDeadline > 0 {
			ticker.Reset(min(tickInterval, time.Duration(nextDeadline)*time.Millisecond))
		} else {
			ticker.Reset(tickInterval)
		}
	}
}
