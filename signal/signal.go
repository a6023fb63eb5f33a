// Package signal implements the asynchronous thread-signal subsystem:
// a per-thread pending-signal ring, cross-core delivery via the
// scheduler's expedite path, and interceptor-frame injection into a
// thread's saved or active register context. The pending ring uses the
// same slice-backed FIFO shape as sched's run queue.
package signal

import (
	"sync"
	"sync/atomic"

	"github.com/vali-go/corekernel/core"
	"github.com/vali-go/corekernel/kerrors"
	"github.com/vali-go/corekernel/klog"
	"github.com/vali-go/corekernel/sched"
)

var log = klog.DefaultLogger("signal")

// NumSignals bounds the signal number space the mask bitset covers.
const NumSignals = 64

type signalRecord struct {
	sig   int
	arg   uintptr
	flags core.FrameFlags
}

// ring is the pending-signal queue's storage: a slice-backed FIFO with
// the same lazy head-compaction as sched.runQueue. It never reports
// "full" and enqueue cannot fail, so a burst of signals is never
// silently dropped.
type ring struct {
	items []signalRecord
	head  int
}

func (r *ring) push(rec signalRecord) {
	r.items = append(r.items, rec)
}

func (r *ring) pop() (signalRecord, bool) {
	if r.head >= len(r.items) {
		r.items = r.items[:0]
		r.head = 0
		return signalRecord{}, false
	}
	rec := r.items[r.head]
	r.head++
	if r.head > 64 && r.head*2 > len(r.items) {
		r.items = append(r.items[:0], r.items[r.head:]...)
		r.head = 0
	}
	return rec, true
}

// Thread is the signal-subsystem's per-thread record: handler address,
// alternate signal stack, blocked-signal mask, and pending ring.
type Thread struct {
	mu          sync.Mutex
	handle      sched.ObjHandle
	handlerAddr uintptr
	altStack    uintptr
	mask        uint64
	pending     int32 // atomic
	q           ring
}

var (
	registryMu sync.RWMutex
	registry   = map[sched.ObjHandle]*Thread{}
)

// Register installs a signal record for h. altStack is the preallocated
// alternate signal stack execute_local_trap pushes onto.
func Register(h sched.ObjHandle, altStack uintptr) *Thread {
	t := &Thread{handle: h, altStack: altStack}
	registryMu.Lock()
	registry[h] = t
	registryMu.Unlock()
	return t
}

// Unregister removes h's signal record.
func Unregister(h sched.ObjHandle) {
	registryMu.Lock()
	delete(registry, h)
	registryMu.Unlock()
}

// Lookup returns h's signal record, if registered.
func Lookup(h sched.ObjHandle) (*Thread, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	t, ok := registry[h]
	return t, ok
}

// Pending returns the number of signals currently queued.
func (t *Thread) Pending() int32 { return atomic.LoadInt32(&t.pending) }

func (t *Thread) maskBlocks(sig int) bool {
	return atomic.LoadUint64(&t.mask)&(1<<uint(sig)) != 0
}

// ContextSource supplies the register context the signal subsystem
// injects into: the interrupted context for a thread currently running
// on a core, or the saved context of a thread that is not. It is an
// injected capability rather than state this package owns, so signal
// never has to know how a caller stores register files.
type ContextSource interface {
	// ActiveContext returns h's current register context and whether
	// one is available (false if h has never run).
	ActiveContext(h sched.ObjHandle) (core.RegisterContext, bool)
	// SetActiveContext stores ctx back as h's current register context,
	// after an interceptor frame has been pushed onto it.
	SetActiveContext(h sched.ObjHandle, ctx core.RegisterContext)
}

// Install implements the `install` operation: store the handler address
// in h's signal record.
func Install(h sched.ObjHandle, handlerAddr uintptr) error {
	t, ok := Lookup(h)
	if !ok {
		return kerrors.Wrap(kerrors.ErrNotFound, "signal: install on unregistered thread")
	}
	t.mu.Lock()
	t.handlerAddr = handlerAddr
	t.mu.Unlock()
	return nil
}

// SetMask sets h's blocked-signal bitset.
func SetMask(h sched.ObjHandle, mask uint64) error {
	t, ok := Lookup(h)
	if !ok {
		return kerrors.Wrap(kerrors.ErrNotFound, "signal: set_mask on unregistered thread")
	}
	atomic.StoreUint64(&t.mask, mask)
	return nil
}

// Send implements the `send` operation and its delivery protocol:
// enqueue {sig, arg, flags=0} in target's ring, then trigger delivery
// on target's owning core (locally, or via IPI if the caller is on a
// different core).
func Send(arch core.Arch, cs ContextSource, running func(coreID uint32) *sched.Object, target sched.ObjHandle, sig int, arg uintptr) error {
	if sig < 0 || sig >= NumSignals {
		return kerrors.Wrap(kerrors.ErrInvalidState, "signal: signal %d out of range", sig)
	}
	t, ok := Lookup(target)
	if !ok {
		return kerrors.Wrap(kerrors.ErrNotFound, "signal: send to unregistered thread")
	}
	if t.maskBlocks(sig) {
		return kerrors.ErrBlocked
	}

	t.mu.Lock()
	t.q.push(signalRecord{sig: sig, arg: arg})
	t.mu.Unlock()
	atomic.AddInt32(&t.pending, 1)

	log.Debug("signal queued", klog.Uint32("core", target.CoreID), klog.Int("signal", sig))

	if arch.CurrentCoreID() == target.CoreID {
		deliverLocal(arch, cs, running, target)
		return nil
	}
	return arch.SendIPI(target.CoreID, func(arg any) {
		deliverLocal(arch, cs, running, target)
	}, nil)
}

// deliverLocal runs the delivery protocol's step 1, on target's owning
// core: running-in-user-mode processes the ring immediately,
// running-in-kernel-mode leaves it queued for the syscall-return path,
// blocked expedites the scheduler object so it drains on its next
// return to user mode, and anything else (idle, queued, zombie) is left
// for the thread to drain itself next time it runs.
func deliverLocal(arch core.Arch, cs ContextSource, running func(coreID uint32) *sched.Object, target sched.ObjHandle) {
	o, ok := sched.Resolve(target)
	if !ok {
		return
	}

	if cur := running(target.CoreID); cur == o {
		ctx, ok := cs.ActiveContext(target)
		if !ok || arch.IsKernelPC(ctx.IP()) {
			return // syscall in progress; drains on syscall return
		}
		cs.SetActiveContext(target, ProcessQueued(arch, target, ctx))
		return
	}

	if o.State() == sched.StateBlocked {
		if err := sched.Expedite(arch, target, running); err != nil {
			log.Warn("expedite on signal delivery failed", klog.Err(err))
		}
	}
}

// ProcessQueued implements `process_queued`: drains h's pending ring,
// pushing one interceptor frame per entry onto ctx, and returns the
// resulting context. Exported so a syscall-return path can drain a
// thread's ring itself once its kernel-mode work finishes, mirroring
// ExecuteSignalOnCoreFunction's CASE 1.1/2.1 deferral; simcore has no
// syscall-return path and does not call it.
func ProcessQueued(arch core.Arch, h sched.ObjHandle, ctx core.RegisterContext) core.RegisterContext {
	t, ok := Lookup(h)
	if !ok {
		return ctx
	}

	t.mu.Lock()
	handler := t.handlerAddr
	t.mu.Unlock()
	if handler == 0 {
		// Signals arrived before a handler was installed; leave them
		// queued rather than dropping them.
		return ctx
	}

	cur := ctx
	for {
		t.mu.Lock()
		rec, has := t.q.pop()
		t.mu.Unlock()
		if !has {
			break
		}
		cur = arch.PushInterceptor(cur, 0, handler, rec.sig, rec.arg, rec.flags)
		atomic.AddInt32(&t.pending, -1)
	}
	return cur
}

// ExecuteLocalTrap implements `execute_local_trap`: the synchronous
// hardware-trap path. It bypasses the ring entirely and pushes a single
// interceptor frame onto the alternate signal stack. A hardware trap
// taken at a kernel PC is fatal: kernel code has no interceptor to
// install one into, so the only sound response is to halt.
func ExecuteLocalTrap(arch core.Arch, h sched.ObjHandle, ctx core.RegisterContext, sig int, arg uintptr) (core.RegisterContext, error) {
	if arch.IsKernelPC(ctx.IP()) {
		kerrors.Fatal("signal: hardware trap at kernel pc 0x%x", ctx.IP())
	}
	t, ok := Lookup(h)
	if !ok {
		return ctx, kerrors.Wrap(kerrors.ErrNotFound, "signal: execute_local_trap on unregistered thread")
	}
	t.mu.Lock()
	handler := t.handlerAddr
	altStack := t.altStack
	t.mu.Unlock()
	if handler == 0 {
		return ctx, kerrors.Wrap(kerrors.ErrInvalidState, "signal: no handler installed")
	}
	next := arch.PushInterceptor(ctx, altStack, handler, sig, arg, core.FrameSeparateStack|core.FrameHardwareTrap)
	return next, nil
}
