// Package semaphore implements a counting semaphore: a CAS-guarded
// counter with wait/signal built directly on the futex wait-word
// primitive, including a saturate-don't-error signal contract and a
// retry-on-lost-CAS wait loop.
package semaphore

import (
	"sync/atomic"

	"github.com/vali-go/corekernel/core"
	"github.com/vali-go/corekernel/futex"
	"github.com/vali-go/corekernel/kerrors"
	"github.com/vali-go/corekernel/sched"
)

// MaxWaiters bounds the wake fan-out Destruct uses to drain every
// possible parked waiter in one call, mirroring the original's
// SEMAPHORE_MAX_WAITERS constant used the same way.
const MaxWaiters = 1 << 16

// Semaphore is a counting semaphore. The zero value is not usable;
// construct one with New.
type Semaphore struct {
	value     uint32
	max       uint32
	destroyed uint32 // atomic bool
}

// New implements SemaphoreConstruct: validates 0 <= initial <= max.
func New(initial, max uint32) (*Semaphore, error) {
	if initial > max {
		return nil, kerrors.Wrap(kerrors.ErrInvalidState, "semaphore: initial %d exceeds max %d", initial, max)
	}
	return &Semaphore{value: initial, max: max}, nil
}

// Wait implements the semaphore `wait` algorithm exactly: an
// unconditional fetch_sub, undone with a compensating fetch_add if its
// pre-decrement reading shows another waiter got there first.
func (s *Semaphore) Wait(arch core.Arch, h sched.ObjHandle, park futex.Park, timeoutMS int) error {
	for {
		v := atomic.LoadUint32(&s.value)
		for v < 1 {
			err := futex.Wait(&s.value, v, timeoutMS, h, park)
			if err == kerrors.ErrTimedOut {
				return kerrors.ErrTimedOut
			}
			// Ok or WouldBlock both mean: re-read and recheck.
			v = atomic.LoadUint32(&s.value)
		}

		pre := atomic.AddUint32(&s.value, ^uint32(0)) + 1 // value before the decrement
		if pre >= 1 {
			return nil
		}
		atomic.AddUint32(&s.value, 1) // lost the race, undo and retry
	}
}

// Signal implements the semaphore `signal` algorithm exactly: n
// iterations of a CAS loop that saturates (never errors) at max,
// followed unconditionally by one futex wake per iteration, even on an
// iteration that saturated rather than incremented, so a waiter blocked
// on a stale value still gets kicked to re-check it. Returns the number
// of permits actually added, which is n unless the semaphore saturated
// partway through.
func (s *Semaphore) Signal(arch core.Arch, running func(coreID uint32) *sched.Object, n uint32) uint32 {
	var applied uint32
	for i := uint32(0); i < n; i++ {
		for {
			v := atomic.LoadUint32(&s.value)
			if v+1 > s.max {
				break // saturated: this iteration applies nothing
			}
			if atomic.CompareAndSwapUint32(&s.value, v, v+1) {
				applied++
				break
			}
		}
		futex.Wake(arch, &s.value, 1, running)
	}
	return applied
}

// Destruct implements SemaphoreDestruct: wakes every possible parked
// waiter. Any Wait call that starts after this returns has undefined
// behavior; callers must guarantee no new waiters arrive once destroy
// has been initiated.
func (s *Semaphore) Destruct(arch core.Arch, running func(coreID uint32) *sched.Object) {
	atomic.StoreUint32(&s.destroyed, 1)
	futex.Wake(arch, &s.value, MaxWaiters, running)
}

// Value returns the current permit count, for tests and diagnostics.
func (s *Semaphore) Value() uint32 { return atomic.LoadUint32(&s.value) }
