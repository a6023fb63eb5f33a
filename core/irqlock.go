package core

import (
	"sync"
	"sync/atomic"
)

// IRQSpinlock is the per-core synchronization primitive: on real
// hardware, Acquire disables local interrupts and Release restores
// them, so the owning core's own interrupt handler cannot re-enter the
// critical section while held.
//
// This is a userspace simulation with no interrupt controller to
// desugar to, so the disable/restore half of the contract is tracked
// only as a diagnostic depth counter; the mutual-exclusion half --
// the owning core and remote cores delivering work via IPI handlers
// never interleaving their mutations -- is provided by the embedded
// mutex.
type IRQSpinlock struct {
	mu      sync.Mutex
	depth   int32 // atomic; >0 while held, for Held()
}

// Acquire takes the lock and marks interrupts as disabled on this core.
func (s *IRQSpinlock) Acquire() {
	s.mu.Lock()
	atomic.AddInt32(&s.depth, 1)
}

// Release restores interrupts and releases the lock. Calling Release
// without a matching Acquire is a programming error (there is no
// owning interrupt controller to silently correct it).
func (s *IRQSpinlock) Release() {
	atomic.AddInt32(&s.depth, -1)
	s.mu.Unlock()
}

// Held reports whether the lock is currently held by some goroutine.
// Diagnostic only -- never used to make a locking decision.
func (s *IRQSpinlock) Held() bool {
	return atomic.LoadInt32(&s.depth) > 0
}
