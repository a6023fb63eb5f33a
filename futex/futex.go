// Package futex implements a wait-word primitive: a process-wide hash
// table of wait-queues keyed by a 32-bit memory address, with
// compare-and-park wait and address-keyed wake built on top of the
// scheduler's block/unblock pair. Wake consults a bloom filter before
// touching any bucket lock, so the common case of waking an address
// nobody is parked on costs nothing but a membership test.
package futex

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/vali-go/corekernel/core"
	"github.com/vali-go/corekernel/kerrors"
	"github.com/vali-go/corekernel/sched"
)

const bucketCount = 256

// table is the process-wide hash table of wait-queues. Exactly one
// exists per process and it is never torn down: it is long-lived,
// process-wide mutable state alongside the per-core scheduler records.
type table struct {
	buckets [bucketCount]bucket

	// membership is a fast, lock-free "definitely no waiters for this
	// address" rejection test for Wake: most wakes in a healthy system
	// race no one, and Test lets them skip acquiring any bucket lock at
	// all. False positives only cost a wasted lock acquisition, never a
	// missed wake, since Wake always re-checks the bucket under lock.
	membershipMu sync.Mutex
	membership   *bloom.BloomFilter
}

func newTable() *table {
	return &table{membership: bloom.NewWithEstimates(4096, 0.01)}
}

var globalTable = newTable()

// ResetMembershipFilter rebuilds the wake fast-path filter, bounding its
// false-positive rate as addresses churn over the process lifetime
// (mirrors gossip.go's periodic seenFilter reset). The new filter is
// empty: an address whose waiters parked before the reset is no longer
// recorded, and Wake on it returns 0 without waking them until a later
// Wait on that address records it again.
func ResetMembershipFilter() {
	globalTable.membershipMu.Lock()
	globalTable.membership = bloom.NewWithEstimates(4096, 0.01)
	globalTable.membershipMu.Unlock()
}

func hashAddr(addr *uint32) uint64 {
	p := uintptr(unsafe.Pointer(addr))
	// fibonacci/multiplicative hash over the pointer bit pattern
	return (uint64(p) * 11400714819323198485) >> 32
}

func addrKey(addr *uint32) []byte {
	p := uintptr(unsafe.Pointer(addr))
	b := make([]byte, unsafe.Sizeof(p))
	for i := range b {
		b[i] = byte(p >> (8 * i))
	}
	return b
}

func (t *table) bucketFor(addr *uint32) *bucket {
	return &t.buckets[hashAddr(addr)%bucketCount]
}

// bucket is one hash slot: a lock-protected FIFO of parked objects. It
// implements sched.WaitList, the interface the scheduler's Block/
// Expedite/Unblock paths use instead of holding a raw pointer into this
// package.
type bucket struct {
	mu     sync.Mutex
	parked []sched.ObjHandle
}

func (b *bucket) Append(h sched.ObjHandle) {
	b.mu.Lock()
	b.parked = append(b.parked, h)
	b.mu.Unlock()
}

func (b *bucket) Remove(h sched.ObjHandle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, v := range b.parked {
		if v == h {
			b.parked = append(b.parked[:i], b.parked[i+1:]...)
			return true
		}
	}
	return false
}

// peek snapshots up to n entries from the front of the bucket's queue,
// without removing them -- sched.Unblock performs the actual removal
// (via Remove) so there is exactly one place that mutates parked.
func (b *bucket) peek(n int) []sched.ObjHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.parked) {
		n = len(b.parked)
	}
	return append([]sched.ObjHandle(nil), b.parked[:n]...)
}

// Park is implemented by the caller's goroutine-scheduling layer
// (simcore): after Wait has done the scheduler bookkeeping to mark the
// calling object Blocked, Park must not return until some other
// goroutine has driven that object back to Running (via this package's
// Wake, via sched.Expedite, or via a natural sleep-queue timeout).
type Park func()

// Wait implements the futex `wait` contract. h must be the calling
// object's own handle (sched.Object.Self()). park suspends the calling
// goroutine; Wait calls it after registering with the bucket and
// returns once park returns.
func Wait(addr *uint32, expected uint32, timeoutMS int, h sched.ObjHandle, park Park) error {
	current := atomic.LoadUint32(addr)
	if current != expected {
		return kerrors.ErrWouldBlock
	}

	o, ok := sched.Resolve(h)
	if !ok {
		return kerrors.Wrap(kerrors.ErrNotFound, "futex: wait on unknown or stale handle")
	}

	b := globalTable.bucketFor(addr)

	globalTable.membershipMu.Lock()
	globalTable.membership.Add(addrKey(addr))
	globalTable.membershipMu.Unlock()

	// A full fence between the *addr re-check above and the bucket
	// insertion below, paired with a matching fence around the update
	// to *addr before Wake is called, is what prevents a wake from
	// being missed between the recheck and the park; Go's mutex
	// acquire in Block→bucket.Append already provides that edge.
	o.Block(b, h, timeoutMS)

	park()

	if o.IsTimeout() {
		return kerrors.ErrTimedOut
	}
	return nil
}

// Wake implements the futex `wake` contract: wakes up to n parkers on
// addr, returning the number actually woken. running supplies each
// woken object's owning core's "what's currently executing" lookup,
// threaded through to sched.Unblock's re-queue step.
func Wake(arch core.Arch, addr *uint32, n int, running func(coreID uint32) *sched.Object) int {
	globalTable.membershipMu.Lock()
	maybePresent := globalTable.membership.Test(addrKey(addr))
	globalTable.membershipMu.Unlock()
	if !maybePresent {
		return 0
	}

	b := globalTable.bucketFor(addr)
	candidates := b.peek(n)

	woken := 0
	for _, h := range candidates {
		ok, err := sched.Unblock(arch, h, running)
		if err == nil && ok {
			woken++
		}
	}
	return woken
}
