package core

// Handle identifies a slot in a Pool. A Handle from a freed-and-reused
// slot fails Get's generation check rather than aliasing whatever now
// occupies that slot, which is what lets two subsystems reference the
// same scheduler object without sharing ownership of it.
type Handle struct {
	Index      uint32
	Generation uint32
}

type slot[T any] struct {
	value      T
	generation uint32
	occupied   bool
}

// Pool is a generation-checked slab pool: a free-list over fixed
// slots, sized for in-process use rather than a shared memory segment.
type Pool[T any] struct {
	slots []slot[T]
	free  []uint32
}

// NewPool creates an empty pool.
func NewPool[T any]() *Pool[T] {
	return &Pool[T]{}
}

// Alloc stores v in a free slot (or a newly appended one) and returns
// its handle.
func (p *Pool[T]) Alloc(v T) Handle {
	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		p.free = p.free[:n-1]
		s := &p.slots[idx]
		s.value = v
		s.occupied = true
		return Handle{Index: idx, Generation: s.generation}
	}
	idx := uint32(len(p.slots))
	p.slots = append(p.slots, slot[T]{value: v, generation: 1, occupied: true})
	return Handle{Index: idx, Generation: 1}
}

// Get returns the value at h and true if h is still live, or the zero
// value and false if h's slot was freed (and possibly reallocated)
// since h was issued.
func (p *Pool[T]) Get(h Handle) (T, bool) {
	var zero T
	if int(h.Index) >= len(p.slots) {
		return zero, false
	}
	s := &p.slots[h.Index]
	if !s.occupied || s.generation != h.Generation {
		return zero, false
	}
	return s.value, true
}

// Free releases h's slot. Freeing an already-free or stale handle is a
// no-op.
func (p *Pool[T]) Free(h Handle) {
	if int(h.Index) >= len(p.slots) {
		return
	}
	s := &p.slots[h.Index]
	if !s.occupied || s.generation != h.Generation {
		return
	}
	var zero T
	s.value = zero
	s.occupied = false
	s.generation++
	p.free = append(p.free, h.Index)
}

// Len returns the number of live (allocated, unfreed) slots.
func (p *Pool[T]) Len() int {
	return len(p.slots) - len(p.free)
}
