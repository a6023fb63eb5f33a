// Package sched implements the per-core multilevel-feedback scheduler:
// per-core run queues, cross-core load balancing, priority boosting,
// timed sleep, block/wake, and expedite. The run queue is a slice-backed
// FIFO deque per level rather than an intrusive linked list, and the
// cross-subsystem wait-queue back-reference is expressed as the
// WaitList interface instead of a raw list pointer, so futex and signal
// can park an object without sched knowing their internal layout.
package sched

import (
	"sync"

	"github.com/vali-go/corekernel/core"
)

// State is a scheduler object's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateQueued
	StateRunning
	StateBlocked
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Flags is a bitset of per-object scheduling flags.
type Flags uint32

const (
	// FlagBound pins the object to its creation core: it never
	// migrates and never participates in load-balancing placement.
	FlagBound Flags = 1 << iota
	// FlagIdle marks the per-core idle object.
	FlagIdle
)

const (
	// LevelCount is the number of MLFQ run-queue levels.
	LevelCount = 6
	// LevelMax is the lowest-priority (highest index) level.
	LevelMax = LevelCount - 1
	// LevelLow is the level idle objects are created at.
	LevelLow = LevelCount - 1
	// InitialSlice is the base time slice (ms) at level 0.
	InitialSlice = 20
	// BoostInterval is the ms between priority-boost sweeps.
	BoostInterval = 2000
)

func sliceForLevel(level int) int {
	return InitialSlice + level*2
}

// ObjHandle identifies a scheduler object globally: the owning core plus
// a generation-checked handle into that core's object pool. It is the
// value other subsystems (futex, signal) hold instead of a raw *Object
// pointer, so a handle stays valid to compare and log even after the
// object it names has been destroyed and its slot reused.
type ObjHandle struct {
	CoreID uint32
	Handle core.Handle
}

// WaitList is implemented by any primitive that parks scheduler objects
// outside the scheduler's own run/sleep queues (the futex bucket, in
// this module). Block appends the blocked object's handle to it; the
// scheduler's Expedite and sleep-timeout paths call Remove. Both sides
// may race to remove the same handle -- a concurrent wake can fire just
// as a timeout sweep reaches the same object -- so Remove's boolean
// result decides which side actually gets to wake it.
type WaitList interface {
	Append(h ObjHandle)
	Remove(h ObjHandle) bool
}

// Object is a scheduler object: the per-thread scheduling state the
// scheduler tracks. Fields touched only by the owning core's single
// thread-of-control (queueLevel, timeSlice, …) need no lock beyond the
// scheduler's own IRQSpinlock serializing run/sleep-queue mutation;
// fields Expedite/IsTimeout may read from a different calling core than
// the owner (state, waitList, timeout, interruptedAt) are guarded by mu
// instead, since a plain mutex already gives the happens-before edge a
// cross-core read needs.
type Object struct {
	mu sync.Mutex

	state State
	coreID uint32
	flags  Flags

	queueLevel    int
	timeSlice     int
	timeSliceLeft int

	timeLeft      int // ms remaining of a sleep/block timeout
	timeoutFired  bool
	interruptedAt uint64
	waitList      WaitList

	self ObjHandle // this object's own handle, so a timeout sweep can call waitList.Remove(self) without the caller threading it through

	payload any
}

// Self returns the object's own handle.
func (o *Object) Self() ObjHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.self
}

// State returns the object's current lifecycle state.
func (o *Object) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Object) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Flags returns the object's flag bitset.
func (o *Object) Flags() Flags {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flags
}

// Payload returns the opaque owner-supplied payload (the thread record).
func (o *Object) Payload() any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.payload
}

// QueueLevel returns the object's current MLFQ level.
func (o *Object) QueueLevel() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queueLevel
}

// IsTimeout reports whether the most recent sleep/block woke via
// natural timeout (true) rather than expedite (false).
func (o *Object) IsTimeout() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.timeoutFired
}

// InterruptedAt returns the tick at which an expedite/timeout woke the
// object, valid only immediately after a sleep/block returns.
func (o *Object) InterruptedAt() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interruptedAt
}
