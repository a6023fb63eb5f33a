package sched

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vali-go/corekernel/core"
	"github.com/vali-go/corekernel/kerrors"
	"github.com/vali-go/corekernel/klog"
)

var log = klog.DefaultLogger("sched")

// PerCoreScheduler is one core's multilevel-feedback run queue set. Every
// booted core owns exactly one, created once at boot and never torn
// down. Run- and sleep-queue mutation (Advance, and queueing from
// Queue/Unblock/Expedite) happens under lock; bandwidth and objectCount
// are updated atomically; lastBoost is touched only inside Advance.
type PerCoreScheduler struct {
	coreID uint32
	lock   core.IRQSpinlock

	queues     [LevelCount]runQueue
	sleepQueue sleepSet
	lastBoost  uint64 // 0 means "not armed"

	bandwidth   int64 // atomic: sum of live objects' TimeSlice
	objectCount int64 // atomic

	pool *core.Pool[*Object]
}

var (
	registryMu sync.RWMutex
	registry   = map[uint32]*PerCoreScheduler{}
)

// RegisterCore installs sched as the scheduler for coreID. Called once
// per core at boot.
func RegisterCore(coreID uint32) *PerCoreScheduler {
	s := &PerCoreScheduler{coreID: coreID, pool: core.NewPool[*Object]()}
	registryMu.Lock()
	registry[coreID] = s
	registryMu.Unlock()
	return s
}

// LookupCore returns the scheduler registered for coreID, if any.
func LookupCore(coreID uint32) (*PerCoreScheduler, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[coreID]
	return s, ok
}

func bootedCoreIDsSorted() []uint32 {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]uint32, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// allocateCore implements AllocateScheduler: pick the booted core
// carrying the least scheduling bandwidth, breaking ties by the lowest
// core id so placement is reproducible instead of map-iteration-order
// dependent.
func allocateCore() *PerCoreScheduler {
	ids := bootedCoreIDsSorted()
	registryMu.RLock()
	defer registryMu.RUnlock()

	var best *PerCoreScheduler
	for _, id := range ids {
		cand := registry[id]
		if best == nil || atomic.LoadInt64(&cand.bandwidth) < atomic.LoadInt64(&best.bandwidth) {
			best = cand
		}
	}
	return best
}

// CoreID returns the id of the core this scheduler belongs to.
func (s *PerCoreScheduler) CoreID() uint32 { return s.coreID }

// Bandwidth returns the sum of live objects' time slices on this core,
// the load metric allocateCore and the metrics.LoadForecaster consume.
func (s *PerCoreScheduler) Bandwidth() int64 { return atomic.LoadInt64(&s.bandwidth) }

// ObjectCount returns the number of live objects owned by this core.
func (s *PerCoreScheduler) ObjectCount() int64 { return atomic.LoadInt64(&s.objectCount) }

// CreateIdleObject creates the one bound, level-LevelLow idle object for
// this core. Must be called exactly once, on the owning core.
func (s *PerCoreScheduler) CreateIdleObject(payload any) (*Object, ObjHandle) {
	o := &Object{
		state:         StateIdle,
		coreID:        s.coreID,
		flags:         FlagBound | FlagIdle,
		queueLevel:    LevelLow,
		timeSlice:     sliceForLevel(LevelLow),
		timeSliceLeft: sliceForLevel(LevelLow),
		payload:       payload,
	}
	h := s.pool.Alloc(o)
	oh := ObjHandle{CoreID: s.coreID, Handle: h}
	o.self = oh
	atomic.AddInt64(&s.bandwidth, int64(o.timeSlice))
	atomic.AddInt64(&s.objectCount, 1)
	return o, oh
}

// CreateObject implements SchedulerCreateObject for a regular (non-idle)
// object: it is placed on whichever booted core currently carries the
// least bandwidth (allocateCore), not necessarily the calling core.
func CreateObject(payload any, bound bool) (*Object, ObjHandle, error) {
	var owner *PerCoreScheduler
	if bound {
		return nil, ObjHandle{}, kerrors.Wrap(kerrors.ErrInvalidState, "sched: CreateObject bound requires an explicit core, use PerCoreScheduler.CreateBoundObject")
	}
	owner = allocateCore()
	if owner == nil {
		return nil, ObjHandle{}, kerrors.Wrap(kerrors.ErrInvalidState, "sched: no booted core registered")
	}

	o := &Object{
		state:         StateIdle,
		coreID:        owner.coreID,
		queueLevel:    0,
		timeSlice:     InitialSlice,
		timeSliceLeft: InitialSlice,
		payload:       payload,
	}
	h := owner.pool.Alloc(o)
	oh := ObjHandle{CoreID: owner.coreID, Handle: h}
	o.self = oh
	atomic.AddInt64(&owner.bandwidth, int64(o.timeSlice))
	atomic.AddInt64(&owner.objectCount, 1)
	log.Debug("object created", klog.Uint32("core", owner.coreID))
	return o, oh, nil
}

// CreateBoundObject creates an object pinned to this core: it never
// migrates and never participates in load-balancing placement, the
// right shape for an interrupt-affine worker.
func (s *PerCoreScheduler) CreateBoundObject(payload any) (*Object, ObjHandle) {
	o := &Object{
		state:         StateIdle,
		coreID:        s.coreID,
		flags:         FlagBound,
		queueLevel:    0,
		timeSlice:     InitialSlice,
		timeSliceLeft: InitialSlice,
		payload:       payload,
	}
	h := s.pool.Alloc(o)
	oh := ObjHandle{CoreID: s.coreID, Handle: h}
	o.self = oh
	atomic.AddInt64(&s.bandwidth, int64(o.timeSlice))
	atomic.AddInt64(&s.objectCount, 1)
	return o, oh
}

// DestroyObject implements SchedulerDestroyObject: removes the object's
// bandwidth pressure from its owning core and frees its pool slot. The
// object must not be queued or running.
func (s *PerCoreScheduler) DestroyObject(h ObjHandle) error {
	o, ok := s.pool.Get(h.Handle)
	if !ok {
		return kerrors.Wrap(kerrors.ErrNotFound, "sched: destroy of unknown or stale handle")
	}
	o.mu.Lock()
	ts := o.timeSlice
	o.state = StateZombie
	o.mu.Unlock()

	atomic.AddInt64(&s.bandwidth, -int64(ts))
	atomic.AddInt64(&s.objectCount, -1)
	s.pool.Free(h.Handle)
	return nil
}

// CurrentRunning adapts core.LookupCPUCore's CurrentObject bookkeeping
// into the `running` callback Queue/Expedite take, for callers that
// keep one real core.CPUCore per booted core (simcore, in this module).
// Tests that don't wire a CPUCore registry pass their own stub instead.
func CurrentRunning(coreID uint32) *Object {
	c, ok := core.LookupCPUCore(coreID)
	if !ok {
		return nil
	}
	o, _ := c.CurrentObject().(*Object)
	return o
}

// Resolve looks up the live object behind h.
func Resolve(h ObjHandle) (*Object, bool) {
	s, ok := LookupCore(h.CoreID)
	if !ok {
		return nil, false
	}
	return s.pool.Get(h.Handle)
}

// queueForScheduler implements QueueForScheduler: drop o from the sleep
// queue if it's parked there, then append it to its level's run queue.
// outsideAdvance mirrors the original's race-avoidance special case:
// called from outside Advance (Queue/Unblock/Expedite paths), if o is
// this core's object currently recorded as running, its block/sleep
// lost the race against a scheduling decision already in flight -- treat
// it as still running instead of double-queuing it.
func (s *PerCoreScheduler) queueForScheduler(o *Object, outsideAdvance bool, currentlyRunning *Object) {
	s.sleepQueue.remove(o)

	if outsideAdvance && o == currentlyRunning {
		o.setState(StateRunning)
		return
	}
	o.setState(StateQueued)
	o.mu.Lock()
	level := o.queueLevel
	o.mu.Unlock()
	s.queues[level].push(o)
}

// queueObjectImmediately implements QueueObjectImmediately: if o belongs
// to the calling core, queue it under that core's lock directly;
// otherwise dispatch it via IPI to run on its owning core. running is
// whatever this core currently considers its running object (nil if
// none), used for the outsideAdvance race check above.
func queueObjectImmediately(arch core.Arch, o *Object, running func(coreID uint32) *Object) error {
	callerCore := arch.CurrentCoreID()
	s, ok := LookupCore(o.coreID)
	if !ok {
		return kerrors.Wrap(kerrors.ErrNotFound, "sched: object's owning core is not registered")
	}

	if callerCore == o.coreID {
		s.lock.Acquire()
		s.queueForScheduler(o, true, running(o.coreID))
		s.lock.Release()
		return nil
	}
	return arch.SendIPI(o.coreID, func(arg any) {
		obj := arg.(*Object)
		s.lock.Acquire()
		s.queueForScheduler(obj, true, running(obj.coreID))
		s.lock.Release()
	}, o)
}

// Queue implements SchedulerQueueObject: only an Idle or Blocked object
// may be (re)queued.
func Queue(arch core.Arch, h ObjHandle, running func(coreID uint32) *Object) error {
	o, ok := Resolve(h)
	if !ok {
		return kerrors.Wrap(kerrors.ErrNotFound, "sched: queue of unknown or stale handle")
	}
	st := o.State()
	if st != StateIdle && st != StateBlocked {
		return kerrors.Wrap(kerrors.ErrInvalidState, "sched: queue requires Idle or Blocked, got %s", st)
	}
	return queueObjectImmediately(arch, o, running)
}

// Sleep implements SchedulerSleep for the calling object: parks it with
// no wait list, to be woken either by timeout or by Expedite/Unblock.
func (o *Object) Sleep(ms int) {
	o.mu.Lock()
	o.timeLeft = ms
	o.timeoutFired = false
	o.interruptedAt = 0
	o.waitList = nil
	o.state = StateBlocked
	o.mu.Unlock()
}

// Block implements SchedulerBlock: parks the calling object on wl with
// an optional timeout (0 disables the timeout), appending it to wl.
func (o *Object) Block(wl WaitList, h ObjHandle, timeoutMS int) {
	o.mu.Lock()
	o.timeLeft = timeoutMS
	o.timeoutFired = false
	o.interruptedAt = 0
	o.waitList = wl
	o.state = StateBlocked
	o.mu.Unlock()
	wl.Append(h)
}

// wakeBlocked is the shared body of Expedite and Unblock: both pull a
// blocked object off its wait list and re-queue it immediately. Unblock
// behaves exactly like Expedite except it leaves InterruptedAt alone;
// Expedite additionally stamps it so the woken object can tell it was
// forced awake rather than naturally scheduled. Returns false without
// error if the object wasn't blocked, or lost the wait-list removal
// race against a concurrent timeout/wake.
func wakeBlocked(arch core.Arch, h ObjHandle, running func(coreID uint32) *Object, stampInterrupted bool) (bool, error) {
	o, ok := Resolve(h)
	if !ok {
		return false, kerrors.Wrap(kerrors.ErrNotFound, "sched: wake of unknown or stale handle")
	}

	o.mu.Lock()
	if o.state != StateBlocked {
		o.mu.Unlock()
		return false, nil
	}
	wl := o.waitList
	o.mu.Unlock()

	if wl != nil {
		if !wl.Remove(h) {
			// too late, it's already headed for the run queue
			return false, nil
		}
	}

	if stampInterrupted {
		o.mu.Lock()
		o.interruptedAt = arch.Tick()
		o.mu.Unlock()
	}
	if err := queueObjectImmediately(arch, o, running); err != nil {
		return false, err
	}
	return true, nil
}

// Unblock implements the `unblock` operation: wakes a blocked object
// and re-queues it immediately, without marking it as having timed out.
func Unblock(arch core.Arch, h ObjHandle, running func(coreID uint32) *Object) (bool, error) {
	return wakeBlocked(arch, h, running, false)
}

// Expedite implements SchedulerExpediteObject: force-wakes a blocked
// object (sleeping or waiting) ahead of its timeout and re-queues it
// immediately at its owning core, stamping InterruptedAt for the
// woken object to observe via Object.InterruptedAt.
func Expedite(arch core.Arch, h ObjHandle, running func(coreID uint32) *Object) error {
	_, err := wakeBlocked(arch, h, running, true)
	return err
}

// updatePressureForObject implements UpdatePressureForObject: moving an
// object to a new level rebases its time slice and this core's
// bandwidth total.
func (s *PerCoreScheduler) updatePressureForObject(o *Object, newLevel int) {
	o.mu.Lock()
	if newLevel == o.queueLevel {
		o.mu.Unlock()
		return
	}
	oldSlice := o.timeSlice
	o.queueLevel = newLevel
	o.timeSlice = sliceForLevel(newLevel)
	o.timeSliceLeft = o.timeSlice
	newSlice := o.timeSlice
	o.mu.Unlock()

	atomic.AddInt64(&s.bandwidth, int64(newSlice-oldSlice))
}

// boost implements SchedulerBoost: every level above 0 is spliced onto
// level 0's tail, restoring fairness for objects that had been demoted.
func (s *PerCoreScheduler) boost() {
	for i := 1; i < LevelCount; i++ {
		if s.queues[i].len() == 0 {
			continue
		}
		s.queues[0].items = append(s.queues[0].items, s.queues[i].items[s.queues[i].head:]...)
		s.queues[i].items = nil
		s.queues[i].head = 0
	}
}

const noDeadline = int(^uint(0) >> 1)

// updateSleepQueue implements SchedulerUpdateSleepQueue: advances every
// sleeper's remaining time by msPassed (except ignore, the object that
// Advance has just moved from running onto the sleep queue, whose sleep
// starts now) and queues whichever sleepers expired.
func (s *PerCoreScheduler) updateSleepQueue(ignore *Object, msPassed int, currentlyRunning *Object) int {
	next := noDeadline
	var stillSleeping []*Object
	for _, o := range s.sleepQueue.items {
		if o != ignore {
			o.mu.Lock()
			o.timeLeft -= min(o.timeLeft, msPassed)
			left := o.timeLeft
			o.mu.Unlock()
			if left > 0 {
				next = min(left, next)
				stillSleeping = append(stillSleeping, o)
				continue
			}
		} else {
			o.mu.Lock()
			left := o.timeLeft
			o.mu.Unlock()
			if left > 0 {
				next = min(left, next)
				stillSleeping = append(stillSleeping, o)
				continue
			}
		}

		o.mu.Lock()
		wl := o.waitList
		self := o.self
		o.mu.Unlock()
		if wl != nil && !wl.Remove(self) {
			// lost the race: a concurrent wake already pulled this
			// object off its wait list and is re-queuing it itself.
			continue
		}

		o.mu.Lock()
		o.timeoutFired = true
		o.mu.Unlock()
		s.queueForScheduler(o, false, currentlyRunning)
	}
	s.sleepQueue.items = stillSleeping
	return next
}

// Advance implements SchedulerAdvance: the single state-transition
// function called once per tick (or voluntary yield) by the currently
// running object's own core. It is pure with respect to goroutine
// scheduling -- it only decides which Object should run next; the
// caller (simcore) is responsible for actually resuming that object's
// goroutine and parking the previous one.
//
// current is the object that was running (nil if the core was idling
// with nothing scheduled), preemptive distinguishes a timer-driven
// reschedule from a voluntary yield, and msPassed is wall-clock time
// since the previous Advance call on this core.
func (s *PerCoreScheduler) Advance(current *Object, preemptive bool, msPassed int, nowTick uint64) (next *Object, nextDeadlineMS int) {
	s.lock.Acquire()
	defer s.lock.Release()

	if current != nil {
		current.mu.Lock()
		fastPath := preemptive && msPassed < current.timeSliceLeft
		if fastPath {
			current.timeSliceLeft -= msPassed
		}
		current.mu.Unlock()

		if fastPath {
			deadline := s.updateSleepQueue(nil, msPassed, current)
			current.mu.Lock()
			left := current.timeSliceLeft
			current.mu.Unlock()
			return current, min(left, deadline)
		}
	}

	if current != nil {
		st := current.State()
		if st != StateBlocked {
			if preemptive {
				lvl := current.QueueLevel()
				if lvl < LevelLow {
					s.updatePressureForObject(current, lvl+1)
				}
			}
			s.queueForScheduler(current, false, current)
		} else {
			current.mu.Lock()
			stillSleeping := current.timeLeft != 0
			current.mu.Unlock()
			if stillSleeping {
				s.sleepQueue.add(current)
			}
		}
	}

	deadline := s.updateSleepQueue(current, msPassed, current)

	var chosen *Object
	for i := 0; i < LevelCount; i++ {
		o, ok := s.queues[i].pop()
		if ok {
			chosen = o
			s.updatePressureForObject(chosen, i)
			chosen.setState(StateRunning)
			chosen.mu.Lock()
			deadline = min(chosen.timeSlice, deadline)
			chosen.mu.Unlock()
			break
		}
	}

	if chosen != nil {
		if s.lastBoost == 0 {
			s.lastBoost = nowTick
		} else if nowTick-s.lastBoost >= BoostInterval {
			s.boost()
			s.lastBoost = nowTick
		}
		if deadline == noDeadline {
			deadline = chosen.timeSlice
		}
		return chosen, deadline
	}

	s.lastBoost = 0
	if deadline == noDeadline {
		deadline = 0
	}
	return nil, deadline
}
