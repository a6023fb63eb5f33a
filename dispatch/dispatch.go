// Package dispatch wraps cross-core IPI delivery with per-target rate
// limiting and circuit breaking, so a storm of signals or expedites
// aimed at one core degrades gracefully instead of wedging the sender.
package dispatch

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/vali-go/corekernel/core"
	"github.com/vali-go/corekernel/klog"
)

var log = klog.DefaultLogger("dispatch")

// ErrRateLimited is returned when a target core has exceeded its IPI
// budget. For signal.Send the signal is already in the target's pending
// ring when SendIPI is called, so only the delivery trigger is dropped,
// not the queued entry itself.
var ErrRateLimited = errors.New("dispatch: target core is rate limited")

// Dispatcher decorates an core.Arch, routing SendIPI through a
// per-target-core token bucket and circuit breaker while delegating
// every other capability straight through. It is itself a core.Arch,
// so it can be handed to sched/futex/signal in place of the bare
// architecture implementation.
type Dispatcher struct {
	arch core.Arch

	mu       sync.Mutex
	breakers map[uint32]*gobreaker.CircuitBreaker

	limiter      *limiter.TokenBucket
	limiterStore store.Store
}

var _ core.Arch = (*Dispatcher)(nil)

// New wraps arch, allowing each target core up to burst IPIs
// immediately and ratePerSecond steady-state thereafter.
func New(arch core.Arch, ratePerSecond, burst int64) *Dispatcher {
	st := store.NewMemoryStore(time.Minute)
	tb, err := limiter.NewTokenBucket(limiter.Config{
		Rate:     ratePerSecond,
		Duration: time.Second,
		Burst:    burst,
	}, st)
	if err != nil {
		log.Fatal("dispatch: token bucket construction failed", klog.Err(err))
	}
	return &Dispatcher{
		arch:         arch,
		breakers:     map[uint32]*gobreaker.CircuitBreaker{},
		limiter:      tb,
		limiterStore: st,
	}
}

func (d *Dispatcher) breakerFor(coreID uint32) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[coreID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("ipi-core-%d", coreID),
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     2 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("ipi breaker state change", klog.String("breaker", name), klog.String("from", from.String()), klog.String("to", to.String()))
		},
	})
	d.breakers[coreID] = cb
	return cb
}

// SendIPI implements core.Arch: it rate-limits per target core and
// trips a breaker after repeated failures, opening the circuit outright
// rather than gradually de-weighting the target.
func (d *Dispatcher) SendIPI(coreID uint32, fn func(arg any), arg any) error {
	key := strconv.FormatUint(uint64(coreID), 10)
	if !d.limiter.Allow(key) {
		return ErrRateLimited
	}

	cb := d.breakerFor(coreID)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, d.arch.SendIPI(coreID, fn, arg)
	})
	return err
}

// CoreCounts returns the breaker's rolling request/failure counters for
// coreID, for diagnostics.
func (d *Dispatcher) CoreCounts(coreID uint32) gobreaker.Counts {
	return d.breakerFor(coreID).Counts()
}

func (d *Dispatcher) Tick() uint64          { return d.arch.Tick() }
func (d *Dispatcher) CurrentCoreID() uint32 { return d.arch.CurrentCoreID() }
func (d *Dispatcher) IdleStall(dur time.Duration) { d.arch.IdleStall(dur) }
func (d *Dispatcher) IsKernelPC(pc uintptr) bool { return d.arch.IsKernelPC(pc) }
func (d *Dispatcher) PushInterceptor(ctx core.RegisterContext, altStack, handler uintptr, sig int, arg uintptr, flags core.FrameFlags) core.RegisterContext {
	return d.arch.PushInterceptor(ctx, altStack, handler, sig, arg, flags)
}
