package dispatch_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vali-go/corekernel/core"
	"github.com/vali-go/corekernel/dispatch"
)

type countingArch struct {
	calls int32
	fail  bool
}

var _ core.Arch = (*countingArch)(nil)

func (c *countingArch) Tick() uint64          { return 0 }
func (c *countingArch) CurrentCoreID() uint32 { return 0 }
func (c *countingArch) SendIPI(coreID uint32, fn func(arg any), arg any) error {
	atomic.AddInt32(&c.calls, 1)
	if c.fail {
		return errors.New("boom")
	}
	fn(arg)
	return nil
}
func (c *countingArch) IdleStall(d time.Duration) {}
func (c *countingArch) IsKernelPC(pc uintptr) bool { return false }
func (c *countingArch) PushInterceptor(ctx core.RegisterContext, altStack, handler uintptr, sig int, arg uintptr, flags core.FrameFlags) core.RegisterContext {
	return ctx
}

func TestSendIPIDelegatesWhenWithinBudget(t *testing.T) {
	inner := &countingArch{}
	d := dispatch.New(inner, 1000, 1000)

	ran := false
	err := d.SendIPI(7, func(arg any) { ran = true }, nil)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.calls))
}

func TestSendIPIRateLimitsPerTargetCore(t *testing.T) {
	inner := &countingArch{}
	d := dispatch.New(inner, 1, 2) // burst of 2, slow steady-state refill

	require.NoError(t, d.SendIPI(9, func(arg any) {}, nil))
	require.NoError(t, d.SendIPI(9, func(arg any) {}, nil))
	err := d.SendIPI(9, func(arg any) {}, nil)
	assert.ErrorIs(t, err, dispatch.ErrRateLimited)

	// A different target core has its own, unexhausted budget.
	err = d.SendIPI(10, func(arg any) {}, nil)
	assert.NoError(t, err)
}

func TestSendIPITripsBreakerAfterConsecutiveFailures(t *testing.T) {
	inner := &countingArch{fail: true}
	d := dispatch.New(inner, 1000, 1000)

	for i := 0; i < 3; i++ {
		err := d.SendIPI(5, func(arg any) {}, nil)
		assert.Error(t, err)
	}

	before := atomic.LoadInt32(&inner.calls)
	err := d.SendIPI(5, func(arg any) {}, nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, before, atomic.LoadInt32(&inner.calls), "an open breaker must not call through to the wrapped arch")
}

func TestDelegatedCapabilitiesPassThrough(t *testing.T) {
	inner := &countingArch{}
	d := dispatch.New(inner, 1000, 1000)

	assert.Equal(t, inner.Tick(), d.Tick())
	assert.Equal(t, inner.CurrentCoreID(), d.CurrentCoreID())
	assert.False(t, d.IsKernelPC(0x1234))
}
