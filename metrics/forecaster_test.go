package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vali-go/corekernel/core"
	"github.com/vali-go/corekernel/kerrors"
	"github.com/vali-go/corekernel/metrics"
	"github.com/vali-go/corekernel/sched"
)

type tickArch struct{ tick uint64 }

var _ core.Arch = (*tickArch)(nil)

func (a *tickArch) Tick() uint64          { return a.tick }
func (a *tickArch) CurrentCoreID() uint32 { return 0 }
func (a *tickArch) SendIPI(coreID uint32, fn func(arg any), arg any) error {
	fn(arg)
	return nil
}
func (a *tickArch) IdleStall(d time.Duration) {}
func (a *tickArch) IsKernelPC(pc uintptr) bool { return false }
func (a *tickArch) PushInterceptor(ctx core.RegisterContext, altStack, handler uintptr, sig int, arg uintptr, flags core.FrameFlags) core.RegisterContext {
	return ctx
}

func TestForecastWithoutSamplesIsNotFound(t *testing.T) {
	c := metrics.NewCollector()
	_, err := c.Forecast(999, 100)
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
}

func TestSampleThenForecastTracksRisingBandwidth(t *testing.T) {
	sched.RegisterCore(3001)
	s, _ := sched.LookupCore(3001)

	c := metrics.NewCollector()
	arch := &tickArch{}
	for i := uint64(0); i < 10; i++ {
		arch.tick = i * uint64(sched.BoostInterval)
		s.CreateBoundObject("filler") // bandwidth strictly increases each round
		require.NoError(t, c.Sample(arch, s))
	}

	forecast, err := c.Forecast(3001, arch.tick+uint64(sched.BoostInterval))
	require.NoError(t, err)
	assert.Greater(t, forecast, 0.0)
}

func TestLoadForecasterDirectUsage(t *testing.T) {
	f := metrics.NewLoadForecaster(42)
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, f.Sample(i, int64(i)*10))
	}
	val, err := f.Forecast(5)
	require.NoError(t, err)
	assert.Greater(t, val, 0.0)
}
