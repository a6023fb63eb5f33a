// Package metrics samples each core's scheduling bandwidth and trains a
// linear-regression forecaster over it, purely for observability: the
// forecast is exposed for logging and never consulted by placement.
// Training history is capped to a sliding window of recent samples so
// retraining cost stays bounded on a long-running core.
package metrics

import (
	"sync"

	"github.com/cdipaolo/goml/base"
	"github.com/cdipaolo/goml/linear"

	"github.com/vali-go/corekernel/core"
	"github.com/vali-go/corekernel/kerrors"
	"github.com/vali-go/corekernel/sched"
)

// maxHistory bounds the training window, matching
// learning/engine.go's runLearningLoop MaxHistory cap.
const maxHistory = 1000

// LoadForecaster fits a least-squares model over a single core's
// (tick, bandwidth) samples.
type LoadForecaster struct {
	mu     sync.Mutex
	coreID uint32
	model  *linear.LeastSquares
	xs     [][]float64
	ys     []float64
}

// NewLoadForecaster creates a forecaster for coreID, seeded the way
// EnhancedLearningEngine seeds its models: a single dummy point so the
// model is immediately Predict-able before any real samples arrive.
func NewLoadForecaster(coreID uint32) *LoadForecaster {
	dummyX := [][]float64{{0}}
	dummyY := []float64{0}
	return &LoadForecaster{
		coreID: coreID,
		model:  linear.NewLeastSquares(base.BatchGA, 0.0001, 0, 1, dummyX, dummyY),
	}
}

// Sample records a (tick, bandwidth) observation and retrains the
// model. Errors are retraining failures only; they never propagate to
// the scheduler, which never calls this path.
func (f *LoadForecaster) Sample(tick uint64, bandwidth int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.xs = append(f.xs, []float64{float64(tick)})
	f.ys = append(f.ys, float64(bandwidth))
	if len(f.xs) > maxHistory {
		f.xs = f.xs[1:]
		f.ys = f.ys[1:]
	}
	if len(f.xs) < 2 {
		return nil // not enough history to fit a trend yet
	}
	if err := f.model.UpdateTrainingSet(f.xs, f.ys); err != nil {
		return err
	}
	return f.model.Learn()
}

// Forecast predicts bandwidth at nextTick.
func (f *LoadForecaster) Forecast(nextTick uint64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	val, err := f.model.Predict([]float64{float64(nextTick)})
	if err != nil {
		return 0, err
	}
	return val[0], nil
}

// Collector owns one LoadForecaster per sampled core, created lazily on
// first Sample.
type Collector struct {
	mu          sync.Mutex
	forecasters map[uint32]*LoadForecaster
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{forecasters: map[uint32]*LoadForecaster{}}
}

// Sample reads s's current bandwidth and tick from arch and feeds the
// observation into s's forecaster, creating one if this is the first
// sample seen for that core. The scheduler never calls it; in this
// module its only caller is cmd/kernelsim's producer threads.
func (c *Collector) Sample(arch core.Arch, s *sched.PerCoreScheduler) error {
	c.mu.Lock()
	f, ok := c.forecasters[s.CoreID()]
	if !ok {
		f = NewLoadForecaster(s.CoreID())
		c.forecasters[s.CoreID()] = f
	}
	c.mu.Unlock()
	return f.Sample(arch.Tick(), s.Bandwidth())
}

// Forecast predicts coreID's bandwidth at nextTick, for a core that has
// received at least one Sample call.
func (c *Collector) Forecast(coreID uint32, nextTick uint64) (float64, error) {
	c.mu.Lock()
	f, ok := c.forecasters[coreID]
	c.mu.Unlock()
	if !ok {
		return 0, kerrors.Wrap(kerrors.ErrNotFound, "metrics: no samples collected for core %d", coreID)
	}
	return f.Forecast(nextTick)
}
