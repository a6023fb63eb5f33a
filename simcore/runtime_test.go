package simcore_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vali-go/corekernel/semaphore"
	"github.com/vali-go/corekernel/sched"
	"github.com/vali-go/corekernel/simcore"
)

func TestSpawnedThreadRunsToCompletion(t *testing.T) {
	rt := simcore.NewRuntime()
	rt.Boot([]uint32{1}, time.Millisecond)
	defer rt.Shutdown(context.Background(), time.Second)

	var ran int32
	_, err := rt.Spawn(1, func(tc *simcore.ThreadContext) {
		atomic.StoreInt32(&ran, 1)
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&ran) == 1
	}, time.Second, time.Millisecond)
}

func TestSpawnedThreadsRunConcurrentlyAcrossCores(t *testing.T) {
	rt := simcore.NewRuntime()
	rt.Boot([]uint32{10, 11}, time.Millisecond)
	defer rt.Shutdown(context.Background(), time.Second)

	var count int32
	for _, core := range []uint32{10, 11} {
		core := core
		_, err := rt.Spawn(core, func(tc *simcore.ThreadContext) {
			atomic.AddInt32(&count, 1)
		})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) == 2
	}, time.Second, time.Millisecond)
}

// TestThreadParksOnSemaphoreThenWakes drives a real semaphore.Wait/Signal
// round trip through a spawned thread's ThreadContext.Checkpoint acting
// as futex.Park, the same contract semaphore/futex's own unit tests
// exercise directly against sched.Advance.
func TestThreadParksOnSemaphoreThenWakes(t *testing.T) {
	rt := simcore.NewRuntime()
	rt.Boot([]uint32{20}, time.Millisecond)
	defer rt.Shutdown(context.Background(), time.Second)

	sem, err := semaphore.New(0, 1)
	require.NoError(t, err)

	var woke int32
	_, err = rt.Spawn(20, func(tc *simcore.ThreadContext) {
		waitErr := sem.Wait(tc.Arch(), tc.Handle(), tc.Checkpoint, 0)
		if waitErr == nil {
			atomic.StoreInt32(&woke, 1)
		}
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&woke), "thread should still be parked")

	arch, ok := rt.ArchFor(20)
	require.True(t, ok)
	sem.Signal(arch, sched.CurrentRunning, 1)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&woke) == 1
	}, time.Second, time.Millisecond)
}

func TestSpawnOnUnbootedCoreFails(t *testing.T) {
	rt := simcore.NewRuntime()
	_, err := rt.Spawn(99, func(tc *simcore.ThreadContext) {})
	assert.Error(t, err)
}

func TestShutdownStopsDriverLoops(t *testing.T) {
	rt := simcore.NewRuntime()
	rt.Boot([]uint32{30}, time.Millisecond)

	err := rt.Shutdown(context.Background(), time.Second)
	assert.NoError(t, err)
}
