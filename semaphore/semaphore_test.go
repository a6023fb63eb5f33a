package semaphore_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vali-go/corekernel/core"
	"github.com/vali-go/corekernel/kerrors"
	"github.com/vali-go/corekernel/sched"
	"github.com/vali-go/corekernel/semaphore"
)

type fakeArch struct{ coreID uint32 }

var _ core.Arch = (*fakeArch)(nil)

func (f *fakeArch) Tick() uint64          { return 0 }
func (f *fakeArch) CurrentCoreID() uint32 { return f.coreID }
func (f *fakeArch) SendIPI(coreID uint32, fn func(arg any), arg any) error {
	fn(arg)
	return nil
}
func (f *fakeArch) IdleStall(d time.Duration) {}
func (f *fakeArch) IsKernelPC(pc uintptr) bool { return false }
func (f *fakeArch) PushInterceptor(ctx core.RegisterContext, altStack, handler uintptr, sig int, arg uintptr, flags core.FrameFlags) core.RegisterContext {
	return ctx
}

func TestNewRejectsInitialAboveMax(t *testing.T) {
	_, err := semaphore.New(5, 3)
	assert.Error(t, err)
}

func TestWaitSucceedsImmediatelyWhenPermitAvailable(t *testing.T) {
	sched.RegisterCore(1101)
	s, _ := sched.LookupCore(1101)
	_, h := s.CreateBoundObject("t")

	sem, err := semaphore.New(1, 1)
	require.NoError(t, err)

	fa := &fakeArch{coreID: 1101}
	err = sem.Wait(fa, h, func() { t.Fatal("must not park: a permit was already available") }, 1000)
	assert.NoError(t, err)
	assert.Equal(t, uint32(0), sem.Value())
}

func TestSignalSaturatesAtMaxWithoutError(t *testing.T) {
	sem, err := semaphore.New(0, 2)
	require.NoError(t, err)

	fa := &fakeArch{coreID: 1102}
	applied := sem.Signal(fa, sched.CurrentRunning, 5)
	assert.Equal(t, uint32(2), applied)
	assert.Equal(t, uint32(2), sem.Value())
}

func TestWaitBlocksThenSignalWakesIt(t *testing.T) {
	sched.RegisterCore(1103)
	s, _ := sched.LookupCore(1103)
	_, h := s.CreateBoundObject("waiter")

	sem, err := semaphore.New(0, 1)
	require.NoError(t, err)

	fa := &fakeArch{coreID: 1103}
	parked := make(chan struct{})
	resumed := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	var waitErr error
	go func() {
		defer wg.Done()
		waitErr = sem.Wait(fa, h, func() {
			close(parked)
			<-resumed
		}, 5000)
	}()

	<-parked
	sem.Signal(fa, sched.CurrentRunning, 1)
	close(resumed)
	wg.Wait()

	assert.NoError(t, waitErr)
	assert.Equal(t, uint32(0), sem.Value())
}

func TestWaitTimesOutWhenNeverSignaled(t *testing.T) {
	sched.RegisterCore(1104)
	s, _ := sched.LookupCore(1104)
	_, h := s.CreateBoundObject("t")

	sem, err := semaphore.New(0, 1)
	require.NoError(t, err)

	fa := &fakeArch{coreID: 1104}
	parked := make(chan struct{})
	expired := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	var waitErr error
	go func() {
		defer wg.Done()
		waitErr = sem.Wait(fa, h, func() {
			close(parked)
			<-expired
		}, 5)
	}()

	<-parked
	o, _ := sched.Resolve(h)
	// Drive the sleep-queue timeout by hand: the first Advance call seeds
	// the object into the sleep queue (mirroring the transition a real
	// core makes when its running object blocks); the second advances
	// wall-clock time past the timeout so updateSleepQueue expires it.
	s.Advance(o, false, 0, 1)
	s.Advance(nil, false, 10, 2)
	close(expired)
	wg.Wait()

	assert.ErrorIs(t, waitErr, kerrors.ErrTimedOut)
	assert.True(t, o.IsTimeout())
}
