package futex_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vali-go/corekernel/core"
	"github.com/vali-go/corekernel/futex"
	"github.com/vali-go/corekernel/kerrors"
	"github.com/vali-go/corekernel/sched"
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

func TestWaitReturnsWouldBlockIfValueAlreadyChanged(t *testing.T) {
	sched.RegisterCore(1001)
	s, _ := sched.LookupCore(1001)
	_, h := s.CreateBoundObject("t")

	var word uint32 = 5
	err := futex.Wait(&word, 4 /* expected */, 1000, h, func() { t.Fatal("park must not be called on the WouldBlock fast path") })
	assert.True(t, errors.Is(err, kerrors.ErrWouldBlock))
}

func TestWaitWakeRoundTrip(t *testing.T) {
	sched.RegisterCore(1002)
	s, _ := sched.LookupCore(1002)
	_, h := s.CreateBoundObject("waiter")

	var word uint32

	var wg sync.WaitGroup
	wg.Add(1)
	parked := make(chan struct{})
	resumed := make(chan struct{})

	var waitErr error
	go func() {
		defer wg.Done()
		waitErr = futex.Wait(&word, 0, 5000, h, func() {
			close(parked)
			<-resumed
		})
	}()

	<-parked
	fa := &fakeArch{coreID: 1002}
	n := futex.Wake(fa, &word, 1, sched.CurrentRunning)
	assert.Equal(t, 1, n)
	close(resumed)
	wg.Wait()

	assert.NoError(t, waitErr)
	o, _ := sched.Resolve(h)
	assert.Equal(t, sched.StateQueued, o.State())
}

func TestWakeOnAddressWithNoWaitersIsANoOp(t *testing.T) {
	var word uint32
	fa := &fakeArch{coreID: 1003}
	n := futex.Wake(fa, &word, 5, sched.CurrentRunning)
	assert.Equal(t, 0, n)
}
