// Command kernelsim boots the goroutine-per-core simulation (simcore)
// over a handful of cores, spawns a small set of demo worker threads
// that exercise the scheduler, futex, semaphore, signal, dispatch and
// metrics packages, and shuts down cleanly on SIGINT/SIGTERM. It is a
// harness for exercising the concurrency core end to end, not a real
// kernel entrypoint.
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/vali-go/corekernel/core"
	"github.com/vali-go/corekernel/dispatch"
	"github.com/vali-go/corekernel/klog"
	"github.com/vali-go/corekernel/metrics"
	ksignal "github.com/vali-go/corekernel/signal"
	"github.com/vali-go/corekernel/sched"
	"github.com/vali-go/corekernel/semaphore"
	"github.com/vali-go/corekernel/simcore"
)

var log = klog.DefaultLogger("kernelsim")

// memContextSource is a demo-only ContextSource: a real kernel would
// back this with the thread's actual saved register file, but this
// harness has none, so it keeps each thread's "active context" in a
// plain map.
type memContextSource struct {
	mu   sync.Mutex
	ctxs map[sched.ObjHandle]core.RegisterContext
}

func newMemContextSource() *memContextSource {
	return &memContextSource{ctxs: map[sched.ObjHandle]core.RegisterContext{}}
}

func (m *memContextSource) ActiveContext(h sched.ObjHandle) (core.RegisterContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, ok := m.ctxs[h]
	return ctx, ok
}

func (m *memContextSource) SetActiveContext(h sched.ObjHandle, ctx core.RegisterContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxs[h] = ctx
}

func main() {
	numCores := uint32(runtime.NumCPU())
	if numCores > 4 {
		numCores = 4
	}
	coreIDs := make([]uint32, numCores)
	for i := range coreIDs {
		coreIDs[i] = uint32(i)
	}

	log.Info("booting kernelsim", klog.Int("cores", len(coreIDs)))

	rt := simcore.NewRuntime()
	rt.Boot(coreIDs, time.Millisecond)

	cs := newMemContextSource()
	collector := metrics.NewCollector()

	sem, err := semaphore.New(0, 4)
	if err != nil {
		log.Fatal("failed to create demo semaphore", klog.Err(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One producer per core, each sending one signal and one semaphore
	// permit to a single consumer, routed through a
	// per-core dispatch.Dispatcher so a burst of IPIs from many
	// producers can't starve a core under the scheduler's own budget.
	var consumerHandle sched.ObjHandle
	var consumerReady sync.WaitGroup
	consumerReady.Add(1)

	_, err = rt.Spawn(coreIDs[0], func(tc *simcore.ThreadContext) {
		consumerHandle = tc.Handle()
		ksignal.Register(consumerHandle, 0)
		if err := ksignal.Install(consumerHandle, 1); err != nil {
			log.Error("consumer: failed to install signal handler", klog.Err(err))
		}
		consumerReady.Done()

		var received int32
		for received < int32(len(coreIDs)) {
			if err := sem.Wait(tc.Arch(), consumerHandle, tc.Checkpoint, 5000); err != nil {
				log.Warn("consumer: wait failed", klog.Err(err))
				break
			}
			received++
			log.Info("consumer: received permit", klog.Int("total", int(received)))
		}
		ksignal.Unregister(consumerHandle)
	})
	if err != nil {
		log.Fatal("failed to spawn consumer", klog.Err(err))
	}
	consumerReady.Wait()

	var producers sync.WaitGroup
	for _, coreID := range coreIDs {
		coreID := coreID
		producers.Add(1)
		_, err := rt.Spawn(coreID, func(tc *simcore.ThreadContext) {
			defer producers.Done()

			arch, ok := rt.ArchFor(coreID)
			if !ok {
				return
			}
			dispatched := dispatch.New(arch, 100, 10)

			if err := ksignal.Send(dispatched, cs, sched.CurrentRunning, consumerHandle, 1, uintptr(coreID)); err != nil {
				log.Warn("producer: signal send failed", klog.Uint32("core", coreID), klog.Err(err))
			}
			sem.Signal(dispatched, sched.CurrentRunning, 1)

			if err := collector.Sample(arch, mustScheduler(coreID)); err != nil {
				log.Warn("producer: sample failed", klog.Err(err))
			}
		})
		if err != nil {
			log.Error("failed to spawn producer", klog.Uint32("core", coreID), klog.Err(err))
			producers.Done()
		}
	}

	done := make(chan struct{})
	go func() {
		producers.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("all producers finished")
	case <-ctx.Done():
		log.Info("interrupted, shutting down early")
	case <-time.After(10 * time.Second):
		log.Warn("demo run timed out")
	}

	for _, coreID := range coreIDs {
		arch, ok := rt.ArchFor(coreID)
		if !ok {
			continue
		}
		if forecast, ferr := collector.Forecast(coreID, arch.Tick()+1000); ferr == nil {
			log.Info("forecast", klog.Uint32("core", coreID), klog.Int("bandwidth", int(forecast)))
		}
	}

	if err := rt.Shutdown(context.Background(), 5*time.Second); err != nil {
		log.Error("shutdown did not complete cleanly", klog.Err(err))
		os.Exit(1)
	}
	log.Info("kernelsim shut down cleanly")
}

func mustScheduler(coreID uint32) *sched.PerCoreScheduler {
	s, ok := sched.LookupCore(coreID)
	if !ok {
		log.Fatal("no scheduler registered for core", klog.Uint32("core", coreID))
	}
	return s
}
