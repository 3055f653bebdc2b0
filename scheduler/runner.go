package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// execBox wraps an Executor so runnerSlot.current can be an
// atomic.Pointer[execBox]: atomic.Pointer requires a concrete element type,
// and wrapping the interface lets nil mean "unbound" unambiguously.
type execBox struct{ e Executor }

// runnerSlot is one worker actor — the core spec's TaskRunner. It pulls the
// min-virtual-runtime executor, binds it, runs one slice, and reports back.
type runnerSlot struct {
	id    WorkerID
	sched *Scheduler

	running atomic.Bool
	alive   atomic.Bool

	// current is the executor this worker currently has bound, published
	// only after BeforeWork has run (publish-after-init, §5 Ordering
	// guarantees) so the Monitor never observes a bound-but-un-timed
	// executor.
	current atomic.Pointer[execBox]

	ctx    context.Context
	cancel context.CancelFunc

	done chan struct{}
}

func (s *Scheduler) spawnRunner(id WorkerID) *runnerSlot {
	ctx, cancel := context.WithCancel(context.Background())
	slot := &runnerSlot{
		id:     id,
		sched:  s,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	slot.running.Store(true)
	slot.alive.Store(true)
	go slot.loop()
	return slot
}

func (slot *runnerSlot) boundExecutor() Executor {
	box := slot.current.Load()
	if box == nil {
		return nil
	}
	return box.e
}

// interrupt is this repository's emulation of the core spec's thread
// interrupt: Go cannot forcibly preempt a blocked goroutine, so interrupt
// cancels slot.ctx, which wakes the runner while it is parked in
// waitForWork. Executor.Work has no access to slot.ctx, so an interrupt does
// not reach a Work call in progress; an executor learns of cancellation only
// through Abort and its TimeoutState flags (internal/vmstub.Computer.Work
// polls both).
func (slot *runnerSlot) interrupt() { slot.cancel() }

func (slot *runnerSlot) loop() {
	s := slot.sched
	log := s.log.WithField("comp", fmt.Sprintf("Computer-Runner-%d", slot.id))
	defer func() {
		slot.alive.Store(false)
		close(slot.done)
	}()

	for slot.running.Load() && s.isRunning() {
		e, ok := s.waitForWork(slot)
		if !ok {
			continue
		}

		if !e.CompareAndSwapExecutingThread(noWorker, slot.id) {
			log.Errorf("serious bug: computer %d already bound to another worker, skipping this task", e.ID())
			continue
		}

		start := s.clock.Now()
		e.BeforeWork()
		e.SetVRuntimeStart(start.UnixNano())
		slot.current.Store(&execBox{e: e})

		_, span := s.startSliceSpan(slot.id, e)
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("computer %d panicked during work: %v", e.ID(), r)
					e.FastFail()
				}
			}()
			e.Work()
		}()
		s.metrics.registry.Gauge(MetricSliceDuration).Set(float64(s.clock.Since(start).Milliseconds()))

		box := slot.current.Swap(nil)
		if box != nil {
			s.afterWork(slot, box.e)
			span.finish(box.e.OnQueue())
		} else {
			span.finish(false)
		}
	}
}

// waitForWork implements §4.2 step 1: park in the idle count, wait for
// RunQueue to become non-empty (or for shutdown), pop the minimum, and
// leave the idle count.
func (s *Scheduler) waitForWork(slot *runnerSlot) (Executor, bool) {
	s.mu.Lock()
	s.idleWorkers++
	s.publishQueueMetricsLocked()
	for s.queue.size() == 0 && s.running && slot.running.Load() {
		s.mu.Unlock()
		select {
		case <-s.hasWork:
		case <-slot.ctx.Done():
		case <-s.shutdownCh:
		case <-time.After(idleRecheckInterval):
			// Spurious wake is acceptable (§4.3 step 1) — re-check the
			// predicate under the lock below.
		}
		s.mu.Lock()
	}

	if !s.running || !slot.running.Load() {
		s.idleWorkers--
		s.publishQueueMetricsLocked()
		s.mu.Unlock()
		return nil, false
	}

	e, ok := s.queue.popMin()
	s.idleWorkers--
	if ok {
		e.SetOnQueue(false)
	}
	s.publishQueueMetricsLocked()
	s.mu.Unlock()
	return e, ok
}

// idleRecheckInterval is a safety net so a worker periodically re-validates
// its wait predicate even if it somehow missed both a hasWork signal and
// the shutdown close (belt-and-braces; normal operation never needs it).
const idleRecheckInterval = 2 * time.Second
