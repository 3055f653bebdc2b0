package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zoobzio/hookz"
)

// MonitorEventWorkerReplaced fires whenever check_runners installs a fresh
// worker in place of a dead or wedged one.
const MonitorEventWorkerReplaced = hookz.Key("monitor.worker_replaced")

// MonitorEvent is the payload hookz delivers for Monitor lifecycle events.
type MonitorEvent struct {
	WorkerID WorkerID
	Reason   string
}

// monitorActor is the single Monitor actor (§4.3): it periodically inspects
// each worker's bound executor, advances its TimeoutState, and escalates
// through soft-abort -> hard-abort -> worker-replacement.
type monitorActor struct {
	sched *Scheduler

	running atomic.Bool
	alive   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	done chan struct{}
}

func (s *Scheduler) spawnMonitor() *monitorActor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &monitorActor{sched: s, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	m.running.Store(true)
	m.alive.Store(true)
	go m.loop()
	return m
}

func (m *monitorActor) interrupt() { m.cancel() }

func (m *monitorActor) loop() {
	s := m.sched
	log := s.log.WithField("comp", "Computer-Monitor")
	defer func() {
		m.alive.Store(false)
		close(m.done)
	}()

	for m.running.Load() && s.isRunning() {
		select {
		case <-s.monitorWakeup:
		case <-s.clock.After(s.monitorWaitDuration()):
		case <-m.ctx.Done():
		case <-s.shutdownCh:
		}
		if !m.running.Load() || !s.isRunning() {
			return
		}
		s.checkRunners(log)
	}
}

func (s *Scheduler) monitorWaitDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isBusyLocked() {
		return time.Duration(s.scaledPeriodLocked())
	}
	return monitorWakeupInterval
}

// checkRunners walks the worker array once (§4.3 check_runners).
func (s *Scheduler) checkRunners(log *logrus.Entry) {
	runners := s.loadRunners()
	for i, slot := range runners {
		if slot == nil || !slot.alive.Load() {
			if s.isRunning() {
				log.Warnf("runner slot %d is dead, replacing", i+1)
				s.replaceSlot(i, slot)
				s.emitWorkerReplaced(WorkerID(i+1), "dead")
			}
			continue
		}
		s.checkTimeoutLadder(log, slot, i)
	}
}

func (s *Scheduler) checkTimeoutLadder(log *logrus.Entry, slot *runnerSlot, index int) {
	e := slot.boundExecutor()
	if e == nil {
		return
	}

	ts := e.Timeout()
	ts.Refresh()

	over := ts.NanoCumulative() - ts.Timeout() - ts.AbortTimeout()
	if over < 0 {
		return // within soft-abort grace
	}

	ts.HardAbort()
	e.Abort()
	s.metrics.registry.Counter(MetricHardAborts).Inc()

	abortTimeout := ts.AbortTimeout()
	if over >= abortTimeout {
		s.reportTimeout(slot, e, ts.NanoCumulative())
		slot.interrupt()
	}

	if over >= 2*abortTimeout {
		log.Warnf("computer %d wedged past hard-abort window on worker %d; abandoning worker", e.ID(), slot.id)
		s.abandonRunner(slot, e, index)
	}
}

// abandonRunner declares a worker dead after the hard-abort ladder failed
// to reclaim it (§4.3 step 5): the worker is marked non-running,
// interrupted, its current executor is drained through afterWork on the
// Monitor's behalf so it is not leaked, and — if the pool is still running
// and the slot still points at this worker — a replacement is installed.
func (s *Scheduler) abandonRunner(slot *runnerSlot, e Executor, index int) {
	slot.running.Store(false)
	slot.interrupt()

	box := slot.current.Swap(nil)
	if box != nil && box.e == e {
		s.afterWork(slot, box.e)
	}

	s.replaceSlot(index, slot)
	s.metrics.registry.Counter(MetricReplacements).Inc()
	s.emitWorkerReplaced(slot.id, "wedged")
}

func (s *Scheduler) emitWorkerReplaced(id WorkerID, reason string) {
	_ = s.hooks.Emit(context.Background(), MonitorEventWorkerReplaced, MonitorEvent{ //nolint:errcheck
		WorkerID: id,
		Reason:   reason,
	})
}

// replaceSlot installs a fresh runner at index if, under the thread-table
// lock, the slot there is still the one the caller observed dead/wedged.
func (s *Scheduler) replaceSlot(index int, old *runnerSlot) {
	s.threadMu.Lock()
	defer s.threadMu.Unlock()

	if !s.isRunning() {
		return
	}
	current := s.loadRunners()
	if index >= len(current) || current[index] != old {
		return
	}
	fresh := append([]*runnerSlot(nil), current...)
	id := WorkerID(index + 1)
	fresh[index] = s.spawnRunner(id)
	s.storeRunners(fresh)
}

// reportTimeout produces the diagnostic described in §4.2
// (report_timeout), debounced to at most one per report-debounce window
// per worker, unless the global switch disables reports entirely.
func (s *Scheduler) reportTimeout(slot *runnerSlot, e Executor, elapsedNanos int64) {
	if !s.reportsEnabled.Load() {
		return
	}
	if !s.reports.allow(slot.id) {
		return
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "computer %d elapsed=%s worker=%d\n", e.ID(), time.Duration(elapsedNanos), slot.id)
	e.PrintState(&buf)

	rep := Report{
		ComputerID:   e.ID(),
		WorkerID:     slot.id,
		ElapsedNanos: elapsedNanos,
		State:        buf.String(),
		GeneratedAt:  s.clock.Now(),
	}
	s.log.WithField("comp", "Computer-Monitor").Warn(rep.String())
	s.recordReport(rep)
	s.metrics.registry.Counter(MetricTimeoutReports).Inc()
}
