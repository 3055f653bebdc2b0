package scheduler

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
)

// monitorWakeupInterval is the Monitor's polling interval while the
// scheduler is idle (§4.3 step 1).
const monitorWakeupInterval = 100 * time.Millisecond

// latencyMaxTasks is latency/min_period, which is always 10 regardless of N
// since both constants scale by the same factor (§4.1.1).
const latencyMaxTasks = 10

// runnerJoinDeadline bounds how long Stop waits for any single runner or the
// monitor to exit before logging and moving on (§4.4 step 3).
const runnerJoinDeadline = 100 * time.Millisecond

// Scheduler is the fair-share façade: admission (Queue), completion
// accounting (afterWork), lifecycle (Start/Stop), and virtual-time floor
// maintenance (updateRuntimesLocked). It may be instantiated multiple times
// per process — it holds no package-level mutable state.
type Scheduler struct {
	n int

	latency   int64 // ns, derived once from n
	minPeriod int64 // ns, derived once from n

	log     *logrus.Entry
	clock   clockz.Clock
	metrics *schedulerMetrics
	reports *reportDebouncer
	hooks   *hookz.Hooks[MonitorEvent]

	reportsEnabled atomic.Bool

	mu              sync.Mutex
	queue           *runQueue
	running         bool
	idleWorkers     int
	minimumVRuntime int64
	hasWork         chan struct{}
	monitorWakeup   chan struct{}

	threadMu    sync.Mutex
	runnersPtr  atomic.Pointer[[]*runnerSlot]
	monitorSlot *monitorActor

	recentMu sync.Mutex
	recent   []Report

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithClock injects a fake clock for deterministic tests of the CFS
// accounting and timeout ladder.
func WithClock(c clockz.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger overrides the component logger the scheduler's actors log
// through.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithReportsDisabled mirrors the global "disable timeout reports" switch
// from §6 Observability.
func WithReportsDisabled() Option {
	return func(s *Scheduler) { s.reportsEnabled.Store(false) }
}

// WithReportDebounce overrides the default 1s report debounce window.
func WithReportDebounce(d time.Duration) Option {
	return func(s *Scheduler) { s.reports.window = d }
}

// New creates a Scheduler dispatching onto n fixed worker slots. The
// derived constants (latency, min_period) follow §4.1: factor = 1 +
// floor(log2 n), latency = 50ms*factor, min_period = 5ms*factor.
func New(n int, opts ...Option) (*Scheduler, error) {
	if n <= 0 {
		return nil, fmt.Errorf("scheduler: worker count must be positive, got %d", n)
	}

	factor := int64(bits.Len(uint(n))) // 1 + floor(log2 n) for n >= 1
	s := &Scheduler{
		n:             n,
		latency:       (50 * time.Millisecond).Nanoseconds() * factor,
		minPeriod:     (5 * time.Millisecond).Nanoseconds() * factor,
		queue:         newRunQueue(),
		hasWork:       make(chan struct{}, n),
		monitorWakeup: make(chan struct{}, 1),
		shutdownCh:    make(chan struct{}),
		clock:         clockz.RealClock,
		metrics:       newSchedulerMetrics(),
		reports: &reportDebouncer{
			last:   make(map[WorkerID]time.Time),
			window: 1 * time.Second,
			clock:  clockz.RealClock,
		},
		log:   logrus.NewEntry(logrus.StandardLogger()),
		hooks: hookz.New[MonitorEvent](),
	}
	s.reportsEnabled.Store(true)
	s.storeRunners(make([]*runnerSlot, n))

	for _, opt := range opts {
		opt(s)
	}
	s.reports.clock = s.clock

	return s, nil
}

// ScaledPeriod returns the wall-time budget for one slice (§4.1.1): it
// shrinks as the queue grows and floors at min_period.
func (s *Scheduler) ScaledPeriod() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.scaledPeriodLocked())
}

func (s *Scheduler) scaledPeriodLocked() int64 {
	count := int64(1 + s.queue.size())
	if count < latencyMaxTasks {
		return s.latency / count
	}
	return s.minPeriod
}

func (s *Scheduler) isBusyLocked() bool {
	return s.queue.size() > s.idleWorkers
}

// HasPendingWork reports whether the RunQueue is non-empty.
func (s *Scheduler) HasPendingWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.size() > 0
}

func (s *Scheduler) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Queue admits an executor for scheduling (§4.1.3). The caller must hold
// the executor's own enqueue lock and must not already have it on-queue;
// violating that precondition is a programming bug and is surfaced
// immediately rather than silently corrected.
func (s *Scheduler) Queue(e Executor) error {
	if e.OnQueue() {
		return fmt.Errorf("scheduler: queue precondition violated: computer %d is already queued", e.ID())
	}

	s.mu.Lock()
	e.SetOnQueue(true)
	s.updateRuntimesLocked(nil)

	period := s.scaledPeriodLocked()
	var newRuntime int64
	if e.VirtualRuntime() == 0 {
		newRuntime = s.minimumVRuntime + period
	} else {
		newRuntime = s.minimumVRuntime - s.latency/2
	}
	if newRuntime < e.VirtualRuntime() {
		newRuntime = e.VirtualRuntime()
	}
	e.SetVirtualRuntime(newRuntime)

	wasBusy := s.isBusyLocked()
	s.queue.insert(e)
	s.signalHasWorkLocked()
	nowBusy := s.isBusyLocked()
	if !wasBusy && nowBusy {
		s.signalMonitorWakeupLocked()
	}
	s.publishQueueMetricsLocked()
	s.mu.Unlock()

	return nil
}

// updateRuntimesLocked is the CFS heart (§4.1.4). Callers must hold s.mu.
// current is the executor that just yielded (no longer bound to a worker),
// or nil when called from admission.
func (s *Scheduler) updateRuntimesLocked(current Executor) {
	now := s.clock.Now().UnixNano()
	tasks := int64(1 + s.queue.size())

	minRuntime := int64(math.MaxInt64)
	if v, ok := s.queue.minVirtualRuntime(); ok {
		minRuntime = v
	}

	for _, slot := range s.loadRunners() {
		if slot == nil {
			continue
		}
		e := slot.boundExecutor()
		if e == nil || e == current {
			continue
		}
		delta := (now - e.VRuntimeStart()) / tasks
		e.SetVirtualRuntime(e.VirtualRuntime() + delta)
		e.SetVRuntimeStart(now)
		if v := e.VirtualRuntime(); v < minRuntime {
			minRuntime = v
		}
	}

	if current != nil {
		delta := (now - current.VRuntimeStart()) / tasks
		current.SetVirtualRuntime(current.VirtualRuntime() + delta)
		if v := current.VirtualRuntime(); v < minRuntime {
			minRuntime = v
		}
	}

	if minRuntime < math.MaxInt64 && minRuntime > s.minimumVRuntime {
		s.minimumVRuntime = minRuntime
	}
}

// afterWork implements §4.1.5: clears the executor's executing-thread cell,
// folds its final slice into the virtual-time accounting, and requeues it
// if the executor asks to continue running. Called both by a runner
// completing Work normally and by the Monitor when it abandons a wedged
// worker.
func (s *Scheduler) afterWork(slot *runnerSlot, e Executor) {
	if old := e.SwapExecutingThread(noWorker); old != slot.id {
		s.log.WithFields(logrus.Fields{
			"comp":     "scheduler",
			"computer": e.ID(),
			"worker":   slot.id,
			"held_by":  old,
		}).Error("serious bug: executing_thread mismatch on afterWork")
	}

	s.mu.Lock()
	s.updateRuntimesLocked(e)
	requeue := e.AfterWork()
	if requeue {
		wasBusy := s.isBusyLocked()
		e.SetOnQueue(true)
		s.queue.insert(e)
		s.signalHasWorkLocked()
		if !wasBusy && s.isBusyLocked() {
			s.signalMonitorWakeupLocked()
		}
	}
	s.publishQueueMetricsLocked()
	s.mu.Unlock()
}

func (s *Scheduler) signalHasWorkLocked() {
	select {
	case s.hasWork <- struct{}{}:
	default:
	}
}

func (s *Scheduler) signalMonitorWakeupLocked() {
	select {
	case s.monitorWakeup <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publishQueueMetricsLocked() {
	reg := s.metrics.registry
	reg.Gauge(MetricQueueDepth).Set(float64(s.queue.size()))
	reg.Gauge(MetricIdleWorkers).Set(float64(s.idleWorkers))
	reg.Gauge(MetricMinVRuntimeNs).Set(float64(s.minimumVRuntime))
}

func (s *Scheduler) loadRunners() []*runnerSlot {
	p := s.runnersPtr.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (s *Scheduler) storeRunners(r []*runnerSlot) {
	s.runnersPtr.Store(&r)
}

// Start spawns a fresh worker for every empty or dead slot and a fresh
// monitor if none is alive (§4.4). Calling Start on an already-live
// scheduler is a no-op past the slots that are already live.
func (s *Scheduler) Start() {
	s.threadMu.Lock()
	defer s.threadMu.Unlock()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	runners := append([]*runnerSlot(nil), s.loadRunners()...)
	if len(runners) != s.n {
		runners = make([]*runnerSlot, s.n)
	}
	for i, slot := range runners {
		if slot == nil || !slot.alive.Load() {
			runners[i] = s.spawnRunner(WorkerID(i + 1))
		}
	}
	s.storeRunners(runners)

	if s.monitorSlot == nil || !s.monitorSlot.alive.Load() {
		s.monitorSlot = s.spawnMonitor()
	}
}

// Stop implements §4.4's shutdown sequence. An interrupt delivered via ctx
// while waiting for actors to join is treated as a fatal, illegal-state
// condition per §7's error table — shutdown was already underway and
// cannot safely be abandoned partway through.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.threadMu.Lock()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	runners := s.loadRunners()
	for _, slot := range runners {
		if slot != nil {
			slot.running.Store(false)
			slot.interrupt()
		}
	}
	mon := s.monitorSlot
	if mon != nil {
		mon.running.Store(false)
		mon.interrupt()
	}
	s.threadMu.Unlock()

	s.shutdownOnce.Do(func() { close(s.shutdownCh) })

	s.mu.Lock()
	for _, e := range s.queue.drain() {
		e.SetOnQueue(false)
	}
	s.publishQueueMetricsLocked()
	s.mu.Unlock()

	var joinErr error
	for _, slot := range runners {
		if slot == nil {
			continue
		}
		if err := joinActor(ctx, slot.done, runnerJoinDeadline); err != nil {
			if err == errInterrupted {
				return fmt.Errorf("scheduler: illegal state: interrupted while joining runner %d: %w", slot.id, err)
			}
			s.log.WithField("comp", "scheduler").Errorf("runner %d failed to join within %s", slot.id, runnerJoinDeadline)
			joinErr = err
		}
	}
	if mon != nil {
		if err := joinActor(ctx, mon.done, runnerJoinDeadline); err != nil {
			if err == errInterrupted {
				return fmt.Errorf("scheduler: illegal state: interrupted while joining monitor: %w", err)
			}
			s.log.WithField("comp", "scheduler").Error("monitor failed to join within deadline")
			joinErr = err
		}
	}
	return joinErr
}

var errInterrupted = fmt.Errorf("interrupted during shutdown join")

func joinActor(ctx context.Context, done <-chan struct{}, deadline time.Duration) error {
	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		return fmt.Errorf("actor did not shut down within %s", deadline)
	case <-ctx.Done():
		return errInterrupted
	}
}

// OnWorkerReplaced registers a handler invoked whenever the Monitor installs
// a fresh runner in place of a dead or permanently wedged one, so external
// callers can alert on it instead of scraping warn-level logs.
func (s *Scheduler) OnWorkerReplaced(h func(context.Context, MonitorEvent) error) error {
	_, err := s.hooks.Hook(MonitorEventWorkerReplaced, h)
	return err
}

// Close releases the tracer and hook registry. Call once the Scheduler is
// permanently discarded; unlike Stop, it is not meant to be followed by a
// further Start.
func (s *Scheduler) Close() {
	s.metrics.close()
	s.hooks.Close()
}

// recordReport appends a timeout diagnostic to the bounded in-memory
// history surfaced by cmd/schedulerd's /status endpoint.
func (s *Scheduler) recordReport(r Report) {
	const maxRecent = 50
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	s.recent = append(s.recent, r)
	if len(s.recent) > maxRecent {
		s.recent = s.recent[len(s.recent)-maxRecent:]
	}
}

// RecentReports returns a copy of the most recent timeout diagnostics.
func (s *Scheduler) RecentReports() []Report {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	out := make([]Report, len(s.recent))
	copy(out, s.recent)
	return out
}

// Stats is a point-in-time snapshot used by cmd/schedulerd's /status route.
type Stats struct {
	Workers             int
	QueueDepth          int
	IdleWorkers         int
	MinimumVRuntimeNs   int64
	HasPendingWork      bool
}

// Stats returns a consistent snapshot of the scheduler's bookkeeping.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Workers:           s.n,
		QueueDepth:        s.queue.size(),
		IdleWorkers:       s.idleWorkers,
		MinimumVRuntimeNs: s.minimumVRuntime,
		HasPendingWork:    s.queue.size() > 0,
	}
}
