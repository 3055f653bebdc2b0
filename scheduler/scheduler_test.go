package scheduler_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/steelpool/compsched/internal/vmstub"
	"github.com/steelpool/compsched/scheduler"
)

func TestNewRejectsNonPositiveWorkerCount(t *testing.T) {
	_, err := scheduler.New(0)
	assert.Error(t, err)

	_, err = scheduler.New(-3)
	assert.Error(t, err)
}

func TestQueueRejectsAlreadyQueuedExecutor(t *testing.T) {
	sched, err := scheduler.New(2)
	require.NoError(t, err)

	c := vmstub.New(1, time.Second, time.Second).WithWork(1)

	require.NoError(t, sched.Queue(c))
	err = sched.Queue(c)
	assert.Error(t, err)
}

func TestSchedulerDrainsQueuedWork(t *testing.T) {
	sched, err := scheduler.New(2)
	require.NoError(t, err)

	const n = 6
	for i := uint64(1); i <= n; i++ {
		c := vmstub.New(i, 2*time.Second, time.Second).WithWork(1)
		require.NoError(t, sched.Queue(c))
	}

	sched.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, sched.Stop(ctx))
	}()

	deadline := time.After(2 * time.Second)
	for sched.HasPendingWork() || sched.Stats().IdleWorkers < 2 {
		select {
		case <-deadline:
			t.Fatalf("scheduler did not drain queue in time, stats=%+v", sched.Stats())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSchedulerRequeuesMultiSliceComputers(t *testing.T) {
	sched, err := scheduler.New(1)
	require.NoError(t, err)

	c := vmstub.New(1, 2*time.Second, time.Second).WithWork(3)
	require.NoError(t, sched.Queue(c))

	sched.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, sched.Stop(ctx))
	}()

	deadline := time.After(2 * time.Second)
	for c.OnQueue() || c.ExecutingThread() != 0 {
		select {
		case <-deadline:
			t.Fatalf("computer never finished its 3 slices")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStopIsIdempotentAndJoinsActors(t *testing.T) {
	sched, err := scheduler.New(3)
	require.NoError(t, err)
	sched.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, sched.Stop(ctx))
	assert.NoError(t, sched.Stop(ctx))
}

func TestScaledPeriodShrinksAsQueueGrows(t *testing.T) {
	sched, err := scheduler.New(4)
	require.NoError(t, err)

	empty := sched.ScaledPeriod()

	for i := uint64(1); i <= 20; i++ {
		c := vmstub.New(i, time.Second, time.Second).WithWork(1)
		require.NoError(t, sched.Queue(c))
	}

	busy := sched.ScaledPeriod()
	assert.Less(t, busy, empty)
}

// blockingExecutor is a scheduler.Executor whose Work() parks until the test
// releases it, so a test can pin exactly when a slice ends while driving the
// scheduler's real worker goroutines under a shared fake clock.
type blockingExecutor struct {
	id      uint64
	timeout *scheduler.DefaultTimeoutState

	vr        atomic.Int64
	vrStart   atomic.Int64
	onQueue   atomic.Bool
	executing atomic.Uint32

	started chan struct{}
	proceed chan struct{}
}

func newBlockingExecutor(id uint64, clock clockz.Clock) *blockingExecutor {
	return &blockingExecutor{
		id:      id,
		timeout: scheduler.NewTimeoutState(id, time.Hour, time.Hour, clock),
		started: make(chan struct{}, 1),
		proceed: make(chan struct{}, 1),
	}
}

func (e *blockingExecutor) ID() uint64 { return e.id }
func (e *blockingExecutor) BeforeWork() { e.timeout.ResetSlice() }
func (e *blockingExecutor) Work() {
	select {
	case e.started <- struct{}{}:
	default:
	}
	<-e.proceed
}
func (e *blockingExecutor) AfterWork() bool      { return false }
func (e *blockingExecutor) Abort()               {}
func (e *blockingExecutor) FastFail()            {}
func (e *blockingExecutor) PrintState(io.Writer) {}

func (e *blockingExecutor) VirtualRuntime() int64      { return e.vr.Load() }
func (e *blockingExecutor) SetVirtualRuntime(ns int64) { e.vr.Store(ns) }
func (e *blockingExecutor) VRuntimeStart() int64       { return e.vrStart.Load() }
func (e *blockingExecutor) SetVRuntimeStart(ns int64)  { e.vrStart.Store(ns) }
func (e *blockingExecutor) OnQueue() bool              { return e.onQueue.Load() }
func (e *blockingExecutor) SetOnQueue(v bool)          { e.onQueue.Store(v) }

func (e *blockingExecutor) ExecutingThread() scheduler.WorkerID {
	return scheduler.WorkerID(e.executing.Load())
}

func (e *blockingExecutor) CompareAndSwapExecutingThread(old, new scheduler.WorkerID) bool { //nolint:predeclared
	return e.executing.CompareAndSwap(uint32(old), uint32(new))
}

func (e *blockingExecutor) SwapExecutingThread(new scheduler.WorkerID) scheduler.WorkerID { //nolint:predeclared
	return scheduler.WorkerID(e.executing.Swap(uint32(new)))
}

func (e *blockingExecutor) Timeout() scheduler.TimeoutState { return e.timeout }

func (e *blockingExecutor) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-e.started:
	case <-time.After(time.Second):
		t.Fatalf("computer %d never started", e.id)
	}
}

func (e *blockingExecutor) release() {
	select {
	case e.proceed <- struct{}{}:
	default:
	}
}

// TestSchedulerIdleCreditNewArrivalBoundedByFleetState drives scenario 2 of
// the end-to-end testable properties (idle credit): a new arrival admitted
// while one computer has raced far ahead must land near the pool floor, not
// leapfrog the computer that raced ahead. Before runner.go stamped
// SetVRuntimeStart at bind time, the bound executor's VRuntimeStart stayed at
// its zero value, so updateRuntimesLocked computed its delta against the
// clock's epoch-nanosecond value instead of elapsed slice time, inflating
// both its virtual runtime and minimum_virtual_runtime to epoch scale; the
// absolute sanity bound at the end of this test catches that regression
// directly.
func TestSchedulerIdleCreditNewArrivalBoundedByFleetState(t *testing.T) {
	clock := clockz.NewFakeClock()
	sched, err := scheduler.New(2, scheduler.WithClock(clock))
	require.NoError(t, err)

	a := newBlockingExecutor(1, clock)
	filler := newBlockingExecutor(2, clock)
	require.NoError(t, sched.Queue(a))
	require.NoError(t, sched.Queue(filler))

	sched.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, sched.Stop(ctx))
	}()

	a.waitStarted(t)
	filler.waitStarted(t)

	// Stands in for the rest of a busier fleet, sitting in the queue at
	// virtual_runtime=0 so minimum_virtual_runtime tracks the slowest
	// computer in the pool instead of simply chasing A's own progress.
	anchor := newBlockingExecutor(3, clock)
	require.NoError(t, sched.Queue(anchor))
	anchor.SetVirtualRuntime(0)

	clock.Advance(100 * time.Millisecond)
	clock.BlockUntilReady()

	b := newBlockingExecutor(4, clock)
	require.NoError(t, sched.Queue(b))

	stats := sched.Stats()
	floor := stats.MinimumVRuntimeNs
	period := sched.ScaledPeriod().Nanoseconds()

	assert.GreaterOrEqual(t, b.VirtualRuntime(), floor+period)
	assert.LessOrEqual(t, b.VirtualRuntime(), a.VirtualRuntime())

	const sane = int64(10 * time.Second)
	assert.Less(t, floor, sane)
	assert.Less(t, a.VirtualRuntime(), sane)
	assert.Less(t, b.VirtualRuntime(), sane)

	a.release()
	filler.release()
}

type orderLog struct {
	mu  sync.Mutex
	ids []uint64
}

func (o *orderLog) record(id uint64) {
	o.mu.Lock()
	o.ids = append(o.ids, id)
	o.mu.Unlock()
}

// maxRun returns the longest run of consecutive completions by the same
// computer, the discriminator for scenario 1's fairness property: a
// perfectly alternating schedule has maxRun==1; starvation shows up as a
// long run.
func (o *orderLog) maxRun() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	best, cur := 0, 0
	var last uint64
	for i, id := range o.ids {
		if i == 0 || id != last {
			cur = 1
		} else {
			cur++
		}
		if cur > best {
			best = cur
		}
		last = id
	}
	return best
}

// countingExecutor is a scheduler.Executor that sleeps a fixed duration per
// slice and records its completion order, for asserting the fairness
// property directly rather than just that both computers eventually finish.
type countingExecutor struct {
	id        uint64
	timeout   *scheduler.DefaultTimeoutState
	vr        atomic.Int64
	vrStart   atomic.Int64
	onQueue   atomic.Bool
	executing atomic.Uint32
	remaining atomic.Int64
	sliceWork time.Duration
	order     *orderLog
}

func newCountingExecutor(id uint64, slices int64, sliceWork time.Duration, order *orderLog) *countingExecutor {
	c := &countingExecutor{
		id:        id,
		timeout:   scheduler.NewTimeoutState(id, time.Hour, time.Hour, nil),
		sliceWork: sliceWork,
		order:     order,
	}
	c.remaining.Store(slices)
	return c
}

func (c *countingExecutor) ID() uint64  { return c.id }
func (c *countingExecutor) BeforeWork() { c.timeout.ResetSlice() }
func (c *countingExecutor) Work()       { time.Sleep(c.sliceWork) }
func (c *countingExecutor) AfterWork() bool {
	c.order.record(c.id)
	return c.remaining.Add(-1) > 0
}
func (c *countingExecutor) Abort()               {}
func (c *countingExecutor) FastFail()            {}
func (c *countingExecutor) PrintState(io.Writer) {}

func (c *countingExecutor) VirtualRuntime() int64      { return c.vr.Load() }
func (c *countingExecutor) SetVirtualRuntime(ns int64) { c.vr.Store(ns) }
func (c *countingExecutor) VRuntimeStart() int64       { return c.vrStart.Load() }
func (c *countingExecutor) SetVRuntimeStart(ns int64)  { c.vrStart.Store(ns) }
func (c *countingExecutor) OnQueue() bool              { return c.onQueue.Load() }
func (c *countingExecutor) SetOnQueue(v bool)          { c.onQueue.Store(v) }

func (c *countingExecutor) ExecutingThread() scheduler.WorkerID {
	return scheduler.WorkerID(c.executing.Load())
}

func (c *countingExecutor) CompareAndSwapExecutingThread(old, new scheduler.WorkerID) bool { //nolint:predeclared
	return c.executing.CompareAndSwap(uint32(old), uint32(new))
}

func (c *countingExecutor) SwapExecutingThread(new scheduler.WorkerID) scheduler.WorkerID { //nolint:predeclared
	return scheduler.WorkerID(c.executing.Swap(uint32(new)))
}

func (c *countingExecutor) Timeout() scheduler.TimeoutState { return c.timeout }

// TestSchedulerAlternatesEquallyWeightedComputers drives scenario 1 (N=1,
// two equally-weighted computers, each slice 20ms): CFS admission keeps
// their virtual runtimes close enough together that neither computer's
// slices bunch up, so this asserts the alternation directly instead of only
// that both eventually finish.
func TestSchedulerAlternatesEquallyWeightedComputers(t *testing.T) {
	sched, err := scheduler.New(1)
	require.NoError(t, err)

	const slices = 5
	order := &orderLog{}
	a := newCountingExecutor(1, slices, 20*time.Millisecond, order)
	b := newCountingExecutor(2, slices, 20*time.Millisecond, order)
	require.NoError(t, sched.Queue(a))
	require.NoError(t, sched.Queue(b))

	sched.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, sched.Stop(ctx))
	}()

	deadline := time.After(3 * time.Second)
	for a.remaining.Load() > 0 || b.remaining.Load() > 0 {
		select {
		case <-deadline:
			t.Fatalf("computers never finished: a_remaining=%d b_remaining=%d", a.remaining.Load(), b.remaining.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	assert.LessOrEqual(t, order.maxRun(), 3, "one computer ran too many slices in a row: %v", order.ids)
}

// wedgedExecutor never yields from Work() and ignores both the soft- and
// hard-abort flags, simulating scenario 5's "work() ignores soft abort and
// keeps spinning" guest so the Monitor's only recourse is replacing the
// worker slot.
type wedgedExecutor struct {
	id        uint64
	timeout   *scheduler.DefaultTimeoutState
	vr        atomic.Int64
	vrStart   atomic.Int64
	onQueue   atomic.Bool
	executing atomic.Uint32
	started   chan struct{}
	block     chan struct{}
}

func newWedgedExecutor(id uint64, clock clockz.Clock, timeout, abortTimeout time.Duration) *wedgedExecutor {
	return &wedgedExecutor{
		id:      id,
		timeout: scheduler.NewTimeoutState(id, timeout, abortTimeout, clock),
		started: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
}

func (e *wedgedExecutor) ID() uint64 { return e.id }
func (e *wedgedExecutor) BeforeWork() { e.timeout.ResetSlice() }
func (e *wedgedExecutor) Work() {
	select {
	case e.started <- struct{}{}:
	default:
	}
	<-e.block // never closed: this goroutine is abandoned once the Monitor replaces the slot
}
func (e *wedgedExecutor) AfterWork() bool      { return false }
func (e *wedgedExecutor) Abort()               {}
func (e *wedgedExecutor) FastFail()            {}
func (e *wedgedExecutor) PrintState(io.Writer) {}

func (e *wedgedExecutor) VirtualRuntime() int64      { return e.vr.Load() }
func (e *wedgedExecutor) SetVirtualRuntime(ns int64) { e.vr.Store(ns) }
func (e *wedgedExecutor) VRuntimeStart() int64       { return e.vrStart.Load() }
func (e *wedgedExecutor) SetVRuntimeStart(ns int64)  { e.vrStart.Store(ns) }
func (e *wedgedExecutor) OnQueue() bool              { return e.onQueue.Load() }
func (e *wedgedExecutor) SetOnQueue(v bool)          { e.onQueue.Store(v) }

func (e *wedgedExecutor) ExecutingThread() scheduler.WorkerID {
	return scheduler.WorkerID(e.executing.Load())
}

func (e *wedgedExecutor) CompareAndSwapExecutingThread(old, new scheduler.WorkerID) bool { //nolint:predeclared
	return e.executing.CompareAndSwap(uint32(old), uint32(new))
}

func (e *wedgedExecutor) SwapExecutingThread(new scheduler.WorkerID) scheduler.WorkerID { //nolint:predeclared
	return scheduler.WorkerID(e.executing.Swap(uint32(new)))
}

func (e *wedgedExecutor) Timeout() scheduler.TimeoutState { return e.timeout }

func (e *wedgedExecutor) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-e.started:
	case <-time.After(time.Second):
		t.Fatalf("computer %d never started", e.id)
	}
}

// TestMonitorReplacesWedgedWorkerAfterDoubleAbortTimeout drives scenario 5:
// a computer that ignores both soft- and hard-abort must, once the Monitor
// observes it past TIMEOUT+2*ABORT_TIMEOUT, have its worker slot replaced.
func TestMonitorReplacesWedgedWorkerAfterDoubleAbortTimeout(t *testing.T) {
	clock := clockz.NewFakeClock()
	sched, err := scheduler.New(1, scheduler.WithClock(clock), scheduler.WithReportsDisabled())
	require.NoError(t, err)

	const timeout = 50 * time.Millisecond
	const abortTimeout = 20 * time.Millisecond

	wedged := newWedgedExecutor(1, clock, timeout, abortTimeout)
	require.NoError(t, sched.Queue(wedged))

	var replaced atomic.Bool
	var mu sync.Mutex
	var replacedID scheduler.WorkerID
	require.NoError(t, sched.OnWorkerReplaced(func(_ context.Context, ev scheduler.MonitorEvent) error {
		mu.Lock()
		replacedID = ev.WorkerID
		mu.Unlock()
		replaced.Store(true)
		return nil
	}))

	sched.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, sched.Stop(ctx))
	}()

	wedged.waitStarted(t)

	for i := 0; i < 10 && !replaced.Load(); i++ {
		clock.Advance(timeout)
		clock.BlockUntilReady()
		time.Sleep(10 * time.Millisecond)
	}

	require.True(t, replaced.Load(), "monitor never replaced the wedged worker")
	mu.Lock()
	assert.Equal(t, scheduler.WorkerID(1), replacedID)
	mu.Unlock()
}
