// Package vmstub provides a minimal scheduler.Executor implementation that
// simulates guest work without a real VM, for cmd/schedulerd's demo and for
// the scheduler package's own end-to-end tests.
package vmstub

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/steelpool/compsched/scheduler"
)

// Computer is a synthetic guest: each slice busy-loops for a configurable
// amount of work, polling its own cancellation signal (closed by Abort) and
// its TimeoutState's abort flags.
type Computer struct {
	id uint64
	// label is a synthetic, human-readable identity distinct from id,
	// generated once at construction; PrintState includes it so a report
	// is not just a bare number.
	label string

	timeout *scheduler.DefaultTimeoutState

	virtualRuntime atomic.Int64
	vRuntimeStart  atomic.Int64
	onQueue        atomic.Bool
	executing      atomic.Uint32

	// sliceWork is how much simulated work one Work() call performs before
	// yielding, expressed as a number of poll iterations; a misbehaving
	// guest can be simulated by setting this very high.
	sliceWork int

	// pollInterval is how often Work() checks the abort/cancel signal.
	pollInterval time.Duration

	aborted  atomic.Bool
	fastFail atomic.Bool
	cancelCh chan struct{}

	// remaining is the number of slices left; AfterWork asks the scheduler
	// to run this computer again only while it is positive.
	remaining atomic.Int64
}

// New creates a stub computer with the given identity and per-slice timeout
// budget, performing simulated work across however many Work() calls it
// takes to drain the slice count set by WithWork (one slice by default).
func New(id uint64, timeout, abortTimeout time.Duration) *Computer {
	ts := scheduler.NewTimeoutState(id, timeout, abortTimeout, nil)
	c := &Computer{
		id:           id,
		label:        uuid.NewString(),
		timeout:      ts,
		sliceWork:    1,
		pollInterval: 5 * time.Millisecond,
		cancelCh:     make(chan struct{}),
	}
	c.remaining.Store(1)
	return c
}

// WithWork sets how many simulated slices worth of work this computer has
// left to do; the scheduler requeues it after each slice until AfterWork
// reports false.
func (c *Computer) WithWork(slices int64) *Computer {
	c.remaining.Store(slices)
	return c
}

// WithPollInterval overrides how often Work polls its cancellation signal,
// useful in tests that want a soft-abort to be observed quickly.
func (c *Computer) WithPollInterval(d time.Duration) *Computer {
	c.pollInterval = d
	return c
}

func (c *Computer) ID() uint64 { return c.id }

func (c *Computer) BeforeWork() {
	c.aborted.Store(false)
	c.timeout.ResetSlice()
}

// Work simulates one scheduling slice of guest execution. A well-behaved
// guest checks IsSoftAborted/IsHardAborted at safepoints and returns
// promptly; this stub polls both plus its own cancel channel every
// pollInterval.
func (c *Computer) Work() {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for i := 0; i < c.sliceWork*safepointsPerUnit; i++ {
		select {
		case <-c.cancelCh:
			return
		case <-ticker.C:
			c.timeout.Refresh()
			if c.timeout.IsSoftAborted() || c.timeout.IsHardAborted() {
				return
			}
		}
	}
}

// safepointsPerUnit keeps Work's busy loop from spinning the CPU while still
// giving it enough iterations to observe cancellation promptly.
const safepointsPerUnit = 4

func (c *Computer) AfterWork() bool {
	left := c.remaining.Add(-1)
	return left > 0 && !c.aborted.Load()
}

// Abort is called by the Monitor's hard-abort step; it closes cancelCh so a
// blocked Work() wakes up immediately instead of waiting for its next poll.
func (c *Computer) Abort() {
	if c.aborted.CompareAndSwap(false, true) {
		close(c.cancelCh)
	}
}

func (c *Computer) FastFail() {
	c.fastFail.Store(true)
	c.remaining.Store(0)
}

func (c *Computer) PrintState(sink io.Writer) {
	fmt.Fprintf(sink, "computer=%d (%s) remaining_slices=%d soft_aborted=%v hard_aborted=%v fast_failed=%v\n",
		c.id, c.label, c.remaining.Load(), c.timeout.IsSoftAborted(), c.timeout.IsHardAborted(), c.fastFail.Load())
}

// Label returns the computer's synthetic display identity.
func (c *Computer) Label() string { return c.label }

func (c *Computer) VirtualRuntime() int64      { return c.virtualRuntime.Load() }
func (c *Computer) SetVirtualRuntime(ns int64) { c.virtualRuntime.Store(ns) }
func (c *Computer) VRuntimeStart() int64       { return c.vRuntimeStart.Load() }
func (c *Computer) SetVRuntimeStart(ns int64)  { c.vRuntimeStart.Store(ns) }
func (c *Computer) OnQueue() bool              { return c.onQueue.Load() }
func (c *Computer) SetOnQueue(v bool)          { c.onQueue.Store(v) }

func (c *Computer) ExecutingThread() scheduler.WorkerID {
	return scheduler.WorkerID(c.executing.Load())
}

func (c *Computer) CompareAndSwapExecutingThread(old, new scheduler.WorkerID) bool { //nolint:predeclared
	return c.executing.CompareAndSwap(uint32(old), uint32(new))
}

func (c *Computer) SwapExecutingThread(new scheduler.WorkerID) scheduler.WorkerID { //nolint:predeclared
	return scheduler.WorkerID(c.executing.Swap(uint32(new)))
}

func (c *Computer) Timeout() scheduler.TimeoutState { return c.timeout }
