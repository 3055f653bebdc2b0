package scheduler

import "io"

// WorkerID identifies a runner slot. The zero value means "unbound" so it
// doubles as the sentinel Executor.ExecutingThread() returns when no worker
// currently holds the executor.
type WorkerID uint32

// noWorker is the sentinel stored in an executor's executing-thread cell
// when it is not currently bound to any runner.
const noWorker WorkerID = 0

// Executor is the capability interface the scheduler needs from a computer.
// The scheduler owns VirtualRuntime/VRuntimeStart/OnQueue/ExecutingThread;
// everything else belongs to the computer/VM side and is opaque to the
// scheduler beyond these calls.
//
// Implementations must make ExecutingThread's compare-and-swap and swap
// operations genuinely atomic: the Monitor reads it without holding the
// scheduler mutex (see runner.go / monitor.go).
type Executor interface {
	// ID returns a stable identity used for logging, tracing, and RunQueue
	// tiebreaking.
	ID() uint64

	// BeforeWork resets the per-slice timer inside the executor's
	// TimeoutState. Called by a runner immediately before Work, and before
	// the runner publishes itself as the executor's current worker.
	BeforeWork()

	// Work runs one bounded slice of the computer's event queue. It may
	// block arbitrarily inside guest code — that possibility is exactly
	// why the Monitor exists.
	Work()

	// AfterWork runs once Work returns, successfully or not, and reports
	// whether the executor should be requeued.
	AfterWork() bool

	// Abort requests cooperative termination of the in-flight slice.
	Abort()

	// FastFail tears the computer down after an unrecoverable error
	// surfaced from Work. Must not block; the worker survives the call.
	FastFail()

	// PrintState writes a diagnostic dump of the executor's state to sink,
	// for inclusion in a timeout Report.
	PrintState(sink io.Writer)

	VirtualRuntime() int64
	SetVirtualRuntime(ns int64)

	VRuntimeStart() int64
	SetVRuntimeStart(ns int64)

	// OnQueue reports RunQueue membership (invariant: on_queue iff present
	// in the RunQueue). Mutated exclusively by the scheduler.
	OnQueue() bool
	SetOnQueue(v bool)

	// ExecutingThread is an atomic cell identifying the worker currently
	// bound to this executor, or noWorker if unbound.
	ExecutingThread() WorkerID
	CompareAndSwapExecutingThread(old, new WorkerID) bool //nolint:predeclared
	SwapExecutingThread(new WorkerID) WorkerID             //nolint:predeclared

	// Timeout exposes the executor's TimeoutState to the Monitor.
	Timeout() TimeoutState
}

// TimeoutState is the black box the Monitor drives to escalate from
// cooperative soft-abort to hard-abort. Timeout/AbortTimeout are exposed as
// methods rather than package constants so that different computers may be
// budgeted differently within the same scheduler.
type TimeoutState interface {
	// Refresh lets the state raise its own soft-abort flag as cumulative
	// time crosses Timeout(). Called once per Monitor tick.
	Refresh()

	// NanoCumulative returns the cumulative time spent in the current
	// slice, in nanoseconds.
	NanoCumulative() int64

	// HardAbort raises the hard-abort flag. Idempotent.
	HardAbort()

	IsSoftAborted() bool
	IsPaused() bool
	IsHardAborted() bool

	Timeout() int64
	AbortTimeout() int64
}
