package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
)

// Hook event keys emitted by DefaultTimeoutState, grounded on the
// hookz-based event pattern used throughout zoobzio/pipz's connectors
// (see Timeout.OnTimeout/OnNearTimeout in that pack).
const (
	TimeoutEventSoftAbort = hookz.Key("timeout.soft_abort")
	TimeoutEventHardAbort = hookz.Key("timeout.hard_abort")
)

// TimeoutEvent is emitted via hookz when a computer's timeout state
// escalates, so external callers can subscribe instead of scraping logs.
type TimeoutEvent struct {
	ComputerID uint64
	Cumulative time.Duration
	Timestamp  time.Time
}

// DefaultTimeoutState is the concrete TimeoutState every computer in this
// repository uses. A real guest-VM integration would back these same
// semantics with its own safepoint mechanism instead of a plain clock
// comparison.
type DefaultTimeoutState struct {
	computerID   uint64
	clock        clockz.Clock
	hooks        *hookz.Hooks[TimeoutEvent]
	timeout      time.Duration
	abortTimeout time.Duration

	mu          sync.Mutex
	sliceStart  time.Time
	cumulative  time.Duration
	softAborted bool
	paused      bool
	hardAborted bool
}

// NewTimeoutState creates a TimeoutState budgeted with the given soft and
// hard timeout windows. A nil clock defaults to clockz.RealClock.
func NewTimeoutState(computerID uint64, timeout, abortTimeout time.Duration, clock clockz.Clock) *DefaultTimeoutState {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &DefaultTimeoutState{
		computerID:   computerID,
		clock:        clock,
		timeout:      timeout,
		abortTimeout: abortTimeout,
		hooks:        hookz.New[TimeoutEvent](),
	}
}

// ResetSlice starts a fresh per-slice timer. Called from a computer's
// BeforeWork.
func (t *DefaultTimeoutState) ResetSlice() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sliceStart = t.clock.Now()
	t.cumulative = 0
	t.softAborted = false
	t.paused = false
	t.hardAborted = false
}

// Refresh recomputes cumulative time in the slice and raises the soft-abort
// flag the first time it crosses Timeout().
func (t *DefaultTimeoutState) Refresh() {
	t.mu.Lock()
	if t.sliceStart.IsZero() {
		t.mu.Unlock()
		return
	}
	t.cumulative = t.clock.Since(t.sliceStart)
	justTripped := !t.softAborted && t.cumulative >= t.timeout
	if justTripped {
		t.softAborted = true
		t.paused = true
	}
	cumulative := t.cumulative
	t.mu.Unlock()

	if justTripped {
		_ = t.hooks.Emit(context.Background(), TimeoutEventSoftAbort, TimeoutEvent{ //nolint:errcheck
			ComputerID: t.computerID,
			Cumulative: cumulative,
			Timestamp:  t.clock.Now(),
		})
	}
}

func (t *DefaultTimeoutState) NanoCumulative() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cumulative.Nanoseconds()
}

// HardAbort raises the hard-abort flag. The event fires only on the
// transition into hard-abort, not on every call from the Monitor's ladder.
func (t *DefaultTimeoutState) HardAbort() {
	t.mu.Lock()
	already := t.hardAborted
	t.hardAborted = true
	t.mu.Unlock()

	if !already {
		_ = t.hooks.Emit(context.Background(), TimeoutEventHardAbort, TimeoutEvent{ //nolint:errcheck
			ComputerID: t.computerID,
			Timestamp:  t.clock.Now(),
		})
	}
}

func (t *DefaultTimeoutState) IsSoftAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.softAborted
}

func (t *DefaultTimeoutState) IsPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

func (t *DefaultTimeoutState) IsHardAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hardAborted
}

func (t *DefaultTimeoutState) Timeout() int64      { return t.timeout.Nanoseconds() }
func (t *DefaultTimeoutState) AbortTimeout() int64 { return t.abortTimeout.Nanoseconds() }

// OnSoftAbort registers a handler invoked when the cooperative soft-abort
// flag is first raised.
func (t *DefaultTimeoutState) OnSoftAbort(h func(context.Context, TimeoutEvent) error) error {
	_, err := t.hooks.Hook(TimeoutEventSoftAbort, h)
	return err
}

// OnHardAbort registers a handler invoked when the Monitor first hard-aborts
// this computer.
func (t *DefaultTimeoutState) OnHardAbort(h func(context.Context, TimeoutEvent) error) error {
	_, err := t.hooks.Hook(TimeoutEventHardAbort, h)
	return err
}

// Close releases the hook registry. Safe to call once the owning computer
// is permanently discarded.
func (t *DefaultTimeoutState) Close() error {
	t.hooks.Close()
	return nil
}
