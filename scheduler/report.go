package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// Report is a diagnostic snapshot produced when a computer has been stuck
// past its hard-abort window (§4.2 report_timeout). It carries enough to log
// and to surface on cmd/schedulerd's /status route without holding the
// scheduler's locks.
type Report struct {
	ComputerID   uint64
	WorkerID     WorkerID
	ElapsedNanos int64
	State        string
	GeneratedAt  time.Time
}

// String renders the report the way the Monitor logs it.
func (r Report) String() string {
	return fmt.Sprintf("timeout report: computer=%d worker=%d elapsed=%s at=%s\n%s",
		r.ComputerID, r.WorkerID, time.Duration(r.ElapsedNanos), r.GeneratedAt.Format(time.RFC3339Nano), r.State)
}

// reportDebouncer bounds how often the Monitor emits a timeout report for
// the same worker, since a wedged computer trips the hard-abort ladder on
// every check_runners pass until it is replaced.
type reportDebouncer struct {
	mu     sync.Mutex
	last   map[WorkerID]time.Time
	window time.Duration
	clock  clockz.Clock
}

func (d *reportDebouncer) allow(id WorkerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if last, ok := d.last[id]; ok && now.Sub(last) < d.window {
		return false
	}
	d.last[id] = now
	return true
}
