package scheduler

import (
	"context"

	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Metric and span keys, grounded on the naming convention
// zoobzio/pipz's connectors use for their own metricz/tracez wiring
// (e.g. Timeout's timeout.processed.total / timeout.process span).
const (
	MetricQueueDepth     = metricz.Key("scheduler.queue_depth")
	MetricIdleWorkers    = metricz.Key("scheduler.idle_workers")
	MetricMinVRuntimeNs  = metricz.Key("scheduler.min_vruntime_ns")
	MetricSliceDuration  = metricz.Key("scheduler.slice_duration_ms")
	MetricHardAborts     = metricz.Key("scheduler.hard_aborts_total")
	MetricReplacements   = metricz.Key("scheduler.worker_replacements_total")
	MetricTimeoutReports = metricz.Key("scheduler.timeout_reports_total")

	SpanSlice = tracez.Key("scheduler.slice")

	TagComputerID = tracez.Tag("computer.id")
	TagRequeued   = tracez.Tag("computer.requeued")
	TagWorkerID   = tracez.Tag("worker.id")
)

// schedulerMetrics bundles the metricz registry and tracez tracer a
// Scheduler publishes observability through. Both are real, wired-in
// dependencies rather than stubs: MetricQueueDepth/MetricIdleWorkers are
// updated on every admission and completion, SpanSlice wraps every worker
// slice.
type schedulerMetrics struct {
	registry *metricz.Registry
	tracer   *tracez.Tracer
}

func newSchedulerMetrics() *schedulerMetrics {
	r := metricz.New()
	r.Gauge(MetricQueueDepth)
	r.Gauge(MetricIdleWorkers)
	r.Gauge(MetricMinVRuntimeNs)
	r.Gauge(MetricSliceDuration)
	r.Counter(MetricHardAborts)
	r.Counter(MetricReplacements)
	r.Counter(MetricTimeoutReports)
	return &schedulerMetrics{registry: r, tracer: tracez.New()}
}

func (m *schedulerMetrics) close() {
	m.tracer.Close()
}

// Registry exposes the metricz registry for callers that want to scrape or
// export it (e.g. cmd/schedulerd's /status endpoint).
func (s *Scheduler) Registry() *metricz.Registry { return s.metrics.registry }

// Tracer exposes the tracez tracer backing per-slice spans.
func (s *Scheduler) Tracer() *tracez.Tracer { return s.metrics.tracer }

// traceSpan captures the method set this package relies on from whatever
// concrete span type tracez.Tracer.StartSpan returns, so callers never need
// to spell that type out.
type traceSpan interface {
	SetTag(tracez.Tag, string)
	Finish()
}

type sliceSpan struct {
	span traceSpan
}

func (s *Scheduler) startSliceSpan(workerID WorkerID, e Executor) (context.Context, *sliceSpan) {
	ctx, span := s.metrics.tracer.StartSpan(context.Background(), SpanSlice)
	span.SetTag(TagComputerID, uint64ToString(e.ID()))
	span.SetTag(TagWorkerID, workerIDToString(workerID))
	return ctx, &sliceSpan{span: span}
}

func (s *sliceSpan) finish(requeued bool) {
	s.span.SetTag(TagRequeued, boolToString(requeued))
	s.span.Finish()
}
