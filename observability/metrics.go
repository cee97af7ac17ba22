package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every pipeline collector. It is created per process (or
// per test) against an explicit registerer, so two worker instances in one
// test binary never share counters.
type Metrics struct {
	JobsClaimed     *prometheus.CounterVec
	JobsFinished    *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	RecoveredJobs   prometheus.Counter
	PagesFetched    *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	AggregatorRuns  *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	ChunksPersisted *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsClaimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sourceflow", Name: "jobs_claimed_total",
			Help: "Jobs moved from pending to processing.",
		}, []string{"job_type"}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sourceflow", Name: "jobs_finished_total",
			Help: "Job attempts by outcome (completed, retried, failed, abandoned).",
		}, []string{"job_type", "outcome"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sourceflow", Name: "job_duration_seconds",
			Help:    "Handler wall time per attempt.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job_type"}),
		RecoveredJobs: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sourceflow", Name: "recovered_jobs_total",
			Help: "Processing jobs reclaimed from presumed-dead workers.",
		}),
		PagesFetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sourceflow", Name: "pages_fetched_total",
			Help: "Crawl fetches by result.",
		}, []string{"result"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sourceflow", Name: "workflow_transitions_total",
			Help: "Applied source status transitions.",
		}, []string{"to"}),
		AggregatorRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sourceflow", Name: "aggregator_runs_total",
			Help: "Status aggregation runs by result (written, unchanged, skipped).",
		}, []string{"result"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sourceflow", Name: "events_dropped_total",
			Help: "Change events lost to full subscriber buffers.",
		}),
		ChunksPersisted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sourceflow", Name: "chunks_persisted_total",
			Help: "Chunks written, by quality.",
		}, []string{"quality"}),
	}
}

// JobClaimed, JobFinished and JobsRecovered satisfy jobqueue.Recorder.

func (m *Metrics) JobClaimed(jobType string) {
	m.JobsClaimed.WithLabelValues(jobType).Inc()
}

func (m *Metrics) JobFinished(jobType, outcome string, d time.Duration) {
	m.JobsFinished.WithLabelValues(jobType, outcome).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func (m *Metrics) JobsRecovered(n int) {
	m.RecoveredJobs.Add(float64(n))
}

// PageFetched satisfies crawl.Recorder.
func (m *Metrics) PageFetched(result string) {
	m.PagesFetched.WithLabelValues(result).Inc()
}

// AggregatorRun records one status aggregation.
func (m *Metrics) AggregatorRun(result string) {
	m.AggregatorRuns.WithLabelValues(result).Inc()
}

// EventDropped is installed as the event bus drop hook.
func (m *Metrics) EventDropped() { m.EventsDropped.Inc() }

// TransitionApplied records a source status change.
func (m *Metrics) TransitionApplied(to string) {
	m.Transitions.WithLabelValues(to).Inc()
}

// ChunksWritten records persisted chunks of one quality.
func (m *Metrics) ChunksWritten(quality string, n int) {
	m.ChunksPersisted.WithLabelValues(quality).Add(float64(n))
}
