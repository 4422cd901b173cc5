package jobmetrics

import (
	"errors"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome is how a job run ended from the queue's point of view.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	// OutcomeRetry means the task goes back to the queue.
	OutcomeRetry     Outcome = "retry"
	// OutcomeDiscarded means the task failed for good and is archived.
	OutcomeDiscarded Outcome = "discarded"
)

// Classify maps a handler error to its outcome. Errors wrapping
// asynq.SkipRetry are discarded.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, asynq.SkipRetry):
		return OutcomeDiscarded
	default:
		return OutcomeRetry
	}
}

// Metrics exposes Prometheus collectors for budget background jobs.
type Metrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against registerer, or the default
// Prometheus registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker instruments a single job run for one division.
type Tracker struct {
	metrics  *Metrics
	job      string
	division string
	start    time.Time
	now      func() time.Time
}

// Track starts a tracker. division may be empty when the payload could not
// be decoded.
func (m *Metrics) Track(job, division string) *Tracker {
	return &Tracker{metrics: m, job: job, division: division, start: time.Now(), now: time.Now}
}

// End records the run under the outcome derived from err and returns err
// untouched, so handlers can `return tracker.End(err)`.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	outcome := Classify(err)
	now := t.now()
	t.metrics.runs.WithLabelValues(t.job, t.division, string(outcome)).Inc()
	t.metrics.duration.WithLabelValues(t.job, string(outcome)).Observe(now.Sub(t.start).Seconds())
	if outcome == OutcomeSuccess {
		t.metrics.lastSuccess.WithLabelValues(t.job, t.division).Set(float64(now.Unix()))
	}
	return err
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "salesbudget_jobs_total",
		Help: "Budget job runs by job, division and outcome (success, retry, discarded).",
	}, []string{"job", "division", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "salesbudget_job_duration_seconds",
		Help:    "Duration in seconds of budget job runs.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"job", "outcome"})
	lastSuccess := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "salesbudget_job_last_success_timestamp_seconds",
		Help: "Unix time of the last successful run per job and division.",
	}, []string{"job", "division"})
	registerer.MustRegister(runs, duration, lastSuccess)
	return &Metrics{runs: runs, duration: duration, lastSuccess: lastSuccess}
}
