package budget

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for estimates and imports.
type Metrics struct {
	imports          *prometheus.CounterVec
	skipped          *prometheus.CounterVec
	estimateLines    prometheus.Counter
	estimateDuration prometheus.Histogram
}

// NewMetrics registers the budget collectors against the registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salesbudget_imports_total",
			Help: "Budget document imports by kind and outcome.",
		}, []string{"kind", "outcome"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salesbudget_import_skipped_records_total",
			Help: "Records dropped by per-record validation.",
		}, []string{"kind"}),
		estimateLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salesbudget_estimate_lines_total",
			Help: "Dimension-month lines produced by proportional distribution.",
		}),
		estimateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "salesbudget_estimate_duration_seconds",
			Help:    "Time spent calculating estimates.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	registerer.MustRegister(m.imports, m.skipped, m.estimateLines, m.estimateDuration)
	return m
}

// ObserveImport counts one import attempt.
func (m *Metrics) ObserveImport(kind DocumentKind, outcome string, skipped int) {
	if m == nil {
		return
	}
	m.imports.WithLabelValues(string(kind), outcome).Inc()
	if skipped > 0 {
		m.skipped.WithLabelValues(string(kind)).Add(float64(skipped))
	}
}

// ObserveEstimate records the size and duration of a calculation.
func (m *Metrics) ObserveEstimate(lines int, started time.Time) {
	if m == nil {
		return
	}
	m.estimateLines.Add(float64(lines))
	m.estimateDuration.Observe(time.Since(started).Seconds())
}
