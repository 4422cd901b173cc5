package jobmetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, Classify(nil))
	assert.Equal(t, OutcomeRetry, Classify(errors.New("deadlock detected")))
	assert.Equal(t, OutcomeDiscarded, Classify(asynq.SkipRetry))
	assert.Equal(t, OutcomeDiscarded, Classify(errors.Join(errors.New("no base period"), asynq.SkipRetry)))
}

func TestTrackerRecordsOutcomes(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	at := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	tr := m.Track("budget:estimate", "FP")
	tr.now = func() time.Time { return at }
	require.NoError(t, tr.End(nil))

	retry := errors.New("connection reset")
	require.Same(t, retry, m.Track("budget:estimate", "FP").End(retry))
	_ = m.Track("budget:estimate", "").End(errors.Join(errors.New("bad payload"), asynq.SkipRetry))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("budget:estimate", "FP", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("budget:estimate", "FP", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("budget:estimate", "", "discarded")))
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(m.lastSuccess.WithLabelValues("budget:estimate", "FP")))
	assert.Equal(t, 3, testutil.CollectAndCount(m.duration))
}

func TestNilTrackerPassesErrorThrough(t *testing.T) {
	var m *Metrics
	err := errors.New("boom")
	assert.Same(t, err, m.Track("budget:estimate", "FP").End(err))
}
