package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/docflow/internal/runtime/breaker"
	"github.com/drblury/docflow/internal/runtime/document"
	errspkg "github.com/drblury/docflow/internal/runtime/errors"
	"github.com/drblury/docflow/internal/runtime/health"
)

func newTestMetrics(t *testing.T) *PipelineMetrics {
	t.Helper()
	m := NewPipelineMetrics(prometheus.NewRegistry(), time.Minute)
	require.NoError(t, m.Register())
	return m
}

func TestPipelineMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics(reg, 0)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	other := NewPipelineMetrics(reg, 0)
	assert.NoError(t, other.Register(), "already registered collectors are tolerated")
}

func TestPipelineMetricsDocumentCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordProcessed(document.PriorityHigh)
	m.RecordProcessed(document.PriorityHigh)
	m.RecordRejected(document.PriorityHigh, document.ReasonValidation, errspkg.NewValidationError(errspkg.ErrMissingClientID))
	m.RecordRejected(document.PriorityLow, document.ReasonProcessing, &errspkg.ProcessingError{Err: errors.New("db down")})
	m.RecordRequeued(document.PriorityLow)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.documentsProcessed.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.validationErrors.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.processingErrors.WithLabelValues("low")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.documentsRequeued.WithLabelValues("low")))

	high := m.ClassStats(document.PriorityHigh)
	require.NotNil(t, high)
	assert.Equal(t, uint64(2), high.Processed)
	assert.Equal(t, uint64(1), high.ValidationErrors)
	assert.Equal(t, uint64(1), high.Errors.Validation)
	assert.Equal(t, uint64(2), high.Throughput.TotalMessages)

	low := m.ClassStats(document.PriorityLow)
	require.NotNil(t, low)
	assert.Equal(t, uint64(1), low.ProcessingErrors)
	assert.Equal(t, uint64(1), low.Requeued)
	assert.Equal(t, "processing failed: db down", low.Errors.LastError)

	assert.Nil(t, m.ClassStats(document.PriorityNormal))
	assert.Equal(t, int64(2), m.RecentErrors())
}

func TestPipelineMetricsDeadLetters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordDeadLetter(document.ReasonValidation)
	m.RecordDeadLetter(document.ReasonValidation)
	m.RecordDeadLetter(document.ReasonProcessing)
	m.RecordDeadLetterFailure(document.PriorityNormal, errors.New("broker gone"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.deadLettersTotal.WithLabelValues("validation_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLettersTotal.WithLabelValues("processing_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLetterFailed))

	snap := m.Snapshot()
	assert.Equal(t, map[string]uint64{"validation_error": 2, "processing_error": 1}, snap.DeadLetters)
	assert.Equal(t, uint64(1), snap.DeadLetterFailures)
	assert.Equal(t, int64(1), snap.RecentErrors)
}

func TestPipelineMetricsBatchesAndPool(t *testing.T) {
	m := newTestMetrics(t)
	m.RegisterClass(document.PriorityHigh, "documents.high", 4)
	m.RegisterClass(document.PriorityLow, "documents.low", 1)

	m.BatchStarted(document.PriorityHigh)
	m.BatchStarted(document.PriorityLow)
	assert.Equal(t, []health.PoolUsage{
		{Name: "high", Active: 1, Max: 4},
		{Name: "low", Active: 1, Max: 1},
	}, m.PoolOccupancy())

	m.RecordBatch(document.PriorityHigh, 12, 30*time.Millisecond, nil)
	m.RecordBatch(document.PriorityHigh, 3, 10*time.Millisecond, errors.New("boom"))
	m.BatchFinished(document.PriorityHigh)
	m.BatchFinished(document.PriorityHigh)

	pools := m.PoolOccupancy()
	assert.Equal(t, 0, pools[0].Active, "active count never drops below zero per class")
	assert.Equal(t, 1, pools[1].Active)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.poolMax.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchesTotal.WithLabelValues("high", "processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchesTotal.WithLabelValues("high", "failed")))

	high := m.ClassStats(document.PriorityHigh)
	require.NotNil(t, high)
	assert.Equal(t, "documents.high", high.Queue)
	assert.Equal(t, uint64(2), high.Batches)
	assert.Equal(t, uint64(1), high.FailedBatches)
	assert.Equal(t, 3, high.LastBatchSize)
	assert.Equal(t, 2, high.Latency.SampleSize)
}

func TestPipelineMetricsSizingSchemaAndBreaker(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordSizing(20, 1200, 0.4, true)
	m.RecordSizing(10, 50, 0, false)
	m.RecordSchemaLoad("2.1", 5*time.Millisecond, nil)
	m.RecordSchemaLoad("9.9", time.Millisecond, errspkg.ErrSchemaNotFound)
	m.RecordBreakerState(breaker.StateOpen)

	assert.Equal(t, 10.0, testutil.ToFloat64(m.targetBatchGauge))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.queueDepthGauge))
	assert.Equal(t, 0.4, testutil.ToFloat64(m.systemLoadGauge), "missing load keeps the last reading")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.schemaLoadsTotal.WithLabelValues("loaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.schemaLoadsTotal.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.circuitBreakerState))

	m.RecordBreakerState(breaker.StateHalfOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitBreakerState))

	snap := m.Snapshot()
	assert.Equal(t, 10, snap.TargetBatchSize)
	assert.Equal(t, int64(50), snap.QueueDepth)
	assert.False(t, snap.Resource.CPUAvailable)
}

func TestPipelineMetricsSnapshotOrdersClasses(t *testing.T) {
	m := newTestMetrics(t)
	m.RegisterClass(document.PriorityLow, "l", 1)
	m.RegisterClass(document.PriorityHigh, "h", 1)
	m.RegisterClass(document.PriorityNormal, "n", 1)

	snap := m.Snapshot()
	require.Len(t, snap.Classes, 3)
	assert.Equal(t, "high", snap.Classes[0].Priority)
	assert.Equal(t, "normal", snap.Classes[1].Priority)
	assert.Equal(t, "low", snap.Classes[2].Priority)
	assert.Equal(t, 60.0, snap.ErrorWindowSeconds)
}
