package runtime

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/docflow/internal/runtime/breaker"
	"github.com/drblury/docflow/internal/runtime/document"
	errspkg "github.com/drblury/docflow/internal/runtime/errors"
	"github.com/drblury/docflow/internal/runtime/health"
)

const metricsNamespace = "docflow"

// PipelineMetrics records document, batch, sizing and schema statistics. It
// exports them to Prometheus and keeps an in-process copy for the operator API
// and the health checks.
type PipelineMetrics struct {
	mu sync.RWMutex

	classes            map[document.Priority]*classTracker
	deadLetters        map[document.Reason]uint64
	deadLetterFailures uint64
	recentErrors       *timeWindow
	errorWindow        time.Duration

	targetBatchSize int
	lastQueueDepth  int64
	lastLoad        float64
	lastLoadOK      bool

	documentsProcessed  *prometheus.CounterVec
	validationErrors    *prometheus.CounterVec
	processingErrors    *prometheus.CounterVec
	documentsRequeued   *prometheus.CounterVec
	deadLettersTotal    *prometheus.CounterVec
	deadLetterFailed    prometheus.Counter
	batchesTotal        *prometheus.CounterVec
	batchDuration       *prometheus.HistogramVec
	batchDocuments      *prometheus.HistogramVec
	poolActive          *prometheus.GaugeVec
	poolMax             *prometheus.GaugeVec
	targetBatchGauge    prometheus.Gauge
	queueDepthGauge     prometheus.Gauge
	systemLoadGauge     prometheus.Gauge
	schemaLoadsTotal    *prometheus.CounterVec
	schemaLoadDuration  prometheus.Histogram
	circuitBreakerState prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

type classTracker struct {
	stats      ClassStats
	latency    *latencyWindow
	throughput *timeWindow
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewPipelineMetrics creates the collectors. errorWindow bounds RecentErrors;
// zero falls back to five minutes. A nil registerer uses the Prometheus default.
func NewPipelineMetrics(registerer prometheus.Registerer, errorWindow time.Duration) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if errorWindow <= 0 {
		errorWindow = 5 * time.Minute
	}

	return &PipelineMetrics{
		classes:            make(map[document.Priority]*classTracker),
		deadLetters:        make(map[document.Reason]uint64),
		recentErrors:       newTimeWindow(errorWindow),
		errorWindow:        errorWindow,
		registerer:         registerer,
		documentsProcessed: newCounterVec("documents", "processed_total", "Documents processed successfully and acknowledged", []string{"priority"}),
		validationErrors:   newCounterVec("documents", "validation_errors_total", "Documents rejected by structural or schema validation", []string{"priority"}),
		processingErrors:   newCounterVec("documents", "processing_errors_total", "Documents whose batch processing failed", []string{"priority"}),
		documentsRequeued:  newCounterVec("documents", "requeued_total", "Documents nacked for redelivery during shutdown", []string{"priority"}),
		deadLettersTotal:   newCounterVec("dead_letter", "published_total", "Dead-letter records published", []string{"reason"}),
		deadLetterFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dead_letter",
			Name:      "failures_total",
			Help:      "Dead-letter publications that failed",
		}),
		batchesTotal:        newCounterVec("batches", "total", "Batches handed to the processor", []string{"priority", "outcome"}),
		batchDuration:       newHistogramVec("batches", "duration_seconds", "Batch processing duration", prometheus.DefBuckets, []string{"priority"}),
		batchDocuments:      newHistogramVec("batches", "documents", "Documents per processed batch", []float64{1, 5, 10, 20, 50, 100, 200, 500}, []string{"priority"}),
		poolActive:          newGaugeVec("worker_pool", "active", "Batches currently being processed", []string{"priority"}),
		poolMax:             newGaugeVec("worker_pool", "max", "Concurrent batch limit", []string{"priority"}),
		targetBatchGauge:    newGauge("sizing", "target_batch_size", "Current target batch size"),
		queueDepthGauge:     newGauge("sizing", "queue_depth", "Queue depth observed by the sizing controller"),
		systemLoadGauge:     newGauge("sizing", "system_load", "CPU utilization observed by the sizing controller"),
		schemaLoadsTotal:    newCounterVec("schema", "loads_total", "Schema load attempts", []string{"outcome"}),
		schemaLoadDuration:  prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: metricsNamespace, Subsystem: "schema", Name: "load_duration_seconds", Help: "Schema load and compile duration", Buckets: prometheus.DefBuckets}),
		circuitBreakerState: newGauge("circuit_breaker", "state", "Circuit breaker state (0 closed, 1 half-open, 2 open)"),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *PipelineMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.documentsProcessed,
		m.validationErrors,
		m.processingErrors,
		m.documentsRequeued,
		m.deadLettersTotal,
		m.deadLetterFailed,
		m.batchesTotal,
		m.batchDuration,
		m.batchDocuments,
		m.poolActive,
		m.poolMax,
		m.targetBatchGauge,
		m.queueDepthGauge,
		m.systemLoadGauge,
		m.schemaLoadsTotal,
		m.schemaLoadDuration,
		m.circuitBreakerState,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RegisterClass declares a priority class, its queue and its worker count.
func (m *PipelineMetrics) RegisterClass(priority document.Priority, queue string, workers int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracker := m.getOrCreateClass(priority)
	tracker.stats.Queue = queue
	tracker.stats.Pool.Max = workers
	m.poolMax.WithLabelValues(string(priority)).Set(float64(workers))
}

// RecordProcessed counts an acknowledged document.
func (m *PipelineMetrics) RecordProcessed(priority document.Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracker := m.getOrCreateClass(priority)
	tracker.stats.Processed++
	now := time.Now().UTC()
	tracker.stats.LastProcessedAt = now
	snap := tracker.throughput.AddAndSnapshot(now)
	tracker.stats.Throughput = ThroughputMetrics{
		CurrentRPS:       snap.CurrentRPS,
		WindowSeconds:    snap.WindowSeconds,
		MessagesInWindow: uint64(snap.Count),
		TotalMessages:    tracker.stats.Processed,
	}

	m.documentsProcessed.WithLabelValues(string(priority)).Inc()
}

// RecordRejected counts a document diverted to the dead-letter destination.
func (m *PipelineMetrics) RecordRejected(priority document.Priority, reason document.Reason, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracker := m.getOrCreateClass(priority)
	switch reason {
	case document.ReasonValidation:
		tracker.stats.ValidationErrors++
		m.validationErrors.WithLabelValues(string(priority)).Inc()
	default:
		tracker.stats.ProcessingErrors++
		m.processingErrors.WithLabelValues(string(priority)).Inc()
	}
	tracker.stats.Errors.Record(errspkg.Classify(err), err)
	m.recentErrors.Add(time.Now())
}

// RecordRequeued counts a document nacked back to the broker.
func (m *PipelineMetrics) RecordRequeued(priority document.Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreateClass(priority).stats.Requeued++
	m.documentsRequeued.WithLabelValues(string(priority)).Inc()
}

// RecordDeadLetter counts a published dead-letter record.
func (m *PipelineMetrics) RecordDeadLetter(reason document.Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deadLetters[reason]++
	m.deadLettersTotal.WithLabelValues(string(reason)).Inc()
}

// RecordDeadLetterFailure counts a dead-letter publication that failed.
func (m *PipelineMetrics) RecordDeadLetterFailure(priority document.Priority, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracker := m.getOrCreateClass(priority)
	tracker.stats.DeadLetterFailures++
	tracker.stats.Errors.Record(errspkg.CategoryInfrastructure, err)
	m.deadLetterFailures++
	m.recentErrors.Add(time.Now())
	m.deadLetterFailed.Inc()
}

// RecordBatch records the outcome of one processor call.
func (m *PipelineMetrics) RecordBatch(priority document.Priority, size int, took time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracker := m.getOrCreateClass(priority)
	tracker.stats.Batches++
	tracker.stats.LastBatchSize = size
	outcome := "processed"
	if err != nil {
		tracker.stats.FailedBatches++
		outcome = "failed"
	}
	tracker.latency.Add(took)
	tracker.stats.Latency = tracker.latency.Snapshot()

	label := string(priority)
	m.batchesTotal.WithLabelValues(label, outcome).Inc()
	m.batchDuration.WithLabelValues(label).Observe(took.Seconds())
	m.batchDocuments.WithLabelValues(label).Observe(float64(size))
}

// BatchStarted marks a batch slot of priority as busy.
func (m *PipelineMetrics) BatchStarted(priority document.Priority) {
	m.adjustActive(priority, 1)
}

// BatchFinished releases a batch slot of priority.
func (m *PipelineMetrics) BatchFinished(priority document.Priority) {
	m.adjustActive(priority, -1)
}

func (m *PipelineMetrics) adjustActive(priority document.Priority, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracker := m.getOrCreateClass(priority)
	tracker.stats.Pool.Active += delta
	if tracker.stats.Pool.Active < 0 {
		tracker.stats.Pool.Active = 0
	}
	m.poolActive.WithLabelValues(string(priority)).Set(float64(tracker.stats.Pool.Active))
}

// RecordSizing implements sizing.Recorder.
func (m *PipelineMetrics) RecordSizing(target int, depth int64, load float64, loadOK bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.targetBatchSize = target
	m.lastQueueDepth = depth
	m.lastLoad, m.lastLoadOK = load, loadOK

	m.targetBatchGauge.Set(float64(target))
	m.queueDepthGauge.Set(float64(depth))
	if loadOK {
		m.systemLoadGauge.Set(load)
	}
}

// RecordSchemaLoad matches schema.LoadObserver.
func (m *PipelineMetrics) RecordSchemaLoad(version string, took time.Duration, err error) {
	outcome := "loaded"
	if err != nil {
		outcome = "failed"
	}
	m.schemaLoadsTotal.WithLabelValues(outcome).Inc()
	m.schemaLoadDuration.Observe(took.Seconds())
}

// RecordBreakerState exports the breaker state as a gauge.
func (m *PipelineMetrics) RecordBreakerState(state breaker.State) {
	switch state {
	case breaker.StateOpen:
		m.circuitBreakerState.Set(2)
	case breaker.StateHalfOpen:
		m.circuitBreakerState.Set(1)
	default:
		m.circuitBreakerState.Set(0)
	}
}

// PoolOccupancy returns the active batches and batch slots of every
// registered class in drain order.
func (m *PipelineMetrics) PoolOccupancy() []health.PoolUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pools := make([]health.PoolUsage, 0, len(m.classes))
	for _, priority := range document.Priorities {
		if tracker, ok := m.classes[priority]; ok {
			pools = append(pools, health.PoolUsage{
				Name:   string(priority),
				Active: tracker.stats.Pool.Active,
				Max:    tracker.stats.Pool.Max,
			})
		}
	}
	return pools
}

// RecentErrors counts rejected documents and dead-letter failures within the error window.
func (m *PipelineMetrics) RecentErrors() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int64(m.recentErrors.Count(time.Now()))
}

// ClassStats returns a copy of the statistics for priority, or nil when the
// class has not been seen.
func (m *PipelineMetrics) ClassStats(priority document.Priority) *ClassStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tracker, ok := m.classes[priority]
	if !ok {
		return nil
	}
	stats := tracker.stats
	return &stats
}

// Snapshot fills the metrics-owned fields of a Snapshot.
func (m *PipelineMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		TargetBatchSize:    m.targetBatchSize,
		QueueDepth:         m.lastQueueDepth,
		DeadLetters:        make(map[string]uint64, len(m.deadLetters)),
		DeadLetterFailures: m.deadLetterFailures,
		RecentErrors:       int64(m.recentErrors.Count(time.Now())),
		ErrorWindowSeconds: m.errorWindow.Seconds(),
		Resource:           readResourceUsage(m.lastLoad, m.lastLoadOK),
		CollectedAt:        time.Now().UTC(),
	}
	for reason, count := range m.deadLetters {
		snap.DeadLetters[string(reason)] = count
	}
	for _, tracker := range m.classes {
		snap.Classes = append(snap.Classes, tracker.stats)
	}
	sort.Slice(snap.Classes, func(i, j int) bool {
		return priorityRank(snap.Classes[i].Priority) < priorityRank(snap.Classes[j].Priority)
	})
	return snap
}

func priorityRank(p string) int {
	for i, candidate := range document.Priorities {
		if string(candidate) == p {
			return i
		}
	}
	return len(document.Priorities)
}

func (m *PipelineMetrics) getOrCreateClass(priority document.Priority) *classTracker {
	if tracker, ok := m.classes[priority]; ok {
		return tracker
	}
	tracker := &classTracker{
		stats:      ClassStats{Priority: string(priority)},
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newTimeWindow(throughputWindowSize),
	}
	m.classes[priority] = tracker
	return tracker
}
