package runtime

import (
	"context"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/drblury/docflow/internal/runtime/document"
	errspkg "github.com/drblury/docflow/internal/runtime/errors"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// BatchProcessor performs the transform and persist work for an assembled
// batch. A returned error fails every document of the batch. Implementations
// must tolerate a document being delivered again after a crash.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batch document.Batch) error
}

// BatchProcessorFunc adapts a function to BatchProcessor.
type BatchProcessorFunc func(ctx context.Context, batch document.Batch) error

// ProcessBatch implements BatchProcessor.
func (f BatchProcessorFunc) ProcessBatch(ctx context.Context, batch document.Batch) error {
	return f(ctx, batch)
}

// InterfaceResolver looks up the integration a document was sent for.
// Returning errors.ErrInterfaceNotFound marks the document invalid; any other
// error is a processing failure.
type InterfaceResolver interface {
	ResolveInterface(ctx context.Context, clientID, interfaceID string) (document.InterfaceRef, error)
}

// InterfaceResolverFunc adapts a function to InterfaceResolver.
type InterfaceResolverFunc func(ctx context.Context, clientID, interfaceID string) (document.InterfaceRef, error)

// ResolveInterface implements InterfaceResolver.
func (f InterfaceResolverFunc) ResolveInterface(ctx context.Context, clientID, interfaceID string) (document.InterfaceRef, error) {
	return f(ctx, clientID, interfaceID)
}

// ClassStats is the in-process view of one priority class.
type ClassStats struct {
	Priority string `json:"priority"`
	Queue    string `json:"queue"`

	Processed          uint64    `json:"processed"`
	ValidationErrors   uint64    `json:"validation_errors"`
	ProcessingErrors   uint64    `json:"processing_errors"`
	Requeued           uint64    `json:"requeued"`
	DeadLetterFailures uint64    `json:"dead_letter_failures"`
	Batches            uint64    `json:"batches"`
	FailedBatches      uint64    `json:"failed_batches"`
	LastBatchSize      int       `json:"last_batch_size"`
	LastProcessedAt    time.Time `json:"last_processed_at,omitempty"`

	Pool       PoolUsage         `json:"pool"`
	Latency    LatencyMetrics    `json:"batch_latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
}

// PoolUsage reports concurrent batches against the class worker count.
type PoolUsage struct {
	Active int `json:"active"`
	Max    int `json:"max"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

// ErrorBreakdown counts failures per category.
type ErrorBreakdown struct {
	Validation     uint64 `json:"validation"`
	Schema         uint64 `json:"schema"`
	Processing     uint64 `json:"processing"`
	Infrastructure uint64 `json:"infrastructure"`
	LastError      string `json:"last_error,omitempty"`
}

// Record counts err under category.
func (e *ErrorBreakdown) Record(category errspkg.Category, err error) {
	switch category {
	case errspkg.CategoryNone, errspkg.CategoryCanceled:
		return
	case errspkg.CategoryValidation:
		e.Validation++
	case errspkg.CategorySchema:
		e.Schema++
	case errspkg.CategoryInfrastructure:
		e.Infrastructure++
	default:
		e.Processing++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

// ResourceUsage is a coarse view of the process.
type ResourceUsage struct {
	CPUUtilization float64 `json:"cpu_utilization"`
	CPUAvailable   bool    `json:"cpu_available"`
	MemoryBytes    uint64  `json:"memory_bytes"`
	Goroutines     int     `json:"goroutines"`
}

func readResourceUsage(load float64, loadOK bool) ResourceUsage {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return ResourceUsage{
		CPUUtilization: load,
		CPUAvailable:   loadOK,
		MemoryBytes:    mem.Alloc,
		Goroutines:     runtime.NumGoroutine(),
	}
}

// Snapshot is the operator view served by /api/consumers.
type Snapshot struct {
	Transport            string            `json:"transport"`
	TransportLimitations []string          `json:"transport_limitations,omitempty"`
	TargetBatchSize      int               `json:"target_batch_size"`
	MinBatchSize         int               `json:"min_batch_size"`
	MaxBatchSize         int               `json:"max_batch_size"`
	QueueDepth           int64             `json:"queue_depth"`
	Classes              []ClassStats      `json:"classes"`
	DeadLetters          map[string]uint64 `json:"dead_letters"`
	DeadLetterQueue      string            `json:"dead_letter_queue"`
	DeadLetterFailures   uint64            `json:"dead_letter_failures"`
	RecentErrors         int64             `json:"recent_errors"`
	ErrorWindowSeconds   float64           `json:"error_window_seconds"`
	SchemaVersions       []string          `json:"schema_versions"`
	CircuitBreaker       string            `json:"circuit_breaker,omitempty"`
	Resource             ResourceUsage     `json:"resource"`
	CollectedAt          time.Time         `json:"collected_at"`
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

// timeWindow keeps event timestamps younger than horizon. It backs both the
// document throughput and the recent-error count.
type timeWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newTimeWindow(horizon time.Duration) *timeWindow {
	return &timeWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *timeWindow) Add(now time.Time) {
	if tw == nil {
		return
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
}

func (tw *timeWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.Add(now)
	return tw.snapshot(now)
}

// Count returns the number of events within the horizon ending at now.
func (tw *timeWindow) Count(now time.Time) int {
	if tw == nil {
		return 0
	}
	tw.cleanup(now)
	return len(tw.samples)
}

func (tw *timeWindow) cleanup(now time.Time) {
	if len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *timeWindow) snapshot(now time.Time) throughputSnapshot {
	if len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
