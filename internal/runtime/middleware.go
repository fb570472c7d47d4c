package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/docflow/internal/runtime/document"
	errspkg "github.com/drblury/docflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/docflow/internal/runtime/logging"
)

const tracerName = "github.com/drblury/docflow"

// ProcessorMiddleware decorates the batch processor.
type ProcessorMiddleware func(BatchProcessor) BatchProcessor

// MiddlewareBuilder constructs a processor middleware using the provided service instance.
// Returning a nil middleware skips the registration.
type MiddlewareBuilder func(*Service) (ProcessorMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service.
type MiddlewareRegistration struct {
	Name       string
	Middleware ProcessorMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard chain used by the Service
// constructor, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		TracerMiddleware(),
		MetricsMiddleware(),
		LogBatchesMiddleware(nil),
		CircuitBreakerMiddleware(),
		TimeoutMiddleware(0),
		RecovererMiddleware(),
	}
}

// TracerMiddleware wraps each processor call in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// MetricsMiddleware records batch counts, durations and sizes.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (ProcessorMiddleware, error) {
			if s.metrics == nil {
				return nil, nil
			}
			return metricsMiddleware(s.metrics), nil
		},
	}
}

// LogBatchesMiddleware logs every batch handed to the processor at debug level.
func LogBatchesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_batches",
		Builder: func(s *Service) (ProcessorMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log batches middleware requires a logger")
			}
			return logBatchesMiddleware(l), nil
		},
	}
}

// CircuitBreakerMiddleware routes processor calls through the service's
// circuit breaker. It is skipped when the breaker is disabled.
func CircuitBreakerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "circuit_breaker",
		Builder: func(s *Service) (ProcessorMiddleware, error) {
			if s.guard == nil {
				return nil, nil
			}
			return breakerMiddleware(s.guard), nil
		},
	}
}

// TimeoutMiddleware bounds a single processor call. A zero timeout uses
// ConsumerProcessTimeout from the configuration; when that is zero too the
// middleware is skipped.
func TimeoutMiddleware(timeout time.Duration) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "timeout",
		Builder: func(s *Service) (ProcessorMiddleware, error) {
			d := timeout
			if d <= 0 && s.Conf != nil {
				d = s.Conf.ConsumerProcessTimeout
			}
			if d <= 0 {
				return nil, nil
			}
			return timeoutMiddleware(d), nil
		},
	}
}

// RecovererMiddleware converts processor panics into processing failures.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Builder: func(s *Service) (ProcessorMiddleware, error) {
			return recovererMiddleware(s.Logger), nil
		},
	}
}

// RegisterMiddleware adds the supplied middleware to the processor chain.
// Middlewares registered earlier wrap those registered later. Registration
// after Start has no effect on running consumers.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw ProcessorMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.middlewaresMu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.middlewaresMu.Unlock()
	return nil
}

// chainProcessor applies middlewares so that the first one is outermost.
func chainProcessor(processor BatchProcessor, middlewares []ProcessorMiddleware) BatchProcessor {
	for i := len(middlewares) - 1; i >= 0; i-- {
		processor = middlewares[i](processor)
	}
	return processor
}

func tracerMiddleware(next BatchProcessor) BatchProcessor {
	return BatchProcessorFunc(func(ctx context.Context, batch document.Batch) error {
		ctx, span := otel.Tracer(tracerName).Start(ctx, "ProcessBatch")
		defer span.End()

		span.SetAttributes(
			attribute.String("docflow.batch.id", batch.ID),
			attribute.String("docflow.batch.priority", string(batch.Priority)),
			attribute.Int("docflow.batch.size", batch.Len()),
		)
		err := next.ProcessBatch(ctx, batch)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	})
}

func metricsMiddleware(metrics *PipelineMetrics) ProcessorMiddleware {
	return func(next BatchProcessor) BatchProcessor {
		return BatchProcessorFunc(func(ctx context.Context, batch document.Batch) error {
			start := time.Now()
			err := next.ProcessBatch(ctx, batch)
			metrics.RecordBatch(batch.Priority, batch.Len(), time.Since(start), err)
			return err
		})
	}
}

func logBatchesMiddleware(logger loggingpkg.ServiceLogger) ProcessorMiddleware {
	return func(next BatchProcessor) BatchProcessor {
		return BatchProcessorFunc(func(ctx context.Context, batch document.Batch) error {
			logger.Debug("Processing batch", loggingpkg.LogFields{
				"batch_id":   batch.ID,
				"priority":   string(batch.Priority),
				"batch_size": batch.Len(),
			})
			return next.ProcessBatch(ctx, batch)
		})
	}
}

type executor interface {
	Execute(fn func() error) error
}

func breakerMiddleware(guard executor) ProcessorMiddleware {
	return func(next BatchProcessor) BatchProcessor {
		return BatchProcessorFunc(func(ctx context.Context, batch document.Batch) error {
			return guard.Execute(func() error {
				return next.ProcessBatch(ctx, batch)
			})
		})
	}
}

// timeoutMiddleware stops waiting after d. A processor that ignores ctx keeps
// running in the background; its result is discarded.
func timeoutMiddleware(d time.Duration) ProcessorMiddleware {
	return func(next BatchProcessor) BatchProcessor {
		return BatchProcessorFunc(func(ctx context.Context, batch document.Batch) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- next.ProcessBatch(ctx, batch)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return &errspkg.ProcessingError{Err: fmt.Errorf("batch %s exceeded %s: %w", batch.ID, d, ctx.Err())}
			}
		})
	}
}

func recovererMiddleware(logger loggingpkg.ServiceLogger) ProcessorMiddleware {
	return func(next BatchProcessor) BatchProcessor {
		return BatchProcessorFunc(func(ctx context.Context, batch document.Batch) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &errspkg.ProcessingError{Err: fmt.Errorf("panic recovered: %v", r)}
					if logger != nil {
						logger.Error("Batch processor panicked", err, loggingpkg.LogFields{
							"batch_id":   batch.ID,
							"priority":   string(batch.Priority),
							"stacktrace": string(debug.Stack()),
						})
					}
				}
			}()
			return next.ProcessBatch(ctx, batch)
		})
	}
}
