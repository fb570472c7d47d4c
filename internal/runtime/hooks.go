package runtime

import (
	"context"
	"time"

	"github.com/drblury/docflow/internal/runtime/document"
	loggingpkg "github.com/drblury/docflow/internal/runtime/logging"
	"github.com/drblury/docflow/internal/runtime/metadata"
)

// DocumentContext provides information about a document to hooks.
type DocumentContext struct {
	// Priority is the intake class the document arrived on.
	Priority document.Priority
	// Queue is the queue the document was consumed from.
	Queue string
	// MessageUUID is the broker message identifier.
	MessageUUID   string
	FileName      string
	InterfaceID   string
	ClientID      string
	CorrelationID string
	// Metadata contains the delivered headers.
	Metadata metadata.Metadata
	// Context is the per-document context, carrying the tracing span.
	Context context.Context
	// StartedAt is when the consumer received the document.
	StartedAt time.Time
	// Duration is set in OnDone and OnError.
	Duration time.Duration
	// Reason is set in OnError to the dead-letter reason.
	Reason document.Reason
}

// DocumentHooks defines callbacks for the document lifecycle.
// All hooks are optional - nil hooks are simply not called.
type DocumentHooks struct {
	// OnStart is called when a document has been received, before validation.
	OnStart func(ctx DocumentContext)

	// OnDone is called after the document was processed and acknowledged.
	OnDone func(ctx DocumentContext)

	// OnError is called when the document is diverted to the dead-letter
	// destination. Documents nacked during shutdown do not trigger it.
	OnError func(ctx DocumentContext, err error)
}

// Merge combines two DocumentHooks. The hooks from other run after those of h.
func (h DocumentHooks) Merge(other DocumentHooks) DocumentHooks {
	return DocumentHooks{
		OnStart: chainHooks(h.OnStart, other.OnStart),
		OnDone:  chainHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func chainHooks(a, b func(DocumentContext)) func(DocumentContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DocumentContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DocumentContext, error)) func(DocumentContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DocumentContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h DocumentHooks) start(ctx DocumentContext) {
	if h.OnStart != nil {
		h.OnStart(ctx)
	}
}

func (h DocumentHooks) done(ctx DocumentContext) {
	if h.OnDone != nil {
		ctx.Duration = time.Since(ctx.StartedAt)
		h.OnDone(ctx)
	}
}

func (h DocumentHooks) failed(ctx DocumentContext, reason document.Reason, err error) {
	if h.OnError != nil {
		ctx.Duration = time.Since(ctx.StartedAt)
		ctx.Reason = reason
		h.OnError(ctx, err)
	}
}

func (c DocumentContext) fields() loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"priority":       string(c.Priority),
		"queue":          c.Queue,
		"message_uuid":   c.MessageUUID,
		"file_name":      c.FileName,
		"interface_id":   c.InterfaceID,
		"client_id":      c.ClientID,
		"correlation_id": c.CorrelationID,
	}
}

// LoggingHooks returns pre-built hooks that log the document lifecycle.
func LoggingHooks(logger loggingpkg.ServiceLogger) DocumentHooks {
	return DocumentHooks{
		OnStart: func(ctx DocumentContext) {
			logger.Debug("Document received", ctx.fields())
		},
		OnDone: func(ctx DocumentContext) {
			fields := ctx.fields()
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Document processed", fields)
		},
		OnError: func(ctx DocumentContext, err error) {
			fields := ctx.fields()
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			fields["reason"] = string(ctx.Reason)
			logger.Error("Document dead-lettered", err, fields)
		},
	}
}

// MetricsHooks returns pre-built hooks that forward lifecycle events to
// external counters.
func MetricsHooks(onStart, onDone func(priority document.Priority), onError func(priority document.Priority, reason document.Reason)) DocumentHooks {
	return DocumentHooks{
		OnStart: func(ctx DocumentContext) {
			if onStart != nil {
				onStart(ctx.Priority)
			}
		},
		OnDone: func(ctx DocumentContext) {
			if onDone != nil {
				onDone(ctx.Priority)
			}
		},
		OnError: func(ctx DocumentContext, err error) {
			if onError != nil {
				onError(ctx.Priority, ctx.Reason)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that raise alerts for dead-lettered
// documents. When reasons is non-empty only those reasons alert.
func AlertingHooks(alertFunc func(ctx DocumentContext, err error), reasons ...document.Reason) DocumentHooks {
	if alertFunc == nil {
		return DocumentHooks{}
	}
	return DocumentHooks{
		OnError: func(ctx DocumentContext, err error) {
			if len(reasons) == 0 {
				alertFunc(ctx, err)
				return
			}
			for _, r := range reasons {
				if r == ctx.Reason {
					alertFunc(ctx, err)
					return
				}
			}
		},
	}
}
