package runtime

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/docflow/internal/runtime/document"
	errspkg "github.com/drblury/docflow/internal/runtime/errors"
	idspkg "github.com/drblury/docflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/docflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/docflow/internal/runtime/metadata"
	"github.com/drblury/docflow/internal/runtime/schema"
	"github.com/drblury/docflow/internal/runtime/sizing"
)

// consumerConfig wires a consumer for one priority class.
type consumerConfig struct {
	Priority                document.Priority
	Queue                   string
	Workers                 int
	IntakePerWorker         int
	Linger                  time.Duration
	DeadLetterQueue         string
	DefaultSchemaVersion    string
	NackOnDeadLetterFailure bool

	Subscriber message.Subscriber
	Publisher  message.Publisher
	Processor  BatchProcessor
	Validator  *schema.Validator
	Resolver   InterfaceResolver
	BatchSize  *sizing.State
	Metrics    *PipelineMetrics
	Hooks      DocumentHooks
	Logger     loggingpkg.ServiceLogger
}

// consumer drains one priority queue. Every delivery is validated on its own
// intake goroutine, valid documents are batched by the assembler and every
// failure is diverted to the dead-letter destination.
type consumer struct {
	cfg       consumerConfig
	assembler *assembler
	logger    loggingpkg.ServiceLogger
}

func newConsumer(cfg consumerConfig) (*consumer, error) {
	switch {
	case cfg.Subscriber == nil:
		return nil, errspkg.ErrSubscriberRequired
	case cfg.Publisher == nil:
		return nil, errspkg.ErrPublisherRequired
	case cfg.Processor == nil:
		return nil, errspkg.ErrProcessorRequired
	case cfg.Queue == "" || cfg.DeadLetterQueue == "":
		return nil, errspkg.ErrTopicRequired
	case cfg.Metrics == nil:
		return nil, errors.New("docflow: consumer metrics are required")
	case cfg.Logger == nil:
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.IntakePerWorker < 1 {
		cfg.IntakePerWorker = 1
	}

	logger := cfg.Logger.With(loggingpkg.LogFields{
		"priority": string(cfg.Priority),
		"queue":    cfg.Queue,
	})
	return &consumer{
		cfg:       cfg,
		logger:    logger,
		assembler: newAssembler(cfg.Priority, cfg.Processor, cfg.BatchSize, cfg.Linger, cfg.intake(), cfg.Workers, cfg.Metrics, logger),
	}, nil
}

func (c consumerConfig) intake() int {
	return c.Workers * c.IntakePerWorker
}

// Run consumes until ctx is cancelled. Documents waiting for a batch when
// ctx ends are nacked so the broker redelivers them.
func (c *consumer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	intake := c.cfg.intake()
	subscriptions := make([]<-chan *message.Message, 0, intake)
	for i := 0; i < intake; i++ {
		msgs, err := c.cfg.Subscriber.Subscribe(ctx, c.cfg.Queue)
		if err != nil {
			return &errspkg.InfrastructureError{Op: fmt.Sprintf("subscribe %s", c.cfg.Queue), Err: err}
		}
		subscriptions = append(subscriptions, msgs)
	}

	c.cfg.Metrics.RegisterClass(c.cfg.Priority, c.cfg.Queue, c.cfg.Workers)
	c.logger.Info("Consumer started", loggingpkg.LogFields{
		"workers":       c.cfg.Workers,
		"subscriptions": intake,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.assembler.run(gctx)
		return nil
	})
	for _, msgs := range subscriptions {
		g.Go(func() error {
			c.drain(gctx, msgs)
			return nil
		})
	}

	err := g.Wait()
	c.logger.Info("Consumer stopped", nil)
	return err
}

func (c *consumer) drain(ctx context.Context, msgs <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *consumer) handle(ctx context.Context, msg *message.Message) {
	md := metadatapkg.FromWatermill(msg.Metadata)
	if md.Value(metadatapkg.KeyCorrelationID) == "" {
		md[metadatapkg.KeyCorrelationID] = idspkg.CreateULID()
	}
	in := document.FromMetadata(msg.UUID, msg.Payload, md, c.cfg.Priority, c.cfg.Queue)

	docCtx, span := otel.Tracer(tracerName).Start(ctx, "HandleDocument",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("docflow.message.uuid", in.UUID),
			attribute.String("docflow.priority", string(in.Priority)),
			attribute.String("docflow.queue", in.Queue),
			attribute.String("docflow.file_name", in.FileName),
		),
	)
	defer span.End()

	dctx := DocumentContext{
		Priority:      in.Priority,
		Queue:         in.Queue,
		MessageUUID:   in.UUID,
		FileName:      in.FileName,
		InterfaceID:   in.InterfaceID,
		ClientID:      in.ClientID,
		CorrelationID: md.Value(metadatapkg.KeyCorrelationID),
		Metadata:      in.Metadata,
		Context:       docCtx,
		StartedAt:     time.Now(),
	}
	c.cfg.Hooks.start(dctx)

	content, err := c.validate(docCtx, in)
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		c.requeue(msg, dctx)
		return
	}
	if err != nil {
		reason := document.ReasonProcessing
		if errspkg.IsValidation(err) {
			reason = document.ReasonValidation
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(reason))
		c.reject(msg, in, dctx, reason, err)
		return
	}

	err = c.assembler.Submit(ctx, content)
	switch {
	case err == nil:
		c.cfg.Metrics.RecordProcessed(in.Priority)
		c.cfg.Hooks.done(dctx)
		msg.Ack()
	case errors.Is(err, errspkg.ErrConsumerStopped):
		c.requeue(msg, dctx)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, string(document.ReasonProcessing))
		c.reject(msg, in, dctx, document.ReasonProcessing, err)
	}
}

func (c *consumer) requeue(msg *message.Message, dctx DocumentContext) {
	c.cfg.Metrics.RecordRequeued(dctx.Priority)
	c.logger.Debug("Document returned to broker on shutdown", dctx.fields())
	msg.Nack()
}

// validate runs the structural pre-check, resolves the interface and, when a
// schema version applies, validates the payload against it.
func (c *consumer) validate(ctx context.Context, in document.InboundMessage) (document.ValidatedContent, error) {
	if err := schema.CheckStructure(in); err != nil {
		return document.ValidatedContent{}, err
	}

	ref := document.InterfaceRef{ID: in.InterfaceID, ClientID: in.ClientID}
	if c.cfg.Resolver != nil {
		resolved, err := c.cfg.Resolver.ResolveInterface(ctx, in.ClientID, in.InterfaceID)
		switch {
		case errors.Is(err, errspkg.ErrInterfaceNotFound):
			return document.ValidatedContent{}, errspkg.NewValidationError(err,
				fmt.Sprintf("interface %s is not configured for client %s", in.InterfaceID, in.ClientID))
		case err != nil:
			return document.ValidatedContent{}, &errspkg.ProcessingError{Err: fmt.Errorf("resolve interface: %w", err)}
		}
		ref = resolved
	}

	version := in.SchemaVersion
	if version == "" {
		version = ref.SchemaVersion
	}
	if version == "" {
		version = c.cfg.DefaultSchemaVersion
	}
	if c.cfg.Validator.Enabled() && version != "" {
		if _, err := c.cfg.Validator.ValidatePayload(ctx, in.Payload, version); err != nil {
			return document.ValidatedContent{}, err
		}
	}

	return document.ValidatedContent{
		InboundMessage: in,
		Interface:      ref,
		SchemaVersion:  version,
	}, nil
}

// reject publishes the dead letter and acknowledges the original delivery.
// When the dead letter cannot be published the failure is logged and the
// delivery is still acknowledged unless NackOnDeadLetterFailure is set.
func (c *consumer) reject(msg *message.Message, in document.InboundMessage, dctx DocumentContext, reason document.Reason, cause error) {
	c.cfg.Metrics.RecordRejected(in.Priority, reason, cause)

	fields := dctx.fields()
	fields["reason"] = string(reason)
	c.logger.Error("Document rejected", cause, fields)
	c.cfg.Hooks.failed(dctx, reason, cause)

	rec := NewDeadLetterRecord(in, reason, cause, c.cfg.DeadLetterQueue)
	if err := PublishDeadLetter(c.cfg.Publisher, c.cfg.DeadLetterQueue, rec); err != nil {
		c.cfg.Metrics.RecordDeadLetterFailure(in.Priority, err)
		failFields := maps.Clone(fields)
		failFields["dead_letter_id"] = rec.ID
		c.logger.Error("Dead-letter publish failed", err, failFields)
		if c.cfg.NackOnDeadLetterFailure {
			msg.Nack()
			return
		}
		msg.Ack()
		return
	}

	c.cfg.Metrics.RecordDeadLetter(reason)
	msg.Ack()
}
