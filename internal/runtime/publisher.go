package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/docflow/internal/runtime/document"
	errspkg "github.com/drblury/docflow/internal/runtime/errors"
	idspkg "github.com/drblury/docflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/docflow/internal/runtime/metadata"
)

// Producer submits raw documents onto the intake queues.
type Producer interface {
	PublishDocument(ctx context.Context, priority document.Priority, payload []byte, headers metadatapkg.Metadata) error
}

// NewDocumentMessage wraps payload and headers in a broker message. A
// correlation id is added when headers carry none.
func NewDocumentMessage(payload []byte, headers metadatapkg.Metadata) *message.Message {
	id := idspkg.CreateULID()
	msg := message.NewMessage(id, payload)
	md := headers.Clone()
	if md.Value(metadatapkg.KeyCorrelationID) == "" {
		md[metadatapkg.KeyCorrelationID] = id
	}
	msg.Metadata = metadatapkg.ToWatermill(md)
	return msg
}

// PublishDocument publishes payload to topic.
func PublishDocument(ctx context.Context, publisher message.Publisher, topic string, payload []byte, headers metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg := NewDocumentMessage(payload, headers)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(topic, msg)
}

// PublishDocument routes payload to the intake queue of priority using the
// Service publisher.
func (s *Service) PublishDocument(ctx context.Context, priority document.Priority, payload []byte, headers metadatapkg.Metadata) error {
	if s == nil {
		return errors.New("document service is nil")
	}
	queue, err := s.queueFor(priority)
	if err != nil {
		return err
	}
	if !s.caps.AllowsPayload(len(payload)) {
		return fmt.Errorf("%w: %d bytes, %s accepts %d", errspkg.ErrPayloadTooLarge, len(payload), s.caps.Name, s.caps.MaxMessageSize)
	}
	return PublishDocument(ctx, s.publisher, queue, payload, headers.With(metadatapkg.KeyPriority, string(priority)))
}

func (s *Service) queueFor(priority document.Priority) (string, error) {
	switch priority {
	case document.PriorityHigh:
		return s.Conf.QueueHigh, nil
	case document.PriorityNormal:
		return s.Conf.QueueNormal, nil
	case document.PriorityLow:
		return s.Conf.QueueLow, nil
	default:
		return "", fmt.Errorf("%w: %q", errspkg.ErrUnknownPriority, priority)
	}
}
