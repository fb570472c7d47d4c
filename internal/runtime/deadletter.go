package runtime

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/docflow/internal/runtime/document"
	errspkg "github.com/drblury/docflow/internal/runtime/errors"
	idspkg "github.com/drblury/docflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/docflow/internal/runtime/metadata"
)

// NewDeadLetterRecord describes the diversion of in to target.
func NewDeadLetterRecord(in document.InboundMessage, reason document.Reason, cause error, target string) document.DeadLetterRecord {
	errText := "unknown error"
	if cause != nil {
		errText = cause.Error()
	}
	return document.DeadLetterRecord{
		ID:            idspkg.CreateULID(),
		Reason:        reason,
		Error:         errText,
		OriginalQueue: in.Queue,
		Target:        target,
		Payload:       in.Payload,
		Metadata:      in.Metadata.Clone(),
		FailedAt:      time.Now().UTC(),
	}
}

// DeadLetterMessage builds the broker message for rec. The original payload
// and headers are carried unchanged; the dead-letter headers are added on top.
func DeadLetterMessage(rec document.DeadLetterRecord) *message.Message {
	msg := message.NewMessage(rec.ID, rec.Payload)
	md := rec.Metadata.WithAll(metadatapkg.Metadata{
		metadatapkg.KeyDeadLetterReason: string(rec.Reason),
		metadatapkg.KeyDeadLetterError:  rec.Error,
		metadatapkg.KeyDeadLetterID:     rec.ID,
		metadatapkg.KeyOriginalQueue:    rec.OriginalQueue,
		metadatapkg.KeyFailedAt:         rec.FailedAt.Format(time.RFC3339Nano),
	})
	msg.Metadata = metadatapkg.ToWatermill(md)
	return msg
}

// PublishDeadLetter publishes rec to topic.
func PublishDeadLetter(publisher message.Publisher, topic string, rec document.DeadLetterRecord) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if err := publisher.Publish(topic, DeadLetterMessage(rec)); err != nil {
		return &errspkg.InfrastructureError{Op: "publish dead letter", Err: err}
	}
	return nil
}
