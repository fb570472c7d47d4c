// Package document holds the data model shared by the validator, the batch
// assembler and the dead-letter publisher.
package document

import (
	"fmt"
	"strings"
	"time"

	"github.com/drblury/docflow/internal/runtime/metadata"
)

// Priority is the intake class of a document.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists every class in drain order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority maps a header value onto a class. Empty input yields PriorityNormal.
func ParsePriority(raw string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(raw))) {
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityNormal, "":
		return PriorityNormal, nil
	case PriorityLow:
		return PriorityLow, nil
	default:
		return "", fmt.Errorf("unknown priority %q", raw)
	}
}

func (p Priority) String() string { return string(p) }

// InboundMessage is a delivered unit as read from the broker. It is never
// mutated after creation.
type InboundMessage struct {
	UUID          string
	Payload       []byte
	FileName      string
	InterfaceID   string
	ClientID      string
	Priority      Priority
	SchemaVersion string
	Queue         string
	Metadata      metadata.Metadata
	ReceivedAt    time.Time
}

// FromMetadata builds an InboundMessage from payload bytes and broker headers.
func FromMetadata(uuid string, payload []byte, md metadata.Metadata, class Priority, queue string) InboundMessage {
	return InboundMessage{
		UUID:          uuid,
		Payload:       payload,
		FileName:      md.Value(metadata.KeyFileName),
		InterfaceID:   md.Value(metadata.KeyInterfaceID),
		ClientID:      md.Value(metadata.KeyClientID),
		Priority:      class,
		SchemaVersion: md.Value(metadata.KeySchemaVersion),
		Queue:         queue,
		Metadata:      md.Clone(),
		ReceivedAt:    time.Now().UTC(),
	}
}

// InterfaceRef identifies the configured integration a document belongs to.
type InterfaceRef struct {
	ID            string `json:"id"`
	ClientID      string `json:"client_id"`
	Name          string `json:"name,omitempty"`
	SchemaVersion string `json:"schema_version,omitempty"`
}

// ValidatedContent is an InboundMessage that passed structural and schema
// validation together with its resolved interface.
type ValidatedContent struct {
	InboundMessage
	Interface     InterfaceRef
	SchemaVersion string
}

// Batch is an ordered group of validated documents of a single priority class.
type Batch struct {
	ID       string
	Priority Priority
	Items    []ValidatedContent
}

// Len returns the number of documents in the batch.
func (b Batch) Len() int { return len(b.Items) }

// Reason tags a dead-letter record. Only the two values below are ever published.
type Reason string

const (
	ReasonValidation Reason = "validation_error"
	ReasonProcessing Reason = "processing_error"
)

func (r Reason) String() string { return string(r) }

// DeadLetterRecord describes a diverted document.
type DeadLetterRecord struct {
	ID            string            `json:"id"`
	Reason        Reason            `json:"reason"`
	Error         string            `json:"error"`
	OriginalQueue string            `json:"original_queue"`
	Target        string            `json:"target"`
	Payload       []byte            `json:"-"`
	Metadata      metadata.Metadata `json:"metadata"`
	FailedAt      time.Time         `json:"failed_at"`
}
