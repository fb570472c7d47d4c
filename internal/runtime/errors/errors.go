package errors

import (
	"context"
	sterrors "errors"
	"fmt"
	"strings"
)

var (
	ErrConfigRequired     = sterrors.New("docflow: configuration is required")
	ErrLoggerRequired     = sterrors.New("docflow: logger is required")
	ErrProcessorRequired  = sterrors.New("docflow: batch processor is required")
	ErrPublisherRequired  = sterrors.New("docflow: publisher is required")
	ErrSubscriberRequired = sterrors.New("docflow: subscriber is required")
	ErrTopicRequired      = sterrors.New("docflow: topic is required")
	ErrConsumerStopped    = sterrors.New("docflow: consumer stopped")
	ErrUnknownPriority    = sterrors.New("docflow: unknown priority class")
	ErrPayloadTooLarge    = sterrors.New("docflow: payload exceeds the transport message size limit")

	ErrEmptyPayload       = sterrors.New("docflow: payload is empty")
	ErrMissingFileName    = sterrors.New("docflow: fileName header is missing")
	ErrMissingInterfaceID = sterrors.New("docflow: interfaceId header is missing")
	ErrMissingClientID    = sterrors.New("docflow: clientId header is missing")
	ErrInterfaceNotFound  = sterrors.New("docflow: interface not found")

	ErrSchemaNotFound = sterrors.New("docflow: schema version not found")
	ErrExternalEntity = sterrors.New("docflow: external entity or DTD reference denied")

	// Category sentinels matched by errors.Is on the typed failures below.
	ErrValidation     = sterrors.New("docflow: validation failure")
	ErrSchemaLoad     = sterrors.New("docflow: schema load failure")
	ErrProcessing     = sterrors.New("docflow: processing failure")
	ErrInfrastructure = sterrors.New("docflow: infrastructure failure")
)

// ConfigValidationError wraps configuration problems found during service construction.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "docflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// ValidationError marks a message as malformed or incomplete. It is terminal:
// the message is dead-lettered and never retried.
type ValidationError struct {
	Reasons []string
	Err     error
}

// NewValidationError wraps cause as a validation failure.
func NewValidationError(cause error, reasons ...string) *ValidationError {
	return &ValidationError{Reasons: reasons, Err: cause}
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Reasons) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Reasons, "; "))
		b.WriteString("]")
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// SchemaLoadError reports a schema version that could not be resolved or compiled.
type SchemaLoadError struct {
	Version string
	Err     error
}

func (e *SchemaLoadError) Error() string {
	return fmt.Sprintf("schema %q could not be loaded: %v", e.Version, e.Err)
}

func (e *SchemaLoadError) Unwrap() error { return e.Err }

func (e *SchemaLoadError) Is(target error) bool { return target == ErrSchemaLoad }

// ProcessingError wraps a failure returned by the batch processing capability.
type ProcessingError struct {
	Err error
}

func (e *ProcessingError) Error() string {
	return "processing failed: " + errString(e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

func (e *ProcessingError) Is(target error) bool { return target == ErrProcessing }

// InfrastructureError wraps broker publish/ack failures. These are logged and swallowed.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return e.Op + ": " + errString(e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

func (e *InfrastructureError) Is(target error) bool { return target == ErrInfrastructure }

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// Category names the failure class of an error.
type Category string

const (
	CategoryNone           Category = "none"
	CategoryValidation     Category = "validation"
	CategorySchema         Category = "schema"
	CategoryProcessing     Category = "processing"
	CategoryInfrastructure Category = "infrastructure"
	CategoryCanceled       Category = "canceled"
)

// Classify maps err onto the failure taxonomy. Unknown errors are treated as processing failures.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case sterrors.Is(err, ErrValidation):
		return CategoryValidation
	case sterrors.Is(err, ErrSchemaLoad):
		return CategorySchema
	case sterrors.Is(err, ErrInfrastructure):
		return CategoryInfrastructure
	case sterrors.Is(err, ErrConsumerStopped), sterrors.Is(err, context.Canceled):
		return CategoryCanceled
	default:
		return CategoryProcessing
	}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return sterrors.Is(err, ErrValidation)
}
