// Package metadata holds the header contract shared by producers, the priority
// consumer and downstream dead-letter triage tooling.
package metadata

import "strings"

// Inbound document headers.
const (
	KeyFileName      = "fileName"
	KeyInterfaceID   = "interfaceId"
	KeyClientID      = "clientId"
	KeyPriority      = "priority"
	KeySchemaVersion = "schemaVersion"
	KeyCorrelationID = "correlation_id"
)

// Dead-letter headers. Together with the reason taxonomy these are the wire
// contract for triage consumers of the dead-letter destination.
const (
	KeyDeadLetterReason = "dead_letter_reason"
	KeyDeadLetterError  = "dead_letter_error"
	KeyDeadLetterID     = "dead_letter_id"
	KeyOriginalQueue    = "original_queue"
	KeyFailedAt         = "failed_at"
)

// Metadata represents the headers carried alongside a document.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Value returns the header value with surrounding whitespace removed. A header
// holding only whitespace counts as missing.
func (m Metadata) Value(key string) string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[key])
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
