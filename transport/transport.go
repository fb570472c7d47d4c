// Package transport defines the broker abstraction used by the document
// pipeline. Each implementation (rabbitmq, kafka, nats, aws, channel) lives in
// its own sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ErrDepthUnknown is returned by inspectors that cannot report a queue's
// backlog. Callers treat it as an empty queue.
var ErrDepthUnknown = errors.New("docflow: queue depth unknown")

// ErrNotSupported is returned by inspectors for statistics the broker does not expose.
var ErrNotSupported = errors.New("docflow: operation not supported by transport")

// Transport combines the broker clients produced by a builder. Inspector and
// Probe are optional.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Inspector  QueueInspector
	Probe      BrokerProbe
	// Close releases resources not owned by Publisher or Subscriber, such as
	// a shared connection. May be nil.
	Close func() error
}

// QueueInspector reports queue statistics.
type QueueInspector interface {
	QueueDepth(ctx context.Context, queue string) (int64, error)
	ConsumerCount(ctx context.Context, queue string) (int64, error)
}

// BrokerProbe reports broker reachability for health checks.
type BrokerProbe interface {
	Ping(ctx context.Context) error
}

// ProbeFunc adapts a function to BrokerProbe.
type ProbeFunc func(ctx context.Context) error

// Ping implements BrokerProbe.
func (f ProbeFunc) Ping(ctx context.Context) error { return f(ctx) }

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string
	GetRabbitMQPrefetch() int

	// NATS
	GetNATSURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// Shutdown closes the subscriber, the publisher and then Close, joining any errors.
func (t Transport) Shutdown() error {
	var errs []error
	if t.Subscriber != nil {
		errs = append(errs, t.Subscriber.Close())
	}
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Close != nil {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}
