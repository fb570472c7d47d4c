// Package rabbitmq provides a RabbitMQ/AMQP transport. Queues are durable and
// consumed competitively, so every subscription on a queue shares its backlog.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/docflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ErrNotConnected is reported by the broker probe while the connection is down.
var ErrNotConnected = errors.New("docflow: rabbitmq connection is not established")

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// DialFunc opens the management connection used for queue inspection.
var DialFunc = func(url string) (AMQPConnection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	return dialedConnection{conn}, nil
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()

	amqpConfig := amqp.NewDurableQueueConfig(url)
	if prefetch := cfg.GetRabbitMQPrefetch(); prefetch > 0 {
		amqpConfig.Consume.Qos.PrefetchCount = prefetch
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	inspector := NewInspector(url)
	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Inspector:  inspector,
		Probe:      NewProbe(conn),
		Close: func() error {
			return errors.Join(inspector.Close(), conn.Close())
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// AMQPConnection is the part of an amqp091 connection the inspector uses.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	IsClosed() bool
	Close() error
}

// AMQPChannel is the part of an amqp091 channel the inspector uses.
type AMQPChannel interface {
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	Close() error
}

type dialedConnection struct {
	*amqp091.Connection
}

func (c dialedConnection) Channel() (AMQPChannel, error) {
	return c.Connection.Channel()
}

// Inspector reads queue statistics with passive declares. A passive declare
// that fails closes its channel, so every call opens a fresh one.
type Inspector struct {
	url string

	mu   sync.Mutex
	conn AMQPConnection
}

// NewInspector returns an inspector that dials url on first use.
func NewInspector(url string) *Inspector {
	return &Inspector{url: url}
}

func (i *Inspector) queue(name string) (amqp091.Queue, error) {
	i.mu.Lock()
	if i.conn == nil || i.conn.IsClosed() {
		conn, err := DialFunc(i.url)
		if err != nil {
			i.mu.Unlock()
			return amqp091.Queue{}, fmt.Errorf("rabbitmq: dial for inspection: %w", err)
		}
		i.conn = conn
	}
	conn := i.conn
	i.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("rabbitmq: inspect queue %q: %w", name, err)
	}
	return q, nil
}

// QueueDepth implements transport.QueueInspector.
func (i *Inspector) QueueDepth(_ context.Context, queue string) (int64, error) {
	q, err := i.queue(queue)
	if err != nil {
		return 0, err
	}
	return int64(q.Messages), nil
}

// ConsumerCount implements transport.QueueInspector.
func (i *Inspector) ConsumerCount(_ context.Context, queue string) (int64, error) {
	q, err := i.queue(queue)
	if err != nil {
		return 0, err
	}
	return int64(q.Consumers), nil
}

// Close closes the inspection connection if one was opened.
func (i *Inspector) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.conn == nil || i.conn.IsClosed() {
		i.conn = nil
		return nil
	}
	err := i.conn.Close()
	i.conn = nil
	return err
}

// ConnectionState reports whether the shared connection is up.
type ConnectionState interface {
	IsConnected() bool
}

// NewProbe reports ErrNotConnected while conn is reconnecting.
func NewProbe(conn ConnectionState) transport.BrokerProbe {
	return transport.ProbeFunc(func(context.Context) error {
		if conn == nil || !conn.IsConnected() {
			return ErrNotConnected
		}
		return nil
	})
}
