// Package nats provides a NATS Core transport. Subscriptions join a queue
// group so each document reaches one worker.
package nats

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/docflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// QueueGroupPrefix names the queue group shared by docflow subscribers.
const QueueGroupPrefix = "docflow"

const defaultProbeTimeout = 2 * time.Second

// ErrNotConnected is returned by the probe while the connection is down.
var ErrNotConnected = errors.New("docflow: nats connection is not established")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

// ConnectFunc opens the connection used by the broker probe.
var ConnectFunc = func(url string) (Conn, error) {
	return nc.Connect(url, nc.Name("docflow-probe"), nc.MaxReconnects(-1))
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}
	jsConfig := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:       url,
			Marshaler: marshaler,
			JetStream: jsConfig,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			Unmarshaler:      marshaler,
			QueueGroupPrefix: QueueGroupPrefix,
			JetStream:        jsConfig,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	probe := NewProbe(url)
	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Probe:      probe,
		Close:      probe.Close,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

// Conn is the part of a nats.go connection the probe uses.
type Conn interface {
	IsConnected() bool
	FlushWithContext(ctx context.Context) error
	Close()
}

// Probe checks broker reachability with a server round trip.
type Probe struct {
	url string

	mu   sync.Mutex
	conn Conn
}

// NewProbe returns a probe that connects to url on first use.
func NewProbe(url string) *Probe {
	return &Probe{url: url}
}

// Ping implements transport.BrokerProbe.
func (p *Probe) Ping(ctx context.Context) error {
	p.mu.Lock()
	if p.conn == nil {
		conn, err := ConnectFunc(p.url)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		p.conn = conn
	}
	conn := p.conn
	p.mu.Unlock()

	if !conn.IsConnected() {
		return ErrNotConnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultProbeTimeout)
		defer cancel()
	}
	return conn.FlushWithContext(ctx)
}

// Close drops the probe connection.
func (p *Probe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	return nil
}
