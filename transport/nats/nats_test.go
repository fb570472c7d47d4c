package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/docflow/transport"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats", caps.Name)
	assert.False(t, caps.SupportsNativeDLQ)
	assert.True(t, caps.SupportsProbe)
	assert.True(t, caps.SupportsTracing)
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.NATSCapabilities, caps)
	assert.Equal(t, "nats", caps.Name)
}

func TestTransportName(t *testing.T) {
	assert.Equal(t, "nats", TransportName)
}

func stubFactories(t *testing.T, pubErr, subErr error) (*mockPublisher, *mockSubscriber) {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })

	pub, sub := &mockPublisher{}, &mockSubscriber{}
	PublisherFactory = func(config nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		assert.True(t, config.JetStream.Disabled)
		if pubErr != nil {
			return nil, pubErr
		}
		return pub, nil
	}
	SubscriberFactory = func(config nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, QueueGroupPrefix, config.QueueGroupPrefix)
		assert.True(t, config.JetStream.Disabled)
		if subErr != nil {
			return nil, subErr
		}
		return sub, nil
	}
	return pub, sub
}

func TestBuild(t *testing.T) {
	cfg := &mockConfig{natsURL: "nats://localhost:4222"}

	pub, sub := stubFactories(t, nil, nil)
	tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
	assert.IsType(t, &Probe{}, tr.Probe)
	assert.Nil(t, tr.Inspector)
	require.NotNil(t, tr.Close)
	assert.NoError(t, tr.Close())
}

func TestBuildErrors(t *testing.T) {
	cfg := &mockConfig{natsURL: "nats://localhost:4222"}

	stubFactories(t, errors.New("publisher error"), nil)
	_, err := Build(context.Background(), cfg, watermill.NopLogger{})
	assert.EqualError(t, err, "publisher error")

	pub, _ := stubFactories(t, nil, errors.New("subscriber error"))
	_, err = Build(context.Background(), cfg, watermill.NopLogger{})
	assert.EqualError(t, err, "subscriber error")
	assert.True(t, pub.closed)
}

func TestProbe(t *testing.T) {
	original := ConnectFunc
	defer func() { ConnectFunc = original }()

	conn := &fakeConn{connected: true}
	dials := 0
	ConnectFunc = func(url string) (Conn, error) {
		dials++
		assert.Equal(t, "nats://localhost:4222", url)
		return conn, nil
	}

	probe := NewProbe("nats://localhost:4222")
	require.NoError(t, probe.Ping(context.Background()))
	assert.True(t, conn.hadDeadline)

	conn.connected = false
	assert.ErrorIs(t, probe.Ping(context.Background()), ErrNotConnected)

	conn.connected = true
	conn.flushErr = errors.New("timeout")
	assert.EqualError(t, probe.Ping(context.Background()), "timeout")
	assert.Equal(t, 1, dials)

	require.NoError(t, probe.Close())
	assert.True(t, conn.closed)
}

func TestProbeConnectError(t *testing.T) {
	original := ConnectFunc
	defer func() { ConnectFunc = original }()
	ConnectFunc = func(string) (Conn, error) { return nil, errors.New("no servers available") }

	assert.EqualError(t, NewProbe("nats://x").Ping(context.Background()), "no servers available")
}

type fakeConn struct {
	connected   bool
	closed      bool
	hadDeadline bool
	flushErr    error
}

func (f *fakeConn) IsConnected() bool { return f.connected }
func (f *fakeConn) Close()            { f.closed = true }
func (f *fakeConn) FlushWithContext(ctx context.Context) error {
	_, f.hadDeadline = ctx.Deadline()
	return f.flushErr
}

type mockConfig struct {
	natsURL string
}

func (m *mockConfig) GetPubSubSystem() string       { return "nats" }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaClientID() string      { return "" }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetRabbitMQPrefetch() int      { return 0 }
func (m *mockConfig) GetNATSURL() string            { return m.natsURL }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }

type mockPublisher struct {
	closed bool
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }

func (m *mockPublisher) Close() error {
	m.closed = true
	return nil
}

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
