package aws

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/docflow/transport"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "aws", caps.Name)
	assert.True(t, caps.SupportsNativeDLQ)
	assert.True(t, caps.SupportsTracing)
	assert.True(t, caps.SupportsAdaptiveSizing())
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.AWSCapabilities, caps)
	assert.Equal(t, "aws", caps.Name)
}

func TestTransportName(t *testing.T) {
	assert.Equal(t, "aws", TransportName)
}

// stubFactories replaces the SDK entry points. A nil pub or sub makes the
// corresponding factory fail.
func stubFactories(t *testing.T, loaderErr error, pub *mockPublisher, sub message.Subscriber) {
	t.Helper()
	origLoader, origResolver := DefaultConfigLoader, TopicResolverFactory
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader, TopicResolverFactory = origLoader, origResolver
		PublisherFactory, SubscriberFactory = origPub, origSub
	})

	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		if loaderErr != nil {
			return aws.Config{}, loaderErr
		}
		return aws.Config{Region: "us-east-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		if pub == nil {
			return nil, errors.New("publisher error")
		}
		return pub, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		if sub == nil {
			return nil, errors.New("subscriber error")
		}
		assert.NotNil(t, cfg.GenerateSqsQueueName)
		return sub, nil
	}
}

func TestBuild(t *testing.T) {
	cfg := &mockConfig{awsRegion: "us-east-1", awsAccountID: "123456789012"}

	t.Run("creates transport", func(t *testing.T) {
		pub, sub := &mockPublisher{}, &mockSubscriber{}
		stubFactories(t, nil, pub, sub)

		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, pub, tr.Publisher)
		assert.Equal(t, sub, tr.Subscriber)
		assert.IsType(t, &Inspector{}, tr.Inspector)
		assert.Nil(t, tr.Probe)
	})

	t.Run("config loader error", func(t *testing.T) {
		stubFactories(t, errors.New("config error"), &mockPublisher{}, &mockSubscriber{})
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.ErrorContains(t, err, "config error")
	})

	t.Run("publisher error", func(t *testing.T) {
		stubFactories(t, nil, nil, &mockSubscriber{})
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber error closes publisher", func(t *testing.T) {
		pub := &mockPublisher{}
		stubFactories(t, nil, pub, nil)
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.closed)
	})
}

func TestQueueNameForTopic(t *testing.T) {
	name, err := queueNameForTopic(context.Background(), "arn:aws:sns:us-east-1:000000000000:documents-high")
	require.NoError(t, err)
	assert.Equal(t, "documents-high", name)
}

func TestResolveSettings(t *testing.T) {
	s, err := resolveSettings(nil)
	require.NoError(t, err)
	assert.False(t, s.emulated())

	s, err = resolveSettings(&mockConfig{
		awsRegion:    " eu-central-1 ",
		awsAccountID: "'123456789012'",
		awsEndpoint:  "http://localhost:4566",
	})
	require.NoError(t, err)
	assert.Equal(t, "eu-central-1", s.region)
	assert.Equal(t, "123456789012", s.accountID)
	require.True(t, s.emulated())
	assert.Equal(t, "localhost:4566", s.endpoint.Host)

	_, err = resolveSettings(&mockConfig{awsEndpoint: "http://local host:%zz"})
	assert.ErrorContains(t, err, "aws: parse endpoint")
}

func TestSettingsAccount(t *testing.T) {
	local, _ := url.Parse("http://localhost:4566")
	tests := []struct {
		name string
		s    settings
		want string
	}{
		{"real account", settings{accountID: "123456789012"}, "123456789012"},
		{"no endpoint keeps empty account", settings{}, ""},
		{"localstack default", settings{endpoint: local}, localstackAccountID},
		{"localstack keeps valid account", settings{endpoint: local, accountID: "123456789012"}, "123456789012"},
		{"localstack replaces invalid account", settings{endpoint: local, accountID: "acme"}, localstackAccountID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.s.account(watermill.NopLogger{}))
		})
	}
}

func TestSettingsLoadUsesStaticCredentials(t *testing.T) {
	originalConfigLoader := DefaultConfigLoader
	t.Cleanup(func() { DefaultConfigLoader = originalConfigLoader })

	var optCount int
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		optCount = len(opts)
		return aws.Config{Region: "us-east-1"}, nil
	}

	s := settings{region: "eu-west-1", accessKey: "AKIA", secretKey: "secret"}
	awsCfg, err := s.load(context.Background(), watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, 2, optCount)
	assert.Equal(t, "eu-west-1", awsCfg.Region)
	assert.Nil(t, awsCfg.BaseEndpoint)
}

func TestEndpointOptions(t *testing.T) {
	snsOpts, sqsOpts, err := endpointOptions(aws.Config{})
	require.NoError(t, err)
	assert.Empty(t, snsOpts)
	assert.Empty(t, sqsOpts)

	snsOpts, sqsOpts, err = endpointOptions(aws.Config{BaseEndpoint: aws.String("http://localhost:4566")})
	require.NoError(t, err)
	assert.Len(t, snsOpts, 1)
	assert.Len(t, sqsOpts, 1)
}

func TestLoadConfig(t *testing.T) {
	originalConfigLoader := DefaultConfigLoader
	t.Cleanup(func() { DefaultConfigLoader = originalConfigLoader })

	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "us-west-2"}, nil
	}

	awsCfg, err := LoadConfig(context.Background(), &mockConfig{awsRegion: "eu-central-1", awsEndpoint: "http://localstack:4566"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, "eu-central-1", awsCfg.Region)
	require.NotNil(t, awsCfg.BaseEndpoint)
	assert.Equal(t, "http://localstack:4566", *awsCfg.BaseEndpoint)

	awsCfg, err = LoadConfig(context.Background(), &mockConfig{}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", awsCfg.Region)
	assert.Nil(t, awsCfg.BaseEndpoint)
}

func TestInspector(t *testing.T) {
	client := &fakeSQS{
		urls:  map[string]string{"documents.normal": "http://localhost:4566/000000000000/documents.normal"},
		depth: map[string]string{"http://localhost:4566/000000000000/documents.normal": "1500"},
	}
	inspector := NewInspector(client)
	ctx := context.Background()

	depth, err := inspector.QueueDepth(ctx, "documents.normal")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), depth)

	_, err = inspector.QueueDepth(ctx, "documents.normal")
	require.NoError(t, err)
	assert.Equal(t, 1, client.urlCalls)

	_, err = inspector.QueueDepth(ctx, "missing")
	assert.ErrorContains(t, err, `resolve queue "missing"`)

	_, err = inspector.ConsumerCount(ctx, "documents.normal")
	assert.ErrorIs(t, err, transport.ErrNotSupported)
}

func TestInspectorMissingAttribute(t *testing.T) {
	client := &fakeSQS{urls: map[string]string{"q": "http://q"}}

	_, err := NewInspector(client).QueueDepth(context.Background(), "q")
	assert.ErrorIs(t, err, transport.ErrDepthUnknown)
}

type fakeSQS struct {
	urls     map[string]string
	depth    map[string]string
	urlCalls int
}

func (f *fakeSQS) GetQueueUrl(ctx context.Context, params *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error) {
	f.urlCalls++
	u, ok := f.urls[aws.ToString(params.QueueName)]
	if !ok {
		return nil, errors.New("AWS.SimpleQueueService.NonExistentQueue")
	}
	return &amazonsqs.GetQueueUrlOutput{QueueUrl: aws.String(u)}, nil
}

func (f *fakeSQS) GetQueueAttributes(ctx context.Context, params *amazonsqs.GetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueAttributesOutput, error) {
	attrs := map[string]string{}
	if d, ok := f.depth[aws.ToString(params.QueueUrl)]; ok {
		attrs["ApproximateNumberOfMessages"] = d
	}
	return &amazonsqs.GetQueueAttributesOutput{Attributes: attrs}, nil
}

type mockConfig struct {
	awsRegion          string
	awsAccountID       string
	awsAccessKeyID     string
	awsSecretAccessKey string
	awsEndpoint        string
}

func (m *mockConfig) GetPubSubSystem() string       { return "aws" }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaClientID() string      { return "" }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetRabbitMQPrefetch() int      { return 0 }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetAWSRegion() string          { return m.awsRegion }
func (m *mockConfig) GetAWSAccountID() string       { return m.awsAccountID }
func (m *mockConfig) GetAWSAccessKeyID() string     { return m.awsAccessKeyID }
func (m *mockConfig) GetAWSSecretAccessKey() string { return m.awsSecretAccessKey }
func (m *mockConfig) GetAWSEndpoint() string        { return m.awsEndpoint }

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
