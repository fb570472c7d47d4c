// Package kafka provides a Kafka transport. All docflow workers join one
// consumer group so partitions are shared between them, and the group's
// uncommitted lag is reported as queue depth.
package kafka

import (
	"context"
	"errors"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/docflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// DefaultConsumerGroup is used when no consumer group is configured.
const DefaultConsumerGroup = "docflow"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// ErrNoBrokers is returned by Build when no broker address is configured.
var ErrNoBrokers = errors.New("docflow: kafka transport needs at least one broker")

// saramaConfigs derives the client settings for both directions. A new
// consumer group starts at the oldest retained offset so documents published
// before the first deployment are not skipped, and the producer refuses
// payloads above the transport limit before they reach the broker.
func saramaConfigs(cfg transport.Config) (pub, sub *sarama.Config) {
	pub = kafka.DefaultSaramaSyncPublisherConfig()
	pub.Producer.MaxMessageBytes = int(transport.KafkaCapabilities.MaxMessageSize)

	sub = kafka.DefaultSaramaSubscriberConfig()
	sub.Consumer.Offsets.Initial = sarama.OffsetOldest

	if clientID := strings.TrimSpace(cfg.GetKafkaClientID()); clientID != "" {
		pub.ClientID = clientID
		sub.ClientID = clientID
	}
	return pub, sub
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, ErrNoBrokers
	}
	group := cfg.GetKafkaConsumerGroup()
	if group == "" {
		group = DefaultConsumerGroup
	}
	pubConf, subConf := saramaConfigs(cfg)

	publisher, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: pubConf,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(kafka.SubscriberConfig{
		Brokers:               brokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		ConsumerGroup:         group,
		OverwriteSaramaConfig: subConf,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	logger.Info("Kafka transport ready", watermill.LogFields{
		"brokers":        strings.Join(brokers, ","),
		"consumer_group": group,
	})

	inspector := NewInspector(brokers, group, subConf)
	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Inspector:  inspector,
		Probe:      inspector,
		Close:      inspector.Close,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
