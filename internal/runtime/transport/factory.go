// Package transport connects the Service to the modular transport registry.
// Broker implementations live in github.com/drblury/docflow/transport/*.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/docflow/internal/runtime/config"
	brokers "github.com/drblury/docflow/transport"

	// Register every bundled transport.
	_ "github.com/drblury/docflow/transport/transports"
)

// ErrConfigRequired is returned when Build receives no configuration.
var ErrConfigRequired = errors.New("config is required")

// Factory abstracts how the Service initialises its broker clients.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (brokers.Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (brokers.Transport, error)

// Build implements Factory.
func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (brokers.Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the factory backed by the default transport registry.
func DefaultFactory() Factory {
	return NewFactory(brokers.DefaultRegistry)
}

// NewFactory returns a factory that builds transports from registry.
func NewFactory(registry *brokers.Registry) Factory {
	return registryFactory{registry: registry}
}

type registryFactory struct {
	registry *brokers.Registry
}

func (f registryFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (brokers.Transport, error) {
	if conf == nil {
		return brokers.Transport{}, ErrConfigRequired
	}
	t, err := f.registry.Build(ctx, conf, logger)
	if err != nil {
		return brokers.Transport{}, fmt.Errorf("build %s transport: %w", Name(conf), err)
	}
	if t.Publisher == nil || t.Subscriber == nil {
		_ = t.Shutdown()
		return brokers.Transport{}, fmt.Errorf("build %s transport: publisher and subscriber are required", Name(conf))
	}
	return t, nil
}

// Name returns the configured transport name, falling back to the default.
func Name(conf *config.Config) string {
	if conf == nil || conf.PubSubSystem == "" {
		return brokers.DefaultTransport
	}
	return conf.PubSubSystem
}

// Capabilities reports what the configured transport supports.
func Capabilities(conf *config.Config) brokers.Capabilities {
	return brokers.GetCapabilities(Name(conf))
}
