package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/widgetkit/gateway/internal/adapters/config/file"
	"github.com/widgetkit/gateway/internal/core/ports"
	"github.com/widgetkit/gateway/internal/pkg/config"
	"github.com/widgetkit/gateway/internal/storage/registry"
	"github.com/widgetkit/gateway/internal/telemetry"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path, g.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = provider
		return nil
	}
}

// WithConfig uses a fixed configuration that is never reloaded.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		g.config = staticConfig{cfg: cfg}
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = provider
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithRegistry uses an already opened registry instead of the configured one.
// The caller keeps ownership and closes it.
func WithRegistry(store *registry.Store) Option {
	return func(g *Gateway) error {
		g.registry = store
		return nil
	}
}

// WithCounterStore replaces the configured rate-limit counter backend.
// The caller keeps ownership and closes it.
func WithCounterStore(store ports.CounterStore) Option {
	return func(g *Gateway) error {
		g.counters = store
		return nil
	}
}

// WithMetrics records into m instead of a gateway-owned registry.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gateway) error {
		g.metrics = m
		return nil
	}
}

// staticConfig is a ConfigProvider over a config built in code.
type staticConfig struct {
	cfg *config.Config
}

func (s staticConfig) Load(context.Context) (*config.Config, error) {
	return s.cfg, nil
}

func (s staticConfig) Watch(context.Context, func(*config.Config)) error {
	return nil
}

func (s staticConfig) Close() error {
	return nil
}
