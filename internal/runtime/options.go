package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bytebrushstudios/byteproxy/internal/adapters/config/file"
	"github.com/bytebrushstudios/byteproxy/internal/credentials"
	"github.com/bytebrushstudios/byteproxy/internal/domain"
	"github.com/bytebrushstudios/byteproxy/internal/pkg/config"
	"github.com/bytebrushstudios/byteproxy/internal/storage/sqlite"
)

// ConfigProvider supplies the gateway configuration.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	// Watch calls onChange for every reloaded configuration until ctx is done.
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// ServiceStore persists services added through the management API.
type ServiceStore interface {
	SaveService(ctx context.Context, key string, desc *domain.ServiceDescriptor) error
	ListServices(ctx context.Context) ([]sqlite.StoredService, error)
	Close() error
}

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload.
// Services added to the file while running are registered live.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path, file.WithLogger(g.logger))
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = provider
		return nil
	}
}

// WithConfig uses a fixed configuration. Nothing is watched.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		g.config = staticConfig{cfg: cfg}
		return nil
	}
}

// WithSQLite persists services added at runtime in the SQLite database at path.
// It overrides storage.sqlite.path from the configuration.
func WithSQLite(path string) Option {
	return func(g *Gateway) error {
		store, err := sqlite.New(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		g.store = store
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

// WithCredentials replaces the environment credential resolver.
func WithCredentials(r credentials.Resolver) Option {
	return func(g *Gateway) error {
		g.creds = r
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = provider
		return nil
	}
}

// WithServiceStore sets a custom service store.
func WithServiceStore(store ServiceStore) Option {
	return func(g *Gateway) error {
		g.store = store
		return nil
	}
}

// WithAddr overrides the listen address derived from server.port.
func WithAddr(addr string) Option {
	return func(g *Gateway) error {
		g.addr = addr
		return nil
	}
}

type staticConfig struct {
	cfg *config.Config
}

func (s staticConfig) Load(context.Context) (*config.Config, error) { return s.cfg, nil }

func (s staticConfig) Watch(context.Context, func(*config.Config)) error { return nil }

func (s staticConfig) Close() error { return nil }

// envConfig loads config.yaml from the working directory when present.
type envConfig struct{}

func (envConfig) Load(context.Context) (*config.Config, error) { return config.Load() }

func (envConfig) Watch(context.Context, func(*config.Config)) error { return nil }

func (envConfig) Close() error { return nil }
