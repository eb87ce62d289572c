// Package runtime provides the Gateway struct that assembles the proxy,
// management and health surfaces and manages their lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bytebrushstudios/byteproxy/internal/admission"
	"github.com/bytebrushstudios/byteproxy/internal/api/health"
	"github.com/bytebrushstudios/byteproxy/internal/api/management"
	apimw "github.com/bytebrushstudios/byteproxy/internal/api/middleware"
	"github.com/bytebrushstudios/byteproxy/internal/api/proxy"
	"github.com/bytebrushstudios/byteproxy/internal/credentials"
	"github.com/bytebrushstudios/byteproxy/internal/forward"
	"github.com/bytebrushstudios/byteproxy/internal/pkg/config"
	"github.com/bytebrushstudios/byteproxy/internal/ratelimit"
	"github.com/bytebrushstudios/byteproxy/internal/registry"
	"github.com/bytebrushstudios/byteproxy/internal/storage/sqlite"
	"github.com/bytebrushstudios/byteproxy/internal/telemetry"
	"github.com/bytebrushstudios/byteproxy/internal/tunnel"
)

// Version is the gateway release reported by /health and /status.
const Version = "0.1.0"

const description = "Generic HTTP and WebSocket forwarding gateway"

const sourceURL = "https://github.com/bytebrushstudios/byteproxy"

// Gateway wires the service registry, the forwarding pipeline and the HTTP
// surfaces together. It can be embedded in larger applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options)
	config ConfigProvider
	store  ServiceStore
	creds  credentials.Resolver
	addr   string

	// Built by Start
	cfg       *config.Config
	registry  *registry.Registry
	limiter   *ratelimit.Limiter
	admission *admission.Controller
	forwarder *forward.Forwarder
	metrics   *telemetry.Metrics
	handler   http.Handler
	server    *http.Server
	listener  net.Listener
	tracerOff func(context.Context) error
	logger    *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// New creates a new Gateway with the given options.
// Without a config option, config.yaml in the working directory is read if present.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
		creds:  credentials.NewEnvResolver(),
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.config == nil {
		gw.config = envConfig{}
	}
	return gw, nil
}

// Start loads configuration, builds the service registry and begins serving.
// It returns once the listener is bound.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.server != nil {
		return errors.New("gateway already started")
	}
	g.ctx, g.cancel = context.WithCancel(ctx)

	cfg, err := g.config.Load(g.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	g.cfg = cfg

	if g.store == nil && cfg.Storage.SQLite.Path != "" {
		store, err := sqlite.New(cfg.Storage.SQLite.Path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		g.store = store
	}

	if err := g.buildRegistry(g.ctx); err != nil {
		return err
	}

	g.limiter = ratelimit.New(g.registry)
	g.admission = admission.New(pressureConfig(cfg.Pressure), admission.WithLogger(g.logger))
	if cfg.Pressure.Enabled {
		if err := g.admission.Start(g.ctx); err != nil {
			return fmt.Errorf("start admission controller: %w", err)
		}
	}
	g.metrics = telemetry.NewMetrics(g.admission)
	g.forwarder = forward.New(g.registry, g.limiter,
		forward.WithTimeout(cfg.Network.Timeout),
		forward.WithStrictTLS(cfg.Network.StrictTLS),
		forward.WithCredentials(g.creds),
		forward.WithLogger(g.logger))

	g.tracerOff, err = telemetry.InitTracer(telemetry.TracingConfig{
		Enabled:     cfg.Telemetry.Tracing.Enabled,
		ServiceName: cfg.Telemetry.Tracing.ServiceName,
		PrettyPrint: cfg.Telemetry.Tracing.PrettyPrint,
	}, g.logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	g.handler = g.buildRouter()

	if err := g.watchConfig(); err != nil {
		g.logger.Warn("config watch unavailable", slog.String("error", err.Error()))
	}

	return g.startServer()
}

func pressureConfig(p config.PressureConfig) admission.Config {
	cfg := admission.Config{
		Thresholds: admission.Thresholds{
			MaxEventLoopDelay:       p.MaxEventLoopDelay,
			MaxHeapUsedBytes:        p.MaxHeapUsedBytes,
			MaxRSSBytes:             p.MaxRSSBytes,
			MaxEventLoopUtilization: p.MaxEventLoopUtilization,
		},
		SampleInterval:      p.SampleInterval,
		HealthCheckInterval: p.HealthCheckInterval,
	}
	if p.HealthCheckURL != "" {
		cfg.HealthProbe = &admission.HTTPProbe{URL: p.HealthCheckURL}
	}
	return cfg
}

// buildRegistry registers configured services, then those persisted through
// the management API. A stored key that the config also defines is skipped.
func (g *Gateway) buildRegistry(ctx context.Context) error {
	g.registry = registry.New()
	for _, key := range g.cfg.ServiceKeys() {
		desc, err := g.cfg.Services[key].Descriptor()
		if err != nil {
			return fmt.Errorf("service %s: %w", key, err)
		}
		if err := g.registry.Register(key, desc); err != nil {
			return err
		}
	}

	if g.store == nil {
		return nil
	}
	stored, err := g.store.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("restore services: %w", err)
	}
	for _, s := range stored {
		if g.registry.Has(s.Key) {
			g.logger.Warn("stored service shadowed by config", slog.String("service", s.Key))
			continue
		}
		if err := g.registry.Register(s.Key, s.Descriptor); err != nil {
			g.logger.Warn("skipping stored service",
				slog.String("service", s.Key),
				slog.String("error", err.Error()))
		}
	}
	g.logger.Info("services registered", slog.Int("count", g.registry.Len()))
	return nil
}

func (g *Gateway) buildRouter() http.Handler {
	cfg := g.cfg
	r := chi.NewRouter()

	r.Use(apimw.RequestIDMiddleware)
	r.Use(apimw.LoggingMiddleware(g.logger))
	r.Use(middleware.Recoverer)
	r.Use(apimw.CORS(cfg.CORS.Enabled, cfg.CORS.Origins))

	// Scrapes are never shed.
	r.Handle("/metrics", g.metrics.Handler())

	proxyKey := apimw.GatewayKey{
		Scope:    "proxy",
		Key:      cfg.Security.ProxyAPIKey,
		Required: cfg.Security.RequireAuthProxy,
	}
	mgmtKey := apimw.GatewayKey{
		Scope:    "management",
		Key:      cfg.Security.ManagementAPIKey,
		Required: cfg.Security.RequireAuthManagement,
	}

	healthServer := health.NewServer(g.admission, g.registry,
		health.Info{Name: "ByteProxy", Version: Version, Description: description, Source: sourceURL},
		health.Settings{Port: cfg.Server.Port, Logging: cfg.Logging, CORS: cfg.CORS},
		health.WithCredentials(g.creds),
		health.WithLogger(g.logger))
	r.NotFound(healthServer.NotFound)

	proxyServer := proxy.NewServer(g.forwarder, g.registry, g.limiter,
		proxy.WithTunnel(tunnel.New(g.forwarder,
			tunnel.WithHandshakeTimeout(cfg.Network.Timeout),
			tunnel.WithLogger(g.logger))),
		proxy.WithGatewayKeys(proxyKey, mgmtKey),
		proxy.WithMetrics(g.metrics),
		proxy.WithLogger(g.logger))

	mgmtOpts := []management.Option{
		management.WithCredentials(g.creds),
		management.WithGatewayKeys(proxyKey, mgmtKey),
		management.WithNotFound(healthServer.NotFound),
		management.WithLogger(g.logger),
	}
	if g.store != nil {
		mgmtOpts = append(mgmtOpts, management.WithStore(g.store))
	}
	mgmtServer := management.NewServer(g.registry, g.forwarder, mgmtOpts...)

	r.Group(func(r chi.Router) {
		if cfg.Pressure.Enabled {
			r.Use(apimw.Admission(g.admission, cfg.Pressure.RetryAfter, g.metrics.ObserveShed))
		}

		healthServer.Routes(r)

		r.Route("/proxy", func(r chi.Router) {
			r.Use(apimw.GatewayAuth(proxyKey, g.logger))
			r.Use(apimw.QuotaHeaders)
			r.Mount("/", proxyServer)
		})

		r.Route("/manage", func(r chi.Router) {
			r.Use(apimw.GatewayAuth(mgmtKey, g.logger))
			r.Use(apimw.TimeoutMiddleware(cfg.Network.Timeout + 5*time.Second))
			r.Mount("/", mgmtServer)
		})
	})

	return otelhttp.NewHandler(r, "byteproxy")
}

// startServer binds the listener and serves in the background.
func (g *Gateway) startServer() error {
	addr := g.addr
	if addr == "" {
		addr = ":" + strconv.Itoa(g.cfg.Server.Port)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	g.listener = ln

	g.server = &http.Server{
		Handler:     g.handler,
		ReadTimeout: g.cfg.Server.ReadTimeout,
		// WriteTimeout stays zero by default so tunnels are not cut off.
		WriteTimeout: g.cfg.Server.WriteTimeout,
	}

	go func() {
		g.logger.Info("starting server", slog.String("addr", ln.Addr().String()))
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// watchConfig registers services added to the config file while running.
// Changes to existing services need a restart.
func (g *Gateway) watchConfig() error {
	return g.config.Watch(g.ctx, func(cfg *config.Config) {
		g.reload(cfg)
	})
}

func (g *Gateway) reload(cfg *config.Config) {
	for _, key := range cfg.ServiceKeys() {
		svc := cfg.Services[key]
		desc, err := svc.Descriptor()
		if err != nil {
			g.logger.Error("invalid service in reloaded config",
				slog.String("service", key),
				slog.String("error", err.Error()))
			continue
		}

		current, err := g.registry.Lookup(key)
		if err == nil {
			if !reflect.DeepEqual(config.FromDescriptor(current), config.FromDescriptor(desc)) {
				g.logger.Warn("service definition changed; restart to apply", slog.String("service", key))
			}
			continue
		}

		if err := g.registry.Register(key, desc); err != nil {
			g.logger.Error("failed to register service",
				slog.String("service", key),
				slog.String("error", err.Error()))
			continue
		}
		g.logger.Info("service registered from config", slog.String("service", key))
	}
}

// Shutdown gracefully stops the server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancel != nil {
		g.cancel()
	}

	var errs []error
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if g.admission != nil {
		g.admission.Stop()
	}
	if g.tracerOff != nil {
		if err := g.tracerOff(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if err := g.config.Close(); err != nil {
		errs = append(errs, fmt.Errorf("config close: %w", err))
	}
	return errors.Join(errs...)
}

// Handler returns the root HTTP handler. It is nil before Start.
func (g *Gateway) Handler() http.Handler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.handler
}

// Addr returns the bound listen address, or "" before Start.
func (g *Gateway) Addr() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Config returns the configuration loaded by Start.
func (g *Gateway) Config() *config.Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Services returns the registered service keys in registration order.
func (g *Gateway) Services() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.registry == nil {
		return nil
	}
	return g.registry.List()
}
