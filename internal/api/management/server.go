// Package management serves the service administration routes mounted under /manage.
package management

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"

	"github.com/bytebrushstudios/byteproxy/internal/api/middleware"
	"github.com/bytebrushstudios/byteproxy/internal/api/render"
	"github.com/bytebrushstudios/byteproxy/internal/credentials"
	"github.com/bytebrushstudios/byteproxy/internal/domain"
	"github.com/bytebrushstudios/byteproxy/internal/forward"
	"github.com/bytebrushstudios/byteproxy/internal/pkg/config"
	"github.com/bytebrushstudios/byteproxy/internal/registry"
)

// Services is the mutable service catalog.
type Services interface {
	Register(key string, desc *domain.ServiceDescriptor) error
	Lookup(key string) (*domain.ServiceDescriptor, error)
	Descriptors() []*domain.ServiceDescriptor
}

// Prober tests upstream connectivity and reports the network settings it uses.
type Prober interface {
	Probe(ctx context.Context, key string) (*forward.ProbeResult, error)
	Timeout() time.Duration
	StrictTLS() bool
}

// ServiceStore persists services added through the API.
type ServiceStore interface {
	SaveService(ctx context.Context, key string, desc *domain.ServiceDescriptor) error
}

type Server struct {
	router   *chi.Mux
	services Services
	prober   Prober
	store    ServiceStore
	creds    credentials.Resolver
	keys     gatewayKeys
	notFound http.HandlerFunc
	clock    clock.Clock
	started  time.Time
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithStore persists added services.
func WithStore(store ServiceStore) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithCredentials sets the resolver used to report token presence.
func WithCredentials(r credentials.Resolver) Option {
	return func(s *Server) {
		s.creds = r
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(services Services, prober Prober, opts ...Option) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		services: services,
		prober:   prober,
		creds:    credentials.NewEnvResolver(),
		clock:    clock.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.clock.Now()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/services", s.handleListServices)
	s.router.Post("/services", s.handleAddService)
	s.router.Get("/services/{key}", s.handleGetService)
	s.router.Post("/services/{key}/test", s.handleTestService)
	s.router.Get("/diagnostics", s.handleDiagnostics)
	s.router.Get("/key-debug", s.handleKeyDebug)
	if s.notFound != nil {
		s.router.NotFound(s.notFound)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) tokenConfigured(d *domain.ServiceDescriptor) bool {
	if d.Auth == nil {
		return false
	}
	_, ok := s.creds.Resolve(d.Auth.TokenEnvVar)
	return ok
}

func notFound(key string) *domain.Error {
	return domain.NewError(domain.ErrorKindServiceNotConfigured, fmt.Sprintf("Service '%s' not found", key)).
		WithService(key)
}

type serviceSummary struct {
	Key            string                  `json:"key"`
	Name           string                  `json:"name"`
	BaseURL        string                  `json:"baseUrl"`
	HasAuth        bool                    `json:"hasAuth"`
	AuthConfigured bool                    `json:"authConfigured"`
	RateLimit      *config.RateLimitConfig `json:"rateLimit,omitempty"`
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	descs := s.services.Descriptors()
	out := make([]serviceSummary, 0, len(descs))
	for _, d := range descs {
		out = append(out, serviceSummary{
			Key:            d.Key,
			Name:           d.Name,
			BaseURL:        d.BaseURL,
			HasAuth:        d.Auth != nil,
			AuthConfigured: s.tokenConfigured(d),
			RateLimit:      config.FromDescriptor(d).RateLimit,
		})
	}
	render.JSON(w, http.StatusOK, map[string]any{
		"services": out,
		"count":    len(out),
	})
}

type addServiceRequest struct {
	Key    string                `json:"key"`
	Config *config.ServiceConfig `json:"config"`
}

func (s *Server) handleAddService(w http.ResponseWriter, r *http.Request) {
	var req addServiceRequest
	if err := render.Decode(r, &req); err != nil {
		render.Error(w, err)
		return
	}
	if req.Key == "" || req.Config == nil {
		render.Error(w, domain.ErrInvalidRequest("Both 'key' and 'config' are required"))
		return
	}
	middleware.AddLogField(r.Context(), "service", req.Key)

	desc, err := req.Config.Descriptor()
	if err != nil {
		render.Error(w, domain.ErrInvalidRequest(err.Error()).WithService(req.Key).WithCause(err))
		return
	}

	if err := s.services.Register(req.Key, desc); err != nil {
		switch {
		case errors.Is(err, registry.ErrDuplicateService):
			render.Error(w, domain.NewError(domain.ErrorKindDuplicateService,
				fmt.Sprintf("Service '%s' already exists", req.Key)).WithService(req.Key))
		case errors.Is(err, domain.ErrInvalidDescriptor):
			render.Error(w, domain.ErrInvalidRequest(err.Error()).WithService(req.Key))
		default:
			render.Error(w, err)
		}
		return
	}

	persisted := false
	if s.store != nil {
		if err := s.store.SaveService(r.Context(), req.Key, desc); err != nil {
			s.logger.ErrorContext(r.Context(), "failed to persist service",
				slog.String("service", req.Key),
				slog.String("error", err.Error()))
		} else {
			persisted = true
		}
	}

	s.logger.InfoContext(r.Context(), "service added",
		slog.String("service", req.Key),
		slog.String("base_url", desc.BaseURL),
		slog.Bool("persisted", persisted))

	render.JSON(w, http.StatusCreated, map[string]any{
		"message":   fmt.Sprintf("Service '%s' added successfully", req.Key),
		"key":       req.Key,
		"config":    config.FromDescriptor(desc),
		"persisted": persisted,
	})
}

type authView struct {
	*config.AuthConfig
	TokenConfigured bool `json:"tokenConfigured"`
}

type serviceView struct {
	config.ServiceConfig
	Auth *authView `json:"auth,omitempty"`
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	desc, err := s.services.Lookup(key)
	if err != nil {
		render.Error(w, notFound(key))
		return
	}

	cfg := config.FromDescriptor(desc)
	view := serviceView{ServiceConfig: cfg}
	if cfg.Auth != nil {
		view.Auth = &authView{AuthConfig: cfg.Auth, TokenConfigured: s.tokenConfigured(desc)}
	}
	render.JSON(w, http.StatusOK, map[string]any{
		"key":    key,
		"config": view,
	})
}

type tlsHelp struct {
	Issue          string   `json:"issue"`
	PossibleCauses []string `json:"possibleCauses"`
	Solutions      []string `json:"solutions"`
}

type probeTroubleshooting struct {
	Suggestions []string `json:"suggestions"`
	TLSHelp     *tlsHelp `json:"tlsHelp"`
}

var probeSuggestions = []string{
	"Check your internet connection",
	"Verify the service URL is correct",
	"Check if the service is experiencing downtime",
	"If you see TLS/SSL errors, the service may have certificate issues",
}

var certificateHelp = tlsHelp{
	Issue: "TLS/SSL Certificate Error Detected",
	PossibleCauses: []string{
		"Expired or invalid certificates on the target server",
		"System clock is incorrect (check date/time)",
		"Corporate firewall blocking connections",
		"Certificate authority not trusted by your system",
	},
	Solutions: []string{
		"Verify your system date and time are correct",
		"Try accessing the URL directly in a web browser",
		"For development only: set network.strict_tls to false in config",
		"Contact your network administrator if behind a corporate firewall",
	},
}

func (s *Server) handleTestService(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	desc, err := s.services.Lookup(key)
	if err != nil {
		render.Error(w, notFound(key))
		return
	}
	middleware.AddLogField(r.Context(), "service", key)

	res, err := s.prober.Probe(r.Context(), key)
	if err != nil {
		gwErr := domain.AsError(err)
		middleware.AddLogField(r.Context(), "probe_error", string(gwErr.Kind))

		tb := probeTroubleshooting{Suggestions: probeSuggestions}
		if gwErr.Kind == domain.ErrorKindUpstreamTLS {
			help := certificateHelp
			tb.TLSHelp = &help
		}
		render.JSON(w, http.StatusOK, map[string]any{
			"service":         key,
			"status":          "unreachable",
			"error":           gwErr.Message,
			"type":            gwErr.Kind,
			"baseUrl":         desc.BaseURL,
			"troubleshooting": tb,
		})
		return
	}

	out := map[string]any{
		"service":        key,
		"status":         "reachable",
		"responseStatus": res.Status,
		"duration":       fmt.Sprintf("%dms", res.Duration.Milliseconds()),
		"baseUrl":        res.URL,
	}
	if res.Insecure {
		out["tls"] = "certificate validation disabled"
	}
	render.JSON(w, http.StatusOK, out)
}

type authStatus struct {
	TokenConfigured bool   `json:"tokenConfigured"`
	EnvVar          string `json:"envVar"`
	AuthType        string `json:"authType"`
	TokenPreview    string `json:"tokenPreview"`
}

type issueGuide struct {
	CommonCauses []string `json:"commonCauses"`
	QuickFixes   []string `json:"quickFixes"`
}

var (
	authIssues = issueGuide{
		CommonCauses: []string{
			"Environment variables not set correctly",
			"Server not restarted after setting env vars",
			"Invalid or expired tokens",
			"Wrong token format or permissions",
		},
		QuickFixes: []string{
			"Check the .env or .env.local file exists and has correct tokens",
			"Restart the gateway after changing environment variables",
			"Verify token permissions in the upstream provider settings",
			"Check token format matches expected pattern",
		},
	}
	tlsIssues = issueGuide{
		CommonCauses: []string{
			"System clock/date incorrect",
			"Corporate firewall or proxy",
			"Certificate authority issues",
			"Target server certificate problems",
		},
		QuickFixes: []string{
			"Check system date and time",
			"Try from different network",
			"Disable strict TLS temporarily (development only)",
			"Contact network administrator",
		},
	}
)

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()

	auth := make(map[string]authStatus)
	for _, d := range s.services.Descriptors() {
		if d.Auth == nil {
			continue
		}
		token, ok := s.creds.Resolve(d.Auth.TokenEnvVar)
		preview := "NOT_SET"
		if ok {
			preview = credentials.Mask(token)
		}
		auth[d.Key] = authStatus{
			TokenConfigured: ok,
			EnvVar:          d.Auth.TokenEnvVar,
			AuthType:        d.Auth.Kind.String(),
			TokenPreview:    preview,
		}
	}

	tlsRetries := 0
	if !s.prober.StrictTLS() {
		tlsRetries = 1
	}
	zone, _ := now.Zone()

	render.JSON(w, http.StatusOK, map[string]any{
		"system": map[string]any{
			"platform":   runtime.GOOS + "/" + runtime.GOARCH,
			"runtime":    runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
			"uptime":     now.Sub(s.started).Seconds(),
		},
		"network": map[string]any{
			"strictTLS":  s.prober.StrictTLS(),
			"timeout":    s.prober.Timeout().Milliseconds(),
			"tlsRetries": tlsRetries,
		},
		"environment": map[string]any{
			"timeZone":    zone,
			"location":    now.Location().String(),
			"currentTime": now.UTC().Format(time.RFC3339),
		},
		"authentication": auth,
		"troubleshooting": map[string]any{
			"authIssues": authIssues,
			"tlsIssues":  tlsIssues,
		},
	})
}
