// Package proxy serves the forwarding routes mounted under /proxy.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"

	"github.com/bytebrushstudios/byteproxy/internal/api/middleware"
	"github.com/bytebrushstudios/byteproxy/internal/api/render"
	"github.com/bytebrushstudios/byteproxy/internal/domain"
	"github.com/bytebrushstudios/byteproxy/internal/forward"
	"github.com/bytebrushstudios/byteproxy/internal/ratelimit"
	"github.com/bytebrushstudios/byteproxy/internal/telemetry"
	"github.com/bytebrushstudios/byteproxy/internal/tunnel"
)

const maxRequestBody = 32 << 20

// Forwarder runs the buffered forwarding pipeline.
type Forwarder interface {
	Forward(ctx context.Context, req *forward.Request) (*forward.Result, error)
}

// Tunnel bridges WebSocket upgrades.
type Tunnel interface {
	Serve(w http.ResponseWriter, r *http.Request, req *forward.Request) error
}

// Catalog lists the registered services.
type Catalog interface {
	Descriptors() []*domain.ServiceDescriptor
}

// QuotaReader reports the rate limit window of a service without consuming it.
type QuotaReader interface {
	Status(key string) (ratelimit.Status, bool)
}

type Server struct {
	router    *chi.Mux
	forwarder Forwarder
	tunnel    Tunnel
	catalog   Catalog
	quotas    QuotaReader
	metrics   *telemetry.Metrics
	keys      gatewayKeys
	clock     clock.Clock
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithTunnel enables WebSocket bridging.
func WithTunnel(t Tunnel) Option {
	return func(s *Server) {
		s.tunnel = t
	}
}

// WithMetrics records request metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithClock sets the time source used for reset countdowns.
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

func NewServer(fwd Forwarder, catalog Catalog, quotas QuotaReader, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		forwarder: fwd,
		catalog:   catalog,
		quotas:    quotas,
		clock:     clock.New(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/services", s.handleListServices)
	s.router.Get("/services/{service}/rate-limit", s.handleRateLimit)
	s.router.Get("/auth-debug", s.handleAuthDebug)
	s.router.Get("/auth-test", s.handleAuthTest)
	s.router.Get("/key-debug", s.handleKeyDebug)

	s.router.HandleFunc("/{service}", s.handleProxy)
	s.router.HandleFunc("/{service}/*", s.handleProxy)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type serviceSummary struct {
	Key         string            `json:"key"`
	Name        string            `json:"name"`
	BaseURL     string            `json:"baseUrl"`
	HasAuth     bool              `json:"hasAuth"`
	AuthType    string            `json:"authType,omitempty"`
	RateLimit   *rateLimitSummary `json:"rateLimit,omitempty"`
	Versions    []string          `json:"versions,omitempty"`
	AllowTunnel bool              `json:"allowTunnel"`
}

type rateLimitSummary struct {
	MaxRequests uint  `json:"maxRequests"`
	WindowMs    int64 `json:"windowMs"`
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	descs := s.catalog.Descriptors()
	services := make([]serviceSummary, 0, len(descs))
	for _, d := range descs {
		sum := serviceSummary{
			Key:         d.Key,
			Name:        d.Name,
			BaseURL:     d.BaseURL,
			HasAuth:     d.Auth != nil,
			AllowTunnel: d.AllowTunnel,
		}
		if d.Auth != nil {
			sum.AuthType = d.Auth.Kind.String()
		}
		if rl := d.RateLimit; rl != nil {
			sum.RateLimit = &rateLimitSummary{MaxRequests: rl.MaxRequests, WindowMs: rl.Window.Milliseconds()}
		}
		for v := range d.VersionedBaseURLs {
			sum.Versions = append(sum.Versions, v)
		}
		slices.Sort(sum.Versions)
		services = append(services, sum)
	}

	render.JSON(w, http.StatusOK, map[string]any{
		"services": services,
		"count":    len(services),
	})
}

type rateLimitStatus struct {
	Service   string     `json:"service"`
	Limit     int        `json:"limit"`
	Remaining int        `json:"remaining"`
	ResetTime *time.Time `json:"resetTime,omitempty"`
	ResetIn   int        `json:"resetIn"` // seconds
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	st, ok := s.quotas.Status(service)
	if !ok {
		render.Error(w, domain.NewError(domain.ErrorKindServiceNotConfigured,
			"Service not found or rate limiting not configured").WithService(service))
		return
	}

	out := rateLimitStatus{Service: service, Limit: st.Limit, Remaining: st.Remaining}
	// No window has been opened until the first request.
	if !st.ResetAt.IsZero() {
		reset := st.ResetAt.UTC()
		out.ResetTime = &reset
		out.ResetIn = max(int(math.Ceil(st.ResetAt.Sub(s.clock.Now()).Seconds())), 0)
	}
	render.JSON(w, http.StatusOK, out)
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	service := chi.URLParam(r, "service")
	path := "/" + chi.URLParam(r, "*")

	middleware.AddLogField(ctx, "service", service)

	// The GitHub API has no /org/ resource; a typo here otherwise surfaces as an opaque 404.
	if service == "github" && (path == "/org" || strings.HasPrefix(path, "/org/")) {
		s.fail(w, r, service, path, domain.ErrInvalidRequest(
			"Invalid GitHub API path. Did you mean '/orgs/:org' or '/orgs/:org/repos'? The GitHub API does not support '/org/'.").
			WithService(service).
			WithDetail("hint", "Use '/proxy/github/orgs/ORG_NAME' or '/proxy/github/orgs/ORG_NAME/repos' instead."))
		return
	}

	req := &forward.Request{
		Service: service,
		Path:    path,
		Method:  r.Method,
		Headers: r.Header,
		Query:   r.URL.Query(),
	}

	if s.tunnel != nil && tunnel.IsUpgrade(r) {
		s.serveTunnel(w, r, req)
		return
	}

	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				s.fail(w, r, service, path, domain.ErrInvalidRequest("request body too large").WithStatusCode(http.StatusRequestEntityTooLarge))
				return
			}
			s.fail(w, r, service, path, domain.ErrInvalidRequest("failed to read request body").WithCause(err))
			return
		}
		req.Body = body
	}

	res, err := s.forwarder.Forward(ctx, req)
	if err != nil {
		s.fail(w, r, service, path, err)
		return
	}

	if res.Quota.Limit > 0 {
		middleware.SetQuota(ctx, middleware.QuotaInfo{
			Limit:     res.Quota.Limit,
			Remaining: res.Quota.Remaining,
			ResetAt:   res.Quota.ResetAt,
		})
	}
	middleware.AddLogField(ctx, "upstream_status", strconv.Itoa(res.Status))
	if res.Insecure {
		middleware.AddLogField(ctx, "tls", "relaxed")
	}
	s.metrics.ObserveRequest(service, res.Status, res.Duration)

	h := w.Header()
	forward.CopyResponseHeaders(h, res.Header)
	h.Set("X-Proxy-Service", service)
	h.Set("X-Proxy-Duration", fmt.Sprintf("%dms", res.Duration.Milliseconds()))
	w.WriteHeader(res.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(res.Body.Raw)
	}
}

func (s *Server) serveTunnel(w http.ResponseWriter, r *http.Request, req *forward.Request) {
	middleware.AddLogField(r.Context(), "tunnel", "websocket")
	s.metrics.ObserveTunnel(req.Service)
	s.logger.DebugContext(r.Context(), "websocket tunnel requested",
		slog.String("service", req.Service),
		slog.String("path", req.Path))
	if err := s.tunnel.Serve(w, r, req); err != nil {
		s.fail(w, r, req.Service, req.Path, err)
	}
}

type troubleshooting struct {
	Hint     string   `json:"hint"`
	AuthHelp []string `json:"authHelp,omitempty"`
}

type errorBody struct {
	*domain.Error
	Path            string          `json:"path"`
	Troubleshooting troubleshooting `json:"troubleshooting"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, service, path string, err error) {
	gwErr := domain.AsError(err)
	if gwErr.Service == "" {
		gwErr.Service = service
	}
	middleware.AddError(r.Context(), gwErr)
	s.metrics.ObserveError(service, gwErr.Kind)

	tb := troubleshooting{Hint: "Check /manage/diagnostics for network troubleshooting tips"}
	if gwErr.HTTPStatusCode() == http.StatusUnauthorized {
		tb.AuthHelp = authHelp(gwErr)
	}

	h := w.Header()
	h.Set("X-Proxy-Service", service)
	h.Set("X-Proxy-Error", "true")
	if ra, ok := gwErr.RetryAfter(); ok {
		h.Set("Retry-After", strconv.Itoa(ra))
	}
	render.JSON(w, gwErr.HTTPStatusCode(), errorBody{Error: gwErr, Path: path, Troubleshooting: tb})
}

func authHelp(e *domain.Error) []string {
	envVar, _ := e.Details["env_var"].(string)
	if envVar == "" {
		return []string{"Check the service authentication configuration"}
	}
	return []string{
		"Set the environment variable " + envVar + " and restart the gateway",
		"Verify the token with GET /manage/services/" + e.Service,
	}
}
