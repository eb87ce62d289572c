// Package health serves the liveness and status routes.
package health

import (
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"

	"github.com/bytebrushstudios/byteproxy/internal/admission"
	"github.com/bytebrushstudios/byteproxy/internal/api/middleware"
	"github.com/bytebrushstudios/byteproxy/internal/api/render"
	"github.com/bytebrushstudios/byteproxy/internal/credentials"
	"github.com/bytebrushstudios/byteproxy/internal/domain"
	"github.com/bytebrushstudios/byteproxy/internal/pkg/config"
)

// Pressure exposes the admission controller state.
type Pressure interface {
	Status() admission.Sample
	CheckPressure() *admission.Verdict
}

// Catalog lists the registered services.
type Catalog interface {
	Descriptors() []*domain.ServiceDescriptor
}

// Info identifies the running build.
type Info struct {
	Name        string
	Version     string
	Description string
	// Source links the project repository shown by the index route.
	Source string
}

// Settings is the configuration echoed by /health and /status.
type Settings struct {
	Port    int
	Logging config.LoggingConfig
	CORS    config.CORSConfig
}

type Server struct {
	pressure Pressure
	catalog  Catalog
	creds    credentials.Resolver
	info     Info
	settings Settings
	clock    clock.Clock
	started  time.Time
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

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

func NewServer(pressure Pressure, catalog Catalog, info Info, settings Settings, opts ...Option) *Server {
	s := &Server{
		pressure: pressure,
		catalog:  catalog,
		creds:    credentials.NewEnvResolver(),
		info:     info,
		settings: settings,
		clock:    clock.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.clock.Now()
	return s
}

// Routes registers the index, /up, /health and /status on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/", s.handleIndex)
	r.Get("/up", s.handleUp)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, http.StatusOK, map[string]any{
		"message":  "Welcome to " + s.info.Name + ", feel free to browse around!",
		"version":  s.info.Version,
		"source":   s.info.Source,
		"health":   "/health",
		"status":   "/status",
		"up":       "/up",
		"metrics":  "/metrics",
		"services": "/proxy/services",
	})
}

// NotFound answers unmatched paths with a JSON pointer to the main routes.
func (s *Server) NotFound(w http.ResponseWriter, r *http.Request) {
	s.logger.WarnContext(r.Context(), "endpoint not found",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.GetRequestID(r.Context())))

	render.JSON(w, http.StatusNotFound, map[string]any{
		"error":      "Endpoint not found",
		"message":    "The endpoint '" + r.URL.Path + "' does not exist",
		"suggestion": "Check the quickStart routes or GET /proxy/services for the configured services",
		"quickStart": map[string]string{
			"proxy":      "/proxy/{service}/*",
			"health":     "/health",
			"management": "/manage/services",
		},
	})
}

func (s *Server) uptime() float64 {
	return s.clock.Since(s.started).Seconds()
}

type upResponse struct {
	Status string `json:"status"`
	admission.Sample
}

func (s *Server) handleUp(w http.ResponseWriter, r *http.Request) {
	if v := s.pressure.CheckPressure(); v != nil {
		render.JSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":   "Server under pressure",
			"type":    v.Type,
			"value":   v.Value,
			"message": "Service Unavailable",
		})
		return
	}
	render.JSON(w, http.StatusOK, upResponse{Status: "ok", Sample: s.pressure.Status()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	descs := s.catalog.Descriptors()
	keys := make([]string, 0, len(descs))
	for _, d := range descs {
		keys = append(keys, d.Key)
	}

	render.JSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.clock.Now().UTC().Format(time.RFC3339Nano),
		"uptime":    s.uptime(),
		"version":   s.info.Version,
		"services": map[string]any{
			"total":     len(keys),
			"available": keys,
		},
		"config": map[string]any{
			"port":    s.settings.Port,
			"logging": s.settings.Logging,
			"cors":    s.settings.CORS,
		},
	})
}

type serviceDetail struct {
	Key                 string                  `json:"key"`
	Name                string                  `json:"name"`
	BaseURL             string                  `json:"baseUrl"`
	Configured          bool                    `json:"configured"`
	HasAuth             bool                    `json:"hasAuth"`
	AuthTokenConfigured bool                    `json:"authTokenConfigured"`
	RateLimit           *config.RateLimitConfig `json:"rateLimit,omitempty"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	HeapInuse  uint64 `json:"heap_inuse"`
	NumGC      uint32 `json:"num_gc"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	descs := s.catalog.Descriptors()
	services := make([]serviceDetail, 0, len(descs))
	for _, d := range descs {
		detail := serviceDetail{
			Key:        d.Key,
			Name:       d.Name,
			BaseURL:    d.BaseURL,
			Configured: true,
			HasAuth:    d.Auth != nil,
			RateLimit:  config.FromDescriptor(d).RateLimit,
		}
		if d.Auth != nil {
			_, detail.AuthTokenConfigured = s.creds.Resolve(d.Auth.TokenEnvVar)
		}
		services = append(services, detail)
	}

	render.JSON(w, http.StatusOK, map[string]any{
		"application": map[string]any{
			"name":        s.info.Name,
			"version":     s.info.Version,
			"description": s.info.Description,
		},
		"runtime": map[string]any{
			"go":         runtime.Version(),
			"platform":   runtime.GOOS + "/" + runtime.GOARCH,
			"uptime":     s.uptime(),
			"goroutines": runtime.NumGoroutine(),
			"memory": MemoryStats{
				Alloc:      m.Alloc,
				TotalAlloc: m.TotalAlloc,
				Sys:        m.Sys,
				HeapInuse:  m.HeapInuse,
				NumGC:      m.NumGC,
			},
		},
		"configuration": map[string]any{
			"port":     s.settings.Port,
			"services": services,
			"logging":  s.settings.Logging,
			"cors":     s.settings.CORS,
		},
	})
}
