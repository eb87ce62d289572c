package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/bytebrushstudios/byteproxy/internal/domain"
)

// DefaultPath is read when no explicit config file is given. Its absence is not an error.
const DefaultPath = "config.yaml"

// EnvPrefix prefixes environment overrides; "__" separates levels.
const EnvPrefix = "BYTEPROXY_"

type Config struct {
	Server    ServerConfig             `koanf:"server"`
	Network   NetworkConfig            `koanf:"network"`
	Security  SecurityConfig           `koanf:"security"`
	CORS      CORSConfig               `koanf:"cors"`
	Logging   LoggingConfig            `koanf:"logging"`
	Pressure  PressureConfig           `koanf:"pressure"`
	Storage   StorageConfig            `koanf:"storage"`
	Telemetry TelemetryConfig          `koanf:"telemetry"`
	Services  map[string]ServiceConfig `koanf:"services"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type NetworkConfig struct {
	Timeout time.Duration `koanf:"timeout"`
	// StrictTLS false allows one retry without certificate validation.
	StrictTLS bool `koanf:"strict_tls"`
}

type SecurityConfig struct {
	ProxyAPIKey           string `koanf:"proxy_api_key"`
	ManagementAPIKey      string `koanf:"management_api_key"`
	RequireAuthProxy      bool   `koanf:"require_auth_proxy"`
	RequireAuthManagement bool   `koanf:"require_auth_management"`
}

type CORSConfig struct {
	Enabled bool     `koanf:"enabled" json:"enabled"`
	Origins []string `koanf:"origins" json:"origins"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" json:"level"`   // debug, info, warn, error
	Format string `koanf:"format" json:"format"` // json, text
}

// PressureConfig holds the admission thresholds. A zero threshold disables its check.
type PressureConfig struct {
	Enabled                 bool          `koanf:"enabled"`
	SampleInterval          time.Duration `koanf:"sample_interval"`
	MaxEventLoopDelay       time.Duration `koanf:"max_event_loop_delay"`
	MaxHeapUsedBytes        uint64        `koanf:"max_heap_used_bytes"`
	MaxRSSBytes             uint64        `koanf:"max_rss_bytes"`
	MaxEventLoopUtilization float64       `koanf:"max_event_loop_utilization"`
	RetryAfter              int           `koanf:"retry_after"` // seconds
	HealthCheckURL          string        `koanf:"health_check_url"`
	HealthCheckInterval     time.Duration `koanf:"health_check_interval"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	// Path enables persistence of services added through the management API.
	Path string `koanf:"path"`
}

type TelemetryConfig struct {
	Tracing TracingConfig `koanf:"tracing"`
}

type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
	PrettyPrint bool   `koanf:"pretty_print"`
}

// ServiceConfig is the configuration and management API form of a service descriptor.
type ServiceConfig struct {
	Name              string            `koanf:"name" json:"name"`
	BaseURL           string            `koanf:"base_url" json:"baseUrl"`
	VersionedBaseURLs map[string]string `koanf:"versioned_base_urls" json:"versionedBaseUrls,omitempty"`
	Headers           map[string]string `koanf:"headers" json:"headers,omitempty"`
	RateLimit         *RateLimitConfig  `koanf:"rate_limit" json:"rateLimit,omitempty"`
	Auth              *AuthConfig       `koanf:"auth" json:"auth,omitempty"`
	AllowTunnel       bool              `koanf:"allow_tunnel" json:"allowTunnel,omitempty"`
}

type RateLimitConfig struct {
	MaxRequests uint  `koanf:"max_requests" json:"maxRequests"`
	WindowMs    int64 `koanf:"window_ms" json:"windowMs"`
}

type AuthConfig struct {
	Type        string `koanf:"type" json:"type"` // bearer, basic, api-key, bot
	TokenEnvVar string `koanf:"token_env_var" json:"tokenEnvVar"`
	HeaderName  string `koanf:"header_name" json:"headerName,omitempty"`
}

// Descriptor converts the config into a validated service descriptor.
func (s ServiceConfig) Descriptor() (*domain.ServiceDescriptor, error) {
	d := &domain.ServiceDescriptor{
		Name:              s.Name,
		BaseURL:           s.BaseURL,
		VersionedBaseURLs: cloneMap(s.VersionedBaseURLs),
		DefaultHeaders:    cloneMap(s.Headers),
		AllowTunnel:       s.AllowTunnel,
	}
	if rl := s.RateLimit; rl != nil {
		d.RateLimit = &domain.RateLimitPolicy{
			MaxRequests: rl.MaxRequests,
			Window:      time.Duration(rl.WindowMs) * time.Millisecond,
		}
	}
	if a := s.Auth; a != nil {
		kind, err := domain.ParseAuthKind(a.Type)
		if err != nil {
			return nil, err
		}
		d.Auth = &domain.AuthPolicy{Kind: kind, TokenEnvVar: a.TokenEnvVar, HeaderName: a.HeaderName}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// FromDescriptor is the inverse of Descriptor.
func FromDescriptor(d *domain.ServiceDescriptor) ServiceConfig {
	s := ServiceConfig{
		Name:              d.Name,
		BaseURL:           d.BaseURL,
		VersionedBaseURLs: cloneMap(d.VersionedBaseURLs),
		Headers:           cloneMap(d.DefaultHeaders),
		AllowTunnel:       d.AllowTunnel,
	}
	if rl := d.RateLimit; rl != nil {
		s.RateLimit = &RateLimitConfig{MaxRequests: rl.MaxRequests, WindowMs: rl.Window.Milliseconds()}
	}
	if a := d.Auth; a != nil {
		s.Auth = &AuthConfig{Type: a.Kind.String(), TokenEnvVar: a.TokenEnvVar, HeaderName: a.HeaderName}
	}
	return s
}

// BuiltinServices returns the services registered when the config does not
// define the same key.
func BuiltinServices() map[string]ServiceConfig {
	return map[string]ServiceConfig{
		"discord": {
			Name:    "Discord API",
			BaseURL: "https://discord.com/api/",
			VersionedBaseURLs: map[string]string{
				"v10": "https://discord.com/api/v10/",
				"v9":  "https://discord.com/api/v9/",
			},
			Headers: map[string]string{
				"User-Agent":   "DiscordBot (https://github.com/ByteBrushStudios/ByteProxy, 0.1.0)",
				"Content-Type": "application/json",
			},
			RateLimit: &RateLimitConfig{MaxRequests: 50, WindowMs: 60000},
			Auth:      &AuthConfig{Type: "bot", TokenEnvVar: "DISCORD_BOT_TOKEN"},
		},
		"github": {
			Name:    "GitHub API",
			BaseURL: "https://api.github.com/",
			Headers: map[string]string{
				"User-Agent":           "ByteProxy/0.1.0",
				"Accept":               "application/vnd.github+json",
				"X-GitHub-Api-Version": "2022-11-28",
			},
			RateLimit: &RateLimitConfig{MaxRequests: 60, WindowMs: 3600000},
			Auth:      &AuthConfig{Type: "bearer", TokenEnvVar: "GITHUB_TOKEN"},
		},
	}
}

// ServiceKeys returns the configured service keys sorted, built-ins first.
func (c *Config) ServiceKeys() []string {
	builtins := BuiltinServices()
	var head, tail []string
	for key := range c.Services {
		if _, ok := builtins[key]; ok {
			head = append(head, key)
		} else {
			tail = append(tail, key)
		}
	}
	sort.Strings(head)
	sort.Strings(tail)
	return append(head, tail...)
}

var defaults = map[string]any{
	"server.port":                         3420,
	"server.read_timeout":                 "30s",
	"server.write_timeout":                "0s",
	"server.shutdown_timeout":             "10s",
	"network.timeout":                     "30s",
	"network.strict_tls":                  true,
	"security.require_auth_proxy":         false,
	"security.require_auth_management":    false,
	"cors.enabled":                        true,
	"cors.origins":                        []string{"*"},
	"logging.level":                       "info",
	"logging.format":                      "json",
	"pressure.enabled":                    true,
	"pressure.sample_interval":            "1s",
	"pressure.max_event_loop_delay":       "250ms",
	"pressure.max_heap_used_bytes":        512 << 20,
	"pressure.max_rss_bytes":              1 << 30,
	"pressure.max_event_loop_utilization": 0.98,
	"pressure.retry_after":                10,
	"telemetry.tracing.service_name":      "byteproxy",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads DefaultPath if present, then environment overrides.
func Load() (*Config, error) {
	return load(DefaultPath, true)
}

// LoadFile reads the given file, which must exist.
func LoadFile(path string) (*Config, error) {
	return load(path, false)
}

func load(path string, optional bool) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !optional || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	// Environment variables override the file.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.resolve()
	return &cfg, nil
}

func (c *Config) resolve() {
	c.Security.ProxyAPIKey = substituteEnvVars(c.Security.ProxyAPIKey)
	c.Security.ManagementAPIKey = substituteEnvVars(c.Security.ManagementAPIKey)
	c.Pressure.HealthCheckURL = substituteEnvVars(c.Pressure.HealthCheckURL)

	if c.Services == nil {
		c.Services = make(map[string]ServiceConfig)
	}
	for key, svc := range c.Services {
		svc.BaseURL = substituteEnvVars(svc.BaseURL)
		for name, value := range svc.Headers {
			svc.Headers[name] = substituteEnvVars(value)
		}
		c.Services[key] = svc
	}
	for key, svc := range BuiltinServices() {
		if _, ok := c.Services[key]; !ok {
			c.Services[key] = svc
		}
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
