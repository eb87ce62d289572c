// Package domain holds the service descriptor model and the canonical error
// type shared by the gateway's components.
package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrInvalidDescriptor is wrapped by every descriptor validation failure.
var ErrInvalidDescriptor = errors.New("invalid service descriptor")

// AuthKind identifies how an upstream credential is presented.
type AuthKind int

const (
	// AuthBearer sends "Authorization: Bearer <token>".
	AuthBearer AuthKind = iota + 1
	// AuthBasic sends "Authorization: Basic base64(<token>)".
	AuthBasic
	// AuthAPIKey sends the raw token in a configured header.
	AuthAPIKey
	// AuthBotToken sends "Authorization: Bot <token>".
	AuthBotToken
)

// String returns the configuration spelling of the kind.
func (k AuthKind) String() string {
	switch k {
	case AuthBearer:
		return "bearer"
	case AuthBasic:
		return "basic"
	case AuthAPIKey:
		return "api-key"
	case AuthBotToken:
		return "bot"
	default:
		return fmt.Sprintf("AuthKind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k AuthKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *AuthKind) UnmarshalText(b []byte) error {
	parsed, err := ParseAuthKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseAuthKind parses the configuration spelling of an auth kind.
// Accepted values are case-insensitive: bearer, basic, api-key (or apikey), bot.
func ParseAuthKind(s string) (AuthKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bearer":
		return AuthBearer, nil
	case "basic":
		return AuthBasic, nil
	case "api-key", "apikey", "api_key":
		return AuthAPIKey, nil
	case "bot", "bot-token":
		return AuthBotToken, nil
	default:
		return 0, fmt.Errorf("%w: unknown auth type %q", ErrInvalidDescriptor, s)
	}
}

// AuthPolicy describes the credential the gateway injects for a service.
type AuthPolicy struct {
	Kind AuthKind `json:"type"`
	// TokenEnvVar names the environment variable holding the token.
	TokenEnvVar string `json:"token_env_var"`
	// HeaderName is the header used by AuthAPIKey.
	HeaderName string `json:"header_name,omitempty"`
}

// RateLimitPolicy bounds requests to a service within a fixed window.
type RateLimitPolicy struct {
	MaxRequests uint          `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

// ServiceDescriptor is the static record describing one upstream API.
type ServiceDescriptor struct {
	// Key is stamped by the registry on registration.
	Key               string            `json:"key"`
	Name              string            `json:"name"`
	BaseURL           string            `json:"base_url"`
	VersionedBaseURLs map[string]string `json:"versioned_base_urls,omitempty"`
	DefaultHeaders    map[string]string `json:"headers,omitempty"`
	RateLimit         *RateLimitPolicy  `json:"rate_limit,omitempty"`
	Auth              *AuthPolicy       `json:"auth,omitempty"`
	// AllowTunnel permits WebSocket upgrades to be bridged to this service.
	AllowTunnel bool `json:"allow_tunnel,omitempty"`
}

// Validate checks the descriptor is usable for forwarding.
func (d *ServiceDescriptor) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: descriptor is nil", ErrInvalidDescriptor)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	if err := validateBaseURL(d.BaseURL); err != nil {
		return fmt.Errorf("%w: base_url: %v", ErrInvalidDescriptor, err)
	}
	for version, raw := range d.VersionedBaseURLs {
		if version == "" || strings.Contains(version, "/") {
			return fmt.Errorf("%w: invalid version token %q", ErrInvalidDescriptor, version)
		}
		if err := validateBaseURL(raw); err != nil {
			return fmt.Errorf("%w: versioned base url %q: %v", ErrInvalidDescriptor, version, err)
		}
	}
	if rl := d.RateLimit; rl != nil {
		if rl.MaxRequests == 0 {
			return fmt.Errorf("%w: rate_limit.max_requests must be positive", ErrInvalidDescriptor)
		}
		if rl.Window <= 0 {
			return fmt.Errorf("%w: rate_limit.window must be positive", ErrInvalidDescriptor)
		}
	}
	if a := d.Auth; a != nil {
		switch a.Kind {
		case AuthBearer, AuthBasic, AuthBotToken:
		case AuthAPIKey:
			if a.HeaderName == "" {
				return fmt.Errorf("%w: api-key auth requires header_name", ErrInvalidDescriptor)
			}
		default:
			return fmt.Errorf("%w: unknown auth kind %d", ErrInvalidDescriptor, int(a.Kind))
		}
		if a.TokenEnvVar == "" {
			return fmt.Errorf("%w: auth requires token_env_var", ErrInvalidDescriptor)
		}
	}
	return nil
}

// Clone returns a deep copy of the descriptor.
func (d *ServiceDescriptor) Clone() *ServiceDescriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.VersionedBaseURLs = cloneMap(d.VersionedBaseURLs)
	c.DefaultHeaders = cloneMap(d.DefaultHeaders)
	if d.RateLimit != nil {
		rl := *d.RateLimit
		c.RateLimit = &rl
	}
	if d.Auth != nil {
		a := *d.Auth
		c.Auth = &a
	}
	return &c
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
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
