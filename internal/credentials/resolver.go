// Package credentials resolves upstream tokens from the process environment.
package credentials

import (
	"os"
	"strings"
)

// Resolver looks up a named credential. An empty or whitespace-only value is
// reported as absent.
type Resolver interface {
	Resolve(name string) (string, bool)
}

// EnvResolver reads credentials from environment variables on every call, so
// rotated tokens take effect without a restart.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

// NewEnvResolver creates a resolver over os.LookupEnv.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

// Resolve implements Resolver.
func (r *EnvResolver) Resolve(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	lookup := r.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// MapResolver serves credentials from a fixed map.
type MapResolver map[string]string

// Resolve implements Resolver.
func (m MapResolver) Resolve(name string) (string, bool) {
	v := strings.TrimSpace(m[name])
	return v, v != ""
}

// Mask hides all but the last four characters of a token for logging and
// diagnostics. Tokens of eight characters or fewer are masked entirely.
func Mask(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", 4) + token[len(token)-4:]
}
