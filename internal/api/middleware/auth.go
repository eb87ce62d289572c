package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bytebrushstudios/byteproxy/internal/api/render"
)

// GatewayKey describes the key protecting a group of routes.
type GatewayKey struct {
	// Scope names the route group in logs and errors ("proxy", "management").
	Scope    string
	Key      string
	Required bool
}

// Credential sources accepted for a gateway key.
const (
	CredentialBearer = "bearer"
	CredentialAPIKey = "x-api-key"
	CredentialQuery  = "query"
)

const credentialKey contextKey = "gateway_credential"

var howToAuthenticate = []string{
	`Add header: "Authorization: Bearer YOUR_API_KEY"`,
	`Add header: "x-api-key: YOUR_API_KEY"`,
	`Add query param: "?api_key=YOUR_API_KEY"`,
}

// GatewayAuth validates the gateway key. The matching credential is removed
// from the request so it is never forwarded upstream. When auth is required
// but no key is configured the group is left open and a warning is logged.
func GatewayAuth(gk GatewayKey, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !gk.Required {
			return next
		}
		if gk.Key == "" {
			logger.Warn("authentication required but no key configured, routes are open",
				slog.String("scope", gk.Scope))
			return next
		}
		want := []byte(gk.Key)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if source := stripGatewayKey(r, want); source != "" {
				ctx := context.WithValue(r.Context(), credentialKey, source)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			logger.Warn("unauthorized access attempt",
				slog.String("scope", gk.Scope),
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
				slog.String("request_id", GetRequestID(r.Context())))

			render.JSON(w, http.StatusUnauthorized, map[string]any{
				"error":             "Unauthorized",
				"message":           "Valid API key required for " + gk.Scope + " routes",
				"howToAuthenticate": howToAuthenticate,
			})
		})
	}
}

func keyEqual(got string, want []byte) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), want) == 1
}

// HowToAuthenticate lists the accepted ways of presenting a gateway key.
func HowToAuthenticate() []string {
	return append([]string(nil), howToAuthenticate...)
}

// AuthenticatedBy returns the credential source that carried the gateway key,
// or "" when the request was not authenticated by GatewayAuth.
func AuthenticatedBy(ctx context.Context) string {
	source, _ := ctx.Value(credentialKey).(string)
	return source
}

// stripGatewayKey returns the source of the credential that matched want and
// removes it from r. It returns "" when nothing matched.
func stripGatewayKey(r *http.Request, want []byte) string {
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		if keyEqual(strings.TrimSpace(v[len("Bearer "):]), want) {
			r.Header.Del("Authorization")
			return CredentialBearer
		}
	}
	if keyEqual(r.Header.Get("X-Api-Key"), want) {
		r.Header.Del("X-Api-Key")
		return CredentialAPIKey
	}
	q := r.URL.Query()
	if keyEqual(q.Get("api_key"), want) {
		q.Del("api_key")
		r.URL.RawQuery = q.Encode()
		return CredentialQuery
	}
	return ""
}
