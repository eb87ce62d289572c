package management

import (
	"net/http"

	"github.com/bytebrushstudios/byteproxy/internal/api/middleware"
	"github.com/bytebrushstudios/byteproxy/internal/api/render"
)

type gatewayKeys struct {
	proxy      middleware.GatewayKey
	management middleware.GatewayKey
}

// WithGatewayKeys sets the keys reported by /key-debug.
func WithGatewayKeys(proxy, management middleware.GatewayKey) Option {
	return func(s *Server) {
		s.keys = gatewayKeys{proxy: proxy, management: management}
	}
}

// WithNotFound sets the handler for unmatched management paths.
func WithNotFound(h http.HandlerFunc) Option {
	return func(s *Server) {
		s.notFound = h
	}
}

func (s *Server) handleKeyDebug(w http.ResponseWriter, r *http.Request) {
	report := middleware.ReportKeys(s.keys.proxy, s.keys.management)
	render.JSON(w, http.StatusOK, map[string]any{
		"message":    "Management API Key Debug Information",
		"note":       "Keys are masked, only the last four characters of long keys are shown",
		"keyInfo":    report.KeyInfo,
		"authStatus": report.AuthStatus,
		"help":       "For management routes, set security.management_api_key and send it as a Bearer token, x-api-key header or api_key query param",
	})
}
