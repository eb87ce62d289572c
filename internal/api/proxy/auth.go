package proxy

import (
	"net/http"
	"time"

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

func (s *Server) timestamp() string {
	return s.clock.Now().UTC().Format(time.RFC3339Nano)
}

func (s *Server) handleAuthDebug(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"message":      "Authentication successful",
		"timestamp":    s.timestamp(),
		"authRequired": s.keys.proxy.Required,
		"authMethod":   middleware.PresentedCredentials(r),
		"help":         "If you can see this, your API key is working correctly",
	})
}

func (s *Server) handleAuthTest(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"message":   "Authentication test passed",
		"timestamp": s.timestamp(),
	})
}

type keyDebugResponse struct {
	Message string `json:"message"`
	Note    string `json:"note"`
	middleware.KeyReport
	HowToAuthenticate []string `json:"howToAuthenticate"`
	Troubleshooting   []string `json:"troubleshooting"`
}

func (s *Server) handleKeyDebug(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, http.StatusOK, keyDebugResponse{
		Message:           "API Key Debug Information",
		Note:              "Keys are masked, only the last four characters of long keys are shown",
		KeyReport:         middleware.ReportKeys(s.keys.proxy, s.keys.management),
		HowToAuthenticate: middleware.HowToAuthenticate(),
		Troubleshooting: []string{
			"Set security.proxy_api_key or BYTEPROXY_SECURITY__PROXY_API_KEY for proxy routes",
			"Set security.management_api_key or BYTEPROXY_SECURITY__MANAGEMENT_API_KEY for management routes",
			"Keys are compared exactly, check for trailing whitespace",
			"Restart the gateway after changing keys",
		},
	})
}
