package middleware

import (
	"net/http"
	"strings"

	"github.com/bytebrushstudios/byteproxy/internal/credentials"
)

const (
	setupMissingKey = "ERROR: Auth required but no key set"
	setupValid      = "Valid configuration"
	notConfigured   = "Not configured"
)

// KeyReport describes the proxy and management keys without revealing them.
type KeyReport struct {
	AuthStatus AuthStatus `json:"authStatus"`
	KeyInfo    KeyInfo    `json:"keyInfo"`
}

type AuthStatus struct {
	ProxyAuthRequired       bool        `json:"proxyAuthRequired"`
	ManagementAuthRequired  bool        `json:"managementAuthRequired"`
	ProxyKeyConfigured      bool        `json:"proxyKeyConfigured"`
	ManagementKeyConfigured bool        `json:"managementKeyConfigured"`
	SetupStatus             SetupStatus `json:"setupStatus"`
}

// SetupStatus flags route groups that require a key nobody configured.
type SetupStatus struct {
	Proxy      string `json:"proxy"`
	Management string `json:"management"`
}

// KeyInfo carries masked key previews. Only the last four characters of a
// key longer than eight are ever shown.
type KeyInfo struct {
	ProxyKeyFormat      string `json:"proxyKeyFormat"`
	ManagementKeyFormat string `json:"managementKeyFormat"`
	ProxyKeyLength      int    `json:"proxyKeyLength"`
	ManagementKeyLength int    `json:"managementKeyLength"`
}

// ReportKeys builds the key report for the two route groups.
func ReportKeys(proxy, management GatewayKey) KeyReport {
	return KeyReport{
		AuthStatus: AuthStatus{
			ProxyAuthRequired:       proxy.Required,
			ManagementAuthRequired:  management.Required,
			ProxyKeyConfigured:      proxy.Key != "",
			ManagementKeyConfigured: management.Key != "",
			SetupStatus: SetupStatus{
				Proxy:      proxy.setupStatus(),
				Management: management.setupStatus(),
			},
		},
		KeyInfo: KeyInfo{
			ProxyKeyFormat:      proxy.masked(),
			ManagementKeyFormat: management.masked(),
			ProxyKeyLength:      len(proxy.Key),
			ManagementKeyLength: len(management.Key),
		},
	}
}

func (gk GatewayKey) setupStatus() string {
	if gk.Required && gk.Key == "" {
		return setupMissingKey
	}
	return setupValid
}

func (gk GatewayKey) masked() string {
	if gk.Key == "" {
		return notConfigured
	}
	return credentials.Mask(gk.Key)
}

// CredentialPresence reports which credential sources a request used.
// Values are "provided" or "not provided".
type CredentialPresence struct {
	Bearer     string `json:"bearer"`
	XAPIKey    string `json:"xApiKey"`
	QueryParam string `json:"queryParam"`
}

// PresentedCredentials inspects r for gateway credentials. The source that
// GatewayAuth matched and stripped is still reported as provided.
func PresentedCredentials(r *http.Request) CredentialPresence {
	by := AuthenticatedBy(r.Context())
	return CredentialPresence{
		Bearer:     presence(by == CredentialBearer || strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ")),
		XAPIKey:    presence(by == CredentialAPIKey || r.Header.Get("X-Api-Key") != ""),
		QueryParam: presence(by == CredentialQuery || r.URL.Query().Get("api_key") != ""),
	}
}

func presence(ok bool) string {
	if ok {
		return "provided"
	}
	return "not provided"
}
