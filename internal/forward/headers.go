package forward

import (
	"encoding/base64"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/bytebrushstudios/byteproxy/internal/domain"
)

// strippedHeaders never leave the gateway. Authorization is always replaced by
// the service credential, if any.
var strippedHeaders = []string{
	"Host",
	"Connection",
	"Content-Length",
	"Transfer-Encoding",
	"Upgrade",
	"Proxy-Authorization",
	"Proxy-Authenticate",
	"Te",
	"Trailer",
	"Authorization",
	"Keep-Alive",
}

// tunnelHeaders are negotiated by the WebSocket dialer itself.
var tunnelHeaders = []string{
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
}

// BuildHeaders merges the service defaults with the inbound headers (inbound
// wins), removes hop-by-hop and client credential headers and injects the
// service token.
func BuildHeaders(desc *domain.ServiceDescriptor, inbound http.Header, token string) http.Header {
	out := make(http.Header, len(desc.DefaultHeaders)+len(inbound)+1)
	for k, v := range desc.DefaultHeaders {
		out.Set(k, v)
	}
	for k, vs := range inbound {
		k = textproto.CanonicalMIMEHeaderKey(k)
		out[k] = append([]string(nil), vs...)
	}

	for _, v := range inbound.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, h := range strippedHeaders {
		out.Del(h)
	}
	for k := range out {
		if strings.HasPrefix(k, "X-Forwarded-") {
			delete(out, k)
		}
	}

	injectAuth(out, desc.Auth, token)
	return out
}

// TunnelHeader returns a copy of h without the handshake headers the
// WebSocket dialer sets itself.
func TunnelHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range tunnelHeaders {
		out.Del(name)
	}
	return out
}

func injectAuth(h http.Header, auth *domain.AuthPolicy, token string) {
	if auth == nil || token == "" {
		return
	}
	switch auth.Kind {
	case domain.AuthBotToken:
		h.Set("Authorization", "Bot "+token)
	case domain.AuthBearer:
		h.Set("Authorization", "Bearer "+token)
	case domain.AuthBasic:
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(token)))
	case domain.AuthAPIKey:
		h.Set(auth.HeaderName, token)
	}
}

// hopByHop reports whether a response header must not be relayed to the client.
func hopByHop(name string) bool {
	switch textproto.CanonicalMIMEHeaderKey(name) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length":
		return true
	}
	return false
}

// CopyResponseHeaders copies upstream response headers to dst, skipping
// hop-by-hop headers and Content-Length.
func CopyResponseHeaders(dst, src http.Header) {
	for k, vs := range src {
		if hopByHop(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
