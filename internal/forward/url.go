package forward

import (
	"net/url"
	"strings"

	"github.com/bytebrushstudios/byteproxy/internal/domain"
)

// resolveBase picks the versioned root when the leading path segment names a
// version the service declares, returning the root and the remaining path.
func resolveBase(desc *domain.ServiceDescriptor, path string) (string, string) {
	if len(desc.VersionedBaseURLs) == 0 {
		return desc.BaseURL, path
	}
	trimmed := strings.TrimPrefix(path, "/")
	segment, rest, _ := strings.Cut(trimmed, "/")
	root, ok := desc.VersionedBaseURLs[segment]
	if !ok || segment == "" {
		return desc.BaseURL, path
	}
	return root, "/" + rest
}

// JoinURL trims one trailing slash from base, joins the path without a double
// slash and appends the encoded query when non-empty.
func JoinURL(base, path string, query url.Values) string {
	base = strings.TrimSuffix(base, "/")
	path = strings.TrimPrefix(path, "/")

	target := base
	if path != "" {
		target = base + "/" + path
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target
}

// WebSocketURL rewrites http to ws and https to wss.
func WebSocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}
