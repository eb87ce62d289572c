package forward

import (
	"encoding/json"
	"mime"
	"strings"
)

// BodyKind classifies a parsed upstream body.
type BodyKind int

const (
	BodyBinary BodyKind = iota
	BodyJSON
	BodyText
)

func (k BodyKind) String() string {
	switch k {
	case BodyJSON:
		return "json"
	case BodyText:
		return "text"
	default:
		return "binary"
	}
}

// Body is an upstream response body. Raw always holds the bytes as received.
type Body struct {
	Kind BodyKind
	// Value is the decoded JSON value, the text, or the raw bytes.
	Value any
	Raw   []byte
}

// ParseBody interprets raw according to the response content type. A JSON
// content type that fails to decode falls back to text.
func ParseBody(contentType string, raw []byte) Body {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}

	switch {
	case isJSON(mediaType):
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return Body{Kind: BodyJSON, Value: v, Raw: raw}
		}
		return Body{Kind: BodyText, Value: string(raw), Raw: raw}
	case strings.HasPrefix(mediaType, "text/"):
		return Body{Kind: BodyText, Value: string(raw), Raw: raw}
	default:
		return Body{Kind: BodyBinary, Value: raw, Raw: raw}
	}
}

func isJSON(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
