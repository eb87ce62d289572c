// Package render writes JSON responses and gateway errors.
package render

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/bytebrushstudios/byteproxy/internal/domain"
)

// JSON writes payload with the given status.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Error writes err as a JSON error body. Errors that are not *domain.Error
// are rendered as internal errors carrying the original message. Rate limit
// errors also set Retry-After.
func Error(w http.ResponseWriter, err error) {
	gwErr := domain.AsError(err)
	if gwErr == nil {
		gwErr = domain.ErrInternal("unknown error")
	}
	if ra, ok := gwErr.RetryAfter(); ok {
		w.Header().Set("Retry-After", strconv.Itoa(ra))
	}
	JSON(w, gwErr.HTTPStatusCode(), gwErr)
}

// Decode reads a JSON request body into v, rejecting unknown fields.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.ErrInvalidRequest("request body too large").WithCause(err)
		}
		return domain.ErrInvalidRequest("invalid JSON body: " + err.Error()).WithCause(err)
	}
	return nil
}
