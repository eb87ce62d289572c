package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind represents the category of a gateway error.
type ErrorKind string

const (
	// ErrorKindServiceNotConfigured indicates the requested service key is unknown.
	ErrorKindServiceNotConfigured ErrorKind = "service_not_configured"

	// ErrorKindDuplicateService indicates a service key is already registered.
	ErrorKindDuplicateService ErrorKind = "duplicate_service"

	// ErrorKindRateLimited indicates the service quota for the current window is spent.
	ErrorKindRateLimited ErrorKind = "rate_limited"

	// ErrorKindAuthTokenMissing indicates the upstream credential is not set.
	ErrorKindAuthTokenMissing ErrorKind = "auth_token_missing"

	// ErrorKindUpstreamUnreachable indicates DNS or connection failure.
	ErrorKindUpstreamUnreachable ErrorKind = "upstream_unreachable"

	// ErrorKindUpstreamTLS indicates a TLS handshake or certificate failure.
	ErrorKindUpstreamTLS ErrorKind = "upstream_tls_error"

	// ErrorKindUpstreamTimeout indicates the upstream did not answer in time.
	ErrorKindUpstreamTimeout ErrorKind = "upstream_timeout"

	// ErrorKindUpstreamTooLarge indicates the upstream body exceeds the relay limit.
	ErrorKindUpstreamTooLarge ErrorKind = "upstream_response_too_large"

	// ErrorKindUnderPressure indicates the gateway is shedding load.
	ErrorKindUnderPressure ErrorKind = "under_pressure"

	// ErrorKindInvalidRequest indicates a malformed request.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"

	// ErrorKindInternal indicates an unexpected failure.
	ErrorKindInternal ErrorKind = "internal"
)

// Error is the canonical gateway error. It carries enough structured detail
// for a caller to diagnose a failure without server-side logs.
type Error struct {
	// Kind is the category of error
	Kind ErrorKind `json:"type"`

	// Message is the human-readable error message
	Message string `json:"error"`

	// Service is the service key involved, if any
	Service string `json:"service,omitempty"`

	// Details holds kind-specific data (retry-after, env var, metric...)
	Details map[string]any `json:"details,omitempty"`

	// StatusCode overrides the default HTTP status for the kind
	StatusCode int `json:"-"`

	// Err is the underlying cause
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Kind {
	case ErrorKindInvalidRequest:
		return http.StatusBadRequest
	case ErrorKindAuthTokenMissing:
		return http.StatusUnauthorized
	case ErrorKindServiceNotConfigured:
		return http.StatusNotFound
	case ErrorKindDuplicateService:
		return http.StatusConflict
	case ErrorKindRateLimited:
		return http.StatusTooManyRequests
	case ErrorKindUpstreamUnreachable, ErrorKindUpstreamTLS, ErrorKindUpstreamTooLarge:
		return http.StatusBadGateway
	case ErrorKindUnderPressure:
		return http.StatusServiceUnavailable
	case ErrorKindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new gateway error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
	}
}

// WithService records the service key.
func (e *Error) WithService(service string) *Error {
	e.Service = service
	return e
}

// WithDetail adds a kind-specific detail.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// RetryAfter returns the retry-after seconds carried by a rate limit error.
func (e *Error) RetryAfter() (int, bool) {
	if e.Details == nil {
		return 0, false
	}
	v, ok := e.Details["retry_after"].(int)
	return v, ok
}

// AsError extracts a *Error from err. Any other error is wrapped as an
// internal error that preserves the original message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return ErrInternal(err.Error()).WithCause(err)
}

// Convenience constructors for common errors

// ErrServiceNotConfigured creates a not configured error listing the known services.
func ErrServiceNotConfigured(service string, available []string) *Error {
	return NewError(ErrorKindServiceNotConfigured, fmt.Sprintf("Service '%s' not configured", service)).
		WithService(service).
		WithDetail("available_services", available)
}

// ErrRateLimited creates a rate limit error carrying the retry-after seconds.
func ErrRateLimited(service string, retryAfter int) *Error {
	return NewError(ErrorKindRateLimited,
		fmt.Sprintf("Rate limit exceeded for %s. Reset in %d seconds.", service, retryAfter)).
		WithService(service).
		WithDetail("retry_after", retryAfter)
}

// ErrAuthTokenMissing creates an error naming the expected environment variable.
func ErrAuthTokenMissing(service, envVar string, kind AuthKind) *Error {
	return NewError(ErrorKindAuthTokenMissing, fmt.Sprintf("Authentication token missing for %s", service)).
		WithService(service).
		WithDetail("env_var", envVar).
		WithDetail("auth_type", kind.String()).
		WithDetail("hint", "Set the environment variable: "+envVar)
}

// ErrUnderPressure creates a load shedding error naming the tripped metric.
func ErrUnderPressure(metric string, value float64) *Error {
	return NewError(ErrorKindUnderPressure, "Server under pressure").
		WithDetail("metric", metric).
		WithDetail("value", value)
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *Error {
	return NewError(ErrorKindInvalidRequest, message)
}

// ErrInternal creates an internal error.
func ErrInternal(message string) *Error {
	return NewError(ErrorKindInternal, message)
}
