package forward

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/bytebrushstudios/byteproxy/internal/domain"
)

// tlsHints are attached to UpstreamTLSError in strict mode.
var tlsHints = []string{
	"Invalid or expired certificates on the target server",
	"System time/date being incorrect",
	"Corporate firewall or proxy interference",
	"Certificate validation issues",
	"To resolve temporarily (development only), set network.strict_tls to false",
}

// isTLSError reports whether err stems from a TLS handshake or certificate
// verification failure that relaxed verification could get past.
func isTLSError(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidCert  x509.CertificateInvalidError
		alertErr     tls.AlertError
		constraintEr x509.ConstraintViolationError
	)
	switch {
	case errors.As(err, &verifyErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidCert),
		errors.As(err, &alertErr),
		errors.As(err, &constraintEr):
		return true
	}
	return false
}

// isSchemeMismatch reports whether the upstream answered a TLS handshake
// with something that is not TLS, typically plain HTTP.
func isSchemeMismatch(err error) bool {
	var recordErr tls.RecordHeaderError
	return errors.Is(err, http.ErrSchemeMismatch) || errors.As(err, &recordErr)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func timeoutError(service, target string, timeout time.Duration, err error) *domain.Error {
	return domain.NewError(domain.ErrorKindUpstreamTimeout,
		fmt.Sprintf("Request timeout after %dms when connecting to %s", timeout.Milliseconds(), target)).
		WithService(service).
		WithDetail("timeout_ms", timeout.Milliseconds()).
		WithCause(err)
}

func tlsError(service, target string, strict bool, err error) *domain.Error {
	if strict {
		return domain.NewError(domain.ErrorKindUpstreamTLS,
			fmt.Sprintf("TLS/SSL certificate error when connecting to %s", target)).
			WithService(service).
			WithDetail("hints", tlsHints).
			WithDetail("strict_tls", true).
			WithCause(err)
	}
	return domain.NewError(domain.ErrorKindUpstreamTLS,
		fmt.Sprintf("Persistent TLS/SSL error when connecting to %s", target)).
		WithService(service).
		WithDetail("strict_tls", false).
		WithDetail("hint", "The target server may have certificate issues or be temporarily unavailable").
		WithCause(err)
}

func schemeMismatchError(service, target string, err error) *domain.Error {
	return domain.NewError(domain.ErrorKindUpstreamTLS,
		fmt.Sprintf("TLS handshake failed: %s did not answer with TLS", target)).
		WithService(service).
		WithDetail("hint", "The server may only speak plain HTTP; check the scheme and port of the base URL").
		WithCause(err)
}

func tooLargeError(service, target string, limit int64, status int) *domain.Error {
	return domain.NewError(domain.ErrorKindUpstreamTooLarge,
		fmt.Sprintf("Upstream response from %s exceeds %d bytes", target, limit)).
		WithService(service).
		WithDetail("limit_bytes", limit).
		WithDetail("upstream_status", status)
}

func unreachableError(service, target string, err error) *domain.Error {
	msg := fmt.Sprintf("Request failed: %s", unwrapURLError(err))
	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		msg = fmt.Sprintf("Network error: Unable to reach %s", target)
	}
	return domain.NewError(domain.ErrorKindUpstreamUnreachable, msg).
		WithService(service).
		WithCause(err)
}

func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err
	}
	return err
}

// classify maps a transport error to the gateway error taxonomy.
func classify(service, target string, timeout time.Duration, strict bool, err error) *domain.Error {
	switch {
	case isTimeout(err):
		return timeoutError(service, target, timeout, err)
	case isSchemeMismatch(err):
		return schemeMismatchError(service, target, err)
	case isTLSError(err):
		return tlsError(service, target, strict, err)
	default:
		return unreachableError(service, target, err)
	}
}
