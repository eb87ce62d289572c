// Package forward builds, executes and relays outbound calls to registered
// upstream services.
package forward

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bytebrushstudios/byteproxy/internal/credentials"
	"github.com/bytebrushstudios/byteproxy/internal/domain"
	"github.com/bytebrushstudios/byteproxy/internal/ratelimit"
	"github.com/bytebrushstudios/byteproxy/internal/registry"
)

// DefaultTimeout bounds an upstream call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBodyBytes caps how much of an upstream response is buffered.
const DefaultMaxBodyBytes = 32 << 20

// ServiceSource resolves service descriptors.
type ServiceSource interface {
	Lookup(key string) (*domain.ServiceDescriptor, error)
	List() []string
}

// Limiter admits or rejects a call against a service quota.
type Limiter interface {
	Acquire(key string) ratelimit.Decision
}

// Request describes one inbound call to forward.
type Request struct {
	Service string
	Path    string
	Method  string
	Headers http.Header
	Body    []byte
	Query   url.Values
	// Tunnel marks a WebSocket upgrade. It is refused before any quota is
	// taken when the service does not allow tunnelling.
	Tunnel bool
}

// Prepared is a request that passed admission, quota and credential checks
// and is ready to be sent.
type Prepared struct {
	Descriptor *domain.ServiceDescriptor
	// BaseURL is the resolved root, versioned when the path named a version.
	BaseURL string
	// Path is the upstream path after any version segment was removed.
	Path   string
	URL    string
	Header http.Header
	Quota  ratelimit.Decision

	started time.Time
}

// Result is a relayed upstream response.
type Result struct {
	Status   int
	Header   http.Header
	Body     Body
	Duration time.Duration
	URL      string
	Quota    ratelimit.Decision
	// Insecure is set when the response was obtained with certificate
	// validation disabled.
	Insecure bool
}

// ProbeResult reports the outcome of a connectivity test.
type ProbeResult struct {
	Service  string        `json:"service"`
	URL      string        `json:"url"`
	Status   int           `json:"status"`
	Duration time.Duration `json:"-"`
	Insecure bool          `json:"insecure,omitempty"`
}

// Forwarder executes the forwarding pipeline.
type Forwarder struct {
	services ServiceSource
	limiter  Limiter
	creds    credentials.Resolver
	clock    clock.Clock
	logger   *slog.Logger

	timeout   time.Duration
	strictTLS bool
	maxBody   int64
	client    *http.Client
	insecure  *http.Client
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithTimeout sets the per-call upstream timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithMaxBodyBytes sets the largest upstream body relayed. Larger bodies
// fail with ErrorKindUpstreamTooLarge.
func WithMaxBodyBytes(n int64) Option {
	return func(f *Forwarder) {
		if n > 0 {
			f.maxBody = n
		}
	}
}

// WithStrictTLS controls the certificate failure policy. When false a
// certificate failure is retried once with validation disabled.
func WithStrictTLS(strict bool) Option {
	return func(f *Forwarder) {
		f.strictTLS = strict
	}
}

// WithTransport sets the round tripper used for upstream calls.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Forwarder) {
		f.client = &http.Client{Transport: rt, CheckRedirect: noRedirect}
	}
}

// WithInsecureTransport sets the round tripper used for the relaxed TLS retry.
func WithInsecureTransport(rt http.RoundTripper) Option {
	return func(f *Forwarder) {
		f.insecure = &http.Client{Transport: rt, CheckRedirect: noRedirect}
	}
}

// WithCredentials sets the token resolver.
func WithCredentials(r credentials.Resolver) Option {
	return func(f *Forwarder) {
		f.creds = r
	}
}

// WithClock sets the time source used for durations.
func WithClock(c clock.Clock) Option {
	return func(f *Forwarder) {
		f.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// New creates a forwarder. Limiter may be nil to disable quotas.
func New(services ServiceSource, limiter Limiter, opts ...Option) *Forwarder {
	f := &Forwarder{
		services:  services,
		limiter:   limiter,
		creds:     credentials.NewEnvResolver(),
		clock:     clock.New(),
		logger:    slog.Default(),
		timeout:   DefaultTimeout,
		strictTLS: true,
		maxBody:   DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &http.Client{Transport: defaultTransport(false), CheckRedirect: noRedirect}
	}
	if f.insecure == nil {
		f.insecure = &http.Client{Transport: defaultTransport(true), CheckRedirect: noRedirect}
	}
	return f
}

func defaultTransport(insecure bool) http.RoundTripper {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // relaxed TLS retry only
	}
	return otelhttp.NewTransport(base)
}

// Upstream redirects are relayed to the client rather than followed.
func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// Timeout returns the configured upstream timeout.
func (f *Forwarder) Timeout() time.Duration { return f.timeout }

// StrictTLS reports whether certificate failures are fatal.
func (f *Forwarder) StrictTLS() bool { return f.strictTLS }

// Prepare resolves the descriptor, acquires quota, resolves the credential
// and builds the upstream URL and headers. No network I/O happens here.
func (f *Forwarder) Prepare(ctx context.Context, req *Request) (*Prepared, error) {
	started := f.clock.Now()

	desc, err := f.services.Lookup(req.Service)
	if err != nil {
		if errors.Is(err, registry.ErrServiceNotFound) {
			return nil, domain.ErrServiceNotConfigured(req.Service, f.services.List())
		}
		return nil, domain.AsError(err)
	}
	if req.Tunnel && !desc.AllowTunnel {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("WebSocket tunnelling is not enabled for %s", req.Service)).
			WithService(req.Service)
	}

	var quota ratelimit.Decision
	if f.limiter != nil {
		quota = f.limiter.Acquire(req.Service)
		if !quota.Allowed {
			return nil, domain.ErrRateLimited(req.Service, quota.RetryAfter)
		}
	}

	var token string
	if a := desc.Auth; a != nil {
		t, ok := f.creds.Resolve(a.TokenEnvVar)
		if !ok {
			f.logger.WarnContext(ctx, "auth token not found",
				slog.String("service", req.Service),
				slog.String("env_var", a.TokenEnvVar))
			return nil, domain.ErrAuthTokenMissing(req.Service, a.TokenEnvVar, a.Kind)
		}
		token = t
		f.logger.DebugContext(ctx, "auth configured",
			slog.String("service", req.Service),
			slog.String("auth_type", a.Kind.String()),
			slog.String("token", credentials.Mask(token)))
	}

	base, path := resolveBase(desc, req.Path)

	return &Prepared{
		Descriptor: desc,
		BaseURL:    base,
		Path:       path,
		URL:        JoinURL(base, path, req.Query),
		Header:     BuildHeaders(desc, req.Headers, token),
		Quota:      quota,
		started:    started,
	}, nil
}

// Forward runs the full pipeline and returns the buffered upstream response.
func (f *Forwarder) Forward(ctx context.Context, req *Request) (*Result, error) {
	p, err := f.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body []byte
	if method != http.MethodGet && method != http.MethodHead && len(req.Body) > 0 {
		body = req.Body
		if p.Header.Get("Content-Type") == "" {
			p.Header.Set("Content-Type", "application/json")
		}
	}

	resp, insecure, err := f.execute(ctx, req.Service, method, p.URL, p.Header, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		if isTimeout(err) {
			return nil, timeoutError(req.Service, p.URL, f.timeout, err)
		}
		return nil, unreachableError(req.Service, p.URL, err)
	}
	if int64(len(raw)) > f.maxBody {
		f.logger.WarnContext(ctx, "upstream response exceeds relay limit",
			slog.String("service", req.Service),
			slog.String("url", p.URL),
			slog.Int64("limit_bytes", f.maxBody))
		return nil, tooLargeError(req.Service, p.URL, f.maxBody, resp.StatusCode)
	}

	return &Result{
		Status:   resp.StatusCode,
		Header:   resp.Header,
		Body:     ParseBody(resp.Header.Get("Content-Type"), raw),
		Duration: f.clock.Since(p.started),
		URL:      p.URL,
		Quota:    p.Quota,
		Insecure: insecure,
	}, nil
}

// Probe issues HEAD against the service base URL with its default headers.
func (f *Forwarder) Probe(ctx context.Context, key string) (*ProbeResult, error) {
	started := f.clock.Now()

	desc, err := f.services.Lookup(key)
	if err != nil {
		if errors.Is(err, registry.ErrServiceNotFound) {
			return nil, domain.ErrServiceNotConfigured(key, f.services.List())
		}
		return nil, domain.AsError(err)
	}

	header := BuildHeaders(desc, nil, "")
	resp, insecure, err := f.execute(ctx, key, http.MethodHead, desc.BaseURL, header, nil)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	return &ProbeResult{
		Service:  key,
		URL:      desc.BaseURL,
		Status:   resp.StatusCode,
		Duration: f.clock.Since(started),
		Insecure: insecure,
	}, nil
}

// execute sends the request under the configured timeout. A relaxed TLS
// retry shares the deadline of the first attempt. The context is cancelled
// when the returned body is closed.
func (f *Forwarder) execute(ctx context.Context, service, method, target string, header http.Header, body []byte) (*http.Response, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	resp, insecure, err := f.attempt(ctx, service, method, target, header, body)
	if err != nil {
		cancel()
		return nil, false, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, insecure, nil
}

func (f *Forwarder) attempt(ctx context.Context, service, method, target string, header http.Header, body []byte) (*http.Response, bool, error) {
	resp, err := f.do(ctx, f.client, method, target, header, body)
	if err == nil {
		return resp, false, nil
	}
	var gwErr *domain.Error
	if errors.As(err, &gwErr) {
		return nil, false, gwErr
	}
	if !isTLSError(err) || isTimeout(err) {
		return nil, false, classify(service, target, f.timeout, f.strictTLS, err)
	}
	if f.strictTLS {
		return nil, false, tlsError(service, target, true, err)
	}

	f.logger.WarnContext(ctx, "certificate validation failed, retrying with validation disabled",
		slog.String("service", service),
		slog.String("url", target),
		slog.String("error", err.Error()))

	resp, retryErr := f.do(ctx, f.insecure, method, target, header, body)
	if retryErr != nil {
		if isTimeout(retryErr) {
			return nil, false, timeoutError(service, target, f.timeout, retryErr)
		}
		return nil, false, tlsError(service, target, false, fmt.Errorf("%w (retry: %v)", err, retryErr))
	}
	f.logger.WarnContext(ctx, "connected with TLS validation disabled",
		slog.String("service", service),
		slog.String("url", target))
	return resp, true, nil
}

func (f *Forwarder) do(ctx context.Context, client *http.Client, method, target string, header http.Header, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, domain.ErrInternal(fmt.Sprintf("build upstream request: %v", err)).WithCause(err)
	}
	req.Header = header.Clone()
	return client.Do(req)
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
