package forward

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytebrushstudios/byteproxy/internal/credentials"
	"github.com/bytebrushstudios/byteproxy/internal/domain"
	"github.com/bytebrushstudios/byteproxy/internal/ratelimit"
	"github.com/bytebrushstudios/byteproxy/internal/registry"
	"github.com/bytebrushstudios/byteproxy/internal/testutil"
)

type countingTransport struct {
	rt http.RoundTripper
	n  atomic.Int32
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.n.Add(1)
	return c.rt.RoundTrip(req)
}

func newCounting(insecure bool) *countingTransport {
	tr := &http.Transport{}
	if insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &countingTransport{rt: tr}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistry(t *testing.T, services map[string]*domain.ServiceDescriptor) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for key, desc := range services {
		if err := reg.Register(key, desc); err != nil {
			t.Fatalf("Register(%s) error = %v", key, err)
		}
	}
	return reg
}

func wantKind(t *testing.T, err error, kind domain.ErrorKind) *domain.Error {
	t.Helper()
	var gwErr *domain.Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("error = %v, want *domain.Error", err)
	}
	if gwErr.Kind != kind {
		t.Fatalf("Kind = %s, want %s (%v)", gwErr.Kind, kind, err)
	}
	return gwErr
}

func TestForward_RelaysResponse(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{
		"echo": {Name: "Echo", BaseURL: srv.URL + "/"},
	})
	f := New(reg, nil, WithLogger(quietLogger()))

	res, err := f.Forward(context.Background(), &Request{
		Service: "echo",
		Path:    "/users",
		Method:  http.MethodGet,
		Query:   url.Values{"page": {"2"}},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if gotPath != "/users" {
		t.Errorf("upstream path = %q, want /users", gotPath)
	}
	if gotQuery != "page=2" {
		t.Errorf("upstream query = %q, want page=2", gotQuery)
	}
	if res.Status != http.StatusCreated {
		t.Errorf("Status = %d, want %d", res.Status, http.StatusCreated)
	}
	if res.Header.Get("X-Upstream") != "yes" {
		t.Error("upstream header not relayed")
	}
	if res.Body.Kind != BodyJSON {
		t.Errorf("Body.Kind = %v, want json", res.Body.Kind)
	}
	if m, ok := res.Body.Value.(map[string]any); !ok || m["ok"] != true {
		t.Errorf("Body.Value = %#v", res.Body.Value)
	}
	if string(res.Body.Raw) != `{"ok":true}` {
		t.Errorf("Body.Raw = %q", res.Body.Raw)
	}
}

func TestForward_DiscordVersionedRoot(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{
		"discord": {
			Name:    "Discord API",
			BaseURL: srv.URL + "/api",
			VersionedBaseURLs: map[string]string{
				"v9":  srv.URL + "/api/v9",
				"v10": srv.URL + "/api/v10",
			},
		},
	})
	f := New(reg, nil, WithLogger(quietLogger()))

	tests := []struct {
		path     string
		wantPath string
		wantBase string
	}{
		{path: "/v10/channels/1", wantPath: "/api/v10/channels/1", wantBase: srv.URL + "/api/v10"},
		{path: "/v9/users/@me", wantPath: "/api/v9/users/@me", wantBase: srv.URL + "/api/v9"},
		{path: "/v11/gateway", wantPath: "/api/v11/gateway", wantBase: srv.URL + "/api"},
		{path: "/gateway", wantPath: "/api/gateway", wantBase: srv.URL + "/api"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			p, err := f.Prepare(context.Background(), &Request{Service: "discord", Path: tt.path})
			if err != nil {
				t.Fatalf("Prepare() error = %v", err)
			}
			if p.BaseURL != tt.wantBase {
				t.Errorf("BaseURL = %q, want %q", p.BaseURL, tt.wantBase)
			}

			if _, err := f.Forward(context.Background(), &Request{Service: "discord", Path: tt.path, Method: http.MethodGet}); err != nil {
				t.Fatalf("Forward() error = %v", err)
			}
			if gotPath != tt.wantPath {
				t.Errorf("upstream path = %q, want %q", gotPath, tt.wantPath)
			}
		})
	}
}

func TestForward_AuthInjection(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	creds := credentials.MapResolver{"TOKEN": "s3cret"}

	tests := []struct {
		name   string
		auth   *domain.AuthPolicy
		header string
		want   string
	}{
		{name: "bot", auth: &domain.AuthPolicy{Kind: domain.AuthBotToken, TokenEnvVar: "TOKEN"}, header: "Authorization", want: "Bot s3cret"},
		{name: "bearer", auth: &domain.AuthPolicy{Kind: domain.AuthBearer, TokenEnvVar: "TOKEN"}, header: "Authorization", want: "Bearer s3cret"},
		{name: "basic", auth: &domain.AuthPolicy{Kind: domain.AuthBasic, TokenEnvVar: "TOKEN"}, header: "Authorization", want: "Basic " + base64.StdEncoding.EncodeToString([]byte("s3cret"))},
		{name: "api key", auth: &domain.AuthPolicy{Kind: domain.AuthAPIKey, TokenEnvVar: "TOKEN", HeaderName: "X-Api-Token"}, header: "X-Api-Token", want: "s3cret"},
		{name: "no auth strips inbound", auth: nil, header: "Authorization", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newRegistry(t, map[string]*domain.ServiceDescriptor{
				"svc": {Name: "Svc", BaseURL: srv.URL, Auth: tt.auth},
			})
			f := New(reg, nil, WithCredentials(creds), WithLogger(quietLogger()))

			_, err := f.Forward(context.Background(), &Request{
				Service: "svc",
				Path:    "/",
				Method:  http.MethodGet,
				Headers: http.Header{"Authorization": {"Bearer evil"}},
			})
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}
			if v := got.Get(tt.header); v != tt.want {
				t.Errorf("%s = %q, want %q", tt.header, v, tt.want)
			}
			if tt.header != "Authorization" && got.Get("Authorization") != "" {
				t.Errorf("Authorization = %q, want stripped", got.Get("Authorization"))
			}
		})
	}
}

func TestForward_AuthTokenMissing(t *testing.T) {
	tr := newCounting(false)
	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{
		"github": {
			Name:    "GitHub API",
			BaseURL: "https://api.github.com",
			Auth:    &domain.AuthPolicy{Kind: domain.AuthBearer, TokenEnvVar: "GITHUB_TOKEN"},
		},
	})
	f := New(reg, nil, WithTransport(tr), WithCredentials(credentials.MapResolver{}), WithLogger(quietLogger()))

	_, err := f.Forward(context.Background(), &Request{Service: "github", Path: "/user", Method: http.MethodGet})
	gwErr := wantKind(t, err, domain.ErrorKindAuthTokenMissing)
	if gwErr.Details["env_var"] != "GITHUB_TOKEN" {
		t.Errorf("env_var = %v, want GITHUB_TOKEN", gwErr.Details["env_var"])
	}
	if n := tr.n.Load(); n != 0 {
		t.Errorf("round trips = %d, want 0", n)
	}
}

func TestForward_ServiceNotConfigured(t *testing.T) {
	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{
		"github": {Name: "GitHub API", BaseURL: "https://api.github.com"},
	})
	f := New(reg, nil, WithLogger(quietLogger()))

	_, err := f.Forward(context.Background(), &Request{Service: "nope", Path: "/"})
	gwErr := wantKind(t, err, domain.ErrorKindServiceNotConfigured)
	avail, _ := gwErr.Details["available_services"].([]string)
	if len(avail) != 1 || avail[0] != "github" {
		t.Errorf("available_services = %v, want [github]", gwErr.Details["available_services"])
	}
}

func TestForward_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	tr := &countingTransport{rt: http.DefaultTransport}
	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{
		"svc": {Name: "Svc", BaseURL: srv.URL, RateLimit: &domain.RateLimitPolicy{MaxRequests: 1, Window: time.Minute}},
	})
	f := New(reg, ratelimit.New(reg), WithTransport(tr), WithLogger(quietLogger()))

	if _, err := f.Forward(context.Background(), &Request{Service: "svc", Path: "/"}); err != nil {
		t.Fatalf("first Forward() error = %v", err)
	}
	_, err := f.Forward(context.Background(), &Request{Service: "svc", Path: "/"})
	gwErr := wantKind(t, err, domain.ErrorKindRateLimited)
	if ra, ok := gwErr.RetryAfter(); !ok || ra != 60 {
		t.Errorf("RetryAfter() = %d, %v, want 60, true", ra, ok)
	}
	if n := tr.n.Load(); n != 1 {
		t.Errorf("round trips = %d, want 1", n)
	}
}

func TestPrepare_TunnelNotAllowedKeepsQuota(t *testing.T) {
	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{
		"plain":  {Name: "Plain", BaseURL: "https://plain.example.com", RateLimit: &domain.RateLimitPolicy{MaxRequests: 2, Window: time.Minute}},
		"socket": {Name: "Socket", BaseURL: "https://socket.example.com", AllowTunnel: true, RateLimit: &domain.RateLimitPolicy{MaxRequests: 2, Window: time.Minute}},
	})
	limiter := ratelimit.New(reg)
	f := New(reg, limiter, WithLogger(quietLogger()))

	for i := 0; i < 3; i++ {
		_, err := f.Prepare(context.Background(), &Request{Service: "plain", Path: "/ws", Tunnel: true})
		gwErr := wantKind(t, err, domain.ErrorKindInvalidRequest)
		if gwErr.Service != "plain" {
			t.Errorf("Service = %q, want plain", gwErr.Service)
		}
	}
	if st, _ := limiter.Status("plain"); st.Remaining != 2 {
		t.Errorf("Remaining after refused tunnels = %d, want 2", st.Remaining)
	}

	// Plain requests to the same service are not affected.
	if _, err := f.Prepare(context.Background(), &Request{Service: "plain", Path: "/"}); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if st, _ := limiter.Status("plain"); st.Remaining != 1 {
		t.Errorf("Remaining after request = %d, want 1", st.Remaining)
	}

	if _, err := f.Prepare(context.Background(), &Request{Service: "socket", Path: "/ws", Tunnel: true}); err != nil {
		t.Fatalf("Prepare(socket) error = %v", err)
	}
	if st, _ := limiter.Status("socket"); st.Remaining != 1 {
		t.Errorf("Remaining after tunnel = %d, want 1", st.Remaining)
	}
}

func TestForward_TLSStrictNoRetry(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	primary, insecure := newCounting(false), newCounting(true)
	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{"svc": {Name: "Svc", BaseURL: srv.URL}})
	f := New(reg, nil, WithStrictTLS(true), WithTransport(primary), WithInsecureTransport(insecure), WithLogger(quietLogger()))

	_, err := f.Forward(context.Background(), &Request{Service: "svc", Path: "/"})
	gwErr := wantKind(t, err, domain.ErrorKindUpstreamTLS)
	if _, ok := gwErr.Details["hints"]; !ok {
		t.Error("strict TLS error carries no remediation hints")
	}
	if n := primary.n.Load(); n != 1 {
		t.Errorf("primary round trips = %d, want 1", n)
	}
	if n := insecure.n.Load(); n != 0 {
		t.Errorf("insecure round trips = %d, want 0", n)
	}
}

func TestForward_TLSRelaxedRetriesOnce(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello")
	}))
	defer srv.Close()

	primary, insecure := newCounting(false), newCounting(true)
	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{"svc": {Name: "Svc", BaseURL: srv.URL}})
	f := New(reg, nil, WithStrictTLS(false), WithTransport(primary), WithInsecureTransport(insecure), WithLogger(quietLogger()))

	res, err := f.Forward(context.Background(), &Request{Service: "svc", Path: "/"})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if !res.Insecure {
		t.Error("Insecure = false, want true after relaxed retry")
	}
	if n := primary.n.Load(); n != 1 {
		t.Errorf("primary round trips = %d, want 1", n)
	}
	if n := insecure.n.Load(); n != 1 {
		t.Errorf("insecure round trips = %d, want 1", n)
	}
}

func TestForward_TLSRelaxedPersistentFailure(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	// The retry transport still validates, so the retry fails as well.
	primary, retry := newCounting(false), newCounting(false)
	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{"svc": {Name: "Svc", BaseURL: srv.URL}})
	f := New(reg, nil, WithStrictTLS(false), WithTransport(primary), WithInsecureTransport(retry), WithLogger(quietLogger()))

	_, err := f.Forward(context.Background(), &Request{Service: "svc", Path: "/"})
	wantKind(t, err, domain.ErrorKindUpstreamTLS)
	if n := primary.n.Load() + retry.n.Load(); n != 2 {
		t.Errorf("total round trips = %d, want 2", n)
	}
}

// deadlineTransport records the context deadline of every round trip.
type deadlineTransport struct {
	rt        http.RoundTripper
	deadlines []time.Time
}

func (d *deadlineTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	dl, _ := req.Context().Deadline()
	d.deadlines = append(d.deadlines, dl)
	return d.rt.RoundTrip(req)
}

func TestForward_TLSRetrySharesDeadline(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	rec := &deadlineTransport{rt: &http.Transport{}}
	insecure := &deadlineTransport{rt: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{"svc": {Name: "Svc", BaseURL: srv.URL}})
	f := New(reg, nil, WithStrictTLS(false), WithTimeout(5*time.Second),
		WithTransport(rec), WithInsecureTransport(insecure), WithLogger(quietLogger()))

	if _, err := f.Forward(context.Background(), &Request{Service: "svc", Path: "/"}); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if len(rec.deadlines) != 1 || len(insecure.deadlines) != 1 {
		t.Fatalf("attempts = %d + %d, want 1 + 1", len(rec.deadlines), len(insecure.deadlines))
	}
	if rec.deadlines[0].IsZero() {
		t.Fatal("first attempt has no deadline")
	}
	if !rec.deadlines[0].Equal(insecure.deadlines[0]) {
		t.Errorf("retry deadline = %v, want %v (shared with first attempt)", insecure.deadlines[0], rec.deadlines[0])
	}
}

func TestForward_PlainHTTPUpstreamNoRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	primary, insecure := newCounting(false), newCounting(true)
	base := "https://" + srv.Listener.Addr().String()
	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{"svc": {Name: "Svc", BaseURL: base}})
	f := New(reg, nil, WithStrictTLS(false), WithTransport(primary), WithInsecureTransport(insecure), WithLogger(quietLogger()))

	_, err := f.Forward(context.Background(), &Request{Service: "svc", Path: "/"})
	gwErr := wantKind(t, err, domain.ErrorKindUpstreamTLS)
	if _, ok := gwErr.Details["hint"]; !ok {
		t.Error("scheme mismatch error carries no hint")
	}
	if n := insecure.n.Load(); n != 0 {
		t.Errorf("insecure round trips = %d, want 0", n)
	}
}

func TestForward_BodyOverLimit(t *testing.T) {
	const limit = 1 << 10
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"at limit", limit, false},
		{"one byte over", limit + 1, true},
		{"far over", 8 * limit, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/octet-stream")
				w.Write(make([]byte, tt.size))
			}))
			defer srv.Close()

			reg := newRegistry(t, map[string]*domain.ServiceDescriptor{"svc": {Name: "Svc", BaseURL: srv.URL}})
			f := New(reg, nil, WithMaxBodyBytes(limit), WithLogger(quietLogger()))

			res, err := f.Forward(context.Background(), &Request{Service: "svc", Path: "/blob"})
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Forward() error = %v", err)
				}
				if len(res.Body.Raw) != tt.size {
					t.Errorf("relayed %d bytes, want %d", len(res.Body.Raw), tt.size)
				}
				return
			}
			gwErr := wantKind(t, err, domain.ErrorKindUpstreamTooLarge)
			if gwErr.HTTPStatusCode() != http.StatusBadGateway {
				t.Errorf("HTTPStatusCode() = %d, want 502", gwErr.HTTPStatusCode())
			}
			if gwErr.Details["limit_bytes"] != int64(limit) {
				t.Errorf("limit_bytes = %v, want %d", gwErr.Details["limit_bytes"], limit)
			}
		})
	}
}

func TestForward_DefaultBodyLimit(t *testing.T) {
	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{"svc": {Name: "Svc", BaseURL: "https://example.com"}})
	if f := New(reg, nil); f.maxBody != DefaultMaxBodyBytes {
		t.Errorf("maxBody = %d, want %d", f.maxBody, DefaultMaxBodyBytes)
	}
}

func TestForward_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	tr := &countingTransport{rt: &http.Transport{}}
	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{"svc": {Name: "Svc", BaseURL: srv.URL}})
	f := New(reg, nil, WithTimeout(50*time.Millisecond), WithTransport(tr), WithStrictTLS(false), WithLogger(quietLogger()))

	_, err := f.Forward(context.Background(), &Request{Service: "svc", Path: "/slow"})
	gwErr := wantKind(t, err, domain.ErrorKindUpstreamTimeout)
	if gwErr.HTTPStatusCode() != http.StatusGatewayTimeout {
		t.Errorf("HTTPStatusCode() = %d, want 504", gwErr.HTTPStatusCode())
	}
	if n := tr.n.Load(); n != 1 {
		t.Errorf("round trips = %d, want 1 (no retry on timeout)", n)
	}
}

func TestForward_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{"svc": {Name: "Svc", BaseURL: base}})
	f := New(reg, nil, WithTransport(&http.Transport{}), WithLogger(quietLogger()))

	_, err := f.Forward(context.Background(), &Request{Service: "svc", Path: "/"})
	wantKind(t, err, domain.ErrorKindUpstreamUnreachable)
}

func TestForward_BodyAndContentType(t *testing.T) {
	var gotBody, gotCT string
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody, gotCT, gotMethod = string(b), r.Header.Get("Content-Type"), r.Method
	}))
	defer srv.Close()

	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{"svc": {Name: "Svc", BaseURL: srv.URL}})
	f := New(reg, nil, WithLogger(quietLogger()))

	_, err := f.Forward(context.Background(), &Request{Service: "svc", Path: "/items", Method: http.MethodPost, Body: []byte(`{"a":1}`)})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if gotMethod != http.MethodPost || gotBody != `{"a":1}` {
		t.Errorf("upstream got %s %q", gotMethod, gotBody)
	}
	if gotCT != "application/json" {
		t.Errorf("Content-Type = %q, want application/json default", gotCT)
	}

	_, err = f.Forward(context.Background(), &Request{
		Service: "svc", Path: "/items", Method: http.MethodPut,
		Headers: http.Header{"Content-Type": {"text/plain"}}, Body: []byte("hi"),
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if gotCT != "text/plain" {
		t.Errorf("Content-Type = %q, want inbound text/plain", gotCT)
	}

	_, err = f.Forward(context.Background(), &Request{Service: "svc", Path: "/items", Method: http.MethodGet, Body: []byte("ignored")})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if gotBody != "" {
		t.Errorf("GET body = %q, want empty", gotBody)
	}
}

func TestForward_RelaysRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{"svc": {Name: "Svc", BaseURL: srv.URL}})
	f := New(reg, nil, WithLogger(quietLogger()))

	res, err := f.Forward(context.Background(), &Request{Service: "svc", Path: "/"})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if res.Status != http.StatusFound {
		t.Errorf("Status = %d, want 302", res.Status)
	}
	if res.Header.Get("Location") != "/elsewhere" {
		t.Errorf("Location = %q", res.Header.Get("Location"))
	}
}

func TestProbe(t *testing.T) {
	var gotMethod, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotUA = r.Method, r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{
		"svc": {Name: "Svc", BaseURL: srv.URL, DefaultHeaders: map[string]string{"User-Agent": "ByteProxy/0.1.0"}},
	})
	f := New(reg, nil, WithLogger(quietLogger()))

	res, err := f.Probe(context.Background(), "svc")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if gotMethod != http.MethodHead {
		t.Errorf("method = %s, want HEAD", gotMethod)
	}
	if gotUA != "ByteProxy/0.1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if res.Status != http.StatusNoContent {
		t.Errorf("Status = %d, want 204", res.Status)
	}

	_, err = f.Probe(context.Background(), "missing")
	wantKind(t, err, domain.ErrorKindServiceNotConfigured)
}

func TestForward_RecordedGitHub(t *testing.T) {
	rec, cleanup := testutil.NewVCRRecorder(t, "github_user")
	defer cleanup()

	reg := newRegistry(t, map[string]*domain.ServiceDescriptor{
		"github": {
			Name:           "GitHub API",
			BaseURL:        "https://api.github.com",
			DefaultHeaders: map[string]string{"Accept": "application/vnd.github+json"},
			Auth:           &domain.AuthPolicy{Kind: domain.AuthBearer, TokenEnvVar: "GITHUB_TOKEN"},
		},
	})
	f := New(reg, nil,
		WithTransport(rec),
		WithCredentials(credentials.MapResolver{"GITHUB_TOKEN": "ghp_test"}),
		WithLogger(quietLogger()))

	res, err := f.Forward(context.Background(), &Request{Service: "github", Path: "/user", Method: http.MethodGet})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if res.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", res.Status)
	}
	m, ok := res.Body.Value.(map[string]any)
	if !ok {
		t.Fatalf("Body.Value = %#v, want JSON object", res.Body.Value)
	}
	if m["login"] != "octocat" {
		t.Errorf("login = %v, want octocat", m["login"])
	}
	if res.Header.Get("X-Ratelimit-Remaining") != "4999" {
		t.Errorf("X-Ratelimit-Remaining = %q", res.Header.Get("X-Ratelimit-Remaining"))
	}
}
