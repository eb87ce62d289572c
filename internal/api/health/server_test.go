package health

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"

	"github.com/bytebrushstudios/byteproxy/internal/admission"
	"github.com/bytebrushstudios/byteproxy/internal/credentials"
	"github.com/bytebrushstudios/byteproxy/internal/domain"
	"github.com/bytebrushstudios/byteproxy/internal/pkg/config"
	"github.com/bytebrushstudios/byteproxy/internal/registry"
)

type fakePressure struct {
	sample  admission.Sample
	verdict *admission.Verdict
}

func (f *fakePressure) Status() admission.Sample           { return f.sample }
func (f *fakePressure) CheckPressure() *admission.Verdict { return f.verdict }

func newRouter(t *testing.T, p *fakePressure, mock *clock.Mock) chi.Router {
	t.Helper()
	reg := registry.New()
	if err := reg.Register("github", &domain.ServiceDescriptor{
		Name:    "GitHub API",
		BaseURL: "https://api.github.com/",
		Auth:    &domain.AuthPolicy{Kind: domain.AuthBearer, TokenEnvVar: "GITHUB_TOKEN"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("open", &domain.ServiceDescriptor{Name: "Open", BaseURL: "https://open.example.com/"}); err != nil {
		t.Fatal(err)
	}

	s := NewServer(p, reg,
		Info{Name: "ByteProxy", Version: "0.1.0", Description: "test build", Source: "https://example.com/byteproxy"},
		Settings{Port: 3420, Logging: config.LoggingConfig{Level: "info"}, CORS: config.CORSConfig{Enabled: true, Origins: []string{"*"}}},
		WithCredentials(credentials.MapResolver{"GITHUB_TOKEN": "ghp_x"}),
		WithClock(mock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	r := chi.NewRouter()
	r.NotFound(s.NotFound)
	s.Routes(r)
	return r
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s body: %v", path, err)
	}
	return rec, body
}

func TestUp_Nominal(t *testing.T) {
	p := &fakePressure{sample: admission.Sample{HeapUsedBytes: 1024, EventLoopDelayMs: 3, Healthy: true}}
	rec, body := get(t, newRouter(t, p, clock.NewMock()), "/up")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["heapUsed"] != float64(1024) || body["eventLoopDelay"] != float64(3) || body["healthy"] != true {
		t.Errorf("sample fields = %v", body)
	}
}

func TestUp_UnderPressure(t *testing.T) {
	p := &fakePressure{verdict: &admission.Verdict{Type: admission.PressureHeapUsedBytes, Value: 9e9}}
	rec, body := get(t, newRouter(t, p, clock.NewMock()), "/up")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if body["error"] != "Server under pressure" || body["type"] != "heapUsedBytes" {
		t.Errorf("body = %v", body)
	}
}

func TestHealth(t *testing.T) {
	mock := clock.NewMock()
	r := newRouter(t, &fakePressure{}, mock)
	mock.Add(90 * time.Second)

	rec, body := get(t, r, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "healthy" || body["version"] != "0.1.0" {
		t.Errorf("body = %v", body)
	}
	if body["uptime"] != float64(90) {
		t.Errorf("uptime = %v, want 90", body["uptime"])
	}
	services := body["services"].(map[string]any)
	if services["total"] != float64(2) {
		t.Errorf("services.total = %v, want 2", services["total"])
	}
	cfg := body["config"].(map[string]any)
	if cfg["port"] != float64(3420) {
		t.Errorf("config.port = %v", cfg["port"])
	}
	if cors := cfg["cors"].(map[string]any); cors["enabled"] != true {
		t.Errorf("config.cors = %v", cors)
	}
}

func TestStatus(t *testing.T) {
	rec, body := get(t, newRouter(t, &fakePressure{}, clock.NewMock()), "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	app := body["application"].(map[string]any)
	if app["name"] != "ByteProxy" {
		t.Errorf("application.name = %v", app["name"])
	}
	rt := body["runtime"].(map[string]any)
	if mem := rt["memory"].(map[string]any); mem["sys"] == float64(0) {
		t.Errorf("runtime.memory.sys = 0")
	}

	services := body["configuration"].(map[string]any)["services"].([]any)
	gh := services[0].(map[string]any)
	if gh["authTokenConfigured"] != true || gh["hasAuth"] != true {
		t.Errorf("github detail = %v", gh)
	}
	open := services[1].(map[string]any)
	if open["hasAuth"] != false || open["authTokenConfigured"] != false {
		t.Errorf("open detail = %v", open)
	}
}

func TestIndex(t *testing.T) {
	rec, body := get(t, newRouter(t, &fakePressure{}, clock.NewMock()), "/")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["message"] != "Welcome to ByteProxy, feel free to browse around!" {
		t.Errorf("message = %v", body["message"])
	}
	if body["version"] != "0.1.0" || body["source"] != "https://example.com/byteproxy" {
		t.Errorf("version = %v, source = %v", body["version"], body["source"])
	}
	if body["health"] != "/health" || body["status"] != "/status" {
		t.Errorf("links = %v", body)
	}
}

func TestNotFound(t *testing.T) {
	rec, body := get(t, newRouter(t, &fakePressure{}, clock.NewMock()), "/no/such/route")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if body["error"] != "Endpoint not found" {
		t.Errorf("error = %v", body["error"])
	}
	if body["message"] != "The endpoint '/no/such/route' does not exist" {
		t.Errorf("message = %v", body["message"])
	}
	quick, _ := body["quickStart"].(map[string]any)
	if quick["proxy"] != "/proxy/{service}/*" || quick["health"] != "/health" || quick["management"] != "/manage/services" {
		t.Errorf("quickStart = %v", quick)
	}
}
