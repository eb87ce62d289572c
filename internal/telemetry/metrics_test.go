package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bytebrushstudios/byteproxy/internal/admission"
	"github.com/bytebrushstudios/byteproxy/internal/domain"
)

type staticStatus admission.Sample

func (s staticStatus) Status() admission.Sample { return admission.Sample(s) }

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(nil)

	m.ObserveRequest("github", http.StatusOK, 120*time.Millisecond)
	m.ObserveRequest("github", http.StatusOK, 80*time.Millisecond)
	m.ObserveError("github", domain.ErrorKindRateLimited)
	m.ObserveError("discord", domain.ErrorKindAuthTokenMissing)
	m.ObserveShed("heapUsedBytes")

	if got := testutil.ToFloat64(m.Requests.WithLabelValues("github", "200")); got != 2 {
		t.Errorf("requests_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RateLimited.WithLabelValues("github")); got != 1 {
		t.Errorf("ratelimit rejections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RateLimited.WithLabelValues("discord")); got != 0 {
		t.Errorf("discord ratelimit rejections = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.Errors.WithLabelValues("discord", "auth_token_missing")); got != 1 {
		t.Errorf("errors_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AdmissionRejected.WithLabelValues("heapUsedBytes")); got != 1 {
		t.Errorf("admission rejections = %v, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("x", 200, time.Second)
	m.ObserveError("x", domain.ErrorKindInternal)
	m.ObserveShed("rssBytes")
	m.ObserveTunnel("x")
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(staticStatus{HeapUsedBytes: 1234, Healthy: true, EventLoopDelayMs: 7})
	m.ObserveTunnel("discord")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"byteproxy_pressure_heap_used_bytes 1234",
		"byteproxy_pressure_healthy 1",
		"byteproxy_pressure_event_loop_delay_milliseconds 7",
		`byteproxy_tunnel_opened_total{service="discord"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
