package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bytebrushstudios/byteproxy/internal/admission"
	"github.com/bytebrushstudios/byteproxy/internal/domain"
)

const namespace = "byteproxy"

// StatusSource exposes the current admission sample.
type StatusSource interface {
	Status() admission.Sample
}

// Metrics holds the gateway's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Requests          *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	Errors            *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	AdmissionRejected *prometheus.CounterVec
	Tunnels           *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them. Pressure gauges are
// read from status on every scrape when status is non-nil.
func NewMetrics(status StatusSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Forwarded requests by service and upstream status code",
			},
			[]string{"service", "code"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "request_duration_seconds",
				Help:      "Time from pipeline start to upstream response",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),

		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "errors_total",
				Help:      "Failed proxy requests by service and error kind",
			},
			[]string{"service", "kind"},
		),

		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "rejections_total",
				Help:      "Requests rejected by the per-service quota",
			},
			[]string{"service"},
		),

		AdmissionRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "rejections_total",
				Help:      "Requests shed while under pressure by tripped metric",
			},
			[]string{"metric"},
		),

		Tunnels: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tunnel",
				Name:      "opened_total",
				Help:      "WebSocket tunnels opened by service",
			},
			[]string{"service"},
		),
	}

	m.registry.MustRegister(
		m.Requests,
		m.RequestDuration,
		m.Errors,
		m.RateLimited,
		m.AdmissionRejected,
		m.Tunnels,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if status != nil {
		m.registry.MustRegister(pressureGauges(status)...)
	}
	return m
}

func pressureGauges(status StatusSource) []prometheus.Collector {
	gauge := func(name, help string, read func(admission.Sample) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pressure",
				Name:      name,
				Help:      help,
			},
			func() float64 { return read(status.Status()) },
		)
	}
	return []prometheus.Collector{
		gauge("event_loop_delay_milliseconds", "Scheduler delay of the last sample",
			func(s admission.Sample) float64 { return s.EventLoopDelayMs }),
		gauge("heap_used_bytes", "Heap in use at the last sample",
			func(s admission.Sample) float64 { return float64(s.HeapUsedBytes) }),
		gauge("rss_bytes", "Resident set size at the last sample",
			func(s admission.Sample) float64 { return float64(s.ResidentBytes) }),
		gauge("event_loop_utilization", "CPU busy fraction at the last sample",
			func(s admission.Sample) float64 { return s.EventLoopUtilization }),
		gauge("healthy", "External health check result (1=healthy)",
			func(s admission.Sample) float64 {
				if s.Healthy {
					return 1
				}
				return 0
			}),
	}
}

// ObserveRequest records a relayed upstream response.
func (m *Metrics) ObserveRequest(service string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(service, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(service).Observe(d.Seconds())
}

// ObserveError records a failed proxy request.
func (m *Metrics) ObserveError(service string, kind domain.ErrorKind) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(service, string(kind)).Inc()
	if kind == domain.ErrorKindRateLimited {
		m.RateLimited.WithLabelValues(service).Inc()
	}
}

// ObserveShed records an admission rejection.
func (m *Metrics) ObserveShed(metric string) {
	if m == nil {
		return
	}
	m.AdmissionRejected.WithLabelValues(metric).Inc()
}

// ObserveTunnel records an opened WebSocket tunnel.
func (m *Metrics) ObserveTunnel(service string) {
	if m == nil {
		return
	}
	m.Tunnels.WithLabelValues(service).Inc()
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
