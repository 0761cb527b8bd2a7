// Package metrics exposes Prometheus metrics for sessions, runs and HTTP
// traffic. Everything registers on a private registry so tests and multiple
// servers in one process do not collide.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/script-playground/internal/protocol"
	"github.com/sakif/script-playground/internal/session"
)

const namespace = "playground"

var _ session.Observer = (*Metrics)(nil)

// Metrics holds all collectors.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	RunsTotal      prometheus.Counter
	BootDuration   prometheus.Histogram
	BootFailures   prometheus.Counter
	EventsTotal    *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	WSConnections  prometheus.Gauge
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "route"}),

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions created",
		}),
		RunsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of run requests delivered to a context",
		}),
		BootDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_boot_duration_seconds",
			Help:      "Time taken to boot an execution context",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
		}),
		BootFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_boot_failures_total",
			Help:      "Total number of execution contexts that failed to boot",
		}),
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of rendered output events",
		}, []string{"kind"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of transport frames discarded",
		}, []string{"reason"}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Number of open display streams",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionOpened() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

func (m *Metrics) SessionClosed() { m.SessionsActive.Dec() }

func (m *Metrics) ContextBooted(took time.Duration) { m.BootDuration.Observe(took.Seconds()) }

func (m *Metrics) BootFailed() { m.BootFailures.Inc() }

func (m *Metrics) RunStarted() { m.RunsTotal.Inc() }

func (m *Metrics) EventRendered(kind protocol.Kind) { m.EventsTotal.WithLabelValues(string(kind)).Inc() }

func (m *Metrics) FrameDropped(reason string) { m.FramesDropped.WithLabelValues(reason).Inc() }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	conn, buf, err := h.Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, buf, err
}

// Middleware counts requests by chi route pattern, so that path parameters
// do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
