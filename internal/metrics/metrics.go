// Package metrics owns the Prometheus collectors of the daemon. Collectors
// live on a private registry so tests and multiple runtimes do not collide.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "event_chat"

var transportStates = []string{"disconnected", "connecting", "connected", "degraded"}

type Metrics struct {
	registry *prometheus.Registry

	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	sessionsSwept  prometheus.Counter
	envelopes      *prometheus.CounterVec
	rpcCalls       *prometheus.CounterVec
	transportState *prometheus.GaugeVec

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "miniapp",
			Name:      "actions_total",
			Help:      "Mini-app actions dispatched, by outcome.",
		}, []string{"app", "action", "outcome"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "miniapp",
			Name:      "action_duration_seconds",
			Help:      "Duration of mini-app action handling.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"app", "action"}),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "miniapp",
			Name:      "sessions_swept_total",
			Help:      "Expired sessions ended by the periodic sweep.",
		}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "envelopes_total",
			Help:      "Outgoing envelopes by message type and delivery status.",
		}, []string{"type", "status"}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "JSON-RPC calls by method and result code.",
		}, []string{"method", "code"}),
		transportState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "state",
			Help:      "1 for the current transport node state, 0 otherwise.",
		}, []string{"state"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "path"}),
	}
	m.registry.MustRegister(
		m.actions,
		m.actionDuration,
		m.sessionsSwept,
		m.envelopes,
		m.rpcCalls,
		m.transportState,
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveAction satisfies the dispatcher's observer hook.
func (m *Metrics) ObserveAction(appID, action, outcome string, elapsed time.Duration) {
	m.actions.WithLabelValues(appID, action, outcome).Inc()
	m.actionDuration.WithLabelValues(appID, action).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveSweep(ended int) {
	if ended > 0 {
		m.sessionsSwept.Add(float64(ended))
	}
}

func (m *Metrics) ObserveEnvelope(msgType, status string) {
	m.envelopes.WithLabelValues(msgType, status).Inc()
}

func (m *Metrics) ObserveRPC(method string, code int) {
	m.rpcCalls.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func (m *Metrics) SetTransportState(state string) {
	for _, s := range transportStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.transportState.WithLabelValues(s).Set(v)
	}
}

// TrackActiveSessions exposes count as a gauge sampled on scrape.
func (m *Metrics) TrackActiveSessions(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "miniapp",
		Name:      "active_sessions",
		Help:      "Sessions currently held by the session manager.",
	}, func() float64 { return float64(count()) }))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP metrics collection.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event streams working through the wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}
