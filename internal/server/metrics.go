package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type apiMetrics struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	errors        *prometheus.CounterVec
	eventClients  prometheus.Gauge
	eventsSent    *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
}

func newAPIMetrics(reg prometheus.Registerer) *apiMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &apiMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offmesh_api_requests_total",
			Help: "Control API requests by operation and status code.",
		}, []string{"op", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "offmesh_api_latency_seconds",
			Help:    "Latency for handling control API requests.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offmesh_api_errors_total",
			Help: "Control API errors grouped by cause.",
		}, []string{"code"}),
		eventClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offmesh_event_clients",
			Help: "Websocket clients subscribed to the event stream.",
		}),
		eventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offmesh_events_total",
			Help: "Events published to the event stream by type.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offmesh_events_dropped_total",
			Help: "Events not delivered to subscribers grouped by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.requests,
		m.latency,
		m.errors,
		m.eventClients,
		m.eventsSent,
		m.eventsDropped,
	)
	return m
}

func (m *apiMetrics) observe(op string, code int, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.requests.WithLabelValues(op, statusLabel(code)).Inc()
	m.latency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *apiMetrics) recordError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.errors.WithLabelValues(code).Inc()
}

func (m *apiMetrics) setClients(n int) {
	if m == nil {
		return
	}
	m.eventClients.Set(float64(n))
}

func (m *apiMetrics) recordEvent(typ string) {
	if m == nil {
		return
	}
	m.eventsSent.WithLabelValues(typ).Inc()
}

func (m *apiMetrics) recordEventDrop(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
