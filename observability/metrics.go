package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server's collectors. A nil *Metrics is valid and
// records nothing, so tests and embedders can skip prometheus entirely.
type Metrics struct {
	handshakes      *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	presenceErrors  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// connected is sampled on scrape for the connected clients gauge.
func NewMetrics(reg prometheus.Registerer, connected func() int) *Metrics {
	m := &Metrics{
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zonis",
				Name:      "handshakes_total",
				Help:      "IDENTIFY handshakes by outcome.",
			},
			[]string{"outcome"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zonis",
				Name:      "requests_total",
				Help:      "Requests issued to clients by route and outcome.",
			},
			[]string{"route", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "zonis",
				Name:      "request_duration_seconds",
				Help:      "Time from sending a request to receiving its reply.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zonis",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Admin and upgrade HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		presenceErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "zonis",
				Subsystem: "presence",
				Name:      "publish_errors_total",
				Help:      "Presence events that could not be published.",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.handshakes, m.requests, m.requestDuration, m.httpRequests, m.presenceErrors,
	}
	if connected != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "zonis",
				Name:      "connected_clients",
				Help:      "Identifiers currently registered.",
			},
			func() float64 { return float64(connected()) },
		))
	}
	reg.MustRegister(collectors...)
	return m
}

func (m *Metrics) RecordHandshake(outcome string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(outcome).Inc()
}

// RecordRequest counts one request. outcome is "ok", "failed",
// "unknown_client" or "timeout".
func (m *Metrics) RecordRequest(route, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	if outcome != "unknown_client" {
		m.requestDuration.WithLabelValues(route).Observe(took.Seconds())
	}
}

func (m *Metrics) RecordHTTPRequest(method, path, status string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
}

func (m *Metrics) RecordPresenceError() {
	if m == nil {
		return
	}
	m.presenceErrors.Inc()
}
