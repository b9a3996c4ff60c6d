// Package metric provides Prometheus metrics for the COMMS dispatch
// path and an HTTP handler for exposing them.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch outcome labels.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics contains the dispatch-path metrics for one engine instance.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestsInFlight prometheus.Gauge
	StreamFramesTotal prometheus.Counter
	DispatchDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance registered on its own registry.
func New(agent string) *Metrics {
	constLabels := prometheus.Labels{"agent": agent}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "agentcomms",
				Subsystem:   "dispatch",
				Name:        "requests_total",
				Help:        "Total number of dispatched requests",
				ConstLabels: constLabels,
			},
			[]string{"method", "outcome"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   "agentcomms",
				Subsystem:   "dispatch",
				Name:        "requests_in_flight",
				Help:        "Number of requests currently being handled",
				ConstLabels: constLabels,
			},
		),
		StreamFramesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   "agentcomms",
				Subsystem:   "stream",
				Name:        "frames_total",
				Help:        "Total number of stream frames emitted",
				ConstLabels: constLabels,
			},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   "agentcomms",
				Subsystem:   "dispatch",
				Name:        "duration_seconds",
				Help:        "Request dispatch duration in seconds",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: constLabels,
			},
			[]string{"method"},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestsInFlight,
		m.StreamFramesTotal,
		m.DispatchDuration,
	)
	return m
}

// Handler returns the HTTP handler serving the metrics in Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one dispatched request.
func (m *Metrics) ObserveRequest(method, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, outcome).Inc()
	m.DispatchDuration.WithLabelValues(method).Observe(seconds)
}

// ObserveFrame records one emitted stream frame.
func (m *Metrics) ObserveFrame() {
	if m == nil {
		return
	}
	m.StreamFramesTotal.Inc()
}

// TrackInFlight increments the in-flight gauge and returns the
// matching decrement.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.RequestsInFlight.Inc()
	return m.RequestsInFlight.Dec
}
