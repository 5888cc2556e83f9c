// Package metrics defines the Prometheus collectors exported by envoy-npm.
// A nil *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "envoy_npm"

// Metrics groups the collectors shared by the backend client, the docker
// adapter and the reconciler.
type Metrics struct {
	BackendRequests *prometheus.CounterVec
	BackendRetries  *prometheus.CounterVec
	Decisions       *prometheus.CounterVec
	EventsConnected prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BackendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Backend API calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		BackendRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "retries_total",
			Help:      "Backend API calls retried after a transient failure.",
		}, []string{"op"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "decisions_total",
			Help:      "Reconciliation decisions by action and result.",
		}, []string{"action", "result"}),
		EventsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "events_connected",
			Help:      "1 while the container event stream is subscribed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.BackendRequests, m.BackendRetries, m.Decisions, m.EventsConnected)
	}
	return m
}

// BackendRequest records the outcome of one backend call.
func (m *Metrics) BackendRequest(op, outcome string) {
	if m == nil {
		return
	}
	m.BackendRequests.WithLabelValues(op, outcome).Inc()
}

// BackendRetry records a retried backend call.
func (m *Metrics) BackendRetry(op string) {
	if m == nil {
		return
	}
	m.BackendRetries.WithLabelValues(op).Inc()
}

// Decision records a reconciliation decision.
func (m *Metrics) Decision(action, result string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(action, result).Inc()
}

// SetConnected updates the event stream gauge.
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.EventsConnected.Set(1)
	} else {
		m.EventsConnected.Set(0)
	}
}
