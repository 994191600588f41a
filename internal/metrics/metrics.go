// Package metrics holds the Prometheus collectors of the fulfillment engine and
// its HTTP surface. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fulfillment"

type Metrics struct {
	allocations      *prometheus.CounterVec
	allocatedUnits   *prometheus.CounterVec
	releasedUnits    prometheus.Counter
	transitions      *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	notifications    *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "allocations_total",
			Help: "Allocation attempts by outcome.",
		}, []string{"outcome"}),
		allocatedUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "allocated_units_total",
			Help: "Credential units claimed, by trigger.",
		}, []string{"trigger"}),
		releasedUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "released_units_total",
			Help: "Credential units returned to the pool.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_transitions_total",
			Help: "Order status transitions.",
		}, []string{"from", "to"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "operation_duration_seconds",
			Help:    "Engine operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Notifications handed to the notifier, by kind and result.",
		}, []string{"kind", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.allocations,
		m.allocatedUnits,
		m.releasedUnits,
		m.transitions,
		m.operationLatency,
		m.notifications,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Allocation(outcome string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) UnitsAllocated(trigger string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.allocatedUnits.WithLabelValues(trigger).Add(float64(n))
}

func (m *Metrics) UnitsReleased(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.releasedUnits.Add(float64(n))
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveOperation(op, result string, seconds float64) {
	if m == nil {
		return
	}
	m.operationLatency.WithLabelValues(op, result).Observe(seconds)
}

func (m *Metrics) Notification(kind, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) HTTPRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(seconds)
}
