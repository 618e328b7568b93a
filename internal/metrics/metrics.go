// ABOUTME: Prometheus collectors for gate outcomes, audit delivery, and key refreshes
// ABOUTME: All methods are nil-safe so components run without metrics in tests

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcpgate"

// Metrics groups the collectors exported by the gate.
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	auditFailures *prometheus.CounterVec
	auditDropped  prometheus.Counter
	keyRefreshes  *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry, so
// multiple instances (one per test) never collide on the global registerer.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled by the gate, by audit outcome.",
		}, []string{"outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected requests by reason.",
		}, []string{"reason"}),
		auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_sink_failures_total",
			Help:      "Audit records a sink failed to write.",
		}, []string{"sink"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit records dropped because the queue was full or closed.",
		}),
		keyRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_refreshes_total",
			Help:      "Key set refresh attempts by issuer and result.",
		}, []string{"issuer", "result"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.rejections,
		m.auditFailures,
		m.auditDropped,
		m.keyRefreshes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest counts a finished request by outcome, and by reason when it
// was rejected.
func (m *Metrics) ObserveRequest(outcome, reason string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
	if reason != "" {
		m.rejections.WithLabelValues(reason).Inc()
	}
}

// AuditSinkFailed counts a record the named sink could not write.
func (m *Metrics) AuditSinkFailed(sink string) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(sink).Inc()
}

// AuditDropped counts a record that never reached any sink.
func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

// KeyRefresh counts a key set refresh attempt.
func (m *Metrics) KeyRefresh(issuer string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.keyRefreshes.WithLabelValues(issuer, result).Inc()
}
