package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Probes are sampled at scrape time. Nil probes are skipped.
type Probes struct {
	PendingApprovals   func() int
	IdempotencyRecords func() int
	RateLimitCallers   func() int
	BreakerFailures    func() int
	BackendUp          func() bool
}

// Metrics holds the scrape-time gauges of a running gateway
type Metrics struct {
	registry *prometheus.Registry
	info     *prometheus.GaugeVec
}

// NewMetrics creates a registry with one GaugeFunc per non-nil probe
func NewMetrics(probes Probes) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aosgate_build_info",
				Help: "Build and backend information, always 1.",
			},
			[]string{"version", "backend"},
		),
	}
	registry.MustRegister(m.info)

	gauge := func(name, help string, fn func() int) {
		if fn == nil {
			return
		}
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return float64(fn()) },
		))
	}

	gauge("aosgate_approvals_pending", "Approval requests waiting for a decision.", probes.PendingApprovals)
	gauge("aosgate_idempotency_records", "Live records in the in-process idempotency store.", probes.IdempotencyRecords)
	gauge("aosgate_rate_limit_callers", "Callers tracked by the in-process rate limiter.", probes.RateLimitCallers)
	gauge("aosgate_breaker_consecutive_failures", "Consecutive failures counted by the ERP circuit breaker.", probes.BreakerFailures)

	if probes.BackendUp != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "aosgate_backend_up",
				Help: "1 when the last ERP health probe succeeded.",
			},
			func() float64 {
				if probes.BackendUp() {
					return 1
				}
				return 0
			},
		))
	}

	return m
}

// SetInfo publishes the build info gauge
func (m *Metrics) SetInfo(version, backend string) {
	m.info.Reset()
	m.info.WithLabelValues(version, backend).Set(1)
}

// Handler serves this registry together with the default registry, which
// holds the per-invocation counters and the Go runtime collectors.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.Gatherers{m.registry, prometheus.DefaultGatherer},
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
