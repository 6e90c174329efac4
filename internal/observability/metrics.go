package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	toolInvocationTotal    *prometheus.CounterVec
	toolInvocationDuration *prometheus.HistogramVec
	toolFaultsTotal        *prometheus.CounterVec
	idempotentReplayTotal  *prometheus.CounterVec

	rateLimitedTotal *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	approvalRequestsTotal  *prometheus.CounterVec
	approvalDecisionsTotal *prometheus.CounterVec

	eventsPublishedTotal *prometheus.CounterVec
	eventHandlerErrors   *prometheus.CounterVec

	webhookAttemptsTotal   *prometheus.CounterVec
	webhookAttemptDuration *prometheus.HistogramVec
	webhookOutcomesTotal   *prometheus.CounterVec
	webhookScheduled       prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			toolInvocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aosgate_tool_invocations_total",
					Help: "Total tool invocations by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolInvocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "aosgate_tool_invocation_duration_seconds",
					Help:    "Tool invocation duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolFaultsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aosgate_tool_faults_total",
					Help: "Total failed tool invocations by tool and fault kind.",
				},
				[]string{"tool", "kind"},
			),
			idempotentReplayTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aosgate_idempotent_replays_total",
					Help: "Write invocations answered from the idempotency store.",
				},
				[]string{"tool"},
			),
			rateLimitedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aosgate_rate_limited_total",
					Help: "Invocations rejected by the rate limiter by tool.",
				},
				[]string{"tool"},
			),
			breakerState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "aosgate_breaker_state",
					Help: "Circuit breaker state (0 closed, 1 open, 2 half open).",
				},
				[]string{"breaker"},
			),
			breakerTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aosgate_breaker_transitions_total",
					Help: "Circuit breaker state transitions by target state.",
				},
				[]string{"breaker", "to"},
			),
			approvalRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aosgate_approval_requests_total",
					Help: "Approval requests by outcome (auto_approved, pending).",
				},
				[]string{"type", "outcome"},
			),
			approvalDecisionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aosgate_approval_decisions_total",
					Help: "Approval decisions by status.",
				},
				[]string{"status"},
			),
			eventsPublishedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aosgate_events_published_total",
					Help: "Domain events published by type.",
				},
				[]string{"event_type"},
			),
			eventHandlerErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aosgate_event_handler_errors_total",
					Help: "Event handler failures by event type.",
				},
				[]string{"event_type"},
			),
			webhookAttemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aosgate_webhook_attempts_total",
					Help: "Webhook HTTP attempts by event type and result.",
				},
				[]string{"event_type", "result"},
			),
			webhookAttemptDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "aosgate_webhook_attempt_duration_seconds",
					Help:    "Webhook HTTP attempt duration in seconds by event type.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"event_type"},
			),
			webhookOutcomesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aosgate_webhook_deliveries_total",
					Help: "Finished webhook deliveries by terminal status.",
				},
				[]string{"status"},
			),
			webhookScheduled: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "aosgate_webhook_scheduled",
					Help: "Webhook attempts waiting in the retry schedule.",
				},
			),
		}

		prometheus.MustRegister(
			m.toolInvocationTotal,
			m.toolInvocationDuration,
			m.toolFaultsTotal,
			m.idempotentReplayTotal,
			m.rateLimitedTotal,
			m.breakerState,
			m.breakerTransitions,
			m.approvalRequestsTotal,
			m.approvalDecisionsTotal,
			m.eventsPublishedTotal,
			m.eventHandlerErrors,
			m.webhookAttemptsTotal,
			m.webhookAttemptDuration,
			m.webhookOutcomesTotal,
			m.webhookScheduled,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordToolInvocation counts one tool invocation. kind is the fault kind for
// failures and empty on success.
func RecordToolInvocation(tool string, duration time.Duration, success bool, kind string) {
	m := getMetrics()
	m.toolInvocationTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolInvocationDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		if kind == "" {
			kind = "unknown"
		}
		m.toolFaultsTotal.WithLabelValues(tool, kind).Inc()
	}
}

func RecordIdempotentReplay(tool string) {
	getMetrics().idempotentReplayTotal.WithLabelValues(tool).Inc()
}

func RecordRateLimited(tool string) {
	getMetrics().rateLimitedTotal.WithLabelValues(tool).Inc()
}

// SetBreakerState records a breaker transition. state is 0 closed, 1 open, 2 half open.
func SetBreakerState(name string, state int, label string) {
	m := getMetrics()
	m.breakerState.WithLabelValues(name).Set(float64(state))
	m.breakerTransitions.WithLabelValues(name, label).Inc()
}

func RecordApprovalRequest(requestType string, requiresApproval bool) {
	outcome := "auto_approved"
	if requiresApproval {
		outcome = "pending"
	}
	getMetrics().approvalRequestsTotal.WithLabelValues(requestType, outcome).Inc()
}

func RecordApprovalDecision(status string) {
	getMetrics().approvalDecisionsTotal.WithLabelValues(status).Inc()
}

func RecordEventPublished(eventType string, handlerErrors int) {
	m := getMetrics()
	m.eventsPublishedTotal.WithLabelValues(eventType).Inc()
	if handlerErrors > 0 {
		m.eventHandlerErrors.WithLabelValues(eventType).Add(float64(handlerErrors))
	}
}

func RecordWebhookAttempt(eventType string, duration time.Duration, success bool) {
	m := getMetrics()
	m.webhookAttemptsTotal.WithLabelValues(eventType, statusLabel(success)).Inc()
	m.webhookAttemptDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func RecordWebhookOutcome(status string) {
	getMetrics().webhookOutcomesTotal.WithLabelValues(status).Inc()
}

func SetWebhookScheduled(count int) {
	getMetrics().webhookScheduled.Set(float64(count))
}
