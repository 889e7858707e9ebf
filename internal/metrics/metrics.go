package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	AdapterRequests    *prometheus.CounterVec
	AdapterLatency     *prometheus.HistogramVec
	GuardrailDecisions *prometheus.CounterVec
	StateTransitions   *prometheus.CounterVec
	Payments           *prometheus.CounterVec
	RecoveredCents     prometheus.Counter
	Proposals          *prometheus.CounterVec
	VoiceEvents        *prometheus.CounterVec
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			AdapterRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_requests_total",
				Help:      "Total outbound provider requests by adapter and status.",
			}, []string{"adapter", "status"}),
			AdapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_request_duration_seconds",
				Help:      "Latency distribution for outbound provider requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"adapter", "status"}),
			GuardrailDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guardrail_decisions_total",
				Help:      "Contact policy decisions by deciding rule.",
			}, []string{"rule"}),
			StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invoice_state_transitions_total",
				Help:      "Invoice state changes by source and target state.",
			}, []string{"from", "to"}),
			Payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_total",
				Help:      "Payment status updates by status.",
			}, []string{"status"}),
			RecoveredCents: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovered_cents_total",
				Help:      "Sum of succeeded payment amounts in cents.",
			}),
			Proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlement_proposals_total",
				Help:      "Settlement proposal updates and acceptances.",
			}, []string{"action"}),
			VoiceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "voice_events_total",
				Help:      "Inbound voice provider events by type.",
			}, []string{"type"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.AdapterRequests,
			metricsInstance.AdapterLatency,
			metricsInstance.GuardrailDecisions,
			metricsInstance.StateTransitions,
			metricsInstance.Payments,
			metricsInstance.RecoveredCents,
			metricsInstance.Proposals,
			metricsInstance.VoiceEvents,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}

// The helpers below accept a nil receiver so callers and tests can run without metrics.

// ObserveAdapter records one outbound request. statusCode 0 means a transport error.
func (m *Metrics) ObserveAdapter(adapter string, statusCode int, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	m.AdapterRequests.WithLabelValues(adapter, status).Inc()
	m.AdapterLatency.WithLabelValues(adapter, status).Observe(elapsed.Seconds())
}

// Decision counts a guardrail decision.
func (m *Metrics) Decision(rule string) {
	if m == nil {
		return
	}
	m.GuardrailDecisions.WithLabelValues(rule).Inc()
}

// Transition counts an invoice state change.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// Payment counts a payment status update, adding recovered cents on success.
func (m *Metrics) Payment(status string, recoveredCents int64) {
	if m == nil {
		return
	}
	m.Payments.WithLabelValues(status).Inc()
	if recoveredCents > 0 {
		m.RecoveredCents.Add(float64(recoveredCents))
	}
}

// Proposal counts a settlement proposal action.
func (m *Metrics) Proposal(action string) {
	if m == nil {
		return
	}
	m.Proposals.WithLabelValues(action).Inc()
}

// VoiceEvent counts an inbound voice event.
func (m *Metrics) VoiceEvent(eventType string) {
	if m == nil {
		return
	}
	m.VoiceEvents.WithLabelValues(eventType).Inc()
}

// Error counts an error for a component.
func (m *Metrics) Error(component string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component).Inc()
}
