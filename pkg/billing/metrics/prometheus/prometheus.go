package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal  *prometheus.CounterVec
	webhookDuration     *prometheus.HistogramVec
	webhookErrorsTotal  *prometheus.CounterVec
	reconciliationTotal *prometheus.CounterVec
	tierChangesTotal    *prometheus.CounterVec
	apiCallsTotal       *prometheus.CounterVec
	apiCallDuration     *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_webhook_events_total",
			Help:      "Total number of webhook events received by provider and type.",
		}, []string{"provider", "event_type", "status"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "billing_webhook_processing_duration_seconds",
			Help:      "Latency of webhook processing.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_webhook_errors_total",
			Help:      "Total number of webhook processing errors.",
		}, []string{"provider", "error_type"}),

		reconciliationTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_reconciliations_total",
			Help:      "Total number of reconciled payment events by outcome.",
		}, []string{"provider", "outcome"}),

		tierChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_tier_changes_total",
			Help:      "Total number of tier changes driven by billing events.",
		}, []string{"provider", "from_tier", "to_tier"}),

		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_api_calls_total",
			Help:      "Total number of outbound billing provider API calls.",
		}, []string{"provider", "endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "billing_api_call_duration_seconds",
			Help:      "Latency of outbound billing provider API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordReconciliation(provider, outcome string) {
	m.reconciliationTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) RecordTierChange(provider, fromTier, toTier string) {
	m.tierChangesTotal.WithLabelValues(provider, fromTier, toTier).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
