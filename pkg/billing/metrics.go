package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// eventType: The provider event type (e.g., "payment.created")
	// status: "success" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: The type of error (e.g., "auth_failed", "invalid_payload", "processing_error")
	RecordWebhookError(provider, errorType string)

	// RecordReconciliation records the outcome of reconciling one event
	// (e.g., "processed", "duplicate", "pending", "unmapped").
	RecordReconciliation(provider, outcome string)

	// RecordTierChange records when a user's tier changes.
	RecordTierChange(provider, fromTier, toTier string)

	// RecordAPICall records an outbound API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "/v2/payments/{id}")
	// status: HTTP status code as string (e.g., "200", "404", "500")
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordReconciliation(_, _ string)                             {}
func (n *NoopMetrics) RecordTierChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
