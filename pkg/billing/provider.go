package billing

import "net/http"

// Provider is the generic interface that any billing backend must implement.
// This allows the application to swap Square for Stripe with zero logic changes.
type Provider interface {
	// Name returns the provider name (e.g., "square", "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles validation, parsing, and Reconciler updates internally.
	WebhookHandler() http.Handler
}
