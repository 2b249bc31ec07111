package billing

import "net/http"

// Config defines the standard configuration all providers should accept.
type Config struct {
	// Reconciler applies normalized payment events to the entitlement store.
	Reconciler *Reconciler

	// WebhookSecret is used to verify incoming webhook requests (HMAC
	// signature keys or shared secrets, depending on the provider).
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider
	// (e.g. payment verification).
	APIKey string

	// NotificationURL is the full public URL of the webhook endpoint.
	// Some providers (Square) include it in the signed payload.
	NotificationURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	// Allows custom timeouts, proxies, or instrumentation.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for tracking billing provider
	// operations. If nil, metrics will be silently ignored (no-op).
	Metrics Metrics
}
