package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is missing required configuration
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrMissingEventID is returned when an event carries no provider event id
	ErrMissingEventID = errors.New("missing webhook event id")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrPaymentNotFound is returned when a payment cannot be located at the provider
	ErrPaymentNotFound = errors.New("payment not found in billing provider")
)
