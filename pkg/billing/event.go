package billing

import "time"

// PaymentEvent is a provider-neutral description of a completed payment.
// Providers translate their webhook payloads into this shape before handing
// them to the Reconciler.
type PaymentEvent struct {
	// EventID is the provider's unique event id, used for idempotency.
	EventID string

	// Provider is the billing provider name ("square", "stripe").
	Provider string

	// Type is the provider-specific event type ("payment.updated", ...).
	Type string

	// ProductRef is the provider-side product reference: a payment link id,
	// a price id, or whatever the provider attaches to the purchase. The
	// Reconciler maps it to a product key through its ProductMapping.
	ProductRef string

	// Email is the buyer email, already trimmed. May be empty when the
	// provider did not capture one.
	Email string

	// Correlation ids, as far as the provider supplies them.
	PaymentID  string
	OrderID    string
	CheckoutID string
	CustomerID string

	// OccurredAt is when the event happened at the provider.
	OccurredAt time.Time
}

// CancellationEvent describes a refund or subscription cancellation.
type CancellationEvent struct {
	EventID  string
	Provider string
	Type     string

	// Correlation ids used to locate the entitlement to revoke.
	PaymentID  string
	CheckoutID string
	CustomerID string

	OccurredAt time.Time
}

// Outcome classifies what the Reconciler did with an event.
type Outcome string

const (
	// OutcomeProcessed means an entitlement was granted or revoked.
	OutcomeProcessed Outcome = "processed"

	// OutcomeDuplicate means the event or payment was already handled.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomePending means the purchase was parked until the buyer signs up.
	OutcomePending Outcome = "pending"

	// OutcomeUnmapped means the product reference is not configured; the
	// event was audited and acknowledged.
	OutcomeUnmapped Outcome = "unmapped"

	// OutcomeIgnored means the event carried nothing actionable.
	OutcomeIgnored Outcome = "ignored"
)

// ClaimResult reports what a claim attached to a user.
type ClaimResult struct {
	// Claimed is the number of entitlements attached or migrated.
	Claimed int `json:"claimed"`

	// Tier is the user's stored tier after the claim.
	Tier string `json:"tier"`
}
