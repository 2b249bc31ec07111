package tiergate

import (
	"context"
	"time"
)

// ProviderRef identifies an entitlement or pending row by the payment
// provider's correlation ids. A lookup matches on any non-empty field.
type ProviderRef struct {
	PaymentID  string
	CheckoutID string
	CustomerID string
}

// Empty reports whether the ref carries no id at all.
func (r ProviderRef) Empty() bool {
	return r.PaymentID == "" && r.CheckoutID == "" && r.CustomerID == ""
}

// Storage defines the persistence operations the gate needs. Every
// method is narrow and single-purpose; no query building is exposed
// above this layer. Implementations must be safe for concurrent use.
type Storage interface {
	// GetProfile returns the profile for a user id.
	// Returns ErrProfileNotFound when no row exists.
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// GetProfileByEmail returns the profile for a (lowercased) email.
	// Returns ErrProfileNotFound when no row exists.
	GetProfileByEmail(ctx context.Context, email string) (*Profile, error)

	// UpdateProfileTier sets the stored tier for a user.
	UpdateProfileTier(ctx context.Context, userID, tier string) error

	// ListProfilesByTier returns all profiles whose stored tier is one of
	// the given tiers.
	ListProfilesByTier(ctx context.Context, tiers []string) ([]*Profile, error)

	// ActiveOverride returns the active tier override for a user: the most
	// recently created row whose expiry is nil or after now. Returns
	// (nil, nil) when no override is active.
	ActiveOverride(ctx context.Context, userID string, now time.Time) (*TierOverride, error)

	// InsertOverride records a new tier override.
	InsertOverride(ctx context.Context, o *TierOverride) error

	// FindActiveEntitlement returns the active, unexpired entitlement for
	// (userID, productKey), or (nil, nil) when none exists.
	FindActiveEntitlement(ctx context.Context, userID, productKey string, now time.Time) (*Entitlement, error)

	// ListActiveEntitlements returns all active entitlements for a user.
	ListActiveEntitlements(ctx context.Context, userID string) ([]*Entitlement, error)

	// UpsertActiveEntitlement updates the existing active row for the same
	// (user, product key) if present, else inserts. Keeps the invariant of
	// at most one active row per (user, product key).
	UpsertActiveEntitlement(ctx context.Context, e *Entitlement) error

	// ExpireEntitlement transitions an entitlement to expired.
	ExpireEntitlement(ctx context.Context, id string) error

	// FindEntitlementByProviderRef returns any entitlement matching one of
	// the provider correlation ids, or (nil, nil).
	FindEntitlementByProviderRef(ctx context.Context, ref ProviderRef) (*Entitlement, error)

	// FindExpiringBetween returns active entitlements with a non-nil
	// expiry inside [from, to].
	FindExpiringBetween(ctx context.Context, from, to time.Time) ([]*Entitlement, error)

	// FindExpiredBefore returns entitlements still marked active whose
	// expiry has passed.
	FindExpiredBefore(ctx context.Context, now time.Time) ([]*Entitlement, error)

	// LatestExpiryForProducts returns the most recent expiry across a
	// user's entitlements for the given product keys, active or not.
	// Returns (nil, nil) when the user has none.
	LatestExpiryForProducts(ctx context.Context, userID string, productKeys []string) (*time.Time, error)

	// UnclaimedEntitlements returns active entitlements keyed by email
	// with no user attached yet.
	UnclaimedEntitlements(ctx context.Context, email string) ([]*Entitlement, error)

	// AttachEntitlements assigns unclaimed entitlements to a user.
	AttachEntitlements(ctx context.Context, ids []string, userID string) error

	// InsertPending records a purchase for a buyer with no account yet.
	InsertPending(ctx context.Context, p *PendingEntitlement) error

	// PendingByEmail returns pending rows for a (lowercased) email.
	PendingByEmail(ctx context.Context, email string) ([]*PendingEntitlement, error)

	// FindPendingByProviderRef returns any pending row matching one of the
	// provider correlation ids, or (nil, nil).
	FindPendingByProviderRef(ctx context.Context, ref ProviderRef) (*PendingEntitlement, error)

	// DeletePending removes a pending row (after migration to an
	// entitlement).
	DeletePending(ctx context.Context, id string) error

	// RecordWebhookEvent atomically records an external event id.
	// Returns false when the id was already recorded: the caller must
	// treat that as "already processed", not as an error. Exactly one of
	// any set of concurrent callers for the same id sees true.
	RecordWebhookEvent(ctx context.Context, eventID string) (bool, error)

	// AppendAudit appends an audit entry. Audit rows are never updated or
	// deleted.
	AppendAudit(ctx context.Context, entry *AuditEntry) error
}
