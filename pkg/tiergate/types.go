package tiergate

import (
	"context"
	"time"
)

// Role values stored on a profile.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Entitlement status values. Rows are never hard-deleted; an entitlement
// only ever moves from active to expired.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

// Entitlement source tags (provenance of the grant).
const (
	SourceWebhook    = "webhook"
	SourceAdminGrant = "admin_grant"
	SourceClaim      = "claim"
)

// Subscription status values carried on a profile. An empty status is
// treated the same as trial (access allowed).
const (
	SubscriptionActive   = "active"
	SubscriptionTrial    = "trial"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

// Profile is the per-user membership state owned by this system.
// One row per user, created at signup, never deleted.
type Profile struct {
	ID                 string
	Email              string
	Tier               string // empty means lowest tier
	Role               string
	SubscriptionStatus string
	GraceUntil         *time.Time
	UpdatedAt          time.Time
}

// TierOverride is an admin-set tier assignment that supersedes the stored
// tier. A nil ExpiresAt means the override is permanent. Overrides are
// never deleted; they simply stop matching once expired.
type TierOverride struct {
	ID           string
	UserID       string
	OverrideTier string
	ExpiresAt    *time.Time
	CreatedAt    time.Time
}

// Entitlement grants a specific product (tier, tool add-on, or feature)
// to a user or, before the buyer has an account, to an email address.
// Exactly one of UserID/Email is the addressing key at any time.
type Entitlement struct {
	ID         string
	UserID     string // empty until claimed
	Email      string
	ProductKey string
	Status     string
	StartedAt  time.Time
	ExpiresAt  *time.Time // nil means no expiry
	Source     string

	// Provider correlation ids, used for de-duplication across the
	// multiple event types a single purchase can generate.
	PaymentID  string
	OrderID    string
	CheckoutID string
	CustomerID string
}

// Active reports whether the entitlement is active and unexpired at now.
func (e *Entitlement) Active(now time.Time) bool {
	if e == nil || e.Status != StatusActive {
		return false
	}
	if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
		return false
	}
	return true
}

// PendingEntitlement holds a purchase made before the buyer had an
// account, keyed by email. An empty email marks a row kept for manual
// follow-up. Rows are destroyed when migrated by a claim.
type PendingEntitlement struct {
	ID         string
	Email      string
	ProductKey string
	PaymentID  string
	CheckoutID string
	CreatedAt  time.Time
}

// AuditEntry is an append-only record of an entitlement or tier mutation.
// Every mutating operation writes one synchronously.
type AuditEntry struct {
	ID           string
	Action       string
	ActorUserID  string // empty for system/webhook actors
	ActorEmail   string // "square", "stripe", "cron", or an admin email
	TargetUserID string
	TargetEmail  string
	Metadata     map[string]string
	CreatedAt    time.Time
}

// Audit action tags.
const (
	ActionWebhookProcessed   = "webhook_processed"
	ActionEntitlementClaim   = "entitlement_claim"
	ActionEntitlementGrant   = "entitlement_grant"
	ActionEntitlementExpired = "entitlement_expired"
	ActionTierOverride       = "tier_override"
	ActionRenewalDowngrade   = "subscription_renewal_downgrade"
)

// Identity is the authenticated caller as reported by the external auth
// service. Role and TierClaim are optional claims; this package treats
// them as hints, with the stored profile as the authority for role.
type Identity struct {
	UserID    string
	Email     string
	Role      string
	TierClaim string
}

// IdentityService resolves a bearer credential to an Identity.
// Implementations wrap the external auth provider.
type IdentityService interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// Resolution is the outcome of effective-tier resolution: the tier to
// enforce right now plus a provenance tag naming the branch that decided
// it. The tag is for logging and tests, never for enforcement.
type Resolution struct {
	Tier   string `json:"tier"`
	Source string `json:"source"`
}

// Resolution provenance tags. Each named branch of the resolver produces
// exactly one of these.
const (
	ResolvedAdmin             = "admin"
	ResolvedOverride          = "override"
	ResolvedActive            = "subscription_active"
	ResolvedTrialOrUnset      = "subscription_trial_or_null"
	ResolvedGracePeriod       = "grace_period"
	ResolvedPastDueExceeded   = "past_due_grace_exceeded"
	ResolvedCanceled          = "subscription_canceled"
	ResolvedUnknownKeepAccess = "unknown_status_keep_access"
	ResolvedErrorFailsafe     = "error_failsafe"
	ResolvedDefault           = "default"
)
