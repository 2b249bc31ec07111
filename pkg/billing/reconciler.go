package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/tiergate/pkg/tiergate"
)

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// Storage is the entitlement store. Required.
	Storage tiergate.Storage

	// Model is the tier model used to map product keys to tiers and stamp
	// grant expiries. Defaults to tiergate.DefaultTierModel().
	Model *tiergate.TierModel

	// ProductMapping maps provider product references (payment link ids,
	// price ids) to product keys. An event whose reference is not listed
	// here is audited and acknowledged, never guessed at.
	ProductMapping map[string]string

	// Logger defaults to tiergate.NoopLogger.
	Logger tiergate.Logger

	// Metrics defaults to NoopMetrics.
	Metrics Metrics
}

// Reconciler applies normalized payment events to the entitlement store.
// All its operations are idempotent: providers retry webhooks and the same
// purchase arrives under several event types, so every layer dedupes.
type Reconciler struct {
	storage tiergate.Storage
	model   *tiergate.TierModel
	mapping map[string]string
	logger  tiergate.Logger
	metrics Metrics
	now     func() time.Time
}

// NewReconciler creates a reconciler over the given store.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Storage == nil {
		return nil, tiergate.ErrStorageUnavailable
	}
	for ref, key := range cfg.ProductMapping {
		if !tiergate.ValidProductKey(key) {
			return nil, fmt.Errorf("product mapping %q: %w: %q", ref, tiergate.ErrInvalidProductKey, key)
		}
	}

	if cfg.Model == nil {
		cfg.Model = tiergate.DefaultTierModel()
	}
	if cfg.Logger == nil {
		cfg.Logger = &tiergate.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}

	mapping := make(map[string]string, len(cfg.ProductMapping))
	for ref, key := range cfg.ProductMapping {
		mapping[ref] = key
	}

	return &Reconciler{
		storage: cfg.Storage,
		model:   cfg.Model,
		mapping: mapping,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}, nil
}

// ProcessPayment grants an entitlement for a completed payment. The grant
// lands on the profile matching the buyer email, or in the pending queue
// when no such profile exists yet. Storage errors are returned so webhook
// handlers can signal the provider to retry.
//
//nolint:gocyclo // the dedupe layers read better in one sequence
func (r *Reconciler) ProcessPayment(ctx context.Context, ev *PaymentEvent) (Outcome, error) {
	if ev == nil {
		return OutcomeIgnored, ErrInvalidWebhookPayload
	}
	if ev.EventID == "" {
		return OutcomeIgnored, ErrMissingEventID
	}

	outcome, err := r.processPayment(ctx, ev)
	r.metrics.RecordReconciliation(ev.Provider, string(outcome))
	return outcome, err
}

func (r *Reconciler) processPayment(ctx context.Context, ev *PaymentEvent) (Outcome, error) {
	// Layer 1: the provider's event id. Retries of the same delivery stop here.
	fresh, err := r.storage.RecordWebhookEvent(ctx, ev.EventID)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("record webhook event: %w", err)
	}
	if !fresh {
		r.logger.Debug("webhook event already processed",
			tiergate.Field{Key: "event_id", Value: ev.EventID})
		return OutcomeDuplicate, nil
	}

	productKey, mapped := r.mapping[ev.ProductRef]
	if !mapped {
		// Unknown payment links are audited and acknowledged. Guessing a
		// grant from an unconfigured product would hand out access.
		r.logger.Warn("payment for unmapped product reference",
			tiergate.Field{Key: "event_id", Value: ev.EventID},
			tiergate.Field{Key: "product_ref", Value: ev.ProductRef})
		r.audit(ctx, &tiergate.AuditEntry{
			Action:      tiergate.ActionWebhookProcessed,
			TargetEmail: ev.Email,
			Metadata: map[string]string{
				"provider":    ev.Provider,
				"event_id":    ev.EventID,
				"product_ref": ev.ProductRef,
				"result":      "unknown_payment_link",
			},
		})
		return OutcomeUnmapped, nil
	}

	// Layer 2: the payment itself. The same purchase arrives under
	// payment.created, payment.updated and checkout events; only the first
	// one grants.
	ref := tiergate.ProviderRef{PaymentID: ev.PaymentID, CheckoutID: ev.CheckoutID}
	if existing, err := r.storage.FindEntitlementByProviderRef(ctx, ref); err != nil {
		return OutcomeIgnored, fmt.Errorf("dedupe entitlements: %w", err)
	} else if existing != nil {
		return OutcomeDuplicate, nil
	}
	if existing, err := r.storage.FindPendingByProviderRef(ctx, ref); err != nil {
		return OutcomeIgnored, fmt.Errorf("dedupe pending: %w", err)
	} else if existing != nil {
		return OutcomeDuplicate, nil
	}

	now := r.now().UTC()

	email := strings.ToLower(strings.TrimSpace(ev.Email))
	if email == "" {
		// The provider captured no buyer email. The purchase is real, so
		// it is parked keyed by its provider refs for manual follow-up
		// rather than dropped.
		r.logger.Warn("payment event without buyer email",
			tiergate.Field{Key: "event_id", Value: ev.EventID},
			tiergate.Field{Key: "payment_id", Value: ev.PaymentID})
		r.audit(ctx, &tiergate.AuditEntry{
			Action: tiergate.ActionWebhookProcessed,
			Metadata: map[string]string{
				"provider":    ev.Provider,
				"event_id":    ev.EventID,
				"payment_id":  ev.PaymentID,
				"product_key": productKey,
				"result":      "missing_email",
			},
		})
		if ref.Empty() {
			// Nothing to key the row on; the audit entry is all that
			// can be kept.
			return OutcomeIgnored, nil
		}
		if err := r.storage.InsertPending(ctx, &tiergate.PendingEntitlement{
			ProductKey: productKey,
			PaymentID:  ev.PaymentID,
			CheckoutID: ev.CheckoutID,
			CreatedAt:  now,
		}); err != nil {
			return OutcomeIgnored, fmt.Errorf("insert pending: %w", err)
		}
		return OutcomePending, nil
	}

	profile, err := r.storage.GetProfileByEmail(ctx, email)
	if err != nil {
		if err != tiergate.ErrProfileNotFound {
			return OutcomeIgnored, fmt.Errorf("lookup profile: %w", err)
		}
		// No account yet: park the purchase until the buyer signs up.
		if err := r.storage.InsertPending(ctx, &tiergate.PendingEntitlement{
			Email:      email,
			ProductKey: productKey,
			PaymentID:  ev.PaymentID,
			CheckoutID: ev.CheckoutID,
			CreatedAt:  now,
		}); err != nil {
			return OutcomeIgnored, fmt.Errorf("insert pending: %w", err)
		}
		r.auditProcessed(ctx, ev, productKey, "", email, "pending_signup")
		return OutcomePending, nil
	}

	ent := &tiergate.Entitlement{
		UserID:     profile.ID,
		Email:      email,
		ProductKey: productKey,
		Status:     tiergate.StatusActive,
		StartedAt:  now,
		ExpiresAt:  r.model.GrantExpiry(now, productKey),
		Source:     tiergate.SourceWebhook,
		PaymentID:  ev.PaymentID,
		OrderID:    ev.OrderID,
		CheckoutID: ev.CheckoutID,
		CustomerID: ev.CustomerID,
	}
	if err := r.storage.UpsertActiveEntitlement(ctx, ent); err != nil {
		return OutcomeIgnored, fmt.Errorf("upsert entitlement: %w", err)
	}

	if err := r.raiseTier(ctx, ev.Provider, profile, productKey); err != nil {
		return OutcomeIgnored, err
	}

	r.auditProcessed(ctx, ev, productKey, profile.ID, email, "granted")
	return OutcomeProcessed, nil
}

// ProcessCancellation revokes the entitlement matching a refund or
// subscription cancellation. The profile tier is left alone; the resolver
// and the renewal sweep read entitlement state directly.
func (r *Reconciler) ProcessCancellation(ctx context.Context, ev *CancellationEvent) (Outcome, error) {
	if ev == nil {
		return OutcomeIgnored, ErrInvalidWebhookPayload
	}
	if ev.EventID == "" {
		return OutcomeIgnored, ErrMissingEventID
	}

	fresh, err := r.storage.RecordWebhookEvent(ctx, ev.EventID)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("record webhook event: %w", err)
	}
	if !fresh {
		return OutcomeDuplicate, nil
	}

	ref := tiergate.ProviderRef{
		PaymentID:  ev.PaymentID,
		CheckoutID: ev.CheckoutID,
		CustomerID: ev.CustomerID,
	}
	ent, err := r.storage.FindEntitlementByProviderRef(ctx, ref)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("lookup entitlement: %w", err)
	}
	if ent == nil || ent.Status != tiergate.StatusActive {
		r.logger.Info("cancellation with no matching active entitlement",
			tiergate.Field{Key: "event_id", Value: ev.EventID},
			tiergate.Field{Key: "payment_id", Value: ev.PaymentID})
		return OutcomeIgnored, nil
	}

	if err := r.storage.ExpireEntitlement(ctx, ent.ID); err != nil {
		return OutcomeIgnored, fmt.Errorf("expire entitlement: %w", err)
	}

	r.audit(ctx, &tiergate.AuditEntry{
		Action:       tiergate.ActionEntitlementExpired,
		TargetUserID: ent.UserID,
		TargetEmail:  ent.Email,
		Metadata: map[string]string{
			"provider":    ev.Provider,
			"event_id":    ev.EventID,
			"event_type":  ev.Type,
			"product_key": ent.ProductKey,
			"reason":      "cancellation",
		},
	})
	r.metrics.RecordReconciliation(ev.Provider, string(OutcomeProcessed))
	return OutcomeProcessed, nil
}

// Claim attaches a signed-in user to purchases made under their email
// before the account existed: unclaimed entitlements gain the user id and
// pending rows are migrated into real grants with a fresh expiry. The
// profile tier is raised to the best claimed tier, never lowered.
func (r *Reconciler) Claim(ctx context.Context, userID, email string) (*ClaimResult, error) {
	if userID == "" || email == "" {
		return nil, tiergate.ErrIdentityRequired
	}
	email = strings.ToLower(strings.TrimSpace(email))
	now := r.now().UTC()

	unclaimed, err := r.storage.UnclaimedEntitlements(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("list unclaimed: %w", err)
	}
	if len(unclaimed) > 0 {
		ids := make([]string, len(unclaimed))
		for i, e := range unclaimed {
			ids[i] = e.ID
		}
		if err := r.storage.AttachEntitlements(ctx, ids, userID); err != nil {
			return nil, fmt.Errorf("attach entitlements: %w", err)
		}
	}

	pending, err := r.storage.PendingByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	for _, p := range pending {
		// The grant clock starts at claim time, not purchase time: the
		// buyer should not lose days to a slow signup.
		if err := r.storage.UpsertActiveEntitlement(ctx, &tiergate.Entitlement{
			UserID:     userID,
			Email:      email,
			ProductKey: p.ProductKey,
			Status:     tiergate.StatusActive,
			StartedAt:  now,
			ExpiresAt:  r.model.GrantExpiry(now, p.ProductKey),
			Source:     tiergate.SourceClaim,
			PaymentID:  p.PaymentID,
			CheckoutID: p.CheckoutID,
		}); err != nil {
			return nil, fmt.Errorf("migrate pending: %w", err)
		}
		if err := r.storage.DeletePending(ctx, p.ID); err != nil {
			return nil, fmt.Errorf("delete pending: %w", err)
		}
	}

	claimed := len(unclaimed) + len(pending)

	// Raise the stored tier to the best claimed tier product.
	best := ""
	consider := func(productKey string) {
		tier, ok := r.model.TierForProductKey(productKey)
		if !ok {
			return
		}
		if best == "" || r.model.Rank(tier) > r.model.Rank(best) {
			best = tier
		}
	}
	for _, e := range unclaimed {
		consider(e.ProductKey)
	}
	for _, p := range pending {
		consider(p.ProductKey)
	}

	profile, err := r.storage.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup profile: %w", err)
	}
	tier := profile.Tier
	if best != "" && r.model.Rank(best) > r.model.Rank(profile.Tier) {
		if err := r.storage.UpdateProfileTier(ctx, userID, best); err != nil {
			return nil, fmt.Errorf("raise tier: %w", err)
		}
		r.metrics.RecordTierChange("claim", profile.Tier, best)
		tier = best
	}

	if claimed > 0 {
		r.audit(ctx, &tiergate.AuditEntry{
			Action:       tiergate.ActionEntitlementClaim,
			ActorUserID:  userID,
			ActorEmail:   email,
			TargetUserID: userID,
			TargetEmail:  email,
			Metadata: map[string]string{
				"attached": fmt.Sprintf("%d", len(unclaimed)),
				"migrated": fmt.Sprintf("%d", len(pending)),
				"tier":     tier,
			},
		})
	}

	return &ClaimResult{Claimed: claimed, Tier: tier}, nil
}

// raiseTier lifts the profile tier when the purchased product outranks it.
// The stored tier only ever goes up here; downgrades belong to the renewal
// sweep.
func (r *Reconciler) raiseTier(ctx context.Context, provider string, profile *tiergate.Profile, productKey string) error {
	tier, ok := r.model.TierForProductKey(productKey)
	if !ok {
		return nil // add-ons and features do not touch the tier
	}
	if r.model.Rank(tier) <= r.model.Rank(profile.Tier) {
		return nil
	}
	if err := r.storage.UpdateProfileTier(ctx, profile.ID, tier); err != nil {
		return fmt.Errorf("raise tier: %w", err)
	}
	r.metrics.RecordTierChange(provider, profile.Tier, tier)
	return nil
}

func (r *Reconciler) auditProcessed(ctx context.Context, ev *PaymentEvent, productKey, userID, email, result string) {
	r.audit(ctx, &tiergate.AuditEntry{
		Action:       tiergate.ActionWebhookProcessed,
		TargetUserID: userID,
		TargetEmail:  email,
		Metadata: map[string]string{
			"provider":    ev.Provider,
			"event_id":    ev.EventID,
			"event_type":  ev.Type,
			"payment_id":  ev.PaymentID,
			"product_key": productKey,
			"result":      result,
		},
	})
}

// audit appends an entry and only logs on failure. The audit trail must
// never block a grant.
func (r *Reconciler) audit(ctx context.Context, entry *tiergate.AuditEntry) {
	if err := r.storage.AppendAudit(ctx, entry); err != nil {
		r.logger.Error("audit append failed",
			tiergate.Field{Key: "action", Value: entry.Action},
			tiergate.Field{Key: "error", Value: err.Error()})
	}
}
