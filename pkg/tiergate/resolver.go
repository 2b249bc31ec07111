package tiergate

import (
	"context"
	"errors"
	"time"
)

// ResolverConfig holds optional dependencies and tuning for a Resolver.
type ResolverConfig struct {
	// Model is the tier model to resolve against. Defaults to DefaultTierModel().
	Model *TierModel

	// Cache stores resolutions for ResolveCached. Defaults to NoopCache.
	Cache TierCache

	// CacheTTL bounds how stale a cached resolution may be. Defaults to 60s.
	CacheTTL time.Duration

	// Logger for resolution diagnostics. Defaults to NoopLogger.
	Logger Logger

	// Metrics for observability. Defaults to NoopMetrics.
	Metrics Metrics
}

// Resolver computes the effective tier for an authenticated identity.
// Resolution never returns an error: any internal failure degrades to
// guest with a provenance tag so callers always get a usable answer.
type Resolver struct {
	storage  Storage
	model    *TierModel
	cache    TierCache
	cacheTTL time.Duration
	logger   Logger
	metrics  Metrics
	now      func() time.Time
}

// NewResolver creates a resolver backed by the given storage.
func NewResolver(storage Storage, config ResolverConfig) (*Resolver, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	// Set defaults
	if config.Model == nil {
		config.Model = DefaultTierModel()
	}
	if config.Cache == nil {
		config.Cache = NewNoopCache()
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 60 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Resolver{
		storage:  storage,
		model:    config.Model,
		cache:    config.Cache,
		cacheTTL: config.CacheTTL,
		logger:   config.Logger,
		metrics:  config.Metrics,
		now:      time.Now,
	}, nil
}

// Model returns the tier model the resolver was built with.
func (r *Resolver) Model() *TierModel {
	return r.model
}

// Resolve computes the effective tier for an identity. A nil identity
// resolves to guest. Storage failures on the profile read resolve to
// guest with ResolvedErrorFailsafe; failures on the override read are
// logged and skipped so a broken override table cannot lock users out.
func (r *Resolver) Resolve(ctx context.Context, identity *Identity) Resolution {
	start := r.now()
	res := r.resolve(ctx, identity)
	r.metrics.RecordResolution(res.Source, r.now().Sub(start))
	return res
}

//nolint:gocyclo // the precedence ladder reads better flat than split up
func (r *Resolver) resolve(ctx context.Context, identity *Identity) Resolution {
	if identity == nil || identity.UserID == "" {
		return Resolution{Tier: TierGuest, Source: ResolvedDefault}
	}

	now := r.now()

	// Admin role from the verified identity wins outright.
	if identity.Role == RoleAdmin {
		return Resolution{Tier: TierAdmin, Source: ResolvedAdmin}
	}

	profile, perr := r.getProfile(ctx, identity.UserID)
	if perr == nil && profile.Role == RoleAdmin {
		return Resolution{Tier: TierAdmin, Source: ResolvedAdmin}
	}

	// An active override beats everything below admin, including a
	// failed profile read.
	override, oerr := r.storage.ActiveOverride(ctx, identity.UserID, now)
	if oerr != nil {
		r.logger.Warn("override lookup failed, continuing without",
			Field{Key: "user_id", Value: identity.UserID},
			Field{Key: "error", Value: oerr.Error()})
	} else if override != nil && r.model.KnownTier(override.OverrideTier) {
		return Resolution{Tier: override.OverrideTier, Source: ResolvedOverride}
	}

	if perr != nil && !errors.Is(perr, ErrProfileNotFound) {
		r.logger.Error("profile lookup failed, resolving to guest",
			Field{Key: "user_id", Value: identity.UserID},
			Field{Key: "error", Value: perr.Error()})
		return Resolution{Tier: TierGuest, Source: ResolvedErrorFailsafe}
	}

	// No profile row yet behaves like an empty profile: the token's tier
	// claim may still carry a tier from a previous session.
	if profile == nil {
		profile = &Profile{ID: identity.UserID}
	}

	tier := profile.Tier
	if tier == "" {
		tier = identity.TierClaim
	}
	if tier == "" || !r.model.KnownTier(tier) {
		tier = TierGuest
	}

	switch profile.SubscriptionStatus {
	case SubscriptionActive:
		return Resolution{Tier: tier, Source: ResolvedActive}

	case SubscriptionTrial, "":
		return Resolution{Tier: tier, Source: ResolvedTrialOrUnset}

	case SubscriptionPastDue:
		if profile.GraceUntil != nil && profile.GraceUntil.After(now) {
			return Resolution{Tier: tier, Source: ResolvedGracePeriod}
		}
		return Resolution{Tier: TierGuest, Source: ResolvedPastDueExceeded}

	case SubscriptionCanceled:
		return Resolution{Tier: TierGuest, Source: ResolvedCanceled}

	default:
		// Unknown statuses keep the stored tier rather than locking the
		// user out over a provider vocabulary change.
		r.logger.Warn("unknown subscription status, keeping stored tier",
			Field{Key: "user_id", Value: identity.UserID},
			Field{Key: "status", Value: profile.SubscriptionStatus})
		return Resolution{Tier: tier, Source: ResolvedUnknownKeepAccess}
	}
}

// ResolveCached returns a cached resolution when one is fresh, falling
// back to a full Resolve on miss. Intended for display surfaces only;
// enforcement paths must call Resolve.
func (r *Resolver) ResolveCached(ctx context.Context, identity *Identity) Resolution {
	if identity == nil || identity.UserID == "" {
		return Resolution{Tier: TierGuest, Source: ResolvedDefault}
	}

	if cached, ok := r.cache.GetResolution(identity.UserID); ok {
		r.metrics.RecordCacheHit("resolution")
		return *cached
	}
	r.metrics.RecordCacheMiss("resolution")

	res := r.Resolve(ctx, identity)
	r.cache.SetResolution(identity.UserID, &res, r.cacheTTL)
	return res
}

// Invalidate drops any cached resolution for a user. Call it after
// login, claim, or any write that changes the user's tier.
func (r *Resolver) Invalidate(userID string) {
	r.cache.InvalidateResolution(userID)
}

func (r *Resolver) getProfile(ctx context.Context, userID string) (*Profile, error) {
	start := r.now()
	profile, err := r.storage.GetProfile(ctx, userID)
	r.metrics.RecordStorageOperation("get_profile", r.now().Sub(start), err)
	return profile, err
}
