package tiergate

import (
	"context"
	"time"
)

// Decision is the outcome of a tool access check.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Tier         string `json:"tier"`
	Source       string `json:"source"`
	ToolID       string `json:"tool_id,omitempty"`
	RequiredTier string `json:"required_tier,omitempty"`
}

// CanAccessTool reports whether a tier, together with any add-on
// entitlements, unlocks a tool. The tier rank check comes first; an
// active entitlement for the tool's product key unlocks it regardless
// of tier. Unknown tools are denied.
func CanAccessTool(model *TierModel, tier string, ents []*Entitlement, toolID string, now time.Time) bool {
	required, ok := model.RequiredTierForTool(toolID)
	if !ok {
		return false
	}
	if model.CanAccessTier(tier, required) {
		return true
	}

	productKey := model.ToolProductKey(toolID)
	for _, e := range ents {
		if e.ProductKey == productKey && e.Active(now) {
			return true
		}
	}
	return false
}

// GateConfig holds optional dependencies for a Gate.
type GateConfig struct {
	Logger  Logger
	Metrics Metrics
}

// Gate answers access questions for authenticated (or anonymous)
// identities. It composes the resolver with the entitlement store and
// fails open on storage faults: a database blip must degrade to a
// tier-only decision, not a site-wide lockout.
type Gate struct {
	storage  Storage
	resolver *Resolver
	model    *TierModel
	logger   Logger
	metrics  Metrics
	now      func() time.Time
}

// NewGate creates a gate over the given storage and resolver.
func NewGate(storage Storage, resolver *Resolver, config GateConfig) (*Gate, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if resolver == nil {
		return nil, ErrIdentityRequired
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Gate{
		storage:  storage,
		resolver: resolver,
		model:    resolver.Model(),
		logger:   config.Logger,
		metrics:  config.Metrics,
		now:      time.Now,
	}, nil
}

// Model returns the tier model the gate enforces.
func (g *Gate) Model() *TierModel {
	return g.model
}

// CheckToolAccess decides whether an identity may use a tool. A nil
// identity is checked as guest. A failed entitlement read falls back
// to the tier-only answer.
func (g *Gate) CheckToolAccess(ctx context.Context, identity *Identity, toolID string) Decision {
	res := g.resolver.Resolve(ctx, identity)

	required, known := g.model.RequiredTierForTool(toolID)
	decision := Decision{
		Tier:         res.Tier,
		Source:       res.Source,
		ToolID:       toolID,
		RequiredTier: required,
	}
	if !known {
		g.metrics.RecordAccessDecision(toolID, false)
		return decision
	}

	ents := g.entitlementsFor(ctx, identity)
	decision.Allowed = CanAccessTool(g.model, res.Tier, ents, toolID, g.now())
	g.metrics.RecordAccessDecision(toolID, decision.Allowed)
	return decision
}

// CheckToolPath decides access for a request path. Paths that do not
// map to a gated tool are allowed: the gate protects known tools, it
// does not take over routing.
func (g *Gate) CheckToolPath(ctx context.Context, identity *Identity, path string) Decision {
	toolID, ok := g.model.ToolForPath(path)
	if !ok {
		res := g.resolver.Resolve(ctx, identity)
		return Decision{Allowed: true, Tier: res.Tier, Source: res.Source}
	}
	return g.CheckToolAccess(ctx, identity, toolID)
}

// HasFeatureAccess reports whether an identity holds a feature flag,
// either through an elite-or-better tier or an explicit feature
// entitlement.
func (g *Gate) HasFeatureAccess(ctx context.Context, identity *Identity, featureKey string) bool {
	res := g.resolver.Resolve(ctx, identity)
	if res.Tier == TierAdmin || g.model.Rank(res.Tier) >= g.model.Rank(TierElite) {
		return true
	}

	now := g.now()
	for _, e := range g.entitlementsFor(ctx, identity) {
		if e.ProductKey == featureKey && e.Active(now) {
			return true
		}
	}
	return false
}

func (g *Gate) entitlementsFor(ctx context.Context, identity *Identity) []*Entitlement {
	if identity == nil || identity.UserID == "" {
		return nil
	}

	start := g.now()
	ents, err := g.storage.ListActiveEntitlements(ctx, identity.UserID)
	g.metrics.RecordStorageOperation("list_active_entitlements", g.now().Sub(start), err)
	if err != nil {
		g.logger.Warn("entitlement lookup failed, deciding on tier alone",
			Field{Key: "user_id", Value: identity.UserID},
			Field{Key: "error", Value: err.Error()})
		return nil
	}
	return ents
}
