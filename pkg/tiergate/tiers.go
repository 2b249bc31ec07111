package tiergate

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Well-known tiers. Admin is a synthetic resolution-time overlay and is
// never persisted as a profile tier value.
const (
	TierGuest   = "guest"
	TierStarter = "starter"
	TierSerious = "serious"
	TierElite   = "elite"
	TierAdmin   = "admin"
)

const (
	// adminRank outranks every configurable tier.
	adminRank = 999

	// unknownRequiredRank makes an unrecognized requirement unsatisfiable.
	unknownRequiredRank = 999

	// calculatorGrantPeriod models month-to-month billing done via
	// non-subscription payment links: calculator-class grants always
	// carry this fixed expiry.
	calculatorGrantPeriod = 30 * 24 * time.Hour
)

// Product key namespaces.
const (
	ProductPrefixTier     = "tier_"
	ProductPrefixTool     = "tool_"
	ProductPrefixFeature  = "feature_"
	ProductPrefixInternal = "internal_"
)

// FeatureWhiteLabel is the product key for white-label access.
const FeatureWhiteLabel = "feature_whitelabel"

// TierModelConfig configures a TierModel. All maps are copied on
// construction; the model is immutable afterwards.
type TierModelConfig struct {
	// Ranks orders tiers; higher rank means more access. Admin is added
	// automatically and must not appear here.
	Ranks map[string]int

	// ToolTiers maps a tool id to its minimum required tier.
	ToolTiers map[string]string

	// ToolProducts maps a tool id to its add-on product key. Tools not
	// listed default to "tool_<id>".
	ToolProducts map[string]string

	// CalculatorTiers are the tiers whose grants expire after 30 days.
	CalculatorTiers []string

	// ToolPaths maps a request filename (e.g. "brrrr.html") to a tool id,
	// for path-based gating.
	ToolPaths map[string]string
}

// TierModel is the static tier configuration: tier ranks, tool gating,
// and product-key mapping. Loaded once at process start; every component
// reads tier ordering from here and nowhere else.
type TierModel struct {
	ranks        map[string]int
	toolTiers    map[string]string
	toolProducts map[string]string
	tierProducts map[string]string
	productTiers map[string]string
	calculator   map[string]bool
	toolPaths    map[string]string
}

// NewTierModel builds an immutable TierModel from cfg.
func NewTierModel(cfg TierModelConfig) (*TierModel, error) {
	if len(cfg.Ranks) == 0 {
		return nil, fmt.Errorf("tier model: %w: no tiers configured", ErrInvalidTier)
	}
	if _, ok := cfg.Ranks[TierAdmin]; ok {
		return nil, fmt.Errorf("tier model: %w: admin is synthetic and cannot be ranked", ErrInvalidTier)
	}

	m := &TierModel{
		ranks:        make(map[string]int, len(cfg.Ranks)+1),
		toolTiers:    make(map[string]string, len(cfg.ToolTiers)),
		toolProducts: make(map[string]string, len(cfg.ToolProducts)),
		tierProducts: make(map[string]string, len(cfg.Ranks)),
		productTiers: make(map[string]string, len(cfg.Ranks)),
		calculator:   make(map[string]bool, len(cfg.CalculatorTiers)),
		toolPaths:    make(map[string]string, len(cfg.ToolPaths)),
	}

	for tier, rank := range cfg.Ranks {
		m.ranks[tier] = rank
		if tier == TierGuest {
			continue // guest is not purchasable
		}
		key := ProductPrefixTier + tier
		m.tierProducts[tier] = key
		m.productTiers[key] = tier
	}
	m.ranks[TierAdmin] = adminRank

	for tool, tier := range cfg.ToolTiers {
		if _, ok := cfg.Ranks[tier]; !ok {
			return nil, fmt.Errorf("tier model: tool %q: %w: %q", tool, ErrInvalidTier, tier)
		}
		m.toolTiers[tool] = tier
	}
	for tool, key := range cfg.ToolProducts {
		m.toolProducts[tool] = key
	}
	for _, tier := range cfg.CalculatorTiers {
		if _, ok := cfg.Ranks[tier]; !ok {
			return nil, fmt.Errorf("tier model: calculator tier: %w: %q", ErrInvalidTier, tier)
		}
		m.calculator[tier] = true
	}
	for file, tool := range cfg.ToolPaths {
		m.toolPaths[file] = tool
	}

	return m, nil
}

// DefaultTierModel returns the production tier configuration: three
// monthly calculator tiers, three one-time academy tiers, and the member
// tool matrix.
func DefaultTierModel() *TierModel {
	m, err := NewTierModel(TierModelConfig{
		Ranks: map[string]int{
			TierGuest:         0,
			TierStarter:       1,
			TierSerious:       2,
			TierElite:         3,
			"academy_starter": 1,
			"academy_pro":     2,
			"academy_premium": 3,
		},
		ToolTiers: map[string]string{
			"offer":        TierStarter,
			"brrrr":        TierStarter,
			"dealcheck":    TierSerious,
			"rehab":        TierSerious,
			"rehabtracker": TierSerious,
			"pwt":          TierSerious,
			"wholesale":    TierSerious,
			"commercial":   TierElite,
			"buybox":       TierElite,
			"profitsplit":  TierSerious,
		},
		ToolProducts: map[string]string{
			// rehab shares the rehabtracker add-on product.
			"rehab": "tool_rehabtracker",
		},
		CalculatorTiers: []string{TierStarter, TierSerious, TierElite},
		ToolPaths: map[string]string{
			"brrrr.html":           "brrrr",
			"commercial.html":      "commercial",
			"dealcheck.html":       "dealcheck",
			"investorbuy-box.html": "buybox",
			"offer.html":           "offer",
			"profitsplit.html":     "profitsplit",
			"pwt.html":             "pwt",
			"rehabtracker.html":    "rehabtracker",
			"wholesale.html":       "wholesale",
		},
	})
	if err != nil {
		panic(err) // static config, cannot fail
	}
	return m
}

// Rank returns the rank of a tier held by a user. Unknown tiers rank 0:
// an unrecognized held tier must never grant access.
func (m *TierModel) Rank(tier string) int {
	if rank, ok := m.ranks[tier]; ok {
		return rank
	}
	return 0
}

// RequiredRank returns the rank a requirement demands. Unknown tiers
// return an unsatisfiable rank: an unrecognized requirement must never be
// met. The asymmetry with Rank is deliberate.
func (m *TierModel) RequiredRank(tier string) int {
	if rank, ok := m.ranks[tier]; ok {
		return rank
	}
	return unknownRequiredRank
}

// KnownTier reports whether tier is configured (admin included).
func (m *TierModel) KnownTier(tier string) bool {
	_, ok := m.ranks[tier]
	return ok
}

// CanAccessTier reports whether a held tier satisfies a required tier.
func (m *TierModel) CanAccessTier(userTier, requiredTier string) bool {
	return m.Rank(userTier) >= m.RequiredRank(requiredTier)
}

// RequiredTierForTool returns the minimum tier for a tool, or false for
// an unconfigured tool (which is never tier-accessible).
func (m *TierModel) RequiredTierForTool(toolID string) (string, bool) {
	tier, ok := m.toolTiers[toolID]
	return tier, ok
}

// ToolProductKey returns the add-on product key for a tool.
func (m *TierModel) ToolProductKey(toolID string) string {
	if key, ok := m.toolProducts[toolID]; ok {
		return key
	}
	return ProductPrefixTool + toolID
}

// ProductKeyForTier returns the subscription product key for a tier, or
// false for guest/admin/unknown tiers (which are not purchasable).
func (m *TierModel) ProductKeyForTier(tier string) (string, bool) {
	key, ok := m.tierProducts[tier]
	return key, ok
}

// TierForProductKey returns the tier granted by a tier_* product key, or
// false for non-tier products.
func (m *TierModel) TierForProductKey(productKey string) (string, bool) {
	tier, ok := m.productTiers[productKey]
	return tier, ok
}

// IsCalculatorTier reports whether the tier is billed month-to-month and
// therefore expires 30 days after each grant.
func (m *TierModel) IsCalculatorTier(tier string) bool {
	return m.calculator[tier]
}

// CalculatorTiers returns the month-to-month tiers in sorted order.
func (m *TierModel) CalculatorTiers() []string {
	tiers := make([]string, 0, len(m.calculator))
	for tier := range m.calculator {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)
	return tiers
}

// CalculatorProductKeys returns the tier product keys of the
// month-to-month tiers in sorted order.
func (m *TierModel) CalculatorProductKeys() []string {
	keys := make([]string, 0, len(m.calculator))
	for tier := range m.calculator {
		if key, ok := m.tierProducts[tier]; ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// GrantExpiry returns the expiry to stamp on a grant of productKey made
// at now: 30 days out for calculator-class tiers, nil (no expiry) for
// academy-class tiers, add-ons, and features.
func (m *TierModel) GrantExpiry(now time.Time, productKey string) *time.Time {
	tier, ok := m.productTiers[productKey]
	if !ok || !m.calculator[tier] {
		return nil
	}
	exp := now.Add(calculatorGrantPeriod)
	return &exp
}

// ToolForPath extracts the tool id gating a request path such as
// "/tools/brrrr.html". Returns false for paths that are not tool pages.
func (m *TierModel) ToolForPath(path string) (string, bool) {
	if !strings.Contains(path, "/tools/") {
		return "", false
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg != "tools" || i+1 >= len(segments) {
			continue
		}
		file := segments[i+1]
		if tool, ok := m.toolPaths[file]; ok {
			return tool, true
		}
		return "", false
	}
	return "", false
}

// ValidProductKey reports whether key belongs to a known namespace.
func ValidProductKey(key string) bool {
	for _, prefix := range []string{ProductPrefixTier, ProductPrefixTool, ProductPrefixFeature, ProductPrefixInternal} {
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return true
		}
	}
	return false
}
