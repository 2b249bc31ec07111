// Package api exposes the HTTP surface that pages and cron jobs call:
// entitlement claim, admin tier mutations, sweep triggers, and the
// tool-access probe used by edge middleware.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/sweep"
	"github.com/mihaimyh/tiergate/pkg/tiergate"
)

// Config holds the dependencies for the API handlers.
type Config struct {
	Storage    tiergate.Storage
	Resolver   *tiergate.Resolver
	Gate       *tiergate.Gate
	Reconciler *billing.Reconciler
	Identity   tiergate.IdentityService
	Model      *tiergate.TierModel
	Sweeper    *sweep.Sweeper
	Logger     tiergate.Logger

	// CronSecret guards the sweep endpoints when set. Callers present
	// it as a bearer token.
	CronSecret string
}

// Handlers carries the wired endpoint implementations.
type Handlers struct {
	storage    tiergate.Storage
	resolver   *tiergate.Resolver
	gate       *tiergate.Gate
	reconciler *billing.Reconciler
	identity   tiergate.IdentityService
	model      *tiergate.TierModel
	sweeper    *sweep.Sweeper
	logger     tiergate.Logger
	cronSecret string
	now        func() time.Time
}

// NewHandlers validates the configuration and builds the handler set.
func NewHandlers(config Config) (*Handlers, error) {
	if config.Storage == nil {
		return nil, tiergate.ErrStorageUnavailable
	}
	if config.Resolver == nil || config.Gate == nil {
		return nil, errors.New("api: resolver and gate are required")
	}
	if config.Identity == nil {
		return nil, errors.New("api: identity service is required")
	}
	model := config.Model
	if model == nil {
		model = tiergate.DefaultTierModel()
	}
	logger := config.Logger
	if logger == nil {
		logger = &tiergate.NoopLogger{}
	}

	return &Handlers{
		storage:    config.Storage,
		resolver:   config.Resolver,
		gate:       config.Gate,
		reconciler: config.Reconciler,
		identity:   config.Identity,
		model:      model,
		sweeper:    config.Sweeper,
		logger:     logger,
		cronSecret: config.CronSecret,
		now:        time.Now,
	}, nil
}

// Routes assembles the endpoint tree.
func (h *Handlers) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			setSecurityHeaders(w)
			next.ServeHTTP(w, req)
		})
	})

	r.Post("/members/claim", h.Claim)
	r.Post("/admin/tier-override", h.TierOverride)
	r.Post("/admin/grant-entitlement", h.GrantEntitlement)
	r.Post("/cron/expiring-entitlements", h.SweepExpiring)
	r.Post("/cron/subscription-renewal", h.SweepRenewal)
	r.Get("/internal/verify-tool-access", h.VerifyToolAccess)
	return r
}

type claimRequest struct {
	Email string `json:"email"`
}

// Claim attaches pending purchases to the calling account. Only the
// logged-in owner of the email can claim it.
func (h *Handlers) Claim(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		errorJSON(w, http.StatusServiceUnavailable, "claiming is not configured")
		return
	}

	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		email = strings.ToLower(strings.TrimSpace(r.URL.Query().Get("email")))
	}
	if email == "" {
		errorJSON(w, http.StatusBadRequest, "missing email")
		return
	}
	if !strings.EqualFold(identity.Email, email) {
		errorJSON(w, http.StatusUnauthorized, "email does not match session")
		return
	}

	result, err := h.reconciler.Claim(r.Context(), identity.UserID, email)
	if err != nil {
		h.logger.Error("claim failed",
			tiergate.Field{Key: "user_id", Value: identity.UserID},
			tiergate.Field{Key: "error", Value: err.Error()},
		)
		errorJSON(w, http.StatusInternalServerError, "failed to claim entitlements")
		return
	}
	h.resolver.Invalidate(identity.UserID)

	message := "No pending entitlements for this email"
	if result.Claimed > 0 {
		message = "Entitlements claimed successfully"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"claimed": result.Claimed,
		"tier":    result.Tier,
		"message": message,
	})
}

type tierOverrideRequest struct {
	TargetEmail string `json:"target_email"`
	NewTier     string `json:"new_tier"`
	Reason      string `json:"reason"`
	ExpiresAt   string `json:"expires_at"` // RFC3339, optional
}

// TierOverride sets a user's tier by admin decision. With an expiry it
// becomes a temporary override; without one the stored tier changes.
func (h *Handlers) TierOverride(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	var req tierOverrideRequest
	if err := decodeJSON(r, &req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetEmail == "" || req.NewTier == "" {
		errorJSON(w, http.StatusBadRequest, "missing target_email or new_tier")
		return
	}
	if !h.model.KnownTier(req.NewTier) {
		errorJSON(w, http.StatusBadRequest, "unknown tier")
		return
	}

	target, err := h.storage.GetProfileByEmail(r.Context(), strings.ToLower(req.TargetEmail))
	if err != nil {
		if errors.Is(err, tiergate.ErrProfileNotFound) {
			errorJSON(w, http.StatusNotFound, "user not found")
			return
		}
		errorJSON(w, http.StatusInternalServerError, "profile lookup failed")
		return
	}

	oldTier := target.Tier
	if oldTier == "" {
		oldTier = tiergate.TierGuest
	}

	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			errorJSON(w, http.StatusBadRequest, "invalid expires_at")
			return
		}
		expiresAt = &parsed
	}

	if expiresAt != nil {
		override := &tiergate.TierOverride{
			ID:           uuid.NewString(),
			UserID:       target.ID,
			OverrideTier: req.NewTier,
			ExpiresAt:    expiresAt,
			CreatedAt:    h.now().UTC(),
		}
		if err := h.storage.InsertOverride(r.Context(), override); err != nil {
			errorJSON(w, http.StatusInternalServerError, "failed to store override")
			return
		}
	} else {
		if err := h.storage.UpdateProfileTier(r.Context(), target.ID, req.NewTier); err != nil {
			errorJSON(w, http.StatusInternalServerError, "failed to update tier")
			return
		}
	}

	h.audit(r.Context(), &tiergate.AuditEntry{
		Action:       tiergate.ActionTierOverride,
		ActorUserID:  admin.UserID,
		ActorEmail:   admin.Email,
		TargetUserID: target.ID,
		TargetEmail:  target.Email,
		Metadata: map[string]string{
			"old_tier":   oldTier,
			"new_tier":   req.NewTier,
			"reason":     req.Reason,
			"expires_at": req.ExpiresAt,
		},
	})
	h.resolver.Invalidate(target.ID)

	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "Tier updated",
		"old_tier": oldTier,
		"new_tier": req.NewTier,
	})
}

type grantRequest struct {
	TargetEmail string `json:"target_email"`
	ProductKey  string `json:"product_key"`
	ExpiresAt   string `json:"expires_at"` // RFC3339, optional
}

// GrantEntitlement creates an entitlement without a payment. The grant
// is addressed to the account when one exists, otherwise to the email
// so a later signup can claim it.
func (h *Handlers) GrantEntitlement(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetEmail == "" || req.ProductKey == "" {
		errorJSON(w, http.StatusBadRequest, "missing target_email or product_key")
		return
	}
	if !tiergate.ValidProductKey(req.ProductKey) {
		errorJSON(w, http.StatusBadRequest, "invalid product_key")
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			errorJSON(w, http.StatusBadRequest, "invalid expires_at")
			return
		}
		expiresAt = &parsed
	}

	email := strings.ToLower(strings.TrimSpace(req.TargetEmail))
	ent := &tiergate.Entitlement{
		ID:         uuid.NewString(),
		Email:      email,
		ProductKey: req.ProductKey,
		Status:     tiergate.StatusActive,
		StartedAt:  h.now().UTC(),
		ExpiresAt:  expiresAt,
		Source:     tiergate.SourceAdminGrant,
	}
	target, err := h.storage.GetProfileByEmail(r.Context(), email)
	if err != nil && !errors.Is(err, tiergate.ErrProfileNotFound) {
		errorJSON(w, http.StatusInternalServerError, "profile lookup failed")
		return
	}
	if target != nil {
		ent.UserID = target.ID
	}

	if err := h.storage.UpsertActiveEntitlement(r.Context(), ent); err != nil {
		errorJSON(w, http.StatusInternalServerError, "failed to store entitlement")
		return
	}

	entry := &tiergate.AuditEntry{
		Action:      tiergate.ActionEntitlementGrant,
		ActorUserID: admin.UserID,
		ActorEmail:  admin.Email,
		TargetEmail: email,
		Metadata: map[string]string{
			"product_key": req.ProductKey,
			"expires_at":  req.ExpiresAt,
		},
	}
	if target != nil {
		entry.TargetUserID = target.ID
	}
	h.audit(r.Context(), entry)

	writeJSON(w, http.StatusOK, map[string]string{
		"message":      "Entitlement granted",
		"product_key":  req.ProductKey,
		"target_email": email,
	})
}

// SweepExpiring triggers the expiry-reminder pass.
func (h *Handlers) SweepExpiring(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeCron(w, r) {
		return
	}
	report, err := h.sweeper.NotifyExpiring(r.Context())
	if err != nil {
		h.logger.Error("expiry sweep failed", tiergate.Field{Key: "error", Value: err.Error()})
		errorJSON(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// SweepRenewal triggers the expire-and-downgrade pass.
func (h *Handlers) SweepRenewal(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeCron(w, r) {
		return
	}
	report, err := h.sweeper.DowngradeStale(r.Context())
	if err != nil {
		h.logger.Error("renewal sweep failed", tiergate.Field{Key: "error", Value: err.Error()})
		errorJSON(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// VerifyToolAccess answers the edge middleware's probe for a page path.
// Non-tool paths are always ok. Without a credential the answer for a
// tool path is no; internal failures inside the gate fail open so a
// storage incident cannot lock paying users out.
func (h *Handlers) VerifyToolAccess(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if _, isTool := h.model.ToolForPath(path); !isTool {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": false})
		return
	}
	identity, err := h.identity.Authenticate(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": false})
		return
	}

	decision := h.gate.CheckToolPath(r.Context(), identity, path)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": decision.Allowed})
}

func (h *Handlers) authenticate(w http.ResponseWriter, r *http.Request) (*tiergate.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		errorJSON(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	identity, err := h.identity.Authenticate(r.Context(), token)
	if err != nil {
		errorJSON(w, http.StatusUnauthorized, "invalid token")
		return nil, false
	}
	return identity, true
}

// requireAdmin authenticates the caller and checks the stored role.
// The token's role claim alone is not enough for mutations.
func (h *Handlers) requireAdmin(w http.ResponseWriter, r *http.Request) (*tiergate.Identity, bool) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return nil, false
	}
	profile, err := h.storage.GetProfile(r.Context(), identity.UserID)
	if err != nil || profile.Role != tiergate.RoleAdmin {
		errorJSON(w, http.StatusForbidden, "admin only")
		return nil, false
	}
	return identity, true
}

func (h *Handlers) authorizeCron(w http.ResponseWriter, r *http.Request) bool {
	if h.sweeper == nil {
		errorJSON(w, http.StatusServiceUnavailable, "sweeps are not configured")
		return false
	}
	if h.cronSecret != "" && bearerToken(r) != h.cronSecret {
		errorJSON(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

func (h *Handlers) audit(ctx context.Context, entry *tiergate.AuditEntry) {
	if err := h.storage.AppendAudit(ctx, entry); err != nil {
		h.logger.Error("failed to write audit entry",
			tiergate.Field{Key: "action", Value: entry.Action},
			tiergate.Field{Key: "error", Value: err.Error()},
		)
	}
}
