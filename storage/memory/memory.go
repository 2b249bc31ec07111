// Package memory provides an in-memory implementation of the tiergate.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mihaimyh/tiergate/pkg/tiergate"
)

// Storage implements tiergate.Storage using in-memory maps.
type Storage struct {
	mu        sync.RWMutex
	profiles  map[string]*tiergate.Profile
	overrides []*tiergate.TierOverride
	ents      map[string]*tiergate.Entitlement
	pending   map[string]*tiergate.PendingEntitlement
	events    map[string]bool
	audit     []*tiergate.AuditEntry
	seq       int
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		profiles: make(map[string]*tiergate.Profile),
		ents:     make(map[string]*tiergate.Entitlement),
		pending:  make(map[string]*tiergate.PendingEntitlement),
		events:   make(map[string]bool),
	}
}

// SeedProfile installs a profile directly, for tests.
func (s *Storage) SeedProfile(p *tiergate.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.profiles[p.ID] = &cp
}

// Clear removes all data.
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = make(map[string]*tiergate.Profile)
	s.overrides = nil
	s.ents = make(map[string]*tiergate.Entitlement)
	s.pending = make(map[string]*tiergate.PendingEntitlement)
	s.events = make(map[string]bool)
	s.audit = nil
	s.seq = 0
}

// AuditEntries returns a copy of the audit log, for tests.
func (s *Storage) AuditEntries() []*tiergate.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*tiergate.AuditEntry, len(s.audit))
	for i, e := range s.audit {
		cp := *e
		out[i] = &cp
	}
	return out
}

// GetProfile implements tiergate.Storage.
func (s *Storage) GetProfile(ctx context.Context, userID string) (*tiergate.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, tiergate.ErrProfileNotFound
	}

	// Return a copy to prevent external mutations
	cp := *p
	return &cp, nil
}

// GetProfileByEmail implements tiergate.Storage.
func (s *Storage) GetProfileByEmail(ctx context.Context, email string) (*tiergate.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = strings.ToLower(email)
	for _, p := range s.profiles {
		if strings.ToLower(p.Email) == email {
			cp := *p
			return &cp, nil
		}
	}
	return nil, tiergate.ErrProfileNotFound
}

// UpdateProfileTier implements tiergate.Storage.
func (s *Storage) UpdateProfileTier(ctx context.Context, userID, tier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return tiergate.ErrProfileNotFound
	}
	p.Tier = tier
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ListProfilesByTier implements tiergate.Storage.
func (s *Storage) ListProfilesByTier(ctx context.Context, tiers []string) ([]*tiergate.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[string]bool, len(tiers))
	for _, t := range tiers {
		want[t] = true
	}

	var out []*tiergate.Profile
	for _, p := range s.profiles {
		if want[p.Tier] {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ActiveOverride implements tiergate.Storage.
func (s *Storage) ActiveOverride(ctx context.Context, userID string, now time.Time) (*tiergate.TierOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *tiergate.TierOverride
	for _, o := range s.overrides {
		if o.UserID != userID {
			continue
		}
		if o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
			continue
		}
		if latest == nil || o.CreatedAt.After(latest.CreatedAt) {
			latest = o
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// InsertOverride implements tiergate.Storage.
func (s *Storage) InsertOverride(ctx context.Context, o *tiergate.TierOverride) error {
	if o == nil || o.UserID == "" {
		return fmt.Errorf("invalid override")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *o
	if cp.ID == "" {
		cp.ID = s.nextID("ovr")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.overrides = append(s.overrides, &cp)
	return nil
}

// FindActiveEntitlement implements tiergate.Storage.
func (s *Storage) FindActiveEntitlement(ctx context.Context, userID, productKey string, now time.Time) (*tiergate.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.ents {
		if e.UserID == userID && e.ProductKey == productKey && e.Active(now) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

// ListActiveEntitlements implements tiergate.Storage.
func (s *Storage) ListActiveEntitlements(ctx context.Context, userID string) ([]*tiergate.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*tiergate.Entitlement
	for _, e := range s.ents {
		if e.UserID == userID && e.Status == tiergate.StatusActive {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertActiveEntitlement implements tiergate.Storage.
func (s *Storage) UpsertActiveEntitlement(ctx context.Context, e *tiergate.Entitlement) error {
	if e == nil || e.ProductKey == "" {
		return tiergate.ErrInvalidProductKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	if cp.Status == "" {
		cp.Status = tiergate.StatusActive
	}

	// Replace the existing active row for the same owner and product.
	for id, existing := range s.ents {
		if existing.Status != tiergate.StatusActive || existing.ProductKey != e.ProductKey {
			continue
		}
		sameUser := e.UserID != "" && existing.UserID == e.UserID
		sameEmail := e.UserID == "" && existing.UserID == "" &&
			strings.EqualFold(existing.Email, e.Email)
		if sameUser || sameEmail {
			cp.ID = id
			s.ents[id] = &cp
			return nil
		}
	}

	if cp.ID == "" {
		cp.ID = s.nextID("ent")
	}
	s.ents[cp.ID] = &cp
	return nil
}

// ExpireEntitlement implements tiergate.Storage.
func (s *Storage) ExpireEntitlement(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.ents[id]
	if !ok {
		return tiergate.ErrEntitlementNotFound
	}
	e.Status = tiergate.StatusExpired
	return nil
}

// FindEntitlementByProviderRef implements tiergate.Storage.
func (s *Storage) FindEntitlementByProviderRef(ctx context.Context, ref tiergate.ProviderRef) (*tiergate.Entitlement, error) {
	if ref.Empty() {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.ents {
		if matchRef(ref, e.PaymentID, e.CheckoutID, e.CustomerID) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

// FindExpiringBetween implements tiergate.Storage.
func (s *Storage) FindExpiringBetween(ctx context.Context, from, to time.Time) ([]*tiergate.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*tiergate.Entitlement
	for _, e := range s.ents {
		if e.Status != tiergate.StatusActive || e.ExpiresAt == nil {
			continue
		}
		if !e.ExpiresAt.Before(from) && !e.ExpiresAt.After(to) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindExpiredBefore implements tiergate.Storage.
func (s *Storage) FindExpiredBefore(ctx context.Context, now time.Time) ([]*tiergate.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*tiergate.Entitlement
	for _, e := range s.ents {
		if e.Status == tiergate.StatusActive && e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LatestExpiryForProducts implements tiergate.Storage.
func (s *Storage) LatestExpiryForProducts(ctx context.Context, userID string, productKeys []string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[string]bool, len(productKeys))
	for _, k := range productKeys {
		want[k] = true
	}

	var latest *time.Time
	for _, e := range s.ents {
		if e.UserID != userID || !want[e.ProductKey] || e.ExpiresAt == nil {
			continue
		}
		if latest == nil || e.ExpiresAt.After(*latest) {
			exp := *e.ExpiresAt
			latest = &exp
		}
	}
	return latest, nil
}

// UnclaimedEntitlements implements tiergate.Storage.
func (s *Storage) UnclaimedEntitlements(ctx context.Context, email string) ([]*tiergate.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*tiergate.Entitlement
	for _, e := range s.ents {
		if e.UserID == "" && e.Status == tiergate.StatusActive && strings.EqualFold(e.Email, email) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AttachEntitlements implements tiergate.Storage.
func (s *Storage) AttachEntitlements(ctx context.Context, ids []string, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		e, ok := s.ents[id]
		if !ok {
			return fmt.Errorf("attach %q: %w", id, tiergate.ErrEntitlementNotFound)
		}
		e.UserID = userID
	}
	return nil
}

// InsertPending implements tiergate.Storage.
func (s *Storage) InsertPending(ctx context.Context, p *tiergate.PendingEntitlement) error {
	// Rows without a buyer email are kept for manual follow-up; they
	// must at least carry a provider ref to be matchable.
	if p == nil || (p.Email == "" && p.PaymentID == "" && p.CheckoutID == "") {
		return fmt.Errorf("invalid pending entitlement")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	if cp.ID == "" {
		cp.ID = s.nextID("pend")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.pending[cp.ID] = &cp
	return nil
}

// PendingByEmail implements tiergate.Storage.
func (s *Storage) PendingByEmail(ctx context.Context, email string) ([]*tiergate.PendingEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*tiergate.PendingEntitlement
	for _, p := range s.pending {
		if strings.EqualFold(p.Email, email) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindPendingByProviderRef implements tiergate.Storage.
func (s *Storage) FindPendingByProviderRef(ctx context.Context, ref tiergate.ProviderRef) (*tiergate.PendingEntitlement, error) {
	if ref.Empty() {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.pending {
		if matchRef(ref, p.PaymentID, p.CheckoutID, "") {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

// DeletePending implements tiergate.Storage.
func (s *Storage) DeletePending(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	return nil
}

// RecordWebhookEvent implements tiergate.Storage.
func (s *Storage) RecordWebhookEvent(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("empty event id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.events[eventID] {
		return false, nil
	}
	s.events[eventID] = true
	return true, nil
}

// AppendAudit implements tiergate.Storage.
func (s *Storage) AppendAudit(ctx context.Context, entry *tiergate.AuditEntry) error {
	if entry == nil || entry.Action == "" {
		return fmt.Errorf("invalid audit entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	if cp.ID == "" {
		cp.ID = s.nextID("aud")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *Storage) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func matchRef(ref tiergate.ProviderRef, paymentID, checkoutID, customerID string) bool {
	if ref.PaymentID != "" && ref.PaymentID == paymentID {
		return true
	}
	if ref.CheckoutID != "" && ref.CheckoutID == checkoutID {
		return true
	}
	if ref.CustomerID != "" && ref.CustomerID == customerID {
		return true
	}
	return false
}
