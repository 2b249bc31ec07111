package sweep_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/tiergate/pkg/sweep"
	"github.com/mihaimyh/tiergate/pkg/tiergate"
	"github.com/mihaimyh/tiergate/storage/memory"
)

type fakeNotifier struct {
	mu        sync.Mutex
	reminders []string
	expired   []string
	renewals  []string
	failFor   map[string]bool
}

func (f *fakeNotifier) SendExpiryReminder(_ context.Context, email, productKey string, daysLeft int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[email] {
		return errors.New("delivery failed")
	}
	f.reminders = append(f.reminders, fmt.Sprintf("%s:%s:%d", email, productKey, daysLeft))
	return nil
}

func (f *fakeNotifier) SendAccessExpired(_ context.Context, email, productKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[email] {
		return errors.New("delivery failed")
	}
	f.expired = append(f.expired, fmt.Sprintf("%s:%s", email, productKey))
	return nil
}

func (f *fakeNotifier) SendRenewalNotice(_ context.Context, email, previousTier, paymentLink string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[email] {
		return errors.New("delivery failed")
	}
	f.renewals = append(f.renewals, fmt.Sprintf("%s:%s:%s", email, previousTier, paymentLink))
	return nil
}

func newTestSweeper(t *testing.T, store *memory.Storage, notifier *fakeNotifier, now time.Time) *sweep.Sweeper {
	t.Helper()
	s, err := sweep.NewSweeper(sweep.Config{
		Storage:  store,
		Notifier: notifier,
		RenewalLinks: map[string]string{
			tiergate.TierStarter: "https://pay.example.com/starter",
			tiergate.TierElite:   "https://pay.example.com/elite",
		},
		Concurrency: 2,
		Now:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to create sweeper: %v", err)
	}
	return s
}

func expiresAt(t time.Time) *time.Time { return &t }

func TestNotifyExpiring_WindowsAndDedupe(t *testing.T) {
	store := memory.New()
	notifier := &fakeNotifier{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sweeper := newTestSweeper(t, store, notifier, now)
	ctx := context.Background()

	store.SeedProfile(&tiergate.Profile{ID: "user-1", Email: "a@example.com", Tier: tiergate.TierSerious})

	seed := []*tiergate.Entitlement{
		{UserID: "user-1", ProductKey: "tier_serious", ExpiresAt: expiresAt(now.Add(3 * 24 * time.Hour))},
		{UserID: "user-1", ProductKey: "tool_rehabtracker", ExpiresAt: expiresAt(now.Add(5 * 24 * time.Hour))},
		{Email: "b@example.com", ProductKey: "tier_starter", ExpiresAt: expiresAt(now.Add(12 * time.Hour))},
	}
	for _, ent := range seed {
		if err := store.UpsertActiveEntitlement(ctx, ent); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	report, err := sweeper.NotifyExpiring(ctx)
	if err != nil {
		t.Fatalf("NotifyExpiring failed: %v", err)
	}

	if report.ExpiringIn7Days != 3 {
		t.Errorf("ExpiringIn7Days = %d, want 3", report.ExpiringIn7Days)
	}
	if report.ExpiringIn1Day != 1 {
		t.Errorf("ExpiringIn1Day = %d, want 1", report.ExpiringIn1Day)
	}
	// a@ is deduped within the 7-day window; b@ is reminded once per window.
	if report.RemindersSent != 3 {
		t.Errorf("RemindersSent = %d, want 3", report.RemindersSent)
	}

	var sawThreeDays bool
	for _, r := range notifier.reminders {
		if r == "a@example.com:tier_serious:3" {
			sawThreeDays = true
		}
	}
	if !sawThreeDays {
		t.Errorf("expected a 3-day reminder for a@example.com, got %v", notifier.reminders)
	}

	// The reminder pass never mutates state.
	ents, err := store.ListActiveEntitlements(ctx, "user-1")
	if err != nil {
		t.Fatalf("entitlement listing failed: %v", err)
	}
	if len(ents) != 2 {
		t.Errorf("expected 2 active entitlements untouched, got %d", len(ents))
	}
	if n := len(store.AuditEntries()); n != 0 {
		t.Errorf("reminder pass wrote %d audit entries, want 0", n)
	}
}

func TestNotifyExpiring_DeliveryFailureTolerated(t *testing.T) {
	store := memory.New()
	notifier := &fakeNotifier{failFor: map[string]bool{"broken@example.com": true}}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sweeper := newTestSweeper(t, store, notifier, now)
	ctx := context.Background()

	seed := []*tiergate.Entitlement{
		{Email: "broken@example.com", ProductKey: "tier_starter", ExpiresAt: expiresAt(now.Add(2 * 24 * time.Hour))},
		{Email: "ok@example.com", ProductKey: "tier_serious", ExpiresAt: expiresAt(now.Add(2 * 24 * time.Hour))},
	}
	for _, ent := range seed {
		if err := store.UpsertActiveEntitlement(ctx, ent); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	report, err := sweeper.NotifyExpiring(ctx)
	if err != nil {
		t.Fatalf("NotifyExpiring failed: %v", err)
	}
	if report.RemindersSent != 1 {
		t.Errorf("RemindersSent = %d, want 1", report.RemindersSent)
	}
}

func TestDowngradeStale_ExpiresOverdueButKeepsRecentTier(t *testing.T) {
	store := memory.New()
	notifier := &fakeNotifier{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sweeper := newTestSweeper(t, store, notifier, now)
	ctx := context.Background()

	store.SeedProfile(&tiergate.Profile{ID: "user-1", Email: "a@example.com", Tier: tiergate.TierSerious})
	ent := &tiergate.Entitlement{
		UserID:     "user-1",
		ProductKey: "tier_serious",
		ExpiresAt:  expiresAt(now.Add(-24 * time.Hour)),
	}
	if err := store.UpsertActiveEntitlement(ctx, ent); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	report, err := sweeper.DowngradeStale(ctx)
	if err != nil {
		t.Fatalf("DowngradeStale failed: %v", err)
	}

	if report.EntitlementsExpired != 1 {
		t.Errorf("EntitlementsExpired = %d, want 1", report.EntitlementsExpired)
	}
	active, err := store.FindActiveEntitlement(ctx, "user-1", "tier_serious", now)
	if err != nil {
		t.Fatalf("entitlement lookup failed: %v", err)
	}
	if active != nil {
		t.Error("overdue entitlement should have been expired")
	}
	if len(notifier.expired) != 1 {
		t.Errorf("expected 1 expired-access email, got %v", notifier.expired)
	}

	// Expired yesterday: still inside the renewal grace, tier stays.
	if report.Downgraded != 0 {
		t.Errorf("Downgraded = %d, want 0", report.Downgraded)
	}
	profile, err := store.GetProfile(ctx, "user-1")
	if err != nil {
		t.Fatalf("profile lookup failed: %v", err)
	}
	if profile.Tier != tiergate.TierSerious {
		t.Errorf("tier = %q, want %q", profile.Tier, tiergate.TierSerious)
	}

	var audited bool
	for _, entry := range store.AuditEntries() {
		if entry.Action == tiergate.ActionEntitlementExpired && entry.ActorEmail == "cron" {
			audited = true
		}
	}
	if !audited {
		t.Error("expected an expiry audit entry from the sweep")
	}
}

func TestDowngradeStale_DowngradesAfterGrace(t *testing.T) {
	store := memory.New()
	notifier := &fakeNotifier{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sweeper := newTestSweeper(t, store, notifier, now)
	ctx := context.Background()

	store.SeedProfile(&tiergate.Profile{ID: "user-2", Email: "b@example.com", Tier: tiergate.TierElite})
	ent := &tiergate.Entitlement{
		UserID:     "user-2",
		ProductKey: "tier_elite",
		Status:     tiergate.StatusExpired,
		ExpiresAt:  expiresAt(now.Add(-40 * 24 * time.Hour)),
	}
	if err := store.UpsertActiveEntitlement(ctx, ent); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	report, err := sweeper.DowngradeStale(ctx)
	if err != nil {
		t.Fatalf("DowngradeStale failed: %v", err)
	}

	if report.Downgraded != 1 {
		t.Errorf("Downgraded = %d, want 1", report.Downgraded)
	}
	profile, err := store.GetProfile(ctx, "user-2")
	if err != nil {
		t.Fatalf("profile lookup failed: %v", err)
	}
	if profile.Tier != tiergate.TierGuest {
		t.Errorf("tier = %q, want %q", profile.Tier, tiergate.TierGuest)
	}

	want := "b@example.com:elite:https://pay.example.com/elite"
	if len(notifier.renewals) != 1 || notifier.renewals[0] != want {
		t.Errorf("renewals = %v, want [%s]", notifier.renewals, want)
	}

	var audited bool
	for _, entry := range store.AuditEntries() {
		if entry.Action == tiergate.ActionRenewalDowngrade &&
			entry.Metadata["previous_tier"] == tiergate.TierElite &&
			entry.Metadata["reason"] == "no_payment_30_days" {
			audited = true
		}
	}
	if !audited {
		t.Error("expected a renewal-downgrade audit entry")
	}
}

func TestDowngradeStale_ActiveEntitlementProtects(t *testing.T) {
	store := memory.New()
	notifier := &fakeNotifier{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sweeper := newTestSweeper(t, store, notifier, now)
	ctx := context.Background()

	store.SeedProfile(&tiergate.Profile{ID: "user-3", Email: "c@example.com", Tier: tiergate.TierSerious})
	seed := []*tiergate.Entitlement{
		{UserID: "user-3", ProductKey: "tier_serious", Status: tiergate.StatusExpired, ExpiresAt: expiresAt(now.Add(-40 * 24 * time.Hour))},
		{UserID: "user-3", ProductKey: "tier_academy_pro"}, // no expiry
	}
	for _, ent := range seed {
		if err := store.UpsertActiveEntitlement(ctx, ent); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	report, err := sweeper.DowngradeStale(ctx)
	if err != nil {
		t.Fatalf("DowngradeStale failed: %v", err)
	}
	if report.Downgraded != 0 {
		t.Errorf("Downgraded = %d, want 0", report.Downgraded)
	}
	profile, _ := store.GetProfile(ctx, "user-3")
	if profile.Tier != tiergate.TierSerious {
		t.Errorf("tier = %q, want %q", profile.Tier, tiergate.TierSerious)
	}
}

func TestDowngradeStale_NoCalculatorHistorySkipped(t *testing.T) {
	store := memory.New()
	notifier := &fakeNotifier{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sweeper := newTestSweeper(t, store, notifier, now)
	ctx := context.Background()

	// Admin-set tier with no purchase history is never swept.
	store.SeedProfile(&tiergate.Profile{ID: "user-4", Email: "d@example.com", Tier: tiergate.TierElite})

	report, err := sweeper.DowngradeStale(ctx)
	if err != nil {
		t.Fatalf("DowngradeStale failed: %v", err)
	}
	if report.Downgraded != 0 {
		t.Errorf("Downgraded = %d, want 0", report.Downgraded)
	}
	profile, _ := store.GetProfile(ctx, "user-4")
	if profile.Tier != tiergate.TierElite {
		t.Errorf("tier = %q, want %q", profile.Tier, tiergate.TierElite)
	}
}

func TestDowngradeStale_Idempotent(t *testing.T) {
	store := memory.New()
	notifier := &fakeNotifier{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sweeper := newTestSweeper(t, store, notifier, now)
	ctx := context.Background()

	store.SeedProfile(&tiergate.Profile{ID: "user-5", Email: "e@example.com", Tier: tiergate.TierStarter})
	ent := &tiergate.Entitlement{
		UserID:     "user-5",
		ProductKey: "tier_starter",
		Status:     tiergate.StatusExpired,
		ExpiresAt:  expiresAt(now.Add(-60 * 24 * time.Hour)),
	}
	if err := store.UpsertActiveEntitlement(ctx, ent); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	first, err := sweeper.DowngradeStale(ctx)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	second, err := sweeper.DowngradeStale(ctx)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if first.Downgraded != 1 || second.Downgraded != 0 {
		t.Errorf("downgraded counts = %d, %d; want 1, 0", first.Downgraded, second.Downgraded)
	}
	if len(notifier.renewals) != 1 {
		t.Errorf("expected exactly 1 renewal email across both runs, got %d", len(notifier.renewals))
	}
}

func TestNewSweeper_RequiresStorage(t *testing.T) {
	if _, err := sweep.NewSweeper(sweep.Config{}); err != tiergate.ErrStorageUnavailable {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}
