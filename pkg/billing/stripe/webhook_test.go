package stripe

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/tiergate"
	"github.com/mihaimyh/tiergate/storage/memory"
)

const (
	testPriceSerious = "price_serious"
	testPriceRehab   = "price_rehab"
)

func newTestProvider(t *testing.T) (*Provider, *memory.Storage) {
	t.Helper()

	store := memory.New()
	model := tiergate.DefaultTierModel()
	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{
		Storage: store,
		Model:   model,
		ProductMapping: map[string]string{
			testPriceSerious: "tier_serious",
			testPriceRehab:   "tool_rehabtracker",
		},
	})
	if err != nil {
		t.Fatalf("failed to create reconciler: %v", err)
	}

	provider, err := NewProvider(billing.Config{
		Reconciler:    reconciler,
		WebhookSecret: "whsec_test",
	})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	return provider, store
}

func checkoutEvent(t *testing.T, eventID string, session map[string]interface{}) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(session)
	if err != nil {
		t.Fatalf("failed to marshal session: %v", err)
	}
	return &stripe.Event{
		ID:      eventID,
		Type:    "checkout.session.completed",
		Created: time.Now().Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

func TestNewProvider_RequiresReconciler(t *testing.T) {
	if _, err := NewProvider(billing.Config{}); err != billing.ErrProviderNotConfigured {
		t.Fatalf("expected ErrProviderNotConfigured, got %v", err)
	}
}

func TestCheckoutCompleted_GrantsFromMetadata(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	store.SeedProfile(&tiergate.Profile{ID: "user-1", Email: "buyer@example.com", Tier: tiergate.TierGuest})

	event := checkoutEvent(t, "evt_1", map[string]interface{}{
		"id":               "cs_test_1",
		"metadata":         map[string]string{"product_ref": testPriceSerious},
		"customer_details": map[string]string{"email": "Buyer@Example.com"},
		"payment_intent":   map[string]string{"id": "pi_1"},
		"customer":         map[string]string{"id": "cus_1"},
	})
	if err := provider.processWebhookEvent(ctx, event); err != nil {
		t.Fatalf("processWebhookEvent failed: %v", err)
	}

	ent, err := store.FindActiveEntitlement(ctx, "user-1", "tier_serious", time.Now())
	if err != nil {
		t.Fatalf("entitlement lookup failed: %v", err)
	}
	if ent == nil {
		t.Fatal("expected an active entitlement after checkout")
	}
	if ent.PaymentID != "pi_1" || ent.CheckoutID != "cs_test_1" {
		t.Errorf("provider refs not recorded: payment=%q checkout=%q", ent.PaymentID, ent.CheckoutID)
	}

	profile, err := store.GetProfile(ctx, "user-1")
	if err != nil {
		t.Fatalf("profile lookup failed: %v", err)
	}
	if profile.Tier != tiergate.TierSerious {
		t.Errorf("expected tier %q after grant, got %q", tiergate.TierSerious, profile.Tier)
	}
}

func TestCheckoutCompleted_UnknownBuyerGoesPending(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	event := checkoutEvent(t, "evt_2", map[string]interface{}{
		"id":             "cs_test_2",
		"metadata":       map[string]string{"product_ref": testPriceRehab},
		"customer_email": "stranger@example.com",
	})
	if err := provider.processWebhookEvent(ctx, event); err != nil {
		t.Fatalf("processWebhookEvent failed: %v", err)
	}

	pending, err := store.PendingByEmail(ctx, "stranger@example.com")
	if err != nil {
		t.Fatalf("pending lookup failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending entitlement, got %d", len(pending))
	}
	if pending[0].ProductKey != "tool_rehabtracker" {
		t.Errorf("unexpected pending product key %q", pending[0].ProductKey)
	}
}

func TestCheckoutCompleted_MissingProductRefAudited(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	// No metadata and no API client configured: the price cannot be
	// resolved, so the event is acknowledged and audited, never retried.
	event := checkoutEvent(t, "evt_3", map[string]interface{}{
		"id":             "cs_test_3",
		"customer_email": "buyer@example.com",
	})
	if err := provider.processWebhookEvent(ctx, event); err != nil {
		t.Fatalf("processWebhookEvent failed: %v", err)
	}

	var audited bool
	for _, entry := range store.AuditEntries() {
		if entry.Action == tiergate.ActionWebhookProcessed && entry.Metadata["result"] == "unknown_payment_link" {
			audited = true
		}
	}
	if !audited {
		t.Error("expected an unknown_payment_link audit entry")
	}
}

func TestCheckoutCompleted_DuplicateEventID(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	store.SeedProfile(&tiergate.Profile{ID: "user-1", Email: "buyer@example.com"})

	session := map[string]interface{}{
		"id":             "cs_test_4",
		"metadata":       map[string]string{"product_ref": testPriceSerious},
		"customer_email": "buyer@example.com",
	}
	for i := 0; i < 2; i++ {
		if err := provider.processWebhookEvent(ctx, checkoutEvent(t, "evt_4", session)); err != nil {
			t.Fatalf("delivery %d failed: %v", i+1, err)
		}
	}

	ents, err := store.ListActiveEntitlements(ctx, "user-1")
	if err != nil {
		t.Fatalf("entitlement listing failed: %v", err)
	}
	if len(ents) != 1 {
		t.Errorf("expected 1 entitlement after duplicate delivery, got %d", len(ents))
	}
}

func TestSubscriptionDeleted_ExpiresEntitlement(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	store.SeedProfile(&tiergate.Profile{ID: "user-1", Email: "buyer@example.com"})

	grant := checkoutEvent(t, "evt_5", map[string]interface{}{
		"id":             "cs_test_5",
		"metadata":       map[string]string{"product_ref": testPriceSerious},
		"customer_email": "buyer@example.com",
		"customer":       map[string]string{"id": "cus_5"},
	})
	if err := provider.processWebhookEvent(ctx, grant); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	sub, err := json.Marshal(map[string]interface{}{
		"id":       "sub_5",
		"status":   "canceled",
		"customer": map[string]string{"id": "cus_5"},
	})
	if err != nil {
		t.Fatalf("failed to marshal subscription: %v", err)
	}
	cancel := &stripe.Event{
		ID:      "evt_6",
		Type:    "customer.subscription.deleted",
		Created: time.Now().Unix(),
		Data:    &stripe.EventData{Raw: sub},
	}
	if err := provider.processWebhookEvent(ctx, cancel); err != nil {
		t.Fatalf("cancellation failed: %v", err)
	}

	ents, err := store.ListActiveEntitlements(ctx, "user-1")
	if err != nil {
		t.Fatalf("entitlement listing failed: %v", err)
	}
	if len(ents) != 0 {
		t.Errorf("expected no active entitlements after cancellation, got %d", len(ents))
	}
}

func TestChargeRefunded_ExpiresByPaymentIntent(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	store.SeedProfile(&tiergate.Profile{ID: "user-1", Email: "buyer@example.com"})

	grant := checkoutEvent(t, "evt_7", map[string]interface{}{
		"id":             "cs_test_7",
		"metadata":       map[string]string{"product_ref": testPriceRehab},
		"customer_email": "buyer@example.com",
		"payment_intent": map[string]string{"id": "pi_7"},
	})
	if err := provider.processWebhookEvent(ctx, grant); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	charge, err := json.Marshal(map[string]interface{}{
		"id":             "ch_7",
		"payment_intent": map[string]string{"id": "pi_7"},
	})
	if err != nil {
		t.Fatalf("failed to marshal charge: %v", err)
	}
	refund := &stripe.Event{
		ID:      "evt_8",
		Type:    "charge.refunded",
		Created: time.Now().Unix(),
		Data:    &stripe.EventData{Raw: charge},
	}
	if err := provider.processWebhookEvent(ctx, refund); err != nil {
		t.Fatalf("refund failed: %v", err)
	}

	ent, err := store.FindActiveEntitlement(ctx, "user-1", "tool_rehabtracker", time.Now())
	if err != nil {
		t.Fatalf("entitlement lookup failed: %v", err)
	}
	if ent != nil {
		t.Errorf("expected entitlement expired after refund, still active: %+v", ent)
	}
}

func TestInvoicePaid_OneOffInvoiceIgnored(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	// No subscription field: the grant already happened through
	// checkout.session.completed, so the invoice is a no-op.
	raw, err := json.Marshal(map[string]interface{}{
		"id":             "in_1",
		"customer_email": "buyer@example.com",
	})
	if err != nil {
		t.Fatalf("failed to marshal invoice: %v", err)
	}
	event := &stripe.Event{
		ID:      "evt_10",
		Type:    "invoice.payment_succeeded",
		Created: time.Now().Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
	if err := provider.processWebhookEvent(ctx, event); err != nil {
		t.Fatalf("one-off invoice should be ignored, got %v", err)
	}
	if n := len(store.AuditEntries()); n != 0 {
		t.Errorf("expected no audit entries, got %d", n)
	}
}

func TestUnknownEventType_Ignored(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	event := &stripe.Event{
		ID:      "evt_9",
		Type:    "customer.created",
		Created: time.Now().Unix(),
		Data:    &stripe.EventData{Raw: json.RawMessage(`{}`)},
	}
	if err := provider.processWebhookEvent(ctx, event); err != nil {
		t.Fatalf("unknown event type should be ignored, got %v", err)
	}
	if n := len(store.AuditEntries()); n != 0 {
		t.Errorf("expected no audit entries for ignored event, got %d", n)
	}
}

func TestSessionEmail_Priority(t *testing.T) {
	cases := []struct {
		details string
		top     string
		want    string
	}{
		{"Details@Example.com", "top@example.com", "details@example.com"},
		{"", "Top@Example.com ", "top@example.com"},
		{"", "", ""},
	}
	for i, tc := range cases {
		session := &stripe.CheckoutSession{CustomerEmail: tc.top}
		if tc.details != "" {
			session.CustomerDetails = &stripe.CheckoutSessionCustomerDetails{Email: tc.details}
		}
		if got := sessionEmail(session); got != tc.want {
			t.Errorf("case %d: sessionEmail = %q, want %q", i, got, tc.want)
		}
	}
}
