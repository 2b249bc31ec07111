package square

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/storage/memory"
)

// newVerifyProvider points the provider's API base at a fake Square.
func newVerifyProvider(t *testing.T, handler http.Handler) *Provider {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{Storage: memory.New()})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	provider, err := NewProvider(billing.Config{
		Reconciler: reconciler,
		APIKey:     "sq-token",
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	provider.apiBaseURL = server.URL
	return provider
}

func TestVerifyPaymentRequiresAccessToken(t *testing.T) {
	reconciler, _ := billing.NewReconciler(billing.ReconcilerConfig{Storage: memory.New()})
	provider, err := NewProvider(billing.Config{Reconciler: reconciler})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	_, err = provider.VerifyPayment(context.Background(), "pay1", "")
	if !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("err = %v", err)
	}
}

func TestVerifyPaymentByID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/payments/pay1", func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer sq-token" {
			t.Errorf("Authorization = %q", auth)
		}
		fmt.Fprint(w, `{"payment": {
			"id": "pay1", "order_id": "order-1", "status": "COMPLETED",
			"buyer_email_address": "Buyer@Example.com",
			"metadata": {"link_id": "LINK_SERIOUS"}
		}}`)
	})
	provider := newVerifyProvider(t, mux)

	verified, err := provider.VerifyPayment(context.Background(), "pay1", "")
	if err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if !verified.Completed() {
		t.Errorf("Completed() = false for %+v", verified)
	}
	if verified.Email != "buyer@example.com" {
		t.Errorf("Email = %q", verified.Email)
	}
	if verified.ProductRef != "LINK_SERIOUS" {
		t.Errorf("ProductRef = %q", verified.ProductRef)
	}
}

func TestVerifyPaymentResolvesOrderAndCustomer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/orders/order-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"order": {
			"id": "order-1",
			"source": {"name": "LINK_ELITE"},
			"tenders": [{"payment_id": "pay1"}]
		}}`)
	})
	mux.HandleFunc("/v2/payments/pay1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"payment": {
			"id": "pay1", "order_id": "order-1", "status": "COMPLETED",
			"customer_id": "cus-1"
		}}`)
	})
	mux.HandleFunc("/v2/customers/cus-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"customer": {"id": "cus-1", "email_address": "fallback@example.com"}}`)
	})
	provider := newVerifyProvider(t, mux)

	// Only the order id is known, as on the checkout success page.
	verified, err := provider.VerifyPayment(context.Background(), "", "order-1")
	if err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if verified.PaymentID != "pay1" {
		t.Errorf("PaymentID = %q", verified.PaymentID)
	}
	if verified.Email != "fallback@example.com" {
		t.Errorf("customer email fallback: Email = %q", verified.Email)
	}
	if verified.ProductRef != "LINK_ELITE" {
		t.Errorf("order source fallback: ProductRef = %q", verified.ProductRef)
	}
}

func TestVerifyPaymentNotFound(t *testing.T) {
	provider := newVerifyProvider(t, http.NotFoundHandler())

	_, err := provider.VerifyPayment(context.Background(), "missing", "")
	if !errors.Is(err, billing.ErrPaymentNotFound) {
		t.Errorf("err = %v", err)
	}

	_, err = provider.VerifyPayment(context.Background(), "", "")
	if !errors.Is(err, billing.ErrPaymentNotFound) {
		t.Errorf("no ids: err = %v", err)
	}
}

func TestVerifyPaymentAPIError(t *testing.T) {
	provider := newVerifyProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors": [{"code": "UNAUTHORIZED"}]}`, http.StatusUnauthorized)
	}))

	_, err := provider.VerifyPayment(context.Background(), "pay1", "")
	if !errors.Is(err, billing.ErrProviderAPIError) {
		t.Errorf("err = %v", err)
	}
}
