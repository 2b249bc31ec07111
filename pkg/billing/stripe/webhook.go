package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/billing/internal"
)

// handleWebhook processes incoming Stripe webhook events.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	event, err := stripe.ConstructEvent(body, sig, p.webhookSecret)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutCompleted(ctx, event)
	case "invoice.payment_succeeded":
		return p.handleInvoicePaid(ctx, event)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event)
	case "charge.refunded":
		return p.handleChargeRefunded(ctx, event)
	default:
		// Unknown event type - ignore silently
		return nil
	}
}

// handleCheckoutCompleted grants an entitlement for a completed checkout.
// The purchased price id comes from the expanded line items; the session
// payload in the event does not carry them.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	productRef, err := p.resolveProductRef(ctx, &session)
	if err != nil {
		return err
	}

	ev := &billing.PaymentEvent{
		EventID:    event.ID,
		Provider:   providerName,
		Type:       string(event.Type),
		ProductRef: productRef,
		Email:      sessionEmail(&session),
		CheckoutID: session.ID,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}
	if session.PaymentIntent != nil {
		ev.PaymentID = session.PaymentIntent.ID
	}
	if session.Customer != nil {
		ev.CustomerID = session.Customer.ID
	}

	_, err = p.reconciler.ProcessPayment(ctx, ev)
	return err
}

// handleInvoicePaid re-grants on every successful subscription invoice,
// which rolls the entitlement expiry forward one period. Each invoice
// carries a fresh payment id, so the reconciler's reference dedupe does
// not swallow renewals.
func (p *Provider) handleInvoicePaid(ctx context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	// The subscription field is a string or an object depending on
	// expansion; the typed struct does not cover both, so read it raw.
	subscriptionID := ""
	var rawData map[string]interface{}
	if err := json.Unmarshal(event.Data.Raw, &rawData); err == nil {
		switch v := rawData["subscription"].(type) {
		case string:
			subscriptionID = v
		case map[string]interface{}:
			if id, ok := v["id"].(string); ok {
				subscriptionID = id
			}
		}
	}
	if subscriptionID == "" {
		// One-off invoice, handled by checkout.session.completed.
		return nil
	}
	if p.stripeClient == nil {
		return billing.ErrProviderNotConfigured
	}

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription: %w", err)
	}

	productRef := ""
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		productRef = sub.Items.Data[0].Price.ID
	}

	ev := &billing.PaymentEvent{
		EventID:    event.ID,
		Provider:   providerName,
		Type:       string(event.Type),
		ProductRef: productRef,
		Email:      strings.ToLower(strings.TrimSpace(invoice.CustomerEmail)),
		PaymentID:  invoice.ID,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}
	if invoice.Customer != nil {
		ev.CustomerID = invoice.Customer.ID
	}

	_, err = p.reconciler.ProcessPayment(ctx, ev)
	return err
}

func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	ev := &billing.CancellationEvent{
		EventID:    event.ID,
		Provider:   providerName,
		Type:       string(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}
	if sub.Customer != nil {
		ev.CustomerID = sub.Customer.ID
	}

	_, err := p.reconciler.ProcessCancellation(ctx, ev)
	return err
}

func (p *Provider) handleChargeRefunded(ctx context.Context, event *stripe.Event) error {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return fmt.Errorf("failed to unmarshal charge: %w", err)
	}

	ev := &billing.CancellationEvent{
		EventID:    event.ID,
		Provider:   providerName,
		Type:       string(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}
	if charge.PaymentIntent != nil {
		ev.PaymentID = charge.PaymentIntent.ID
	}
	if charge.Customer != nil {
		ev.CustomerID = charge.Customer.ID
	}

	_, err := p.reconciler.ProcessCancellation(ctx, ev)
	return err
}

// resolveProductRef finds the purchased price id: expanded line items
// through the API when a client is configured, session metadata otherwise.
func (p *Provider) resolveProductRef(ctx context.Context, session *stripe.CheckoutSession) (string, error) {
	if ref := session.Metadata["product_ref"]; ref != "" {
		return ref, nil
	}

	if p.stripeClient == nil {
		return "", nil // reconciler audits it as unmapped
	}

	params := &stripe.CheckoutSessionRetrieveParams{}
	params.AddExpand("line_items")
	expanded, err := p.stripeClient.V1CheckoutSessions.Retrieve(ctx, session.ID, params)
	if err != nil {
		return "", fmt.Errorf("failed to expand checkout session: %w", err)
	}
	if expanded.LineItems == nil || len(expanded.LineItems.Data) == 0 {
		return "", nil
	}
	if price := expanded.LineItems.Data[0].Price; price != nil {
		return price.ID, nil
	}
	return "", nil
}

func sessionEmail(session *stripe.CheckoutSession) string {
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		return strings.ToLower(strings.TrimSpace(session.CustomerDetails.Email))
	}
	return strings.ToLower(strings.TrimSpace(session.CustomerEmail))
}
