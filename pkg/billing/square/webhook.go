package square

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/billing/internal"
)

// handledPaymentEvents are the event types that can grant an entitlement.
// Square sends the same purchase under payment and checkout events; the
// reconciler's dedupe layers collapse them.
var handledPaymentEvents = map[string]bool{
	"payment.created":  true,
	"payment.updated":  true,
	"checkout.created": true,
	"checkout.updated": true,
}

// handledCancellationEvents revoke an entitlement.
var handledCancellationEvents = map[string]bool{
	"refund.created": true,
	"refund.updated": true,
}

// webhookPayload mirrors the Square event envelope. Only the fields the
// gate needs are declared; Square attaches many more.
type webhookPayload struct {
	MerchantID string `json:"merchant_id"`
	Type       string `json:"type"`
	EventID    string `json:"event_id"`
	CreatedAt  string `json:"created_at"`
	Data       struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Payment       *paymentObject  `json:"payment"`
			Checkout      *checkoutObject `json:"checkout"`
			Customer      *customerObject `json:"customer"`
			Refund        *refundObject   `json:"refund"`
			PaymentLinkID string          `json:"payment_link_id"`
		} `json:"object"`
	} `json:"data"`
}

type paymentObject struct {
	ID                string `json:"id"`
	OrderID           string `json:"order_id"`
	CustomerID        string `json:"customer_id"`
	Status            string `json:"status"`
	BuyerEmailAddress string `json:"buyer_email_address"`
}

type checkoutObject struct {
	ID                string `json:"id"`
	OrderID           string `json:"order_id"`
	PaymentLinkID     string `json:"payment_link_id"`
	BuyerEmailAddress string `json:"buyer_email_address"`
}

type customerObject struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

type refundObject struct {
	ID         string `json:"id"`
	PaymentID  string `json:"payment_id"`
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	Status     string `json:"status"`
}

// email returns the buyer email in priority order: payment, checkout,
// customer.
func (p *webhookPayload) email() string {
	obj := p.Data.Object
	if obj.Payment != nil && obj.Payment.BuyerEmailAddress != "" {
		return strings.ToLower(strings.TrimSpace(obj.Payment.BuyerEmailAddress))
	}
	if obj.Checkout != nil && obj.Checkout.BuyerEmailAddress != "" {
		return strings.ToLower(strings.TrimSpace(obj.Checkout.BuyerEmailAddress))
	}
	if obj.Customer != nil && obj.Customer.EmailAddress != "" {
		return strings.ToLower(strings.TrimSpace(obj.Customer.EmailAddress))
	}
	return ""
}

// paymentLinkID returns the payment link reference, present on checkout
// events and occasionally on the envelope itself.
func (p *webhookPayload) paymentLinkID() string {
	obj := p.Data.Object
	if obj.Checkout != nil && obj.Checkout.PaymentLinkID != "" {
		return obj.Checkout.PaymentLinkID
	}
	return obj.PaymentLinkID
}

func (p *webhookPayload) occurredAt() time.Time {
	if ts, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
		return ts
	}
	return time.Now().UTC()
}

// toPaymentEvent normalizes the payload for the reconciler.
func (p *webhookPayload) toPaymentEvent() *billing.PaymentEvent {
	obj := p.Data.Object
	ev := &billing.PaymentEvent{
		EventID:    p.EventID,
		Provider:   providerName,
		Type:       p.Type,
		ProductRef: p.paymentLinkID(),
		Email:      p.email(),
		OccurredAt: p.occurredAt(),
	}
	if obj.Payment != nil {
		ev.PaymentID = obj.Payment.ID
		ev.OrderID = obj.Payment.OrderID
		ev.CustomerID = obj.Payment.CustomerID
	}
	if obj.Checkout != nil {
		ev.CheckoutID = obj.Checkout.ID
		if ev.OrderID == "" {
			ev.OrderID = obj.Checkout.OrderID
		}
	}
	return ev
}

func (p *webhookPayload) toCancellationEvent() *billing.CancellationEvent {
	ev := &billing.CancellationEvent{
		EventID:    p.EventID,
		Provider:   providerName,
		Type:       p.Type,
		OccurredAt: p.occurredAt(),
	}
	if r := p.Data.Object.Refund; r != nil {
		ev.PaymentID = r.PaymentID
		ev.CustomerID = r.CustomerID
	}
	return ev
}

// handleWebhook processes incoming Square webhook events.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.signatureKey) == 0 {
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
		if strings.Contains(err.Error(), "too large") {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	if !p.verifySignature(extractSignature(r), body) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	eventType := strings.TrimSpace(payload.Type)
	if payload.EventID == "" {
		payload.EventID = payload.Data.ID
	}

	switch {
	case handledPaymentEvents[eventType]:
		outcome, err := p.reconciler.ProcessPayment(r.Context(), payload.toPaymentEvent())
		p.respond(w, eventType, outcome, err, startTime)

	case handledCancellationEvents[eventType]:
		outcome, err := p.reconciler.ProcessCancellation(r.Context(), payload.toCancellationEvent())
		p.respond(w, eventType, outcome, err, startTime)

	default:
		// Acknowledge everything else so Square stops retrying.
		_ = internal.WriteJSON(w, http.StatusOK, map[string]interface{}{"received": true})
		p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	}
}

func (p *Provider) respond(w http.ResponseWriter, eventType string, outcome billing.Outcome, err error, startTime time.Time) {
	if err != nil {
		// A 500 makes Square retry; the idempotency layers make the retry safe.
		http.Error(w, "processing failed", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"outcome":  string(outcome),
	})
	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}
