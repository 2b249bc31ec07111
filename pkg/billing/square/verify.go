package square

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/tiergate/pkg/billing"
)

// VerifiedPayment is the server-side truth about a payment, fetched
// directly from Square. Frontends hand over ids only; amounts, emails
// and product references all come from here.
type VerifiedPayment struct {
	PaymentID  string `json:"payment_id"`
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
	Email      string `json:"email"`
	ProductRef string `json:"product_ref"`
}

// Completed reports whether the payment went through.
func (v *VerifiedPayment) Completed() bool {
	return strings.EqualFold(v.Status, "COMPLETED")
}

type paymentResponse struct {
	Payment struct {
		ID                string            `json:"id"`
		OrderID           string            `json:"order_id"`
		CustomerID        string            `json:"customer_id"`
		Status            string            `json:"status"`
		BuyerEmailAddress string            `json:"buyer_email_address"`
		Metadata          map[string]string `json:"metadata"`
	} `json:"payment"`
}

type orderResponse struct {
	Order struct {
		ID     string `json:"id"`
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
		Tenders []struct {
			PaymentID string `json:"payment_id"`
		} `json:"tenders"`
	} `json:"order"`
}

type customerResponse struct {
	Customer struct {
		ID           string `json:"id"`
		EmailAddress string `json:"email_address"`
	} `json:"customer"`
}

// VerifyPayment resolves a payment id (directly, or via the order behind
// a checkout) and returns its verified details. Used by the
// post-checkout success flow before a claim.
func (p *Provider) VerifyPayment(ctx context.Context, paymentID, orderID string) (*VerifiedPayment, error) {
	if p.accessToken == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	if paymentID == "" && orderID != "" {
		var order orderResponse
		if err := p.apiGet(ctx, "/v2/orders/"+orderID, &order); err != nil {
			return nil, err
		}
		if len(order.Order.Tenders) == 0 {
			return nil, fmt.Errorf("%w: order %s has no tender", billing.ErrPaymentNotFound, orderID)
		}
		paymentID = order.Order.Tenders[0].PaymentID
	}
	if paymentID == "" {
		return nil, billing.ErrPaymentNotFound
	}

	var payment paymentResponse
	if err := p.apiGet(ctx, "/v2/payments/"+paymentID, &payment); err != nil {
		return nil, err
	}

	verified := &VerifiedPayment{
		PaymentID: payment.Payment.ID,
		OrderID:   payment.Payment.OrderID,
		Status:    payment.Payment.Status,
		Email:     strings.ToLower(strings.TrimSpace(payment.Payment.BuyerEmailAddress)),
	}

	// The email can live on the customer record instead of the payment.
	if verified.Email == "" && payment.Payment.CustomerID != "" {
		var customer customerResponse
		if err := p.apiGet(ctx, "/v2/customers/"+payment.Payment.CustomerID, &customer); err == nil {
			verified.Email = strings.ToLower(strings.TrimSpace(customer.Customer.EmailAddress))
		}
	}

	// Payment link reference: metadata first, then the order source.
	if ref := payment.Payment.Metadata["link_id"]; ref != "" {
		verified.ProductRef = ref
	} else if ref := payment.Payment.Metadata["payment_link_id"]; ref != "" {
		verified.ProductRef = ref
	} else if payment.Payment.OrderID != "" {
		var order orderResponse
		if err := p.apiGet(ctx, "/v2/orders/"+payment.Payment.OrderID, &order); err == nil {
			verified.ProductRef = order.Order.Source.Name
		}
	}

	return verified, nil
}

func (p *Provider) apiGet(ctx context.Context, path string, out interface{}) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.metrics.RecordAPICall(providerName, path, "error")
		return fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	defer func() { _ = resp.Body.Close() }()

	p.metrics.RecordAPICall(providerName, path, strconv.Itoa(resp.StatusCode))
	p.metrics.RecordAPICallDuration(providerName, path, time.Since(start))

	if resp.StatusCode == http.StatusNotFound {
		return billing.ErrPaymentNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d: %s", billing.ErrProviderAPIError, resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
