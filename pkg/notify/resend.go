package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/tiergate/pkg/tiergate"
)

const (
	resendAPIURL       = "https://api.resend.com/emails"
	defaultHTTPTimeout = 10 * time.Second
)

// ErrNotifierNotConfigured is returned when the Resend API key is missing.
var ErrNotifierNotConfigured = errors.New("notify: notifier is not configured")

// ResendConfig holds the configuration for the Resend email notifier.
type ResendConfig struct {
	// APIKey is the Resend API key. Required.
	APIKey string

	// FromAddress is the sender address, e.g. "Acme <no-reply@acme.com>".
	// Required.
	FromAddress string

	// DashboardURL and PricingURL are linked from the email bodies.
	DashboardURL string
	PricingURL   string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// Logger is an optional logger. If nil, no logging is performed.
	Logger tiergate.Logger
}

// ResendNotifier sends lifecycle emails through the Resend API.
type ResendNotifier struct {
	apiKey       string
	fromAddress  string
	dashboardURL string
	pricingURL   string
	apiURL       string
	httpClient   *http.Client
	logger       tiergate.Logger
}

// NewResendNotifier creates a Resend-backed notifier.
func NewResendNotifier(config ResendConfig) (*ResendNotifier, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, ErrNotifierNotConfigured
	}
	if strings.TrimSpace(config.FromAddress) == "" {
		return nil, fmt.Errorf("notify: from address is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = &tiergate.NoopLogger{}
	}

	return &ResendNotifier{
		apiKey:       strings.TrimSpace(config.APIKey),
		fromAddress:  config.FromAddress,
		dashboardURL: config.DashboardURL,
		pricingURL:   config.PricingURL,
		apiURL:       resendAPIURL,
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

// SendExpiryReminder warns that access to productKey expires in daysLeft days.
func (n *ResendNotifier) SendExpiryReminder(ctx context.Context, email, productKey string, daysLeft int) error {
	subject := fmt.Sprintf("Your access expires in %d day(s)", daysLeft)
	html := fmt.Sprintf(
		"<p>Your access to %s expires in %d day(s).</p>"+
			"<p><a href=%q>Renew now</a> to keep your access.</p>",
		productLabel(productKey), daysLeft, n.pricingURL,
	)
	return n.send(ctx, email, subject, html)
}

// SendAccessExpired tells the user their access has just ended.
func (n *ResendNotifier) SendAccessExpired(ctx context.Context, email, productKey string) error {
	subject := "Your access has expired"
	html := fmt.Sprintf(
		"<p>Your access to %s has expired.</p>"+
			"<p><a href=%q>Renew now</a> to restore it.</p>",
		productLabel(productKey), n.pricingURL,
	)
	return n.send(ctx, email, subject, html)
}

// SendRenewalNotice prompts a downgraded user to renew at their previous tier.
func (n *ResendNotifier) SendRenewalNotice(ctx context.Context, email, previousTier, paymentLink string) error {
	if paymentLink == "" {
		paymentLink = n.pricingURL
	}
	subject := "Renew your membership"
	html := fmt.Sprintf(
		"<p>Your membership has lapsed and your account has been moved to the free tier.</p>"+
			"<p><a href=%q>Renew now (%s)</a></p>"+
			"<p>Your saved work is still available on your <a href=%q>dashboard</a>.</p>",
		paymentLink, previousTier, n.dashboardURL,
	)
	return n.send(ctx, email, subject, html)
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (n *ResendNotifier) send(ctx context.Context, email, subject, html string) error {
	payload, err := json.Marshal(resendRequest{
		From:    n.fromAddress,
		To:      []string{email},
		Subject: subject,
		HTML:    html,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal email payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.apiURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create email request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+n.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("email request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		n.logger.Warn("email delivery rejected",
			tiergate.Field{Key: "status", Value: resp.StatusCode},
			tiergate.Field{Key: "subject", Value: subject},
		)
		return fmt.Errorf("email API returned status %d: %s", resp.StatusCode, string(excerpt))
	}
	return nil
}

// productLabel turns a product key into readable email copy.
func productLabel(productKey string) string {
	switch {
	case strings.HasPrefix(productKey, "tier_"):
		return strings.TrimPrefix(productKey, "tier_") + " membership"
	case strings.HasPrefix(productKey, "tool_"):
		return "the " + strings.TrimPrefix(productKey, "tool_") + " tool"
	case strings.HasPrefix(productKey, "feature_"):
		return "the " + strings.TrimPrefix(productKey, "feature_") + " feature"
	default:
		return productKey
	}
}
