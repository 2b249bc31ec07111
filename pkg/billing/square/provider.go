package square

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/billing/internal"
)

const (
	providerName             = "square"
	squareAPIBaseURL         = "https://connect.squareup.com"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100

	// Square payloads are small; 256KB is a safe upper bound.
	maxBodyBytes = 256 * 1024
)

// Provider implements the billing.Provider interface for Square.
// Payments arrive as webhooks signed with the webhook signature key;
// outbound verification calls use the access token.
type Provider struct {
	reconciler      *billing.Reconciler
	httpClient      *http.Client
	rateLimiter     *internal.RateLimiter
	signatureKey    []byte
	notificationURL string
	accessToken     string
	apiBaseURL      string
	metrics         billing.Metrics
}

// NewProvider creates a new Square billing provider.
func NewProvider(config billing.Config) (*Provider, error) {
	if config.Reconciler == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	accessToken := strings.TrimSpace(config.APIKey)
	if strings.HasPrefix(strings.ToLower(accessToken), "bearer ") {
		accessToken = strings.TrimSpace(accessToken[len("bearer "):])
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		reconciler:      config.Reconciler,
		httpClient:      httpClient,
		rateLimiter:     internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		signatureKey:    []byte(strings.TrimSpace(config.WebhookSecret)),
		notificationURL: strings.TrimSpace(config.NotificationURL),
		accessToken:     accessToken,
		apiBaseURL:      squareAPIBaseURL,
		metrics:         metrics,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Square webhooks.
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	return p.rateLimiter.Middleware(handler)
}

// verifySignature checks the signature header:
// base64(HMAC_SHA256(signature_key, notification_url + raw_body)).
// Square signs the configured notification URL together with the body,
// so the raw bytes must be used exactly as received.
func (p *Provider) verifySignature(signature string, body []byte) bool {
	if len(p.signatureKey) == 0 || strings.TrimSpace(signature) == "" {
		return false
	}

	provided, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, p.signatureKey)
	mac.Write([]byte(p.notificationURL))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

func extractSignature(r *http.Request) string {
	sig := strings.TrimSpace(r.Header.Get("x-square-signature"))
	if sig == "" {
		sig = strings.TrimSpace(r.Header.Get("x-square-hmacsha256-signature"))
	}
	return sig
}
