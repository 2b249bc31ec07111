package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/billing/internal"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxBodyBytes             = 256 * 1024
)

// Provider implements the billing.Provider interface for Stripe.
// The reconciler's ProductMapping is keyed on Stripe price ids.
type Provider struct {
	reconciler    *billing.Reconciler
	httpClient    *http.Client
	rateLimiter   *internal.RateLimiter
	webhookSecret string
	stripeClient  *stripe.Client
	metrics       billing.Metrics
}

// NewProvider creates a new Stripe billing provider.
func NewProvider(config billing.Config) (*Provider, error) {
	if config.Reconciler == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	// The API key is optional: without it checkout sessions cannot be
	// expanded and the provider falls back to session metadata.
	var client *stripe.Client
	if apiKey := strings.TrimSpace(config.APIKey); apiKey != "" {
		client = stripe.NewClient(apiKey)
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		reconciler:    config.Reconciler,
		httpClient:    httpClient,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		stripeClient:  client,
		metrics:       metrics,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks.
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	return p.rateLimiter.Middleware(handler)
}
