// Package notify delivers lifecycle emails for entitlements: expiry
// reminders, expiration notices, and renewal prompts. Delivery is best
// effort; callers treat failures as advisory and never roll back the
// state change that triggered the email.
package notify

import "context"

// Notifier sends entitlement lifecycle emails.
type Notifier interface {
	// SendExpiryReminder warns that an entitlement expires in daysLeft days.
	SendExpiryReminder(ctx context.Context, email, productKey string, daysLeft int) error

	// SendAccessExpired tells the user an entitlement has just expired.
	SendAccessExpired(ctx context.Context, email, productKey string) error

	// SendRenewalNotice prompts a downgraded user to renew at their
	// previous tier via the given payment link.
	SendRenewalNotice(ctx context.Context, email, previousTier, paymentLink string) error
}

// NoopNotifier discards all notifications. Useful for tests and for
// deployments that have not configured an email provider.
type NoopNotifier struct{}

func (n *NoopNotifier) SendExpiryReminder(_ context.Context, _, _ string, _ int) error { return nil }
func (n *NoopNotifier) SendAccessExpired(_ context.Context, _, _ string) error         { return nil }
func (n *NoopNotifier) SendRenewalNotice(_ context.Context, _, _, _ string) error      { return nil }
