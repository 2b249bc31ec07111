// Package sweep implements the periodic reconciliation passes that
// webhooks alone cannot provide: expiry reminders ahead of time, and the
// downgrade of accounts whose paid access lapsed without renewal.
// Sweeps are idempotent; running one twice sends at most one extra email
// and never changes state the first run already settled.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mihaimyh/tiergate/pkg/notify"
	"github.com/mihaimyh/tiergate/pkg/tiergate"
)

const (
	reminderWindowLong  = 7 * 24 * time.Hour
	reminderWindowShort = 24 * time.Hour

	// A lapsed calculator tier is kept for this long after the last
	// entitlement expires before the account drops to the lowest tier.
	renewalGrace = 30 * 24 * time.Hour

	defaultConcurrency = 4
)

// Config holds the dependencies and tuning for a Sweeper.
type Config struct {
	Storage  tiergate.Storage
	Model    *tiergate.TierModel
	Notifier notify.Notifier

	// RenewalLinks maps a tier name to the payment link offered in the
	// renewal email. Missing tiers fall back to the lowest paid tier's
	// link when one is configured.
	RenewalLinks map[string]string

	// Concurrency bounds the number of profiles examined in parallel
	// during the downgrade pass. Defaults to 4.
	Concurrency int

	Logger tiergate.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Sweeper runs the reconciliation passes.
type Sweeper struct {
	storage      tiergate.Storage
	model        *tiergate.TierModel
	notifier     notify.Notifier
	renewalLinks map[string]string
	concurrency  int
	logger       tiergate.Logger
	now          func() time.Time
}

// NewSweeper creates a Sweeper, applying defaults for optional fields.
func NewSweeper(config Config) (*Sweeper, error) {
	if config.Storage == nil {
		return nil, tiergate.ErrStorageUnavailable
	}
	model := config.Model
	if model == nil {
		model = tiergate.DefaultTierModel()
	}
	notifier := config.Notifier
	if notifier == nil {
		notifier = &notify.NoopNotifier{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &tiergate.NoopLogger{}
	}
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &Sweeper{
		storage:      config.Storage,
		model:        model,
		notifier:     notifier,
		renewalLinks: config.RenewalLinks,
		concurrency:  concurrency,
		logger:       logger,
		now:          now,
	}, nil
}

// ExpiryReport summarizes one reminder pass.
type ExpiryReport struct {
	ExpiringIn7Days int `json:"expiring_in_7_days"`
	ExpiringIn1Day  int `json:"expiring_in_1_day"`
	RemindersSent   int `json:"reminders_sent"`
}

// NotifyExpiring sends reminders for entitlements expiring within seven
// days and again within one day. The pass is read-only: it never mutates
// entitlements or profiles, and a failed email is logged and skipped.
func (s *Sweeper) NotifyExpiring(ctx context.Context) (*ExpiryReport, error) {
	now := s.now().UTC()
	report := &ExpiryReport{}

	windows := []struct {
		span  time.Duration
		count *int
	}{
		{reminderWindowLong, &report.ExpiringIn7Days},
		{reminderWindowShort, &report.ExpiringIn1Day},
	}

	for _, window := range windows {
		rows, err := s.storage.FindExpiringBetween(ctx, now, now.Add(window.span))
		if err != nil {
			return nil, fmt.Errorf("failed to list expiring entitlements: %w", err)
		}
		*window.count = len(rows)

		seen := make(map[string]bool)
		for _, ent := range rows {
			email := s.entitlementEmail(ctx, ent)
			if email == "" || seen[email] {
				continue
			}
			seen[email] = true

			daysLeft := 1
			if ent.ExpiresAt != nil {
				if d := int((ent.ExpiresAt.Sub(now) + 24*time.Hour - time.Nanosecond) / (24 * time.Hour)); d > 1 {
					daysLeft = d
				}
			}
			if err := s.notifier.SendExpiryReminder(ctx, email, ent.ProductKey, daysLeft); err != nil {
				s.logger.Warn("expiry reminder failed",
					tiergate.Field{Key: "email", Value: email},
					tiergate.Field{Key: "error", Value: err.Error()},
				)
				continue
			}
			report.RemindersSent++
		}
	}

	return report, nil
}

// RenewalReport summarizes one downgrade pass.
type RenewalReport struct {
	EntitlementsExpired int `json:"entitlements_marked_expired"`
	Downgraded          int `json:"downgraded_count"`
	RenewalEmailsSent   int `json:"renewal_emails_sent"`
}

// DowngradeStale marks overdue entitlements expired, then downgrades
// profiles whose calculator access lapsed more than thirty days ago.
// Webhooks raise tiers; this pass is the only place a tier goes down.
func (s *Sweeper) DowngradeStale(ctx context.Context) (*RenewalReport, error) {
	now := s.now().UTC()
	report := &RenewalReport{}

	if err := s.expireOverdue(ctx, now, report); err != nil {
		return nil, err
	}
	if err := s.downgradeLapsed(ctx, now, report); err != nil {
		return nil, err
	}
	return report, nil
}

func (s *Sweeper) expireOverdue(ctx context.Context, now time.Time, report *RenewalReport) error {
	rows, err := s.storage.FindExpiredBefore(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list overdue entitlements: %w", err)
	}

	notified := make(map[string]bool)
	for _, ent := range rows {
		if err := s.storage.ExpireEntitlement(ctx, ent.ID); err != nil {
			s.logger.Error("failed to expire entitlement",
				tiergate.Field{Key: "entitlement_id", Value: ent.ID},
				tiergate.Field{Key: "error", Value: err.Error()},
			)
			continue
		}
		report.EntitlementsExpired++

		s.audit(ctx, &tiergate.AuditEntry{
			Action:       tiergate.ActionEntitlementExpired,
			ActorEmail:   "cron",
			TargetUserID: ent.UserID,
			TargetEmail:  ent.Email,
			Metadata: map[string]string{
				"entitlement_id": ent.ID,
				"product_key":    ent.ProductKey,
				"reason":         "expiry_sweep",
			},
		})

		email := s.entitlementEmail(ctx, ent)
		if email == "" || notified[email] {
			continue
		}
		notified[email] = true
		if err := s.notifier.SendAccessExpired(ctx, email, ent.ProductKey); err != nil {
			s.logger.Warn("expired-access email failed",
				tiergate.Field{Key: "email", Value: email},
				tiergate.Field{Key: "error", Value: err.Error()},
			)
		}
	}
	return nil
}

func (s *Sweeper) downgradeLapsed(ctx context.Context, now time.Time, report *RenewalReport) error {
	profiles, err := s.storage.ListProfilesByTier(ctx, s.model.CalculatorTiers())
	if err != nil {
		return fmt.Errorf("failed to list paid profiles: %w", err)
	}

	cutoff := now.Add(-renewalGrace)
	productKeys := s.model.CalculatorProductKeys()

	var mu sync.Mutex
	notified := make(map[string]bool)

	sem := semaphore.NewWeighted(int64(s.concurrency))
	var wg sync.WaitGroup
	for _, profile := range profiles {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(profile *tiergate.Profile) {
			defer sem.Release(1)
			defer wg.Done()

			downgraded, err := s.downgradeProfile(ctx, profile, cutoff, productKeys)
			if err != nil {
				s.logger.Error("downgrade check failed",
					tiergate.Field{Key: "user_id", Value: profile.ID},
					tiergate.Field{Key: "error", Value: err.Error()},
				)
				return
			}
			if !downgraded {
				return
			}

			mu.Lock()
			report.Downgraded++
			sendEmail := profile.Email != "" && !notified[profile.Email]
			if sendEmail {
				notified[profile.Email] = true
			}
			mu.Unlock()

			if sendEmail {
				link := s.renewalLink(profile.Tier)
				if err := s.notifier.SendRenewalNotice(ctx, profile.Email, profile.Tier, link); err != nil {
					s.logger.Warn("renewal email failed",
						tiergate.Field{Key: "email", Value: profile.Email},
						tiergate.Field{Key: "error", Value: err.Error()},
					)
					return
				}
				mu.Lock()
				report.RenewalEmailsSent++
				mu.Unlock()
			}
		}(profile)
	}
	wg.Wait()
	return nil
}

// downgradeProfile reports whether the profile was dropped to the lowest
// tier. A profile survives if it still has any active entitlement, or if
// its last calculator entitlement expired inside the renewal grace.
func (s *Sweeper) downgradeProfile(ctx context.Context, profile *tiergate.Profile, cutoff time.Time, productKeys []string) (bool, error) {
	active, err := s.storage.ListActiveEntitlements(ctx, profile.ID)
	if err != nil {
		return false, err
	}
	if len(active) > 0 {
		return false, nil
	}

	lastExpiry, err := s.storage.LatestExpiryForProducts(ctx, profile.ID, productKeys)
	if err != nil {
		return false, err
	}
	if lastExpiry == nil || !lastExpiry.Before(cutoff) {
		return false, nil
	}

	if err := s.storage.UpdateProfileTier(ctx, profile.ID, tiergate.TierGuest); err != nil {
		return false, err
	}

	s.audit(ctx, &tiergate.AuditEntry{
		Action:       tiergate.ActionRenewalDowngrade,
		ActorEmail:   "cron",
		TargetUserID: profile.ID,
		TargetEmail:  profile.Email,
		Metadata: map[string]string{
			"previous_tier": profile.Tier,
			"reason":        "no_payment_30_days",
		},
	})
	return true, nil
}

func (s *Sweeper) renewalLink(tier string) string {
	if link, ok := s.renewalLinks[tier]; ok {
		return link
	}
	return s.renewalLinks[tiergate.TierStarter]
}

// entitlementEmail resolves the address to notify: the entitlement's own
// email for unclaimed rows, otherwise the owning profile's.
func (s *Sweeper) entitlementEmail(ctx context.Context, ent *tiergate.Entitlement) string {
	if ent.Email != "" {
		return ent.Email
	}
	if ent.UserID == "" {
		return ""
	}
	profile, err := s.storage.GetProfile(ctx, ent.UserID)
	if err != nil {
		if !errors.Is(err, tiergate.ErrProfileNotFound) {
			s.logger.Warn("profile lookup failed during sweep",
				tiergate.Field{Key: "user_id", Value: ent.UserID},
				tiergate.Field{Key: "error", Value: err.Error()},
			)
		}
		return ""
	}
	return profile.Email
}

func (s *Sweeper) audit(ctx context.Context, entry *tiergate.AuditEntry) {
	if err := s.storage.AppendAudit(ctx, entry); err != nil {
		s.logger.Error("failed to write audit entry",
			tiergate.Field{Key: "action", Value: entry.Action},
			tiergate.Field{Key: "error", Value: err.Error()},
		)
	}
}
