// Package postgres provides a PostgreSQL implementation of the
// tiergate.Storage interface over a pgx connection pool. All writes are
// single statements; the partial unique indexes in schema.sql carry the
// one-active-row-per-owner-and-product invariant.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/tiergate/pkg/tiergate"
)

//go:embed schema.sql
var schemaSQL string

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Storage implements tiergate.Storage using PostgreSQL.
type Storage struct {
	pool *pgxpool.Pool
}

// New creates a PostgreSQL storage adapter and verifies the connection.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool}, nil
}

// EnsureSchema applies the embedded schema. Safe to run repeatedly.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const profileColumns = `id, email, tier, role, subscription_status, grace_until, updated_at`

func scanProfile(row pgx.Row) (*tiergate.Profile, error) {
	var p tiergate.Profile
	err := row.Scan(&p.ID, &p.Email, &p.Tier, &p.Role, &p.SubscriptionStatus, &p.GraceUntil, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tiergate.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}

// GetProfile implements tiergate.Storage.
func (s *Storage) GetProfile(ctx context.Context, userID string) (*tiergate.Profile, error) {
	return scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, userID))
}

// GetProfileByEmail implements tiergate.Storage.
func (s *Storage) GetProfileByEmail(ctx context.Context, email string) (*tiergate.Profile, error) {
	return scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE lower(email) = lower($1)`, email))
}

// UpdateProfileTier implements tiergate.Storage.
func (s *Storage) UpdateProfileTier(ctx context.Context, userID, tier string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE profiles SET tier = $2, updated_at = now() WHERE id = $1`, userID, tier)
	if err != nil {
		return fmt.Errorf("failed to update tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tiergate.ErrProfileNotFound
	}
	return nil
}

// ListProfilesByTier implements tiergate.Storage.
func (s *Storage) ListProfilesByTier(ctx context.Context, tiers []string) ([]*tiergate.Profile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE tier = ANY($1)`, tiers)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var out []*tiergate.Profile
	for rows.Next() {
		var p tiergate.Profile
		if err := rows.Scan(&p.ID, &p.Email, &p.Tier, &p.Role, &p.SubscriptionStatus, &p.GraceUntil, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ActiveOverride implements tiergate.Storage. Returns nil, nil when no
// override is in effect.
func (s *Storage) ActiveOverride(ctx context.Context, userID string, now time.Time) (*tiergate.TierOverride, error) {
	var o tiergate.TierOverride
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, override_tier, expires_at, created_at
			FROM tier_overrides
			WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > $2)
			ORDER BY created_at DESC
			LIMIT 1`,
		userID, now).Scan(&o.ID, &o.UserID, &o.OverrideTier, &o.ExpiresAt, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get override: %w", err)
	}
	return &o, nil
}

// InsertOverride implements tiergate.Storage.
func (s *Storage) InsertOverride(ctx context.Context, o *tiergate.TierOverride) error {
	id := o.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tier_overrides (id, user_id, override_tier, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
		id, o.UserID, o.OverrideTier, o.ExpiresAt, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert override: %w", err)
	}
	return nil
}

const entitlementColumns = `id, user_id, email, product_key, status, started_at, expires_at,
	source, payment_id, order_id, checkout_id, customer_id`

func scanEntitlement(row pgx.Row) (*tiergate.Entitlement, error) {
	var e tiergate.Entitlement
	err := row.Scan(&e.ID, &e.UserID, &e.Email, &e.ProductKey, &e.Status, &e.StartedAt,
		&e.ExpiresAt, &e.Source, &e.PaymentID, &e.OrderID, &e.CheckoutID, &e.CustomerID)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Storage) queryEntitlements(ctx context.Context, query string, args ...interface{}) ([]*tiergate.Entitlement, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entitlements: %w", err)
	}
	defer rows.Close()

	var out []*tiergate.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entitlement: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FindActiveEntitlement implements tiergate.Storage.
func (s *Storage) FindActiveEntitlement(ctx context.Context, userID, productKey string, now time.Time) (*tiergate.Entitlement, error) {
	e, err := scanEntitlement(s.pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
			WHERE user_id = $1 AND product_key = $2 AND status = 'active'
				AND (expires_at IS NULL OR expires_at > $3)`,
		userID, productKey, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entitlement: %w", err)
	}
	return e, nil
}

// ListActiveEntitlements implements tiergate.Storage.
func (s *Storage) ListActiveEntitlements(ctx context.Context, userID string) ([]*tiergate.Entitlement, error) {
	return s.queryEntitlements(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
			WHERE user_id = $1 AND status = 'active'
				AND (expires_at IS NULL OR expires_at > now())`,
		userID)
}

// UpsertActiveEntitlement implements tiergate.Storage. The partial
// unique indexes make concurrent webhook deliveries collapse onto one
// active row.
func (s *Storage) UpsertActiveEntitlement(ctx context.Context, e *tiergate.Entitlement) error {
	if e == nil || e.ProductKey == "" {
		return tiergate.ErrInvalidProductKey
	}

	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := e.Status
	if status == "" {
		status = tiergate.StatusActive
	}
	startedAt := e.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	email := strings.ToLower(strings.TrimSpace(e.Email))

	conflict := `(user_id, product_key) WHERE status = 'active' AND user_id <> ''`
	if e.UserID == "" {
		conflict = `(lower(email), product_key) WHERE status = 'active' AND user_id = ''`
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entitlements
			(id, user_id, email, product_key, status, started_at, expires_at,
			 source, payment_id, order_id, checkout_id, customer_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT `+conflict+` DO UPDATE SET
				email = EXCLUDED.email,
				status = EXCLUDED.status,
				started_at = EXCLUDED.started_at,
				expires_at = EXCLUDED.expires_at,
				source = EXCLUDED.source,
				payment_id = EXCLUDED.payment_id,
				order_id = EXCLUDED.order_id,
				checkout_id = EXCLUDED.checkout_id,
				customer_id = EXCLUDED.customer_id`,
		id, e.UserID, email, e.ProductKey, status, startedAt, e.ExpiresAt,
		e.Source, e.PaymentID, e.OrderID, e.CheckoutID, e.CustomerID)
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return nil
}

// ExpireEntitlement implements tiergate.Storage.
func (s *Storage) ExpireEntitlement(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entitlements SET status = 'expired' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to expire entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tiergate.ErrEntitlementNotFound
	}
	return nil
}

// FindEntitlementByProviderRef implements tiergate.Storage.
func (s *Storage) FindEntitlementByProviderRef(ctx context.Context, ref tiergate.ProviderRef) (*tiergate.Entitlement, error) {
	if ref.Empty() {
		return nil, nil
	}
	e, err := scanEntitlement(s.pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
			WHERE ($1 <> '' AND payment_id = $1)
				OR ($2 <> '' AND checkout_id = $2)
				OR ($3 <> '' AND customer_id = $3)
			ORDER BY started_at DESC
			LIMIT 1`,
		ref.PaymentID, ref.CheckoutID, ref.CustomerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entitlement by reference: %w", err)
	}
	return e, nil
}

// FindExpiringBetween implements tiergate.Storage.
func (s *Storage) FindExpiringBetween(ctx context.Context, from, to time.Time) ([]*tiergate.Entitlement, error) {
	return s.queryEntitlements(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
			WHERE status = 'active' AND expires_at IS NOT NULL
				AND expires_at >= $1 AND expires_at <= $2
			ORDER BY expires_at`,
		from, to)
}

// FindExpiredBefore implements tiergate.Storage.
func (s *Storage) FindExpiredBefore(ctx context.Context, now time.Time) ([]*tiergate.Entitlement, error) {
	return s.queryEntitlements(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
			WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < $1`,
		now)
}

// LatestExpiryForProducts implements tiergate.Storage.
func (s *Storage) LatestExpiryForProducts(ctx context.Context, userID string, productKeys []string) (*time.Time, error) {
	var latest *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT max(expires_at) FROM entitlements
			WHERE user_id = $1 AND product_key = ANY($2) AND expires_at IS NOT NULL`,
		userID, productKeys).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest expiry: %w", err)
	}
	return latest, nil
}

// UnclaimedEntitlements implements tiergate.Storage.
func (s *Storage) UnclaimedEntitlements(ctx context.Context, email string) ([]*tiergate.Entitlement, error) {
	return s.queryEntitlements(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
			WHERE user_id = '' AND lower(email) = lower($1) AND status = 'active'`,
		email)
}

// AttachEntitlements implements tiergate.Storage.
func (s *Storage) AttachEntitlements(ctx context.Context, ids []string, userID string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE entitlements SET user_id = $2 WHERE id = ANY($1)`, ids, userID)
	if err != nil {
		return fmt.Errorf("failed to attach entitlements: %w", err)
	}
	return nil
}

// InsertPending implements tiergate.Storage.
func (s *Storage) InsertPending(ctx context.Context, p *tiergate.PendingEntitlement) error {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_entitlements (id, email, product_key, payment_id, checkout_id, created_at)
			VALUES ($1, lower($2), $3, $4, $5, $6)`,
		id, p.Email, p.ProductKey, p.PaymentID, p.CheckoutID, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert pending entitlement: %w", err)
	}
	return nil
}

// PendingByEmail implements tiergate.Storage.
func (s *Storage) PendingByEmail(ctx context.Context, email string) ([]*tiergate.PendingEntitlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, email, product_key, payment_id, checkout_id, created_at
			FROM pending_entitlements WHERE lower(email) = lower($1)`,
		email)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entitlements: %w", err)
	}
	defer rows.Close()

	var out []*tiergate.PendingEntitlement
	for rows.Next() {
		var p tiergate.PendingEntitlement
		if err := rows.Scan(&p.ID, &p.Email, &p.ProductKey, &p.PaymentID, &p.CheckoutID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending entitlement: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// FindPendingByProviderRef implements tiergate.Storage.
func (s *Storage) FindPendingByProviderRef(ctx context.Context, ref tiergate.ProviderRef) (*tiergate.PendingEntitlement, error) {
	if ref.PaymentID == "" && ref.CheckoutID == "" {
		return nil, nil
	}
	var p tiergate.PendingEntitlement
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, product_key, payment_id, checkout_id, created_at
			FROM pending_entitlements
			WHERE ($1 <> '' AND payment_id = $1) OR ($2 <> '' AND checkout_id = $2)
			LIMIT 1`,
		ref.PaymentID, ref.CheckoutID).Scan(&p.ID, &p.Email, &p.ProductKey, &p.PaymentID, &p.CheckoutID, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending entitlement: %w", err)
	}
	return &p, nil
}

// DeletePending implements tiergate.Storage.
func (s *Storage) DeletePending(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM pending_entitlements WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete pending entitlement: %w", err)
	}
	return nil
}

// RecordWebhookEvent implements tiergate.Storage. Returns false when the
// event id was already recorded.
func (s *Storage) RecordWebhookEvent(ctx context.Context, eventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (event_id) VALUES ($1) ON CONFLICT (event_id) DO NOTHING`,
		eventID)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendAudit implements tiergate.Storage.
func (s *Storage) AppendAudit(ctx context.Context, entry *tiergate.AuditEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var metadata []byte
	if len(entry.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, action, actor_user_id, actor_email, target_user_id, target_email, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, entry.Action, entry.ActorUserID, entry.ActorEmail,
		entry.TargetUserID, entry.TargetEmail, metadata, createdAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}
