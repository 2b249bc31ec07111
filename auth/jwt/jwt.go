// Package jwtauth implements tiergate.IdentityService over HS256-signed
// JWTs, the token shape issued by the hosted auth provider. The token's
// tier claim is advisory only; the resolver re-checks it against stored
// state on every request.
package jwtauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/tiergate/pkg/tiergate"
)

var (
	// ErrInvalidToken is returned for malformed, unsigned, or
	// wrongly-signed tokens.
	ErrInvalidToken = errors.New("jwtauth: invalid token")

	// ErrTokenExpired is returned for tokens outside their validity window.
	ErrTokenExpired = errors.New("jwtauth: token expired or not yet valid")
)

const defaultLeeway = 30 * time.Second

// claims is the token payload the auth provider issues.
type claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	Tier  string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// Service verifies bearer tokens and maps them to identities.
type Service struct {
	signKey []byte
	leeway  time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLeeway sets the clock-skew tolerance for expiry checks.
func WithLeeway(d time.Duration) Option {
	return func(s *Service) { s.leeway = d }
}

// NewService creates an identity service verifying HS256 tokens signed
// with signKey.
func NewService(signKey []byte, opts ...Option) (*Service, error) {
	if len(signKey) == 0 {
		return nil, errors.New("jwtauth: signing key is required")
	}
	s := &Service{signKey: signKey, leeway: defaultLeeway}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Authenticate verifies token and returns the identity it carries.
// The "Bearer " prefix is stripped if present.
func (s *Service) Authenticate(_ context.Context, token string) (*tiergate.Identity, error) {
	token = strings.TrimSpace(token)
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return nil, ErrInvalidToken
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	}, jwt.WithLeeway(s.leeway))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenNotValidYet) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !parsed.Valid || c.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &tiergate.Identity{
		UserID:    c.Subject,
		Email:     strings.ToLower(strings.TrimSpace(c.Email)),
		Role:      c.Role,
		TierClaim: c.Tier,
	}, nil
}
