// Package token issues and verifies the signed credentials that gate room
// access: short-lived access tokens for connection auth and long-lived
// refresh tokens used only to mint new pairs. Verification is pure and
// stateless; live-status checks are layered on top by callers.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"anonchat.org/internal/identity"
)

const (
	defaultIssuer     = "anonchat"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	// TypeAccess and TypeRefresh discriminate credential shapes so an
	// access token can never be replayed as a refresh token.
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	// ErrInvalidToken indicates a token that failed signature, expiry or
	// shape validation. Callers translate it into wire-level auth errors.
	ErrInvalidToken = errors.New("token: invalid or expired")

	errMissingSecret = errors.New("token: signing secret is not configured")
)

// Claims are the fields embedded in both credential types. The embedded
// status is a snapshot at issue time; it is informational only and must not
// be used as an authorization gate.
type Claims struct {
	UserID    int64           `json:"user_id"`
	AnonName  string          `json:"anon_name"`
	Status    identity.Status `json:"status"`
	TokenType string          `json:"token_type"`
	jwt.RegisteredClaims
}

// Service signs and verifies credentials with a single HS256 secret.
type Service struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
	}
}

// WithAccessTTL configures access credential lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh credential lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service. A missing secret is a configuration
// error surfaced here so the process can fail fast at startup.
func NewService(secret string, opts ...Option) (*Service, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	s := &Service{
		secret:     []byte(secret),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AccessTTL reports the configured access credential lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// IssueAccess signs a short-lived access credential for the user.
func (s *Service) IssueAccess(u *identity.User) (string, time.Time, error) {
	return s.issue(u, TypeAccess, s.accessTTL)
}

// IssueRefresh signs a long-lived refresh credential for the user.
func (s *Service) IssueRefresh(u *identity.User) (string, time.Time, error) {
	return s.issue(u, TypeRefresh, s.refreshTTL)
}

func (s *Service) issue(u *identity.User, tokenType string, ttl time.Duration) (string, time.Time, error) {
	if u == nil || u.ID == 0 {
		return "", time.Time{}, errors.New("token: user is required")
	}
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		UserID:    u.ID,
		AnonName:  u.AnonName,
		Status:    u.Status,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// VerifyAccess checks signature, expiry and shape of an access credential.
func (s *Service) VerifyAccess(raw string) (*Claims, error) {
	return s.verify(raw, TypeAccess)
}

// VerifyRefresh checks signature, expiry and shape of a refresh credential,
// rejecting tokens not marked with the refresh type.
func (s *Service) VerifyRefresh(raw string) (*Claims, error) {
	return s.verify(raw, TypeRefresh)
}

func (s *Service) verify(raw, wantType string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == 0 || !claims.Status.Valid() {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != wantType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
