// Package credential issues and verifies location-scoped kiosk bearer tokens.
package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/kozaktomas/presence-kiosk/internal/apperr"
	"github.com/kozaktomas/presence-kiosk/internal/config"
	"github.com/kozaktomas/presence-kiosk/internal/constants"
)

// ErrMissingSecret is returned by NewService when no signing secret is configured.
var ErrMissingSecret = errors.New("kiosk token secret is not configured")

// Claims are the JWT claims carried by a kiosk token.
type Claims struct {
	LocationID string `json:"location_id"`
	jwt.RegisteredClaims
}

// Issued is a freshly signed token.
type Issued struct {
	Token            string    `json:"access_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExpiresInSeconds int64     `json:"expires_in"`
}

// Service signs and verifies kiosk tokens with HMAC-SHA256.
type Service struct {
	secret   []byte
	ttl      time.Duration
	issuer   string
	audience string
	now      func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source used for iat/exp and validation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a token service from config.
func NewService(cfg config.CredentialConfig, opts ...Option) (*Service, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}

	s := &Service{
		secret:   []byte(cfg.Secret),
		ttl:      cfg.TTL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      time.Now,
	}
	if s.ttl <= 0 {
		s.ttl = constants.DefaultTokenTTL
	}
	if s.issuer == "" {
		s.issuer = constants.DefaultTokenIssuer
	}
	if s.audience == "" {
		s.audience = constants.DefaultTokenAudience
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DefaultTTL returns the lifetime used when Issue is called with ttl <= 0.
func (s *Service) DefaultTTL() time.Duration {
	return s.ttl
}

// Issue signs a token bound to exactly one location.
func (s *Service) Issue(locationID string, ttl time.Duration) (*Issued, error) {
	if strings.TrimSpace(locationID) == "" {
		return nil, apperr.Validation("location id is required")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	now := s.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(ttl)
	claims := Claims{
		LocationID: locationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   locationID,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	return &Issued{
		Token:            signed,
		ExpiresAt:        expiresAt,
		ExpiresInSeconds: int64(ttl / time.Second),
	}, nil
}

// Verify validates signature, algorithm, issuer, audience and expiry and
// returns the claims. Every failure is an apperr auth error.
func (s *Service) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, apperr.Auth("missing token", nil)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)

	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Auth("token expired", err)
		}
		return nil, apperr.Auth("invalid token", err)
	}
	if !parsed.Valid {
		return nil, apperr.Auth("invalid token", nil)
	}

	if claims.LocationID == "" {
		claims.LocationID = claims.Subject
	}
	if claims.LocationID == "" {
		return nil, apperr.Auth("token is not bound to a location", nil)
	}
	return claims, nil
}

// RequireBearer extracts the token from an "Authorization: Bearer <token>"
// header value and verifies it.
func (s *Service) RequireBearer(header string) (*Claims, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return nil, apperr.Auth("missing bearer token", nil)
	}
	if strings.TrimSpace(token) != token {
		return nil, apperr.Auth("malformed bearer token", nil)
	}
	return s.Verify(token)
}
