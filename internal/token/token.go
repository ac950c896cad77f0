// Package token mints and verifies tenant-scoped session tokens.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/widgetkit/gateway/internal/core/domain"
)

// MinSecretLength is the shortest HMAC secret an Issuer accepts.
const MinSecretLength = 32

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrWeakSecret   = fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
)

// Claims carried by a session token.
type Claims struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 session tokens.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source used for iat/exp and verification.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIssuer creates an Issuer. A non-positive ttl falls back to 24 hours.
func NewIssuer(secret, issuer string, ttl time.Duration, opts ...Option) (*Issuer, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	i := &Issuer{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue mints a token binding userID to tenantID.
func (i *Issuer) Issue(userID, tenantID string) (string, domain.Session, error) {
	if userID == "" || tenantID == "" {
		return "", domain.Session{}, fmt.Errorf("issue token: user and tenant are required")
	}
	now := i.now().UTC().Truncate(time.Second)
	claims := Claims{
		UserID:   userID,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", domain.Session{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, domain.Session{
		UserID:   userID,
		TenantID: tenantID,
		IssuedAt: now,
		Expires:  now.Add(i.ttl),
	}, nil
}

// Verify checks the signature, issuer and expiry of raw and returns the
// session it carries.
func (i *Issuer) Verify(raw string) (domain.Session, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Session{}, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Session{}, ErrExpiredToken
		}
		return domain.Session{}, ErrInvalidToken
	}
	if !tok.Valid || claims.UserID == "" || claims.TenantID == "" {
		return domain.Session{}, ErrInvalidToken
	}

	s := domain.Session{UserID: claims.UserID, TenantID: claims.TenantID}
	if claims.IssuedAt != nil {
		s.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		s.Expires = claims.ExpiresAt.Time
	}
	return s, nil
}
