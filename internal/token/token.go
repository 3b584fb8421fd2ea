// Package token signs and verifies the compact signed tokens issued by the
// service. Every token carries a kind claim so a refresh token can never be
// presented where an access token is expected.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "gatehouse"

// Kind distinguishes the three token families the service issues.
type Kind string

const (
	// KindSession is a human session token, delivered as an http-only cookie.
	KindSession Kind = "session"
	// KindAPI is a machine access token, presented as a bearer header.
	KindAPI Kind = "api"
	// KindRefresh is the long-lived rotating credential behind /refresh.
	KindRefresh Kind = "refresh"
)

func (k Kind) valid() bool {
	switch k {
	case KindSession, KindAPI, KindRefresh:
		return true
	}
	return false
}

var (
	// ErrInvalid covers malformed tokens, bad signatures, and kind mismatches.
	ErrInvalid = errors.New("token: invalid")
	// ErrExpired indicates a structurally valid token past its expiry.
	ErrExpired = errors.New("token: expired")
)

// Claims is the payload carried by every signed token.
type Claims struct {
	Kind     Kind   `json:"kind"`
	TenantID string `json:"org,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies tokens with a single shared HS256 secret.
type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithIssuer overrides the issuer claim.
func WithIssuer(issuer string) Option {
	return func(c *Codec) {
		if strings.TrimSpace(issuer) != "" {
			c.issuer = strings.TrimSpace(issuer)
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec constructs a Codec from the shared signing secret.
func NewCodec(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: signing secret is required")
	}
	c := &Codec{
		secret: secret,
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Sign mints a token of the given kind for subject. tenantID is embedded only
// for machine access tokens; session and refresh tokens carry the subject alone.
func (c *Codec) Sign(subject, tenantID string, kind Kind, ttl time.Duration) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, errors.New("token: subject is required")
	}
	if !kind.valid() {
		return "", time.Time{}, fmt.Errorf("token: unknown kind %q", kind)
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("token: ttl must be positive")
	}

	now := c.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Kind:     kind,
		TenantID: strings.TrimSpace(tenantID),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks the signature and claims of raw and confirms it is of the
// expected kind. All structural failures collapse to ErrInvalid; an otherwise
// valid token past its expiry returns ErrExpired.
func (c *Codec) Verify(raw string, want Kind) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalid
	}

	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalid
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalid
	}
	if err := c.validateClaims(claims, want); err != nil {
		return nil, err
	}
	return claims, nil
}

func (c *Codec) validateClaims(claims *Claims, want Kind) error {
	if claims.Kind != want {
		return ErrInvalid
	}
	if claims.Issuer != c.issuer {
		return ErrInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return ErrInvalid
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return ErrInvalid
	}
	now := c.now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return ErrExpired
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return ErrInvalid
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return ErrInvalid
	}
	return nil
}
