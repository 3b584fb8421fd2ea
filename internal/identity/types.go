package identity

import (
	"strings"
	"time"
)

// RoleAdmin is the only role authorization checks single out; everything
// else is an unprivileged member.
const RoleAdmin = "admin"

// Tenant is the isolation boundary all authorization resolves against.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is a human principal with a global identity and any number of
// tenant memberships.
type User struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	PasswordHash    string     `json:"-"`
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Membership joins a user, a tenant, and a role. Unique per (user, tenant).
type Membership struct {
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// APIClient is a machine principal. Its tenant binding is fixed at creation
// and the row is only ever deleted, never mutated.
type APIClient struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Name       string    `json:"name"`
	SecretHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// RefreshToken is the server-side half of a refresh credential. Only the
// SHA-256 of the token string is stored; possession of the row alone is
// worthless without the signed token.
type RefreshToken struct {
	TokenHash string
	ClientID  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ActionKind names the single-use token families.
type ActionKind string

const (
	ActionVerifyEmail   ActionKind = "verify_email"
	ActionPasswordReset ActionKind = "password_reset"
	ActionInvitation    ActionKind = "invitation"
)

// ActionToken is a short-lived single-use token (email verification,
// password reset, invitation). Deleted on first successful use.
type ActionToken struct {
	TokenHash string
	Kind      ActionKind
	OwnerID   string
	TenantID  string
	Role      string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// TokenPair is the result of credential exchange and rotation.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// Principal is the authenticated caller of a request: either a human
// (UserID set) or a machine client (ClientID and TenantID set).
type Principal struct {
	UserID   string
	ClientID string
	TenantID string
}

// IsMachine reports whether the principal is an API client.
func (p Principal) IsMachine() bool { return p.ClientID != "" }

// NormalizeEmail lower-cases and trims an email for lookups and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
