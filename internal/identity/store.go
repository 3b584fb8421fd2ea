package identity

import "context"

// Store describes persistence operations required by the credential subsystem.
type Store interface {
	Tenants(ctx context.Context) TenantStore
	Users(ctx context.Context) UserStore
	Memberships(ctx context.Context) MembershipStore
	Clients(ctx context.Context) ClientStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	ActionTokens(ctx context.Context) ActionTokenStore
}

// TenantStore manages tenants.
type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	Find(ctx context.Context, id string) (*Tenant, error)
	Delete(ctx context.Context, id string) error
}

// UserStore manages human accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	MarkEmailVerified(ctx context.Context, userID string) error
}

// MembershipStore manages (user, tenant, role) rows.
type MembershipStore interface {
	Create(ctx context.Context, m *Membership) error
	Find(ctx context.Context, userID, tenantID string) (*Membership, error)
	ListByTenant(ctx context.Context, tenantID string) ([]Membership, error)
	Delete(ctx context.Context, userID, tenantID string) error
}

// ClientStore manages machine credential records.
type ClientStore interface {
	Create(ctx context.Context, c *APIClient) error
	Find(ctx context.Context, id string) (*APIClient, error)
	ListByTenant(ctx context.Context, tenantID string) ([]APIClient, error)
	Delete(ctx context.Context, id string) error
}

// RefreshTokenStore manages the stored half of refresh credentials.
//
// Consume is the rotation primitive: it must delete the row iff it still
// exists and report whether this caller won. Under concurrent rotation of
// the same token exactly one caller observes consumed=true.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, tokenHash, clientID string) (*RefreshToken, error)
	Consume(ctx context.Context, tokenHash string) (bool, error)
	Delete(ctx context.Context, tokenHash string) error
	DeleteByClient(ctx context.Context, clientID string) error
}

// ActionTokenStore manages single-use tokens. Consume deletes the row and
// returns it; an absent row reports ErrNotFound so callers can collapse
// unknown, consumed, and expired into one answer.
type ActionTokenStore interface {
	Create(ctx context.Context, tok *ActionToken) error
	Consume(ctx context.Context, kind ActionKind, tokenHash string) (*ActionToken, error)
}
