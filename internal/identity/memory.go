package identity

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and the
// no-database dev mode; its conditional operations have the same semantics
// as the Postgres implementation.
type MemoryStore struct {
	mu sync.RWMutex

	tenants     map[string]Tenant
	users       map[string]User
	userByEmail map[string]string
	memberships map[string]Membership
	clients     map[string]APIClient
	refresh     map[string]RefreshToken
	actions     map[string]ActionToken
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:     make(map[string]Tenant),
		users:       make(map[string]User),
		userByEmail: make(map[string]string),
		memberships: make(map[string]Membership),
		clients:     make(map[string]APIClient),
		refresh:     make(map[string]RefreshToken),
		actions:     make(map[string]ActionToken),
	}
}

func (s *MemoryStore) Tenants(context.Context) TenantStore         { return memTenants{s} }
func (s *MemoryStore) Users(context.Context) UserStore             { return memUsers{s} }
func (s *MemoryStore) Memberships(context.Context) MembershipStore { return memMemberships{s} }
func (s *MemoryStore) Clients(context.Context) ClientStore         { return memClients{s} }
func (s *MemoryStore) RefreshTokens(context.Context) RefreshTokenStore {
	return memRefreshTokens{s}
}
func (s *MemoryStore) ActionTokens(context.Context) ActionTokenStore { return memActionTokens{s} }

func membershipKey(userID, tenantID string) string { return userID + "\x00" + tenantID }

// Tenants --------------------------------------------------------------------

type memTenants struct{ s *MemoryStore }

func (m memTenants) Create(_ context.Context, t *Tenant) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.tenants[t.ID]; ok {
		return ErrConflict
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	m.s.tenants[t.ID] = *t
	return nil
}

func (m memTenants) Find(_ context.Context, id string) (*Tenant, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	t, ok := m.s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := t
	return &out, nil
}

func (m memTenants) Delete(_ context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.tenants[id]; !ok {
		return ErrNotFound
	}
	delete(m.s.tenants, id)
	// Credential records live and die with the tenant.
	for cid, c := range m.s.clients {
		if c.TenantID == id {
			delete(m.s.clients, cid)
		}
	}
	for key, mem := range m.s.memberships {
		if mem.TenantID == id {
			delete(m.s.memberships, key)
		}
	}
	return nil
}

// Users ----------------------------------------------------------------------

type memUsers struct{ s *MemoryStore }

func (m memUsers) Create(_ context.Context, u *User) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.userByEmail[u.Email]; ok {
		return ErrConflict
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	m.s.users[u.ID] = *u
	m.s.userByEmail[u.Email] = u.ID
	return nil
}

func (m memUsers) Find(_ context.Context, id string) (*User, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	u, ok := m.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := u
	return &out, nil
}

func (m memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	id, ok := m.s.userByEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	u := m.s.users[id]
	out := u
	return &out, nil
}

func (m memUsers) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	u, ok := m.s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	m.s.users[userID] = u
	return nil
}

func (m memUsers) MarkEmailVerified(_ context.Context, userID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	u, ok := m.s.users[userID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	u.EmailVerifiedAt = &now
	u.UpdatedAt = now
	m.s.users[userID] = u
	return nil
}

// Memberships ----------------------------------------------------------------

type memMemberships struct{ s *MemoryStore }

func (m memMemberships) Create(_ context.Context, mem *Membership) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	key := membershipKey(mem.UserID, mem.TenantID)
	if _, ok := m.s.memberships[key]; ok {
		return ErrConflict
	}
	mem.CreatedAt = time.Now().UTC()
	m.s.memberships[key] = *mem
	return nil
}

func (m memMemberships) Find(_ context.Context, userID, tenantID string) (*Membership, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	mem, ok := m.s.memberships[membershipKey(userID, tenantID)]
	if !ok {
		return nil, ErrNotFound
	}
	out := mem
	return &out, nil
}

func (m memMemberships) ListByTenant(_ context.Context, tenantID string) ([]Membership, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var out []Membership
	for _, mem := range m.s.memberships {
		if mem.TenantID == tenantID {
			out = append(out, mem)
		}
	}
	return out, nil
}

func (m memMemberships) Delete(_ context.Context, userID, tenantID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	key := membershipKey(userID, tenantID)
	if _, ok := m.s.memberships[key]; !ok {
		return ErrNotFound
	}
	delete(m.s.memberships, key)
	return nil
}

// Clients --------------------------------------------------------------------

type memClients struct{ s *MemoryStore }

func (m memClients) Create(_ context.Context, c *APIClient) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.clients[c.ID]; ok {
		return ErrConflict
	}
	c.CreatedAt = time.Now().UTC()
	m.s.clients[c.ID] = *c
	return nil
}

func (m memClients) Find(_ context.Context, id string) (*APIClient, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	c, ok := m.s.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := c
	return &out, nil
}

func (m memClients) ListByTenant(_ context.Context, tenantID string) ([]APIClient, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var out []APIClient
	for _, c := range m.s.clients {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m memClients) Delete(_ context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.clients[id]; !ok {
		return ErrNotFound
	}
	delete(m.s.clients, id)
	return nil
}

// Refresh tokens -------------------------------------------------------------

type memRefreshTokens struct{ s *MemoryStore }

func (m memRefreshTokens) Create(_ context.Context, tok *RefreshToken) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.refresh[tok.TokenHash]; ok {
		return ErrConflict
	}
	m.s.refresh[tok.TokenHash] = *tok
	return nil
}

func (m memRefreshTokens) Find(_ context.Context, tokenHash, clientID string) (*RefreshToken, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	tok, ok := m.s.refresh[tokenHash]
	if !ok || tok.ClientID != clientID {
		return nil, ErrNotFound
	}
	out := tok
	return &out, nil
}

func (m memRefreshTokens) Consume(_ context.Context, tokenHash string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.refresh[tokenHash]; !ok {
		return false, nil
	}
	delete(m.s.refresh, tokenHash)
	return true, nil
}

func (m memRefreshTokens) Delete(_ context.Context, tokenHash string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	delete(m.s.refresh, tokenHash)
	return nil
}

func (m memRefreshTokens) DeleteByClient(_ context.Context, clientID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for hash, tok := range m.s.refresh {
		if tok.ClientID == clientID {
			delete(m.s.refresh, hash)
		}
	}
	return nil
}

// Action tokens --------------------------------------------------------------

type memActionTokens struct{ s *MemoryStore }

func (m memActionTokens) Create(_ context.Context, tok *ActionToken) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.actions[tok.TokenHash]; ok {
		return ErrConflict
	}
	m.s.actions[tok.TokenHash] = *tok
	return nil
}

func (m memActionTokens) Consume(_ context.Context, kind ActionKind, tokenHash string) (*ActionToken, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	tok, ok := m.s.actions[tokenHash]
	if !ok || tok.Kind != kind {
		return nil, ErrNotFound
	}
	delete(m.s.actions, tokenHash)
	out := tok
	return &out, nil
}
