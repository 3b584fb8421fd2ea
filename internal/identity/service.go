package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"gatehouse.dev/internal/ids"
	"gatehouse.dev/internal/obs"
	"gatehouse.dev/internal/token"
)

const (
	defaultAccessTTL      = time.Hour
	defaultRefreshTTL     = 30 * 24 * time.Hour
	defaultActionTokenTTL = 24 * time.Hour
	defaultStoreTimeout   = 5 * time.Second

	minPasswordLength = 8
)

// Mailer delivers single-use tokens to their owners. Message content and
// transport live outside this subsystem; implementations receive the raw
// token exactly once and must not persist it.
type Mailer interface {
	SendActionToken(ctx context.Context, email string, kind ActionKind, rawToken string) error
}

type nopMailer struct{}

func (nopMailer) SendActionToken(context.Context, string, ActionKind, string) error { return nil }

// Service orchestrates credential exchange, token issuance, refresh
// rotation, and single-use token flows on top of a Store and a token codec.
type Service struct {
	store  Store
	codec  *token.Codec
	mailer Mailer
	now    func() time.Time

	accessTTL      time.Duration
	refreshTTL     time.Duration
	actionTokenTTL time.Duration
	storeTimeout   time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithMailer sets the delivery hook for single-use tokens.
func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) error {
		if m != nil {
			s.mailer = m
		}
		return nil
	}
}

// WithAccessTTL configures access token and session lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithActionTokenTTL configures single-use token lifetime.
func WithActionTokenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.actionTokenTTL = ttl
		}
		return nil
	}
}

// WithStoreTimeout bounds every store call issued by the service.
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.storeTimeout = d
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs a Service with optional configuration.
func NewService(store Store, codec *token.Codec, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("identity: store is required")
	}
	if codec == nil {
		return nil, errors.New("identity: token codec is required")
	}
	svc := &Service{
		store:          store,
		codec:          codec,
		mailer:         nopMailer{},
		now:            time.Now,
		accessTTL:      defaultAccessTTL,
		refreshTTL:     defaultRefreshTTL,
		actionTokenTTL: defaultActionTokenTTL,
		storeTimeout:   defaultStoreTimeout,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// AccessTTL returns the configured access token lifetime; the HTTP layer
// derives the session cookie max-age from it.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// --- human principals -----------------------------------------------------

// Signup registers a new user and issues an email-verification token.
func (s *Service) Signup(ctx context.Context, email, password string) (*User, error) {
	email = NormalizeEmail(email)
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	hash, err := HashSecret(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	user := &User{ID: ids.New(), Email: email, PasswordHash: hash}
	if err := s.store.Users(sctx).Create(sctx, user); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	if _, err := s.issueActionToken(ctx, ActionVerifyEmail, user.ID, email, "", ""); err != nil {
		// The account exists; verification can be re-requested later.
		obs.Warn("signup verification token not issued", map[string]any{"error": err.Error()})
	}
	return user, nil
}

// PasswordLogin authenticates a human by email and password. An unknown
// email and a wrong password are indistinguishable: both run the secret
// comparator and both return ErrInvalidCredentials.
func (s *Service) PasswordLogin(ctx context.Context, email, password string) (*User, error) {
	email = NormalizeEmail(email)

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var storedHash string
	user, err := s.store.Users(sctx).FindByEmail(sctx, email)
	switch {
	case err == nil:
		storedHash = user.PasswordHash
	case errors.Is(err, ErrNotFound):
		storedHash = ""
	default:
		return nil, fmt.Errorf("find user: %w", err)
	}
	if !VerifySecret(password, storedHash) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// SessionToken mints the signed session token carried by the login cookie.
func (s *Service) SessionToken(userID string) (string, time.Time, error) {
	return s.codec.Sign(userID, "", token.KindSession, s.accessTTL)
}

// AuthenticateSession resolves a session cookie value to a human principal.
// Validity is purely cryptographic; session tokens are not persisted.
func (s *Service) AuthenticateSession(raw string) (Principal, error) {
	claims, err := s.codec.Verify(raw, token.KindSession)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: claims.Subject}, nil
}

// AuthenticateAPIToken resolves a bearer access token to a machine principal.
func (s *Service) AuthenticateAPIToken(raw string) (Principal, error) {
	claims, err := s.codec.Verify(raw, token.KindAPI)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	return Principal{ClientID: claims.Subject, TenantID: claims.TenantID}, nil
}

// --- machine principals ---------------------------------------------------

// ClientCredentialExchange authenticates an API client and issues a fresh
// access/refresh pair. Any prior refresh chain for the client is invalidated
// so each client has exactly one live chain. Tokens are not returned unless
// the refresh record is durable.
func (s *Service) ClientCredentialExchange(ctx context.Context, clientID, secret string) (TokenPair, error) {
	clientID = strings.TrimSpace(clientID)

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var storedHash string
	var tenantID string
	client, err := s.store.Clients(sctx).Find(sctx, clientID)
	switch {
	case err == nil:
		storedHash = client.SecretHash
		tenantID = client.TenantID
	case errors.Is(err, ErrNotFound):
		storedHash = ""
	default:
		return TokenPair{}, fmt.Errorf("find client: %w", err)
	}
	if !VerifySecret(secret, storedHash) {
		return TokenPair{}, ErrInvalidCredentials
	}

	pair, record, err := s.mintPair(clientID, tenantID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("mint tokens: %w", err)
	}

	tokens := s.store.RefreshTokens(sctx)
	if err := tokens.DeleteByClient(sctx, clientID); err != nil {
		return TokenPair{}, fmt.Errorf("invalidate prior refresh chain: %w", err)
	}
	if err := tokens.Create(sctx, record); err != nil {
		return TokenPair{}, fmt.Errorf("persist refresh token: %w", err)
	}
	return pair, nil
}

// Rotate validates a presented refresh token, atomically consumes its stored
// record, and issues the successor pair. Replaying a rotated token, losing a
// concurrent rotation race, and presenting garbage all return ErrInvalidToken.
// Store lookups that fail mid-rotation fail closed as ErrInvalidToken.
func (s *Service) Rotate(ctx context.Context, raw string) (TokenPair, error) {
	claims, err := s.codec.Verify(raw, token.KindRefresh)
	if err != nil {
		return TokenPair{}, ErrInvalidToken
	}
	clientID := claims.Subject
	hash := hashToken(raw)

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	tokens := s.store.RefreshTokens(sctx)
	record, err := tokens.Find(sctx, hash, clientID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			obs.Warn("refresh lookup failed", map[string]any{"error": err.Error()})
		}
		return TokenPair{}, ErrInvalidToken
	}
	if s.now().After(record.ExpiresAt) {
		// Lazy expiry cleanup; deletion failure only delays the next cleanup.
		if err := tokens.Delete(sctx, hash); err != nil {
			obs.Warn("expired refresh cleanup failed", map[string]any{"error": err.Error()})
		}
		return TokenPair{}, ErrInvalidToken
	}

	client, err := s.store.Clients(sctx).Find(sctx, clientID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			obs.Warn("client lookup failed during rotation", map[string]any{"error": err.Error()})
		}
		return TokenPair{}, ErrInvalidToken
	}

	pair, successor, err := s.mintPair(clientID, client.TenantID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("mint tokens: %w", err)
	}

	// The conditional delete is the rotation CAS: exactly one concurrent
	// caller deletes the row, every other caller is treated as a replay.
	consumed, err := tokens.Consume(sctx, hash)
	if err != nil {
		obs.Warn("refresh consume failed", map[string]any{"error": err.Error()})
		return TokenPair{}, ErrInvalidToken
	}
	if !consumed {
		return TokenPair{}, ErrInvalidToken
	}
	if err := tokens.Create(sctx, successor); err != nil {
		// The old record is gone; the client must re-authenticate. Never
		// hand out tokens the server cannot later honor.
		return TokenPair{}, fmt.Errorf("persist rotated refresh token: %w", err)
	}
	return pair, nil
}

func (s *Service) mintPair(clientID, tenantID string) (TokenPair, *RefreshToken, error) {
	access, _, err := s.codec.Sign(clientID, tenantID, token.KindAPI, s.accessTTL)
	if err != nil {
		return TokenPair{}, nil, err
	}
	refresh, refreshExp, err := s.codec.Sign(clientID, "", token.KindRefresh, s.refreshTTL)
	if err != nil {
		return TokenPair{}, nil, err
	}
	record := &RefreshToken{
		TokenHash: hashToken(refresh),
		ClientID:  clientID,
		ExpiresAt: refreshExp,
		CreatedAt: s.now().UTC(),
	}
	pair := TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}
	return pair, record, nil
}

// CreateClient registers a machine credential for a tenant. The plaintext
// secret is returned exactly once and only its hash is stored.
func (s *Service) CreateClient(ctx context.Context, tenantID, name string) (*APIClient, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("%w: client name is required", ErrInvalidInput)
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if _, err := s.store.Tenants(sctx).Find(sctx, tenantID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("find tenant: %w", err)
	}

	secret, err := newRandomToken()
	if err != nil {
		return nil, "", fmt.Errorf("generate client secret: %w", err)
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return nil, "", fmt.Errorf("hash client secret: %w", err)
	}
	client := &APIClient{
		ID:         ids.New(),
		TenantID:   tenantID,
		Name:       name,
		SecretHash: hash,
	}
	if err := s.store.Clients(sctx).Create(sctx, client); err != nil {
		return nil, "", fmt.Errorf("create client: %w", err)
	}
	return client, secret, nil
}

// DeleteClient removes a machine credential and its refresh chain. A client
// belonging to a different tenant is reported as absent, not forbidden.
func (s *Service) DeleteClient(ctx context.Context, tenantID, clientID string) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	client, err := s.store.Clients(sctx).Find(sctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("find client: %w", err)
	}
	if client.TenantID != tenantID {
		return ErrNotFound
	}
	if err := s.store.RefreshTokens(sctx).DeleteByClient(sctx, clientID); err != nil {
		return fmt.Errorf("delete refresh chain: %w", err)
	}
	if err := s.store.Clients(sctx).Delete(sctx, clientID); err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	return nil
}

// --- authorization --------------------------------------------------------

// Authorize binds a principal to a tenant scope and returns the effective
// role. Order matters: the tenant's existence is only revealed to callers
// who already authenticated; a cross-tenant caller gets ErrForbidden.
func (s *Service) Authorize(ctx context.Context, p Principal, tenantID string) (string, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if _, err := s.store.Tenants(sctx).Find(sctx, tenantID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("find tenant: %w", err)
	}

	if p.IsMachine() {
		if p.TenantID != tenantID {
			return "", ErrForbidden
		}
		// A client is bound to exactly one tenant and acts with full
		// rights within it.
		return RoleAdmin, nil
	}

	membership, err := s.store.Memberships(sctx).Find(sctx, p.UserID, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrForbidden
		}
		return "", fmt.Errorf("find membership: %w", err)
	}
	return membership.Role, nil
}

// ListTenantUsers returns the users holding a membership in the tenant.
func (s *Service) ListTenantUsers(ctx context.Context, tenantID string) ([]User, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	memberships, err := s.store.Memberships(sctx).ListByTenant(sctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	users := make([]User, 0, len(memberships))
	for _, m := range memberships {
		user, err := s.store.Users(sctx).Find(sctx, m.UserID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("find user: %w", err)
		}
		users = append(users, *user)
	}
	return users, nil
}

// ListMemberships returns the tenant's membership rows with roles.
func (s *Service) ListMemberships(ctx context.Context, tenantID string) ([]Membership, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	memberships, err := s.store.Memberships(sctx).ListByTenant(sctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	return memberships, nil
}

// --- single-use tokens ----------------------------------------------------

// InviteMember issues an invitation token binding an email to a tenant and
// role. The raw token is delivered via the mailer and returned to the
// privileged caller.
func (s *Service) InviteMember(ctx context.Context, tenantID, email, role string) (string, error) {
	email = NormalizeEmail(email)
	if !strings.Contains(email, "@") {
		return "", fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return "", fmt.Errorf("%w: role is required", ErrInvalidInput)
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if _, err := s.store.Tenants(sctx).Find(sctx, tenantID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("find tenant: %w", err)
	}
	return s.issueActionToken(ctx, ActionInvitation, email, email, tenantID, role)
}

// AcceptInvitation consumes an invitation token on behalf of an
// authenticated user and creates the membership it names.
func (s *Service) AcceptInvitation(ctx context.Context, userID, raw string) (*Membership, error) {
	tok, err := s.consumeActionToken(ctx, ActionInvitation, raw)
	if err != nil {
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	user, err := s.store.Users(sctx).Find(sctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	// The invitation is bound to the invited address, not to whoever
	// obtained the token.
	if NormalizeEmail(user.Email) != tok.OwnerID {
		return nil, ErrInvalidToken
	}

	membership := &Membership{
		UserID:   user.ID,
		TenantID: tok.TenantID,
		Role:     tok.Role,
	}
	if err := s.store.Memberships(sctx).Create(sctx, membership); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create membership: %w", err)
	}
	return membership, nil
}

// RequestPasswordReset issues a reset token for the account, if it exists.
// The caller-facing behavior is identical either way.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = NormalizeEmail(email)

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	user, err := s.store.Users(sctx).FindByEmail(sctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("find user: %w", err)
	}
	if _, err := s.issueActionToken(ctx, ActionPasswordReset, user.ID, email, "", ""); err != nil {
		return fmt.Errorf("issue reset token: %w", err)
	}
	return nil
}

// ConfirmPasswordReset consumes a reset token and sets the new password.
func (s *Service) ConfirmPasswordReset(ctx context.Context, raw, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	tok, err := s.consumeActionToken(ctx, ActionPasswordReset, raw)
	if err != nil {
		return err
	}
	hash, err := HashSecret(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if err := s.store.Users(sctx).UpdatePassword(sctx, tok.OwnerID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// VerifyEmail consumes a verification token and marks the account verified.
func (s *Service) VerifyEmail(ctx context.Context, raw string) error {
	tok, err := s.consumeActionToken(ctx, ActionVerifyEmail, raw)
	if err != nil {
		return err
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if err := s.store.Users(sctx).MarkEmailVerified(sctx, tok.OwnerID); err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return nil
}

func (s *Service) issueActionToken(ctx context.Context, kind ActionKind, ownerID, email, tenantID, role string) (string, error) {
	raw, err := newRandomToken()
	if err != nil {
		return "", err
	}
	record := &ActionToken{
		TokenHash: hashToken(raw),
		Kind:      kind,
		OwnerID:   ownerID,
		TenantID:  tenantID,
		Role:      role,
		ExpiresAt: s.now().UTC().Add(s.actionTokenTTL),
		CreatedAt: s.now().UTC(),
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if err := s.store.ActionTokens(sctx).Create(sctx, record); err != nil {
		return "", err
	}
	if err := s.mailer.SendActionToken(ctx, email, kind, raw); err != nil {
		obs.Warn("action token delivery failed", map[string]any{
			"kind":  string(kind),
			"error": err.Error(),
		})
	}
	return raw, nil
}

// consumeActionToken collapses unknown, consumed, expired, and wrong-kind
// tokens into a single ErrInvalidToken answer.
func (s *Service) consumeActionToken(ctx context.Context, kind ActionKind, raw string) (*ActionToken, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	tok, err := s.store.ActionTokens(sctx).Consume(sctx, kind, hashToken(raw))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			obs.Warn("action token consume failed", map[string]any{"error": err.Error()})
		}
		return nil, ErrInvalidToken
	}
	if s.now().After(tok.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	return tok, nil
}

// --- helpers ---------------------------------------------------------------

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newRandomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
