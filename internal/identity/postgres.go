package identity

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

// OpenPG opens a pooled connection to PostgreSQL.
func OpenPG(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGStore{db: db}, nil
}

// NewPGStore wraps an existing database handle.
func NewPGStore(db *sql.DB) *PGStore { return &PGStore{db: db} }

func (s *PGStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle for readiness probes.
func (s *PGStore) DB() *sql.DB { return s.db }

func (s *PGStore) Tenants(context.Context) TenantStore             { return &pgTenants{db: s.db} }
func (s *PGStore) Users(context.Context) UserStore                 { return &pgUsers{db: s.db} }
func (s *PGStore) Memberships(context.Context) MembershipStore     { return &pgMemberships{db: s.db} }
func (s *PGStore) Clients(context.Context) ClientStore             { return &pgClients{db: s.db} }
func (s *PGStore) RefreshTokens(context.Context) RefreshTokenStore { return &pgRefreshTokens{db: s.db} }
func (s *PGStore) ActionTokens(context.Context) ActionTokenStore   { return &pgActionTokens{db: s.db} }

// uniqueViolation reports whether err is a unique-constraint violation.
func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Tenant store --------------------------------------------------------------

type pgTenants struct{ db *sql.DB }

func (s *pgTenants) Create(ctx context.Context, t *Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`insert into tenants(id, name) values($1,$2)`,
		t.ID, t.Name,
	)
	if uniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgTenants) Find(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, created_at, updated_at from tenants where id=$1`, id)
	var t Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *pgTenants) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from tenants where id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// User store ----------------------------------------------------------------

type pgUsers struct{ db *sql.DB }

func (s *pgUsers) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, password_hash) values($1,$2,$3)`,
		u.ID, u.Email, u.PasswordHash,
	)
	if uniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgUsers) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, email_verified_at, created_at, updated_at from users where id=$1`, id)
	return scanUser(row)
}

func (s *pgUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, email_verified_at, created_at, updated_at from users where email=$1`, email)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.EmailVerifiedAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *pgUsers) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`,
		userID, passwordHash,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgUsers) MarkEmailVerified(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set email_verified_at=now(), updated_at=now() where id=$1`,
		userID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Membership store ----------------------------------------------------------

type pgMemberships struct{ db *sql.DB }

func (s *pgMemberships) Create(ctx context.Context, m *Membership) error {
	_, err := s.db.ExecContext(ctx,
		`insert into memberships(user_id, tenant_id, role) values($1,$2,$3)`,
		m.UserID, m.TenantID, m.Role,
	)
	if uniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgMemberships) Find(ctx context.Context, userID, tenantID string) (*Membership, error) {
	row := s.db.QueryRowContext(ctx,
		`select user_id, tenant_id, role, created_at from memberships where user_id=$1 and tenant_id=$2`,
		userID, tenantID,
	)
	var m Membership
	if err := row.Scan(&m.UserID, &m.TenantID, &m.Role, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *pgMemberships) ListByTenant(ctx context.Context, tenantID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`select user_id, tenant_id, role, created_at from memberships where tenant_id=$1 order by created_at`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.UserID, &m.TenantID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *pgMemberships) Delete(ctx context.Context, userID, tenantID string) error {
	res, err := s.db.ExecContext(ctx,
		`delete from memberships where user_id=$1 and tenant_id=$2`, userID, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Client store --------------------------------------------------------------

type pgClients struct{ db *sql.DB }

func (s *pgClients) Create(ctx context.Context, c *APIClient) error {
	_, err := s.db.ExecContext(ctx,
		`insert into api_clients(id, tenant_id, name, secret_hash) values($1,$2,$3,$4)`,
		c.ID, c.TenantID, c.Name, c.SecretHash,
	)
	if uniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgClients) Find(ctx context.Context, id string) (*APIClient, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, tenant_id, name, secret_hash, created_at from api_clients where id=$1`, id)
	var c APIClient
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.SecretHash, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *pgClients) ListByTenant(ctx context.Context, tenantID string) ([]APIClient, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, tenant_id, name, secret_hash, created_at from api_clients where tenant_id=$1 order by created_at`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []APIClient
	for rows.Next() {
		var c APIClient
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.SecretHash, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *pgClients) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from api_clients where id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Refresh token store -------------------------------------------------------

type pgRefreshTokens struct{ db *sql.DB }

func (s *pgRefreshTokens) Create(ctx context.Context, tok *RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(token_hash, client_id, expires_at) values($1,$2,$3)`,
		tok.TokenHash, tok.ClientID, tok.ExpiresAt,
	)
	if uniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgRefreshTokens) Find(ctx context.Context, tokenHash, clientID string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select token_hash, client_id, expires_at, created_at from refresh_tokens where token_hash=$1 and client_id=$2`,
		tokenHash, clientID,
	)
	var tok RefreshToken
	if err := row.Scan(&tok.TokenHash, &tok.ClientID, &tok.ExpiresAt, &tok.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &tok, nil
}

// Consume is the rotation CAS: the conditional delete succeeds for exactly
// one of any set of concurrent callers presenting the same token.
func (s *pgRefreshTokens) Consume(ctx context.Context, tokenHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where token_hash=$1`, tokenHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *pgRefreshTokens) Delete(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where token_hash=$1`, tokenHash)
	return err
}

func (s *pgRefreshTokens) DeleteByClient(ctx context.Context, clientID string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where client_id=$1`, clientID)
	return err
}

// Action token store --------------------------------------------------------

type pgActionTokens struct{ db *sql.DB }

func (s *pgActionTokens) Create(ctx context.Context, tok *ActionToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into action_tokens(token_hash, kind, owner_id, tenant_id, role, expires_at) values($1,$2,$3,$4,$5,$6)`,
		tok.TokenHash, tok.Kind, tok.OwnerID, nullable(tok.TenantID), nullable(tok.Role), tok.ExpiresAt,
	)
	if uniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// Consume deletes the row and returns it in one statement, so a token can
// be redeemed at most once no matter how many requests race on it.
func (s *pgActionTokens) Consume(ctx context.Context, kind ActionKind, tokenHash string) (*ActionToken, error) {
	row := s.db.QueryRowContext(ctx,
		`delete from action_tokens where token_hash=$1 and kind=$2
		 returning token_hash, kind, owner_id, tenant_id, role, expires_at, created_at`,
		tokenHash, kind,
	)
	var (
		tok      ActionToken
		tenantID sql.NullString
		role     sql.NullString
	)
	if err := row.Scan(&tok.TokenHash, &tok.Kind, &tok.OwnerID, &tenantID, &role, &tok.ExpiresAt, &tok.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	tok.TenantID = tenantID.String
	tok.Role = role.String
	return &tok, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
