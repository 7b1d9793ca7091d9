package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/valora-session/internal/domain"
)

// DBTX is the subset of pgx used by the repositories. Both *pgxpool.Pool
// and pgx.Tx satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Compile-time interface assertions.
var (
	_ DBTX                   = (*pgxpool.Pool)(nil)
	_ Store                  = (*PostgresStore)(nil)
	_ UserRepository         = (*PostgresUserRepo)(nil)
	_ SessionRepository      = (*PostgresSessionRepo)(nil)
	_ AccountRepository      = (*PostgresAccountRepo)(nil)
	_ VerificationRepository = (*PostgresVerificationRepo)(nil)
)

// PostgresStore implements Store over a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   DBTX
}

// NewPostgresStore binds the repositories to pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

func (s *PostgresStore) Users() UserRepository                 { return &PostgresUserRepo{db: s.db} }
func (s *PostgresStore) Sessions() SessionRepository           { return &PostgresSessionRepo{db: s.db} }
func (s *PostgresStore) Accounts() AccountRepository           { return &PostgresAccountRepo{db: s.db} }
func (s *PostgresStore) Verifications() VerificationRepository { return &PostgresVerificationRepo{db: s.db} }

// InTx begins a transaction, runs fn with a transactional Store, and commits
// on success or rolls back on error or panic. Panics are rethrown. Nested
// calls reuse the outer transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) (err error) {
	if _, nested := s.db.(pgx.Tx); nested {
		return fn(ctx, s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("commit tx: %w", cerr)
		}
	}()

	err = fn(ctx, &PostgresStore{pool: s.pool, db: tx})
	return err
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

// PostgresUserRepo implements UserRepository.
type PostgresUserRepo struct {
	db DBTX
}

const userColumns = `id, email, email_verified, name, image, created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.EmailVerified, &u.Name, &u.Image, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (r *PostgresUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	row := r.db.QueryRow(ctx, `INSERT INTO users (`+userColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+userColumns,
		user.ID, domain.NormalizeEmail(user.Email), user.EmailVerified, user.Name, user.Image, user.CreatedAt, user.UpdatedAt)
	created, err := scanUser(row)
	if err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", mapErr(err))
	}
	return created, nil
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, id int64) (domain.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", mapErr(err))
	}
	return u, nil
}

func (r *PostgresUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, domain.NormalizeEmail(email)))
	if err != nil {
		return domain.User{}, fmt.Errorf("get user by email: %w", mapErr(err))
	}
	return u, nil
}

func (r *PostgresUserRepo) Update(ctx context.Context, id int64, patch domain.UserPatch, now time.Time) (domain.User, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	patch.Apply(&current)
	current.UpdatedAt = now

	row := r.db.QueryRow(ctx, `UPDATE users SET email = $2, email_verified = $3, name = $4, image = $5, updated_at = $6
WHERE id = $1
RETURNING `+userColumns,
		id, current.Email, current.EmailVerified, current.Name, current.Image, current.UpdatedAt)
	updated, err := scanUser(row)
	if err != nil {
		return domain.User{}, fmt.Errorf("update user: %w", mapErr(err))
	}
	return updated, nil
}

// Delete relies on ON DELETE CASCADE for sessions and accounts.
func (r *PostgresUserRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// PostgresSessionRepo implements SessionRepository.
type PostgresSessionRepo struct {
	db DBTX
}

const sessionColumns = `id, token, user_id, expires_at, created_at, updated_at, ip_address, user_agent`

const sessionWithUserSelect = `SELECT s.id, s.token, s.user_id, s.expires_at, s.created_at, s.updated_at, s.ip_address, s.user_agent,
u.id, u.email, u.email_verified, u.name, u.image, u.created_at, u.updated_at
FROM sessions s JOIN users u ON u.id = s.user_id`

func scanSession(row pgx.Row) (domain.Session, error) {
	var s domain.Session
	err := row.Scan(&s.ID, &s.Token, &s.UserID, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt, &s.IPAddress, &s.UserAgent)
	return s, err
}

func scanSessionWithUser(row pgx.Row) (domain.SessionWithUser, error) {
	var out domain.SessionWithUser
	s, u := &out.Session, &out.User
	err := row.Scan(
		&s.ID, &s.Token, &s.UserID, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt, &s.IPAddress, &s.UserAgent,
		&u.ID, &u.Email, &u.EmailVerified, &u.Name, &u.Image, &u.CreatedAt, &u.UpdatedAt,
	)
	return out, err
}

func (r *PostgresSessionRepo) Create(ctx context.Context, session domain.Session) (domain.Session, error) {
	row := r.db.QueryRow(ctx, `INSERT INTO sessions (`+sessionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING `+sessionColumns,
		session.ID, session.Token, session.UserID, session.ExpiresAt, session.CreatedAt, session.UpdatedAt, session.IPAddress, session.UserAgent)
	created, err := scanSession(row)
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", mapErr(err))
	}
	return created, nil
}

func (r *PostgresSessionRepo) GetByToken(ctx context.Context, token string) (domain.SessionWithUser, error) {
	out, err := scanSessionWithUser(r.db.QueryRow(ctx, sessionWithUserSelect+` WHERE s.token = $1`, token))
	if err != nil {
		return domain.SessionWithUser{}, fmt.Errorf("get session: %w", mapErr(err))
	}
	return out, nil
}

func (r *PostgresSessionRepo) GetByTokens(ctx context.Context, tokens []string) ([]domain.SessionWithUser, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, sessionWithUserSelect+` WHERE s.token = ANY($1) ORDER BY s.created_at`, tokens)
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionWithUser
	for rows.Next() {
		item, err := scanSessionWithUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *PostgresSessionRepo) ListByUser(ctx context.Context, userID int64) ([]domain.Session, error) {
	rows, err := r.db.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresSessionRepo) Update(ctx context.Context, token string, patch domain.SessionPatch, now time.Time) (domain.Session, error) {
	row := r.db.QueryRow(ctx, `UPDATE sessions SET
	expires_at = COALESCE($2, expires_at),
	ip_address = COALESCE($3, ip_address),
	user_agent = COALESCE($4, user_agent),
	updated_at = $5
WHERE token = $1
RETURNING `+sessionColumns,
		token, patch.ExpiresAt, patch.IPAddress, patch.UserAgent, now)
	s, err := scanSession(row)
	if err != nil {
		return domain.Session{}, fmt.Errorf("update session: %w", mapErr(err))
	}
	return s, nil
}

func (r *PostgresSessionRepo) Delete(ctx context.Context, token string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) DeleteByTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE token = ANY($1)`, tokens); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) DeleteByUser(ctx context.Context, userID int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete user sessions: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PostgresAccountRepo implements AccountRepository.
type PostgresAccountRepo struct {
	db DBTX
}

const accountColumns = `id, provider_id, account_id, user_id, access_token, refresh_token, id_token,
access_token_expires_at, refresh_token_expires_at, scope, password, created_at, updated_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(
		&a.ID, &a.ProviderID, &a.AccountID, &a.UserID, &a.AccessToken, &a.RefreshToken, &a.IDToken,
		&a.AccessTokenExpiresAt, &a.RefreshTokenExpiresAt, &a.Scope, &a.Password, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

func (r *PostgresAccountRepo) Create(ctx context.Context, a domain.Account) (domain.Account, error) {
	row := r.db.QueryRow(ctx, `INSERT INTO accounts (`+accountColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING `+accountColumns,
		a.ID, a.ProviderID, a.AccountID, a.UserID, a.AccessToken, a.RefreshToken, a.IDToken,
		a.AccessTokenExpiresAt, a.RefreshTokenExpiresAt, a.Scope, a.Password, a.CreatedAt, a.UpdatedAt)
	created, err := scanAccount(row)
	if err != nil {
		return domain.Account{}, fmt.Errorf("create account: %w", mapErr(err))
	}
	return created, nil
}

func (r *PostgresAccountRepo) GetByProvider(ctx context.Context, providerID, accountID string) (domain.Account, error) {
	a, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE provider_id = $1 AND account_id = $2`, providerID, accountID))
	if err != nil {
		return domain.Account{}, fmt.Errorf("get account: %w", mapErr(err))
	}
	return a, nil
}

func (r *PostgresAccountRepo) ListByUser(ctx context.Context, userID int64) ([]domain.Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresAccountRepo) Update(ctx context.Context, a domain.Account) (domain.Account, error) {
	row := r.db.QueryRow(ctx, `UPDATE accounts SET
	access_token = $2, refresh_token = $3, id_token = $4,
	access_token_expires_at = $5, refresh_token_expires_at = $6,
	scope = $7, password = $8, updated_at = $9
WHERE id = $1
RETURNING `+accountColumns,
		a.ID, a.AccessToken, a.RefreshToken, a.IDToken, a.AccessTokenExpiresAt, a.RefreshTokenExpiresAt, a.Scope, a.Password, a.UpdatedAt)
	updated, err := scanAccount(row)
	if err != nil {
		return domain.Account{}, fmt.Errorf("update account: %w", mapErr(err))
	}
	return updated, nil
}

func (r *PostgresAccountRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// PostgresVerificationRepo implements VerificationRepository.
type PostgresVerificationRepo struct {
	db DBTX
}

const verificationColumns = `id, identifier, value, expires_at, created_at, updated_at`

func scanVerification(row pgx.Row) (domain.Verification, error) {
	var v domain.Verification
	err := row.Scan(&v.ID, &v.Identifier, &v.Value, &v.ExpiresAt, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

func (r *PostgresVerificationRepo) Create(ctx context.Context, v domain.Verification) (domain.Verification, error) {
	row := r.db.QueryRow(ctx, `INSERT INTO verifications (`+verificationColumns+`)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+verificationColumns,
		v.ID, v.Identifier, v.Value, v.ExpiresAt, v.CreatedAt, v.UpdatedAt)
	created, err := scanVerification(row)
	if err != nil {
		return domain.Verification{}, fmt.Errorf("create verification: %w", mapErr(err))
	}
	return created, nil
}

func (r *PostgresVerificationRepo) GetByIdentifier(ctx context.Context, identifier string) (domain.Verification, error) {
	v, err := scanVerification(r.db.QueryRow(ctx, `SELECT `+verificationColumns+` FROM verifications
WHERE identifier = $1 ORDER BY created_at DESC LIMIT 1`, identifier))
	if err != nil {
		return domain.Verification{}, fmt.Errorf("get verification: %w", mapErr(err))
	}
	return v, nil
}

func (r *PostgresVerificationRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM verifications WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete verification: %w", err)
	}
	return nil
}

func (r *PostgresVerificationRepo) Consume(ctx context.Context, identifier string) (domain.Verification, error) {
	v, err := scanVerification(r.db.QueryRow(ctx, `WITH consumed AS (
	DELETE FROM verifications WHERE identifier = $1 RETURNING `+verificationColumns+`
)
SELECT `+verificationColumns+` FROM consumed ORDER BY created_at DESC LIMIT 1`, identifier))
	if err != nil {
		return domain.Verification{}, fmt.Errorf("consume verification: %w", mapErr(err))
	}
	return v, nil
}

func (r *PostgresVerificationRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM verifications WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired verifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
