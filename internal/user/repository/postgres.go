package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"postboard/backend/internal/user/domain"
)

const pgUniqueViolation = "23505"

const userColumns = `id, username, email, avatar, password_hash, refresh_tokens, created_at, updated_at`

// PostgresRepository stores users in the users table (see internal/db/migrations).
// The refresh token list is a JSONB array; CAS compares it with jsonb equality,
// which is order sensitive.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var (
		u      domain.User
		tokens []byte
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Avatar, &u.PasswordHash, &tokens, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if err := json.Unmarshal(tokens, &u.RefreshTokens); err != nil {
		return nil, fmt.Errorf("decode refresh_tokens: %w", err)
	}
	if u.RefreshTokens == nil {
		u.RefreshTokens = []string{}
	}
	return &u, nil
}

func encodeTokens(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (r *PostgresRepository) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *PostgresRepository) Create(ctx context.Context, u *domain.User) (*domain.User, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	created := &domain.User{
		ID:            uuid.NewString(),
		Username:      u.Username,
		Email:         u.Email,
		Avatar:        u.Avatar,
		PasswordHash:  u.PasswordHash,
		RefreshTokens: []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, avatar, password_hash, refresh_tokens, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, '[]'::jsonb, $6, $7)`,
		created.ID, created.Username, created.Email, created.Avatar, created.PasswordHash, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrUsernameTaken
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return created, nil
}

// UpdateProfile changes only the non-nil fields. COALESCE keeps the stored value for NULL parameters.
func (r *PostgresRepository) UpdateProfile(ctx context.Context, id string, upd domain.ProfileUpdate) (*domain.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`UPDATE users
		 SET username = COALESCE($2, username), avatar = COALESCE($3, avatar), updated_at = $4
		 WHERE id = $1
		 RETURNING `+userColumns,
		id, upd.Username, upd.Avatar, r.now().UTC()))
	if err != nil && isUniqueViolation(err) {
		return nil, domain.ErrUsernameTaken
	}
	return u, err
}

func (r *PostgresRepository) CompareAndSetRefreshTokens(ctx context.Context, id string, expected, next []string) error {
	exp, err := encodeTokens(expected)
	if err != nil {
		return err
	}
	nxt, err := encodeTokens(next)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET refresh_tokens = $3::jsonb
		 WHERE id = $1 AND refresh_tokens = $2::jsonb`,
		id, exp, nxt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 1 {
		return nil
	}
	var one int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = $1`, id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrUserNotFound
	case err != nil:
		return fmt.Errorf("db error: %w", err)
	default:
		return domain.ErrTokensChanged
	}
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}
