// Package postgres implements the user repository on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/connecthub/identity/pkg/errors"

	"github.com/connecthub/identity/internal/domain"
	"github.com/connecthub/identity/internal/repository"
)

// Pool is the subset of pgxpool.Pool the repository needs. pgxmock satisfies
// it too, which keeps the tests against real SQL.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const userColumns = `id, email, password_hash, display_name, profile_picture_url, oauth_provider, oauth_id, is_active, email_verified, created_at, last_login_at`

// UserRepository implements repository.UserRepository using PostgreSQL.
type UserRepository struct {
	pool Pool
}

// NewUserRepository creates a new PostgreSQL-backed user repository.
func NewUserRepository(pool Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// Create inserts a new user into the database.
func (r *UserRepository) Create(ctx context.Context, u *domain.User) error {
	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.pool.Exec(ctx, query,
		u.ID,
		u.Email,
		u.PasswordHash,
		u.DisplayName,
		u.ProfilePictureURL,
		u.OAuthProvider,
		u.OAuthID,
		u.IsActive,
		u.EmailVerified,
		u.CreatedAt,
		u.LastLoginAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.AlreadyExists("user", "email", u.Email)
		}
		return fmt.Errorf("insert user: %w", err)
	}

	return nil
}

// GetByID retrieves a user by their ID.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = $1`

	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// GetByEmail retrieves a user by their email address.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE email = $1`

	return scanUser(r.pool.QueryRow(ctx, query, email))
}

// FindOrCreateOAuth resolves a provider identity to a user row inside one
// transaction. The email row is locked so two concurrent callbacks for the
// same address serialize instead of double-inserting.
func (r *UserRepository) FindOrCreateOAuth(ctx context.Context, p repository.OAuthProfile) (*domain.User, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()

	selectQuery := `
		SELECT ` + userColumns + `
		FROM users
		WHERE email = $1
		FOR UPDATE`

	u, err := scanUser(tx.QueryRow(ctx, selectQuery, p.Email))
	switch {
	case err == nil:
		// Existing account. COALESCE keeps the stored picture when the
		// provider supplied none.
		updateQuery := `
			UPDATE users
			SET last_login_at = $1, profile_picture_url = COALESCE($2, profile_picture_url)
			WHERE id = $3`
		if _, err := tx.Exec(ctx, updateQuery, now, p.PictureURL, u.ID); err != nil {
			return nil, false, fmt.Errorf("update user on oauth login: %w", err)
		}
		u.LastLoginAt = &now
		if p.PictureURL != nil {
			u.ProfilePictureURL = p.PictureURL
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("commit transaction: %w", err)
		}
		return u, false, nil

	case errors.Is(err, apperrors.ErrNotFound):
		provider := p.Provider
		externalID := p.ExternalID
		u = &domain.User{
			ID:                uuid.New().String(),
			Email:             p.Email,
			DisplayName:       p.DisplayName,
			ProfilePictureURL: p.PictureURL,
			OAuthProvider:     &provider,
			OAuthID:           &externalID,
			IsActive:          true,
			EmailVerified:     false,
			CreatedAt:         now,
			LastLoginAt:       &now,
		}

		insertQuery := `
			INSERT INTO users (` + userColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
		_, err := tx.Exec(ctx, insertQuery,
			u.ID,
			u.Email,
			u.PasswordHash,
			u.DisplayName,
			u.ProfilePictureURL,
			u.OAuthProvider,
			u.OAuthID,
			u.IsActive,
			u.EmailVerified,
			u.CreatedAt,
			u.LastLoginAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, false, apperrors.AlreadyExists("user", "email", u.Email)
			}
			return nil, false, fmt.Errorf("insert oauth user: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("commit transaction: %w", err)
		}
		return u, true, nil

	default:
		return nil, false, err
	}
}

// RecordLogin stamps last_login_at for the given user.
func (r *UserRepository) RecordLogin(ctx context.Context, id string) error {
	query := `UPDATE users SET last_login_at = $1 WHERE id = $2`

	ct, err := r.pool.Exec(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("user", id)
	}

	return nil
}

// scanUser reads a single user row.
func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User

	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.PasswordHash,
		&u.DisplayName,
		&u.ProfilePictureURL,
		&u.OAuthProvider,
		&u.OAuthID,
		&u.IsActive,
		&u.EmailVerified,
		&u.CreatedAt,
		&u.LastLoginAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}

	return &u, nil
}

// isUniqueViolation checks for a PostgreSQL unique constraint violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
