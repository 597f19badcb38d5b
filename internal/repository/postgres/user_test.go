package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/connecthub/identity/pkg/errors"

	"github.com/connecthub/identity/internal/domain"
	"github.com/connecthub/identity/internal/repository"
)

func newUserTestFixture(t *testing.T) (*UserRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	repo := NewUserRepository(mock)
	return repo, mock
}

func strPtr(s string) *string { return &s }

func samplePasswordUser() *domain.User {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.User{
		ID:            "5d2f0a51-7c77-4f5e-9a43-1f4f6f2b8a01",
		Email:         "alice@example.com",
		PasswordHash:  strPtr("hash-abc"),
		DisplayName:   "alice",
		IsActive:      true,
		EmailVerified: false,
		CreatedAt:     now,
		LastLoginAt:   &now,
	}
}

func userTestColumns() []string {
	return []string{
		"id", "email", "password_hash", "display_name", "profile_picture_url",
		"oauth_provider", "oauth_id", "is_active", "email_verified",
		"created_at", "last_login_at",
	}
}

func userRow(u *domain.User) *pgxmock.Rows {
	return pgxmock.NewRows(userTestColumns()).AddRow(
		u.ID, u.Email, u.PasswordHash, u.DisplayName, u.ProfilePictureURL,
		u.OAuthProvider, u.OAuthID, u.IsActive, u.EmailVerified,
		u.CreatedAt, u.LastLoginAt,
	)
}

func uniqueViolation() error {
	return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestUserRepository_Create_Success(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	u := samplePasswordUser()

	mock.ExpectExec("INSERT INTO users").
		WithArgs(
			u.ID, u.Email, u.PasswordHash, u.DisplayName, u.ProfilePictureURL,
			u.OAuthProvider, u.OAuthID, u.IsActive, u.EmailVerified,
			u.CreatedAt, u.LastLoginAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repo.Create(context.Background(), u)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_Create_DuplicateEmail(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	u := samplePasswordUser()

	mock.ExpectExec("INSERT INTO users").
		WithArgs(
			u.ID, u.Email, u.PasswordHash, u.DisplayName, u.ProfilePictureURL,
			u.OAuthProvider, u.OAuthID, u.IsActive, u.EmailVerified,
			u.CreatedAt, u.LastLoginAt,
		).
		WillReturnError(uniqueViolation())

	err := repo.Create(context.Background(), u)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// GetByID / GetByEmail
// ---------------------------------------------------------------------------

func TestUserRepository_GetByID_Success(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	u := samplePasswordUser()

	mock.ExpectQuery("SELECT .+ FROM users WHERE id =").
		WithArgs(u.ID).
		WillReturnRows(userRow(u))

	got, err := repo.GetByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)
	assert.Equal(t, u.DisplayName, got.DisplayName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_GetByID_NotFound(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM users WHERE id =").
		WithArgs("missing-id").
		WillReturnError(pgx.ErrNoRows)

	got, err := repo.GetByID(context.Background(), "missing-id")
	assert.Nil(t, got)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_GetByEmail_Success(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	u := samplePasswordUser()

	mock.ExpectQuery("SELECT .+ FROM users WHERE email =").
		WithArgs(u.Email).
		WillReturnRows(userRow(u))

	got, err := repo.GetByEmail(context.Background(), u.Email)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// FindOrCreateOAuth
// ---------------------------------------------------------------------------

func oauthProfile() repository.OAuthProfile {
	return repository.OAuthProfile{
		Provider:    domain.ProviderGoogle,
		ExternalID:  "g-123",
		Email:       "ada@example.com",
		DisplayName: "Ada Lovelace",
		PictureURL:  strPtr("https://example.com/pic.jpg"),
	}
}

func TestUserRepository_FindOrCreateOAuth_ExistingUser(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	existing := samplePasswordUser()
	existing.Email = "ada@example.com"

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM users WHERE email = .+ FOR UPDATE").
		WithArgs("ada@example.com").
		WillReturnRows(userRow(existing))
	mock.ExpectExec("UPDATE users SET last_login_at =").
		WithArgs(pgxmock.AnyArg(), strPtr("https://example.com/pic.jpg"), existing.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	got, created, err := repo.FindOrCreateOAuth(context.Background(), oauthProfile())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existing.ID, got.ID)
	require.NotNil(t, got.ProfilePictureURL)
	assert.Equal(t, "https://example.com/pic.jpg", *got.ProfilePictureURL)
	assert.NotNil(t, got.LastLoginAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_FindOrCreateOAuth_KeepsPictureWhenAbsent(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	existing := samplePasswordUser()
	existing.Email = "ada@example.com"
	existing.ProfilePictureURL = strPtr("https://example.com/old.jpg")

	profile := oauthProfile()
	profile.PictureURL = nil

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM users WHERE email = .+ FOR UPDATE").
		WithArgs("ada@example.com").
		WillReturnRows(userRow(existing))
	mock.ExpectExec("UPDATE users SET last_login_at =").
		WithArgs(pgxmock.AnyArg(), (*string)(nil), existing.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	got, created, err := repo.FindOrCreateOAuth(context.Background(), profile)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, got.ProfilePictureURL)
	assert.Equal(t, "https://example.com/old.jpg", *got.ProfilePictureURL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_FindOrCreateOAuth_CreatesNewUser(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM users WHERE email = .+ FOR UPDATE").
		WithArgs("ada@example.com").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO users").
		WithArgs(
			pgxmock.AnyArg(), "ada@example.com", (*string)(nil), "Ada Lovelace",
			strPtr("https://example.com/pic.jpg"), strPtr("google"), strPtr("g-123"),
			true, false, pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, created, err := repo.FindOrCreateOAuth(context.Background(), oauthProfile())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "ada@example.com", got.Email)
	require.NotNil(t, got.OAuthProvider)
	assert.Equal(t, "google", *got.OAuthProvider)
	assert.False(t, got.EmailVerified, "no verification flow exists, so creation never marks the email verified")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_FindOrCreateOAuth_InsertRace(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM users WHERE email = .+ FOR UPDATE").
		WithArgs("ada@example.com").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO users").
		WithArgs(
			pgxmock.AnyArg(), "ada@example.com", (*string)(nil), "Ada Lovelace",
			strPtr("https://example.com/pic.jpg"), strPtr("google"), strPtr("g-123"),
			true, false, pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnError(uniqueViolation())
	mock.ExpectRollback()

	got, created, err := repo.FindOrCreateOAuth(context.Background(), oauthProfile())
	assert.Nil(t, got)
	assert.False(t, created)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
}

// ---------------------------------------------------------------------------
// RecordLogin
// ---------------------------------------------------------------------------

func TestUserRepository_RecordLogin_Success(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	mock.ExpectExec("UPDATE users SET last_login_at =").
		WithArgs(pgxmock.AnyArg(), "user-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := repo.RecordLogin(context.Background(), "user-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_RecordLogin_NotFound(t *testing.T) {
	repo, mock := newUserTestFixture(t)
	defer mock.Close()

	mock.ExpectExec("UPDATE users SET last_login_at =").
		WithArgs(pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.RecordLogin(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
