package repository

import (
	"context"

	"github.com/connecthub/identity/internal/domain"
)

// OAuthProfile is the normalized provider identity handed to FindOrCreateOAuth.
// Email must already be normalized and DisplayName already resolved through
// its fallback.
type OAuthProfile struct {
	Provider    string
	ExternalID  string
	Email       string
	DisplayName string
	PictureURL  *string
}

// UserRepository defines the interface for user persistence operations.
type UserRepository interface {
	// Create inserts a new user into the store.
	Create(ctx context.Context, user *domain.User) error

	// GetByID retrieves a user by their unique identifier.
	GetByID(ctx context.Context, id string) (*domain.User, error)

	// GetByEmail retrieves a user by their email address.
	GetByEmail(ctx context.Context, email string) (*domain.User, error)

	// FindOrCreateOAuth resolves a provider identity to a user within a
	// single transaction. An existing user (matched by email) gets its last
	// login stamped and its picture refreshed; an unseen email creates a new
	// account. The returned bool is true when a user was created.
	FindOrCreateOAuth(ctx context.Context, profile OAuthProfile) (*domain.User, bool, error)

	// RecordLogin stamps last_login_at for the given user.
	RecordLogin(ctx context.Context, id string) error
}
