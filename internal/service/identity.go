// Package service implements the identity business logic: registration,
// password login, and resolving OAuth profiles to user accounts.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/connecthub/identity/pkg/errors"

	"github.com/connecthub/identity/internal/domain"
	"github.com/connecthub/identity/internal/event"
	"github.com/connecthub/identity/internal/oauth"
	"github.com/connecthub/identity/internal/password"
	"github.com/connecthub/identity/internal/repository"
	"github.com/connecthub/identity/internal/token"
)

// Login method recorded in logged_in events for credential sign-ins.
const methodPassword = "password"

// Login failure reasons. They are distinct so handlers can tell the user
// what to do next (register, use the right provider, retry the password).
var (
	ErrUnknownEmail = errors.New("no account found with this email")
	ErrBadPassword  = errors.New("incorrect password")
)

// WrongMethodError rejects a password login against an account that was
// created through an OAuth provider.
type WrongMethodError struct {
	Provider string
}

func (e *WrongMethodError) Error() string {
	return fmt.Sprintf("account is registered with %s", e.Provider)
}

// IdentityService implements registration, login, and OAuth resolution.
type IdentityService struct {
	repo     repository.UserRepository
	codec    *token.Codec
	producer *event.Producer
	logger   *slog.Logger
}

// NewIdentityService creates a new identity service.
func NewIdentityService(
	repo repository.UserRepository,
	codec *token.Codec,
	producer *event.Producer,
	logger *slog.Logger,
) *IdentityService {
	return &IdentityService{
		repo:     repo,
		codec:    codec,
		producer: producer,
		logger:   logger,
	}
}

// RegisterInput holds the parameters for registering a new user.
type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
}

// Register creates a credential account and returns the user with a minted
// session token.
func (s *IdentityService) Register(ctx context.Context, input RegisterInput) (*domain.User, string, error) {
	email := domain.NormalizeEmail(input.Email)
	if email == "" {
		return nil, "", apperrors.InvalidInput("email is required")
	}
	if input.Password == "" {
		return nil, "", apperrors.InvalidInput("password is required")
	}

	hash, err := password.Hash(input.Password)
	if err != nil {
		if errors.Is(err, password.ErrTooShort) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	user := &domain.User{
		ID:            uuid.New().String(),
		Email:         email,
		PasswordHash:  &hash,
		DisplayName:   domain.DisplayNameFallback(input.DisplayName, email),
		IsActive:      true,
		EmailVerified: false,
		CreatedAt:     now,
		LastLoginAt:   &now,
	}

	if err := s.repo.Create(ctx, user); err != nil {
		return nil, "", err
	}

	session, err := s.codec.Mint(user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("mint session token: %w", err)
	}

	// Publish registration event (non-blocking on failure).
	if err := s.producer.PublishUserRegistered(ctx, user); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish user.registered event",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "user registered",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
	)

	return user, session, nil
}

// PasswordLogin authenticates a credential account. Accounts created through
// an OAuth provider are refused with WrongMethodError so the caller can point
// the user at the right sign-in button.
func (s *IdentityService) PasswordLogin(ctx context.Context, email, plaintext string) (*domain.User, string, error) {
	email = domain.NormalizeEmail(email)
	if email == "" || plaintext == "" {
		return nil, "", apperrors.InvalidInput("email and password are required")
	}

	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, "", ErrUnknownEmail
		}
		return nil, "", fmt.Errorf("look up user: %w", err)
	}

	if user.OAuthProvider != nil {
		return nil, "", &WrongMethodError{Provider: *user.OAuthProvider}
	}
	if !user.HasPassword() || !password.Verify(*user.PasswordHash, plaintext) {
		return nil, "", ErrBadPassword
	}
	if !user.IsActive {
		return nil, "", apperrors.Unauthorized("account is deactivated")
	}

	if err := s.repo.RecordLogin(ctx, user.ID); err != nil {
		return nil, "", fmt.Errorf("record login: %w", err)
	}
	now := time.Now().UTC()
	user.LastLoginAt = &now

	session, err := s.codec.Mint(user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("mint session token: %w", err)
	}

	if err := s.producer.PublishUserLoggedIn(ctx, user, methodPassword); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish user.logged_in event",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "user logged in",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
	)

	return user, session, nil
}

// ResolveOAuth turns a fetched provider profile into a user account and a
// session token. An unseen email creates an account; a known one logs in,
// regardless of which method created it originally.
func (s *IdentityService) ResolveOAuth(ctx context.Context, providerName string, profile *oauth.Profile) (*domain.User, string, error) {
	email := domain.NormalizeEmail(profile.Email)
	if email == "" {
		return nil, "", apperrors.InvalidInput("provider did not supply an email")
	}

	user, created, err := s.repo.FindOrCreateOAuth(ctx, repository.OAuthProfile{
		Provider:    providerName,
		ExternalID:  profile.ExternalID,
		Email:       email,
		DisplayName: domain.DisplayNameFallback(profile.DisplayName, email),
		PictureURL:  profile.PictureURL,
	})
	if err != nil {
		return nil, "", fmt.Errorf("resolve oauth user: %w", err)
	}

	session, err := s.codec.Mint(user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("mint session token: %w", err)
	}

	if created {
		if err := s.producer.PublishUserRegistered(ctx, user); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish user.registered event",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()),
			)
		}
	} else if err := s.producer.PublishUserLoggedIn(ctx, user, providerName); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish user.logged_in event",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "oauth user resolved",
		slog.String("user_id", user.ID),
		slog.String("provider", providerName),
		slog.Bool("created", created),
	)

	return user, session, nil
}

// GetUser loads a user by the canonical ID carried in session tokens. IDs
// that do not parse as UUIDs are not found by definition; they never reach
// the database.
func (s *IdentityService) GetUser(ctx context.Context, id string) (*domain.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.NotFound("user", id)
	}
	return s.repo.GetByID(ctx, id)
}
