package domain

import (
	"strings"
	"time"
)

// OAuth provider identifiers stored on a user record.
const (
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
)

// User represents a registered user. Fields that only exist for one
// authentication method are pointers: PasswordHash is nil for OAuth-only
// accounts, OAuthProvider and OAuthID are nil for password accounts.
type User struct {
	ID                string     `json:"id"`
	Email             string     `json:"email"`
	PasswordHash      *string    `json:"-"`
	DisplayName       string     `json:"display_name"`
	ProfilePictureURL *string    `json:"profile_picture_url,omitempty"`
	OAuthProvider     *string    `json:"oauth_provider,omitempty"`
	OAuthID           *string    `json:"oauth_id,omitempty"`
	IsActive          bool       `json:"is_active"`
	EmailVerified     bool       `json:"email_verified"`
	CreatedAt         time.Time  `json:"created_at"`
	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
}

// HasPassword reports whether this account can sign in with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// NormalizeEmail lowercases and trims an email address. All lookups and
// storage use the normalized form so the same mailbox resolves to the same
// account regardless of how the provider or the user spelled it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DisplayNameFallback returns name if non-empty, otherwise the local part of
// the email address.
func DisplayNameFallback(name, email string) string {
	name = strings.TrimSpace(name)
	if name != "" {
		return name
	}
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}
