// Package oauth implements the authorization-code flow against external
// identity providers: building the consent redirect, validating the CSRF
// state on callback, exchanging the code, and normalizing the provider's
// user-info payload into a canonical profile.
package oauth

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/connecthub/identity/internal/domain"
)

// Scopes requested from every provider.
var scopes = []string{"openid", "email", "profile"}

// Profile is the canonical user record extracted from a provider's user-info
// response. PictureURL is nil when the provider supplied none; a nil picture
// must never overwrite a stored one.
type Profile struct {
	Email       string
	ExternalID  string
	DisplayName string
	PictureURL  *string
}

// Provider describes one external identity provider. Adding a provider means
// registering another value; the flow itself is provider-agnostic.
type Provider struct {
	// Name is the identifier stored on user records and used in routes.
	Name string

	// Config drives the authorization and token endpoints.
	Config *oauth2.Config

	// UserInfoURL is fetched with the access token after exchange.
	UserInfoURL string

	// AuthCodeOptions are extra query parameters for the consent redirect.
	AuthCodeOptions []oauth2.AuthCodeOption

	// ErrorAliases are the callback query parameters the provider may use to
	// report a denied or failed authorization.
	ErrorAliases []string

	// Normalize maps the raw user-info JSON to a canonical Profile.
	Normalize func(body []byte) (*Profile, error)

	// CredentialError reports a login-page error code when the configured
	// credentials can never complete a flow, or empty when they look usable.
	// Checked before a flow is initiated. Optional.
	CredentialError func() string
}

// AuthCodeURL builds the consent redirect URL for the given state.
func (p *Provider) AuthCodeURL(state string) string {
	return p.Config.AuthCodeURL(state, p.AuthCodeOptions...)
}

// NewGoogle builds the Google provider. The redirect URI must byte-for-byte
// match the value registered in the Google console, so it is derived from the
// configured base URL rather than the incoming request.
func NewGoogle(clientID, clientSecret, baseURL string) *Provider {
	return &Provider{
		Name: domain.ProviderGoogle,
		Config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL(baseURL, domain.ProviderGoogle),
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		},
		UserInfoURL: "https://www.googleapis.com/oauth2/v2/userinfo",
		AuthCodeOptions: []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("access_type", "online"),
			oauth2.SetAuthURLParam("prompt", "select_account"),
		},
		// Google reports some authorization failures under "authError".
		ErrorAliases:    []string{"error", "authError"},
		Normalize:       normalizeGoogle,
		CredentialError: func() string { return googleCredentialError(clientID) },
	}
}

// A development client ID that Google revoked; flows started with it fail on
// the consent screen with an opaque error, so it is caught up front.
const revokedGoogleClientID = "280308881889-79s4g1bqr6bju23lhtaeq13dj65ciju1"

// googleCredentialError flags client IDs that can never complete a flow.
func googleCredentialError(clientID string) string {
	if strings.Contains(clientID, revokedGoogleClientID) {
		return "deleted_client"
	}
	if !strings.HasSuffix(clientID, ".apps.googleusercontent.com") {
		return "invalid_client_id"
	}
	return ""
}

// NewMicrosoft builds the Microsoft provider against the common (multi-tenant)
// endpoint.
func NewMicrosoft(clientID, clientSecret, baseURL string) *Provider {
	return &Provider{
		Name: domain.ProviderMicrosoft,
		Config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL(baseURL, domain.ProviderMicrosoft),
			Scopes:       scopes,
			Endpoint:     microsoft.AzureADEndpoint("common"),
		},
		UserInfoURL: "https://graph.microsoft.com/v1.0/me",
		AuthCodeOptions: []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("response_mode", "query"),
		},
		ErrorAliases: []string{"error"},
		Normalize:    normalizeMicrosoft,
	}
}

func redirectURL(baseURL, provider string) string {
	return strings.TrimRight(baseURL, "/") + "/auth/" + provider + "/callback"
}

func normalizeGoogle(body []byte) (*Profile, error) {
	var data struct {
		ID      string `json:"id"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode google user info: %w", err)
	}

	p := &Profile{
		Email:       data.Email,
		ExternalID:  data.ID,
		DisplayName: data.Name,
	}
	if data.Picture != "" {
		p.PictureURL = &data.Picture
	}
	return p, nil
}

func normalizeMicrosoft(body []byte) (*Profile, error) {
	var data struct {
		ID                string `json:"id"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
		DisplayName       string `json:"displayName"`
		GivenName         string `json:"givenName"`
		Surname           string `json:"surname"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode microsoft user info: %w", err)
	}

	// Graph puts the address in "mail" for mailbox-backed accounts and in
	// "userPrincipalName" otherwise.
	email := data.Mail
	if email == "" {
		email = data.UserPrincipalName
	}

	name := data.DisplayName
	if name == "" {
		name = strings.TrimSpace(data.GivenName + " " + data.Surname)
	}

	// Graph serves the photo as binary from a separate endpoint; no URL to
	// store.
	return &Profile{
		Email:       email,
		ExternalID:  data.ID,
		DisplayName: name,
	}, nil
}

// Registry holds the configured providers keyed by name.
type Registry struct {
	providers map[string]*Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Provider)}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p *Provider) {
	r.providers[p.Name] = p
}

// Get returns the named provider, or false if it is not configured.
func (r *Registry) Get(name string) (*Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
