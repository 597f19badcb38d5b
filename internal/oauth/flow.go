package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/connecthub/identity/pkg/httpclient"
)

// Flow rejection reasons surfaced to handlers.
var (
	ErrUnknownProvider = errors.New("oauth: unknown provider")
	ErrMissingCode     = errors.New("oauth: missing authorization code")
	ErrStateMismatch   = errors.New("oauth: state mismatch")
	ErrMissingEmail    = errors.New("oauth: provider did not supply an email")
)

// ProviderError is a rejection reported by the provider itself on the
// callback, such as the user denying consent.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth: provider error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("oauth: provider error %s", e.Code)
}

// CredentialError is a rejection at initiation time because the configured
// client credentials can never complete a flow. Code matches the login page's
// error query parameter values.
type CredentialError struct {
	Provider string
	Code     string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("oauth: %s credentials rejected: %s", e.Provider, e.Code)
}

// Initiation is the result of starting a flow: where to send the user and the
// key under which the pending state was stored.
type Initiation struct {
	AuthURL string
	FlowKey string
}

// Flow drives the authorization-code dance for all registered providers.
type Flow struct {
	registry *Registry
	states   StateStore
	exchange *httpclient.Client
	userInfo *httpclient.CircuitBreakerClient
	stateTTL time.Duration
	logger   *slog.Logger
}

// NewFlow creates a flow. The exchange client is injected into the token
// exchange so provider calls inherit its timeout; userInfo wraps the profile
// fetch in a circuit breaker.
func NewFlow(
	registry *Registry,
	states StateStore,
	exchange *httpclient.Client,
	userInfo *httpclient.CircuitBreakerClient,
	stateTTL time.Duration,
	logger *slog.Logger,
) *Flow {
	return &Flow{
		registry: registry,
		states:   states,
		exchange: exchange,
		userInfo: userInfo,
		stateTTL: stateTTL,
		logger:   logger,
	}
}

// Initiate starts a flow for the named provider: it generates the CSRF state,
// stores it under a fresh flow key, and returns the consent URL to redirect
// the user to.
func (f *Flow) Initiate(ctx context.Context, providerName string) (*Initiation, error) {
	provider, ok := f.registry.Get(providerName)
	if !ok {
		return nil, ErrUnknownProvider
	}

	if provider.CredentialError != nil {
		if code := provider.CredentialError(); code != "" {
			f.logger.WarnContext(ctx, "oauth credentials rejected",
				slog.String("provider", providerName),
				slog.String("code", code),
			)
			return nil, &CredentialError{Provider: providerName, Code: code}
		}
	}

	state, err := NewState()
	if err != nil {
		return nil, err
	}
	flowKey, err := NewState()
	if err != nil {
		return nil, err
	}

	st := FlowState{
		Provider: providerName,
		State:    state,
		IssuedAt: time.Now().UTC(),
	}
	if err := f.states.Save(ctx, flowKey, st, f.stateTTL); err != nil {
		return nil, err
	}

	f.logger.InfoContext(ctx, "oauth flow initiated",
		slog.String("provider", providerName),
	)

	return &Initiation{
		AuthURL: provider.AuthCodeURL(state),
		FlowKey: flowKey,
	}, nil
}

// Callback completes a flow from the provider's redirect. The pending state
// is consumed exactly once before any provider call is made, so a replayed or
// concurrent callback fails closed with ErrStateMismatch. On success the
// normalized profile is returned.
func (f *Flow) Callback(ctx context.Context, providerName, flowKey string, query url.Values) (*Profile, error) {
	provider, ok := f.registry.Get(providerName)
	if !ok {
		return nil, ErrUnknownProvider
	}

	for _, alias := range provider.ErrorAliases {
		if code := query.Get(alias); code != "" {
			return nil, &ProviderError{
				Code:        code,
				Description: query.Get("error_description"),
			}
		}
	}

	code := query.Get("code")
	if code == "" {
		return nil, ErrMissingCode
	}

	st, err := f.states.Consume(ctx, flowKey)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil, ErrStateMismatch
		}
		return nil, err
	}
	if st.Provider != providerName || st.State == "" || st.State != query.Get("state") {
		f.logger.WarnContext(ctx, "oauth state rejected",
			slog.String("provider", providerName),
			slog.String("expected_provider", st.Provider),
		)
		return nil, ErrStateMismatch
	}

	// Route the exchange through our client so the provider call carries a
	// timeout instead of the library's default bare client.
	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, f.exchange.HTTPClient())
	tok, err := provider.Config.Exchange(exchangeCtx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code with %s: %w", providerName, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("no access token received from %s", providerName)
	}

	profile, err := f.fetchProfile(ctx, provider, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	if profile.Email == "" {
		return nil, ErrMissingEmail
	}

	f.logger.InfoContext(ctx, "oauth profile fetched",
		slog.String("provider", providerName),
		slog.String("email", profile.Email),
	)

	return profile, nil
}

func (f *Flow) fetchProfile(ctx context.Context, provider *Provider, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.UserInfoURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.userInfo.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch user info from %s: %w", provider.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info from %s: unexpected status %d", provider.Name, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read user info response: %w", err)
	}

	return provider.Normalize(body)
}
