package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	apperrors "github.com/connecthub/identity/pkg/errors"
	"github.com/connecthub/identity/pkg/health"
	"github.com/connecthub/identity/pkg/httpclient"
	pkgkafka "github.com/connecthub/identity/pkg/kafka"

	"github.com/connecthub/identity/internal/domain"
	"github.com/connecthub/identity/internal/event"
	"github.com/connecthub/identity/internal/oauth"
	"github.com/connecthub/identity/internal/password"
	"github.com/connecthub/identity/internal/repository"
	"github.com/connecthub/identity/internal/service"
	"github.com/connecthub/identity/internal/token"
)

// --- In-memory repository ---

type stubRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User // keyed by ID
}

func newStubRepo() *stubRepo {
	return &stubRepo{users: make(map[string]*domain.User)}
}

func (s *stubRepo) Create(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == user.Email {
			return apperrors.AlreadyExists("user", "email", user.Email)
		}
	}
	clone := *user
	s.users[user.ID] = &clone
	return nil
}

func (s *stubRepo) GetByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		clone := *u
		return &clone, nil
	}
	return nil, apperrors.ErrNotFound
}

func (s *stubRepo) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			clone := *u
			return &clone, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (s *stubRepo) FindOrCreateOAuth(_ context.Context, p repository.OAuthProfile) (*domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, u := range s.users {
		if u.Email == p.Email {
			u.LastLoginAt = &now
			if p.PictureURL != nil {
				u.ProfilePictureURL = p.PictureURL
			}
			clone := *u
			return &clone, false, nil
		}
	}
	provider := p.Provider
	externalID := p.ExternalID
	u := &domain.User{
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
	s.users[u.ID] = u
	clone := *u
	return &clone, true, nil
}

func (s *stubRepo) RecordLogin(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		now := time.Now().UTC()
		u.LastLoginAt = &now
		return nil
	}
	return apperrors.NotFound("user", id)
}

// --- Harness ---

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, *pkgkafka.Event) error { return nil }

type harness struct {
	router   http.Handler
	repo     *stubRepo
	codec    *token.Codec
	states   oauth.StateStore
	flow     *oauth.Flow
	registry *oauth.Registry
}

// newHarness builds a full router backed by in-memory stores. When
// providerServer is non-nil a "google" provider is registered against it.
func newHarness(t *testing.T, providerServer *httptest.Server) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := newStubRepo()
	codec := token.NewCodec("test-secret-key-for-handlers", time.Hour)
	producer := event.NewProducer(nopPublisher{}, logger)
	svc := service.NewIdentityService(repo, codec, producer, logger)

	registry := oauth.NewRegistry()
	if providerServer != nil {
		registry.Register(&oauth.Provider{
			Name: "google",
			Config: &oauth2.Config{
				ClientID:     "client-id",
				ClientSecret: "client-secret",
				RedirectURL:  "http://localhost:8080/auth/google/callback",
				Scopes:       []string{"openid", "email", "profile"},
				Endpoint: oauth2.Endpoint{
					AuthURL:  providerServer.URL + "/auth",
					TokenURL: providerServer.URL + "/token",
				},
			},
			UserInfoURL:  providerServer.URL + "/userinfo",
			ErrorAliases: []string{"error", "authError"},
			Normalize: func(body []byte) (*oauth.Profile, error) {
				return &oauth.Profile{
					Email:       "ada@example.com",
					ExternalID:  "g-1",
					DisplayName: "Ada",
				}, nil
			},
		})
	}

	client := httpclient.New(httpclient.DefaultConfig())
	breaker := httpclient.NewCircuitBreakerClient(
		client,
		httpclient.DefaultCircuitBreakerConfig("handler-test-"+t.Name()),
		logger,
	)
	states := oauth.NewMemoryStateStore()
	flow := oauth.NewFlow(registry, states, client, breaker, 10*time.Minute, logger)

	authHandler := NewAuthHandler(svc, flow, registry, AuthConfig{
		BaseURL:    "http://localhost:8080",
		SessionTTL: time.Hour,
		StateTTL:   10 * time.Minute,
	}, logger)

	router := NewRouter(authHandler, svc, codec, health.NewHandler(), logger)

	return &harness{router: router, repo: repo, codec: codec, states: states, flow: flow, registry: registry}
}

func fakeGoogleServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fake-token","token_type":"Bearer"}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func (h *harness) registerUser(t *testing.T, email, pass string) *domain.User {
	t.Helper()
	hash, err := password.Hash(pass)
	require.NoError(t, err)
	now := time.Now().UTC()
	u := &domain.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: &hash,
		DisplayName:  "Test User",
		IsActive:     true,
		CreatedAt:    now,
	}
	require.NoError(t, h.repo.Create(context.Background(), u))
	return u
}

func sessionCookie(t *testing.T, resp *http.Response, name string) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func postForm(h *harness, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Login page
// ---------------------------------------------------------------------------

func TestLoginPage_Renders(t *testing.T) {
	h := newHarness(t, fakeGoogleServer(t))

	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Continue with Google")
	assert.NotContains(t, body, "Continue with Microsoft")
}

func TestLoginPage_ErrorCode(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/login?error=oauth_not_configured", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "OAuth is not configured")
}

// ---------------------------------------------------------------------------
// Password login and registration
// ---------------------------------------------------------------------------

func TestLogin_Success(t *testing.T) {
	h := newHarness(t, nil)
	h.registerUser(t, "ada@example.com", "strong-password")

	rec := postForm(h, "/auth/login", url.Values{
		"email":    {"ada@example.com"},
		"password": {"strong-password"},
	})

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/dashboard", rec.Header().Get("Location"))

	cookie := sessionCookie(t, rec.Result(), SessionCookie)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.False(t, cookie.Secure, "http base URL must not mark cookies Secure")

	userID, err := h.codec.Verify(cookie.Value)
	require.NoError(t, err)
	assert.NotEmpty(t, userID)
}

func TestLogin_UnknownEmail(t *testing.T) {
	h := newHarness(t, nil)

	rec := postForm(h, "/auth/login", url.Values{
		"email":    {"ghost@example.com"},
		"password": {"whatever-pass"},
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "No account found with this email. Please register first.")
}

func TestLogin_WrongPassword(t *testing.T) {
	h := newHarness(t, nil)
	h.registerUser(t, "ada@example.com", "strong-password")

	rec := postForm(h, "/auth/login", url.Values{
		"email":    {"ada@example.com"},
		"password": {"not-the-password"},
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Incorrect password. Please try again.")
}

func TestLogin_OAuthAccount(t *testing.T) {
	h := newHarness(t, nil)

	provider := domain.ProviderGoogle
	oauthID := "g-1"
	u := &domain.User{
		ID:            uuid.New().String(),
		Email:         "ada@example.com",
		DisplayName:   "Ada",
		OAuthProvider: &provider,
		OAuthID:       &oauthID,
		IsActive:      true,
	}
	require.NoError(t, h.repo.Create(context.Background(), u))

	rec := postForm(h, "/auth/login", url.Values{
		"email":    {"ada@example.com"},
		"password": {"whatever-pass"},
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "This email is registered with google. Please use &#39;google&#39; login instead.")
}

func TestRegister_Success(t *testing.T) {
	h := newHarness(t, nil)

	rec := postForm(h, "/auth/register", url.Values{
		"email":        {"new@example.com"},
		"password":     {"strong-password"},
		"display_name": {"Newcomer"},
	})

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/dashboard", rec.Header().Get("Location"))
	require.NotNil(t, sessionCookie(t, rec.Result(), SessionCookie))

	u, err := h.repo.GetByEmail(context.Background(), "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Newcomer", u.DisplayName)
}

func TestRegister_ShortPassword(t *testing.T) {
	h := newHarness(t, nil)

	rec := postForm(h, "/auth/register", url.Values{
		"email":    {"new@example.com"},
		"password": {"short"},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Password must be at least 8 characters long")
}

func TestRegister_DuplicateEmail(t *testing.T) {
	h := newHarness(t, nil)
	h.registerUser(t, "ada@example.com", "strong-password")

	rec := postForm(h, "/auth/register", url.Values{
		"email":    {"ada@example.com"},
		"password": {"another-password"},
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "An account with this email already exists. Please sign in instead.")
}

func TestRegister_InvalidEmailFormat(t *testing.T) {
	h := newHarness(t, nil)

	rec := postForm(h, "/auth/register", url.Values{
		"email":    {"not-an-email"},
		"password": {"strong-password"},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Please enter a valid email address.")
}

// ---------------------------------------------------------------------------
// OAuth endpoints
// ---------------------------------------------------------------------------

func TestOAuthStart_RedirectsToProvider(t *testing.T) {
	h := newHarness(t, fakeGoogleServer(t))

	req := httptest.NewRequest(http.MethodGet, "/auth/google", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	assert.Contains(t, location, "/auth?")
	assert.Contains(t, location, "state=")

	cookie := sessionCookie(t, rec.Result(), flowCookie)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, "/auth", cookie.Path)
}

func TestOAuthStart_UnknownProvider(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/github", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/login?error=oauth_not_configured", rec.Header().Get("Location"))
}

func TestOAuthStart_RevokedGoogleClient(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.Register(oauth.NewGoogle(
		"280308881889-79s4g1bqr6bju23lhtaeq13dj65ciju1.apps.googleusercontent.com",
		"secret", "http://localhost:8080",
	))

	req := httptest.NewRequest(http.MethodGet, "/auth/google", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/login?error=deleted_client", rec.Header().Get("Location"))
}

func TestOAuthStart_MalformedGoogleClientID(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.Register(oauth.NewGoogle("not-a-google-client-id", "secret", "http://localhost:8080"))

	req := httptest.NewRequest(http.MethodGet, "/auth/google", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/login?error=invalid_client_id", rec.Header().Get("Location"))
}

func startFlow(t *testing.T, h *harness) (flowKey, state string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/auth/google", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	cookie := sessionCookie(t, rec.Result(), flowCookie)
	require.NotNil(t, cookie)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return cookie.Value, location.Query().Get("state")
}

func TestOAuthCallback_FullFlow(t *testing.T) {
	h := newHarness(t, fakeGoogleServer(t))
	flowKey, state := startFlow(t, h)

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=auth-code&state="+state, nil)
	req.AddCookie(&http.Cookie{Name: flowCookie, Value: flowKey})
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/dashboard", rec.Header().Get("Location"))

	cookie := sessionCookie(t, rec.Result(), SessionCookie)
	require.NotNil(t, cookie)

	userID, err := h.codec.Verify(cookie.Value)
	require.NoError(t, err)

	u, err := h.repo.GetByID(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", u.Email)
}

func TestOAuthCallback_ReplayRejected(t *testing.T) {
	h := newHarness(t, fakeGoogleServer(t))
	flowKey, state := startFlow(t, h)

	target := "/auth/google/callback?code=auth-code&state=" + state

	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.AddCookie(&http.Cookie{Name: flowCookie, Value: flowKey})
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	// Same flow cookie and state again: the stored state is gone.
	req = httptest.NewRequest(http.MethodGet, target, nil)
	req.AddCookie(&http.Cookie{Name: flowCookie, Value: flowKey})
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid state parameter")
}

func TestOAuthCallback_MissingCode(t *testing.T) {
	h := newHarness(t, fakeGoogleServer(t))
	flowKey, state := startFlow(t, h)

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?state="+state, nil)
	req.AddCookie(&http.Cookie{Name: flowCookie, Value: flowKey})
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOAuthCallback_NoFlowCookie(t *testing.T) {
	h := newHarness(t, fakeGoogleServer(t))
	_, state := startFlow(t, h)

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=auth-code&state="+state, nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid state parameter")
}

func TestOAuthCallback_ProviderDenied(t *testing.T) {
	h := newHarness(t, fakeGoogleServer(t))

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?error=access_denied", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "access_denied")
}

// ---------------------------------------------------------------------------
// Session-scoped routes
// ---------------------------------------------------------------------------

func TestMe_RequiresAuth(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe_WithSessionCookie(t *testing.T) {
	h := newHarness(t, nil)
	u := h.registerUser(t, "ada@example.com", "strong-password")

	session, err := h.codec.Mint(u.ID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: session})
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ada@example.com")
	assert.NotContains(t, rec.Body.String(), "password_hash")
}

func TestMe_WithBearerToken(t *testing.T) {
	h := newHarness(t, nil)
	u := h.registerUser(t, "ada@example.com", "strong-password")

	session, err := h.codec.Mint(u.ID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+session)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMe_NonBearerAuthHeaderFallsBackToCookie(t *testing.T) {
	h := newHarness(t, nil)
	u := h.registerUser(t, "ada@example.com", "strong-password")

	session, err := h.codec.Mint(u.ID)
	require.NoError(t, err)

	// Proxies may inject Basic credentials; the session cookie still counts.
	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: session})
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ada@example.com")
}

func TestMe_ExpiredToken(t *testing.T) {
	h := newHarness(t, nil)
	u := h.registerUser(t, "ada@example.com", "strong-password")

	expired := token.NewCodec("test-secret-key-for-handlers", -time.Minute)
	session, err := expired.Mint(u.ID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: session})
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDashboard_RedirectsAnonymous(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/login", rec.Header().Get("Location"))
}

func TestDashboard_RendersForUser(t *testing.T) {
	h := newHarness(t, nil)
	u := h.registerUser(t, "ada@example.com", "strong-password")

	session, err := h.codec.Mint(u.ID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: session})
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Test User")
}

func TestLogout_ClearsCookie(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/logout", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	cookie := sessionCookie(t, rec.Result(), SessionCookie)
	require.NotNil(t, cookie)
	assert.Empty(t, cookie.Value)
	assert.Negative(t, cookie.MaxAge)
}
