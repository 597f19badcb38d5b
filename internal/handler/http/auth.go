// Package http exposes the identity service over HTTP: the login and
// registration pages, the OAuth redirect endpoints, and the session-scoped
// JSON API.
package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/connecthub/identity/pkg/errors"
	"github.com/connecthub/identity/pkg/httputil"
	"github.com/connecthub/identity/pkg/validator"

	"github.com/connecthub/identity/internal/oauth"
	"github.com/connecthub/identity/internal/password"
	"github.com/connecthub/identity/internal/service"
)

// flowCookie carries the key of the pending OAuth flow between the redirect
// to the provider and the callback. Scoped to /auth so it never travels with
// ordinary page loads.
const flowCookie = "oauth_session"

// loginErrorMessages maps ?error= codes on the login page to user-facing
// text.
var loginErrorMessages = map[string]string{
	"oauth_not_configured": "Google OAuth is not configured. Please set up OAuth credentials and try again.",
	"deleted_client":       "The Google OAuth client ID you're using was deleted. Please create a new OAuth client.",
	"invalid_client_id":    "The Google OAuth Client ID format is invalid. Please check that it ends with .apps.googleusercontent.com",
}

// registerForm is the validated shape of the registration form.
type registerForm struct {
	Email       string `validate:"required,email"`
	Password    string `validate:"required"`
	DisplayName string `validate:"omitempty,max=100"`
}

// AuthConfig holds the handler's cookie and flow parameters.
type AuthConfig struct {
	// BaseURL decides whether session cookies are marked Secure.
	BaseURL    string
	SessionTTL time.Duration
	StateTTL   time.Duration
}

// AuthHandler handles the login pages, credential endpoints, and OAuth flow.
type AuthHandler struct {
	service   *service.IdentityService
	flow      *oauth.Flow
	providers *oauth.Registry
	cfg       AuthConfig
	secure    bool
	logger    *slog.Logger
}

// NewAuthHandler creates a new auth HTTP handler.
func NewAuthHandler(
	svc *service.IdentityService,
	flow *oauth.Flow,
	providers *oauth.Registry,
	cfg AuthConfig,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		service:   svc,
		flow:      flow,
		providers: providers,
		cfg:       cfg,
		secure:    strings.HasPrefix(cfg.BaseURL, "https"),
		logger:    logger,
	}
}

// --- Cookie helpers ---

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) setFlowCookie(w http.ResponseWriter, key string) {
	http.SetCookie(w, &http.Cookie{
		Name:     flowCookie,
		Value:    key,
		Path:     "/auth",
		MaxAge:   int(h.cfg.StateTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearFlowCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     flowCookie,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// --- Page data helper ---

func (h *AuthHandler) loginData(r *http.Request) loginPageData {
	data := loginPageData{}
	if user, ok := CurrentUser(r.Context()); ok {
		data.User = user
	}
	_, data.GoogleConfigured = h.providers.Get("google")
	_, data.MicrosoftConfigured = h.providers.Get("microsoft")
	return data
}

// --- Handlers ---

// LoginPage handles GET /auth/login.
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	data := h.loginData(r)
	data.ShowRegister = r.URL.Query().Has("register")
	if code := r.URL.Query().Get("error"); code != "" {
		data.ErrorMessage = loginErrorMessages[code]
	}
	renderHTML(w, http.StatusOK, "login.html", data, h.logger)
}

// OAuthStart handles GET /auth/{provider}. An unconfigured provider bounces
// back to the login page instead of erroring.
func (h *AuthHandler) OAuthStart(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	init, err := h.flow.Initiate(r.Context(), providerName)
	if err != nil {
		if errors.Is(err, oauth.ErrUnknownProvider) {
			http.Redirect(w, r, "/auth/login?error=oauth_not_configured", http.StatusFound)
			return
		}
		var credErr *oauth.CredentialError
		if errors.As(err, &credErr) {
			http.Redirect(w, r, "/auth/login?error="+credErr.Code, http.StatusFound)
			return
		}
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	h.setFlowCookie(w, init.FlowKey)
	http.Redirect(w, r, init.AuthURL, http.StatusFound)
}

// OAuthCallback handles GET /auth/{provider}/callback.
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	var flowKey string
	if c, err := r.Cookie(flowCookie); err == nil {
		flowKey = c.Value
	}
	h.clearFlowCookie(w)

	profile, err := h.flow.Callback(r.Context(), providerName, flowKey, r.URL.Query())
	if err != nil {
		h.renderCallbackError(w, r, providerName, err)
		return
	}

	_, session, err := h.service.ResolveOAuth(r.Context(), providerName, profile)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "oauth resolution failed",
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
		)
		renderHTML(w, http.StatusInternalServerError, "error.html", errorPageData{
			Error:       "server_error",
			Description: "Something went wrong while signing you in. Please try again.",
		}, h.logger)
		return
	}

	h.setSessionCookie(w, session)
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

func (h *AuthHandler) renderCallbackError(w http.ResponseWriter, r *http.Request, providerName string, err error) {
	var provErr *oauth.ProviderError

	switch {
	case errors.As(err, &provErr):
		h.logger.WarnContext(r.Context(), "oauth provider error",
			slog.String("provider", providerName),
			slog.String("code", provErr.Code),
		)
		renderHTML(w, http.StatusBadRequest, "error.html", errorPageData{
			Error:       provErr.Code,
			Description: provErr.Description,
		}, h.logger)

	case errors.Is(err, oauth.ErrMissingCode):
		httputil.WriteError(w, r, apperrors.InvalidInput("missing authorization code"), h.logger)

	case errors.Is(err, oauth.ErrStateMismatch):
		renderHTML(w, http.StatusBadRequest, "error.html", errorPageData{
			Error:       "invalid_state",
			Description: "Invalid state parameter. Please try logging in again.",
		}, h.logger)

	case errors.Is(err, oauth.ErrMissingEmail):
		renderHTML(w, http.StatusBadRequest, "error.html", errorPageData{
			Error:       "missing_email",
			Description: fmt.Sprintf("Email not provided by %s.", providerName),
		}, h.logger)

	case errors.Is(err, oauth.ErrUnknownProvider):
		http.Redirect(w, r, "/auth/login?error=oauth_not_configured", http.StatusFound)

	default:
		h.logger.ErrorContext(r.Context(), "oauth callback failed",
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
		)
		renderHTML(w, http.StatusBadGateway, "error.html", errorPageData{
			Error:       "provider_unavailable",
			Description: "Could not reach the identity provider. Please try again.",
		}, h.logger)
	}
}

// Register handles POST /auth/register (form submission).
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteError(w, r, apperrors.InvalidInput("invalid form body"), h.logger)
		return
	}

	email := r.PostFormValue("email")
	pass := r.PostFormValue("password")
	displayName := r.PostFormValue("display_name")

	data := h.loginData(r)
	data.ShowRegister = true
	data.FormEmail = email
	data.FormDisplayName = displayName

	if email == "" || pass == "" {
		data.ErrorMessage = "Email and password are required"
		renderHTML(w, http.StatusBadRequest, "login.html", data, h.logger)
		return
	}

	form := registerForm{Email: email, Password: pass, DisplayName: displayName}
	if err := validator.Validate(form); err != nil {
		data.ErrorMessage = "Please enter a valid email address."
		renderHTML(w, http.StatusBadRequest, "login.html", data, h.logger)
		return
	}

	user, session, err := h.service.Register(r.Context(), service.RegisterInput{
		Email:       email,
		Password:    pass,
		DisplayName: displayName,
	})
	if err != nil {
		switch {
		case errors.Is(err, password.ErrTooShort):
			data.ErrorMessage = "Password must be at least 8 characters long"
			renderHTML(w, http.StatusBadRequest, "login.html", data, h.logger)
		case errors.Is(err, apperrors.ErrAlreadyExists):
			data.ShowRegister = false
			data.ErrorMessage = "An account with this email already exists. Please sign in instead."
			renderHTML(w, http.StatusConflict, "login.html", data, h.logger)
		case errors.Is(err, apperrors.ErrInvalidInput):
			data.ErrorMessage = "Email and password are required"
			renderHTML(w, http.StatusBadRequest, "login.html", data, h.logger)
		default:
			h.logger.ErrorContext(r.Context(), "registration failed",
				slog.String("error", err.Error()),
			)
			data.ErrorMessage = "Registration failed. Please try again."
			renderHTML(w, http.StatusInternalServerError, "login.html", data, h.logger)
		}
		return
	}

	h.logger.InfoContext(r.Context(), "registration complete",
		slog.String("user_id", user.ID),
	)
	h.setSessionCookie(w, session)
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

// Login handles POST /auth/login (form submission).
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteError(w, r, apperrors.InvalidInput("invalid form body"), h.logger)
		return
	}

	email := r.PostFormValue("email")
	pass := r.PostFormValue("password")

	data := h.loginData(r)
	data.FormEmail = email

	if email == "" || pass == "" {
		data.ErrorMessage = "Email and password are required"
		renderHTML(w, http.StatusBadRequest, "login.html", data, h.logger)
		return
	}

	_, session, err := h.service.PasswordLogin(r.Context(), email, pass)
	if err != nil {
		var wrongMethod *service.WrongMethodError
		switch {
		case errors.Is(err, service.ErrUnknownEmail):
			data.ShowRegister = true
			data.ErrorMessage = "No account found with this email. Please register first."
			renderHTML(w, http.StatusUnauthorized, "login.html", data, h.logger)
		case errors.As(err, &wrongMethod):
			data.ErrorMessage = fmt.Sprintf(
				"This email is registered with %s. Please use '%s' login instead.",
				wrongMethod.Provider, wrongMethod.Provider,
			)
			renderHTML(w, http.StatusConflict, "login.html", data, h.logger)
		case errors.Is(err, service.ErrBadPassword):
			data.ErrorMessage = "Incorrect password. Please try again."
			renderHTML(w, http.StatusUnauthorized, "login.html", data, h.logger)
		case errors.Is(err, apperrors.ErrUnauthorized):
			data.ErrorMessage = "This account has been deactivated."
			renderHTML(w, http.StatusUnauthorized, "login.html", data, h.logger)
		default:
			h.logger.ErrorContext(r.Context(), "login failed",
				slog.String("error", err.Error()),
			)
			data.ErrorMessage = "Login failed. Please try again."
			renderHTML(w, http.StatusInternalServerError, "login.html", data, h.logger)
		}
		return
	}

	h.setSessionCookie(w, session)
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

// Logout handles GET /auth/logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.clearSessionCookie(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

// Me handles GET /auth/me. Requires an authenticated session.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(r.Context())
	if !ok {
		httputil.WriteError(w, r, apperrors.Unauthorized("authentication required"), h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: user})
}

// Dashboard handles GET /dashboard.
func (h *AuthHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(r.Context())
	if !ok {
		http.Redirect(w, r, "/auth/login", http.StatusFound)
		return
	}
	renderHTML(w, http.StatusOK, "dashboard.html", dashboardPageData{User: user}, h.logger)
}

// Index handles GET /.
func (h *AuthHandler) Index(w http.ResponseWriter, r *http.Request) {
	if _, ok := CurrentUser(r.Context()); ok {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/auth/login", http.StatusFound)
}
