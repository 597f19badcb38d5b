package http

import (
	"context"
	"net/http"
	"strings"

	apperrors "github.com/connecthub/identity/pkg/errors"
	"github.com/connecthub/identity/pkg/httputil"
	"github.com/connecthub/identity/pkg/logger"

	"github.com/connecthub/identity/internal/domain"
	"github.com/connecthub/identity/internal/service"
	"github.com/connecthub/identity/internal/token"
)

type contextKey string

const userContextKey contextKey = "current_user"

// SessionCookie is the cookie carrying the signed session token.
const SessionCookie = "session_token"

// SessionContext resolves the caller's session and attaches the user to the
// request context. A bearer token takes precedence over the cookie. Any
// failure (no token, expired, forged, unknown or deactivated user) leaves the
// request anonymous; route guards decide whether that is acceptable.
func SessionContext(codec *token.Codec, svc *service.IdentityService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := sessionTokenFromRequest(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			userID, err := codec.Verify(raw)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			user, err := svc.GetUser(r.Context(), userID)
			if err != nil || !user.IsActive {
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			ctx = logger.WithUserID(ctx, user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// sessionTokenFromRequest prefers a bearer token but falls through to the
// session cookie when the Authorization header is absent or carries another
// scheme (proxies commonly inject Basic credentials).
func sessionTokenFromRequest(r *http.Request) string {
	if tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return tok
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// CurrentUser returns the authenticated user from the request context.
func CurrentUser(ctx context.Context) (*domain.User, bool) {
	user, ok := ctx.Value(userContextKey).(*domain.User)
	return user, ok
}

// RequireAuth rejects anonymous requests with a JSON 401. Used on API routes.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := CurrentUser(r.Context()); !ok {
			httputil.WriteError(w, r, apperrors.Unauthorized("authentication required"), nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuthPage redirects anonymous requests to the login page. Used on
// HTML routes.
func RequireAuthPage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := CurrentUser(r.Context()); !ok {
			http.Redirect(w, r, "/auth/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}
