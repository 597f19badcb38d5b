package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/connecthub/identity/pkg/health"
	"github.com/connecthub/identity/pkg/middleware"

	"github.com/connecthub/identity/internal/service"
	"github.com/connecthub/identity/internal/token"
)

// NewRouter creates a chi router with all identity routes registered.
func NewRouter(
	authHandler *AuthHandler,
	svc *service.IdentityService,
	codec *token.Codec,
	healthHandler *health.Handler,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.Tracing("identity"))
	r.Use(middleware.PrometheusMetrics("identity"))
	r.Use(SessionContext(codec, svc))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// Pages
	r.Get("/", authHandler.Index)
	r.With(RequireAuthPage).Get("/dashboard", authHandler.Dashboard)

	// Auth endpoints
	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", authHandler.LoginPage)
		r.Post("/login", authHandler.Login)
		r.Post("/register", authHandler.Register)
		r.Get("/logout", authHandler.Logout)
		r.With(RequireAuth).Get("/me", authHandler.Me)

		r.Get("/{provider}", authHandler.OAuthStart)
		r.Get("/{provider}/callback", authHandler.OAuthCallback)
	})

	return r
}
