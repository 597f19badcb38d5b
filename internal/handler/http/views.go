package http

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/connecthub/identity/internal/domain"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// loginPageData feeds the combined login/register page.
type loginPageData struct {
	User                *domain.User
	GoogleConfigured    bool
	MicrosoftConfigured bool
	ErrorMessage        string
	ShowRegister        bool
	FormEmail           string
	FormDisplayName     string
}

// errorPageData feeds the OAuth failure page.
type errorPageData struct {
	Error       string
	Description string
}

type dashboardPageData struct {
	User *domain.User
}

func renderHTML(w http.ResponseWriter, status int, name string, data any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		logger.Error("render template",
			slog.String("template", name),
			slog.String("error", err.Error()),
		)
	}
}
