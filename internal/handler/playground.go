package handler

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"
)

//go:embed templates/*.html
var templateFS embed.FS

// PlaygroundHandler serves the editor page. Templates are parsed once at
// startup.
type PlaygroundHandler struct {
	templates *template.Template
	logger    *slog.Logger
}

// NewPlaygroundHandler parses the embedded templates. "base" lays out the
// page and pulls in the "content" block defined by playground.html.
func NewPlaygroundHandler(logger *slog.Logger) (*PlaygroundHandler, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/base.html", "templates/playground.html")
	if err != nil {
		return nil, err
	}

	return &PlaygroundHandler{
		templates: tmpl,
		logger:    logger,
	}, nil
}

// HandlePlayground serves GET /.
func (h *PlaygroundHandler) HandlePlayground(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"Title": "Script Playground",
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, "base", data); err != nil {
		h.logger.Error("failed to render template",
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
