package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/script-playground/internal/service"
)

// ScriptHandler serves the persistence and export collaborators.
type ScriptHandler struct {
	scripts *service.ScriptService
	logger  *slog.Logger
}

// NewScriptHandler creates a ScriptHandler.
func NewScriptHandler(scripts *service.ScriptService, logger *slog.Logger) *ScriptHandler {
	return &ScriptHandler{
		scripts: scripts,
		logger:  logger,
	}
}

type putScriptRequest struct {
	Code string `json:"code"`
}

// HandleGet serves GET /api/scripts/{key}.
func (h *ScriptHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	script, err := h.scripts.Find(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, script)
}

// HandlePut serves PUT /api/scripts/{key}.
func (h *ScriptHandler) HandlePut(w http.ResponseWriter, r *http.Request) {
	var req putScriptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	script, err := h.scripts.Set(r.Context(), chi.URLParam(r, "key"), req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, script)
}

// HandleDelete serves DELETE /api/scripts/{key}.
func (h *ScriptHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.scripts.Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleList serves GET /api/scripts?limit=&offset=.
func (h *ScriptHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	scripts, err := h.scripts.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list scripts", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scripts": scripts})
}

// HandleExport serves GET /api/scripts/{key}/export as a file download.
func (h *ScriptHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	name, body, err := h.scripts.Export(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		h.logger.Warn("failed to write export", slog.String("error", err.Error()))
	}
}
