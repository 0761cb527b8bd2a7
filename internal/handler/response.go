package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sakif/script-playground/internal/apperror"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// ErrorResponse is the error body of every API endpoint:
//
//	{"error": "not_found", "message": "script not found with id hello"}
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// writeJSON sets headers and status before the body; once the body starts,
// header changes are ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps a domain error to an HTTP status. Errors that are not an
// *apperror.AppError are internal and their text is never sent.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An internal error occurred",
		})
		return
	}

	status := http.StatusInternalServerError
	errorType := "internal_error"

	switch {
	case errors.Is(err, apperror.ErrValidation):
		status = http.StatusBadRequest
		errorType = "validation_error"
	case errors.Is(err, apperror.ErrNotFound):
		status = http.StatusNotFound
		errorType = "not_found"
	case errors.Is(err, apperror.ErrUnauthorized):
		status = http.StatusUnauthorized
		errorType = "unauthorized"
	case errors.Is(err, apperror.ErrForbidden):
		status = http.StatusForbidden
		errorType = "forbidden"
	case errors.Is(err, apperror.ErrConflict):
		status = http.StatusConflict
		errorType = "conflict"
	case errors.Is(err, apperror.ErrUnavailable):
		status = http.StatusServiceUnavailable
		errorType = "unavailable"
	}

	writeJSON(w, status, ErrorResponse{
		Error:   errorType,
		Message: appErr.Message,
		Field:   appErr.Field,
	})
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperror.ValidationFailed("body", fmt.Sprintf("request body must be %d bytes or less", tooLarge.Limit))
		}
		return apperror.ValidationFailed("body", "request body must be valid JSON")
	}
	return nil
}
