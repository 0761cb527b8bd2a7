package apperror

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsIs(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
	}{
		{name: "NotFound", err: NotFound("script", "hello"), target: ErrNotFound, wantMatch: true},
		{name: "ValidationFailed", err: ValidationFailed("key", "key is required"), target: ErrValidation, wantMatch: true},
		{name: "Conflict", err: Conflict("session", "abc"), target: ErrConflict, wantMatch: true},
		{name: "Forbidden", err: Forbidden("token does not match session"), target: ErrForbidden, wantMatch: true},
		{name: "Unauthorized", err: Unauthorized("missing token"), target: ErrUnauthorized, wantMatch: true},
		{name: "Unavailable", err: Unavailable("too many sessions"), target: ErrUnavailable, wantMatch: true},
		{
			name:      "wrapped twice still matches",
			err:       fmt.Errorf("creating session: %w", Unavailable("too many sessions")),
			target:    ErrUnavailable,
			wantMatch: true,
		},
		{name: "NotFound is not a validation error", err: NotFound("script", "x"), target: ErrValidation, wantMatch: false},
		{name: "Unavailable is not NotFound", err: Unavailable("busy"), target: ErrNotFound, wantMatch: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.wantMatch {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.wantMatch)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  *AppError
		want string
	}{
		{err: NotFound("script", "hello"), want: "script not found with id hello"},
		{err: ValidationFailed("code", "code is too long"), want: "code is too long"},
		{err: Conflict("session", "abc"), want: "session conflict with id abc"},
		{err: Unavailable("too many sessions"), want: "too many sessions"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestAsExtractsField(t *testing.T) {
	err := fmt.Errorf("saving script: %w", ValidationFailed("key", "invalid key"))

	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatal("errors.As did not find *AppError")
	}
	if appErr.Field != "key" {
		t.Errorf("Field = %q, want %q", appErr.Field, "key")
	}
}
