// Package service holds the business rules of the persistence and export
// collaborators. It sits between the HTTP handlers and the repository and
// knows nothing about either HTTP or SQL.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/sakif/script-playground/internal/apperror"
	"github.com/sakif/script-playground/internal/model"
	"github.com/sakif/script-playground/internal/repository"
)

const (
	DefaultMaxCodeLength = 100000
	DefaultListLimit     = 20
	MaxListLimit         = 100
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ScriptService saves, loads and exports scripts by key.
type ScriptService struct {
	repo          repository.ScriptRepository
	logger        *slog.Logger
	maxCodeLength int
}

// NewScriptService creates a ScriptService. maxCodeLength <= 0 selects the
// default.
func NewScriptService(repo repository.ScriptRepository, logger *slog.Logger, maxCodeLength int) *ScriptService {
	if maxCodeLength <= 0 {
		maxCodeLength = DefaultMaxCodeLength
	}
	return &ScriptService{
		repo:          repo,
		logger:        logger,
		maxCodeLength: maxCodeLength,
	}
}

// MaxCodeLength is the largest script, in bytes, Set accepts.
func (s *ScriptService) MaxCodeLength() int { return s.maxCodeLength }

// ValidateKey reports whether key may name a script.
func ValidateKey(key string) error {
	if key == "" {
		return apperror.ValidationFailed("key", "script key is required")
	}
	if !keyPattern.MatchString(key) {
		return apperror.ValidationFailed("key", "script key must be 1-64 letters, digits, '.', '_' or '-'")
	}
	if key == "." || key == ".." {
		return apperror.ValidationFailed("key", "script key must not be a dot path")
	}
	return nil
}

// Get returns the code stored under key, and whether there was any.
func (s *ScriptService) Get(ctx context.Context, key string) (string, bool, error) {
	script, err := s.Find(ctx, key)
	if errors.Is(err, apperror.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return script.Code, true, nil
}

// Find returns the stored script, or apperror.ErrNotFound.
func (s *ScriptService) Find(ctx context.Context, key string) (*model.Script, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, key)
}

// Set stores code under key, replacing any previous code.
func (s *ScriptService) Set(ctx context.Context, key, code string) (*model.Script, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if len(code) > s.maxCodeLength {
		return nil, apperror.ValidationFailed("code",
			fmt.Sprintf("code must be %d bytes or less", s.maxCodeLength))
	}

	script := &model.Script{Key: key, Code: code}
	if err := s.repo.Put(ctx, script); err != nil {
		s.logger.Error("failed to save script",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("saving script: %w", err)
	}

	s.logger.Info("script saved", slog.String("key", key), slog.Int("size", script.Size))
	return script, nil
}

// List returns saved scripts without their code, newest first.
func (s *ScriptService) List(ctx context.Context, limit, offset int) ([]model.Script, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	scripts, err := s.repo.List(ctx, repository.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("listing scripts: %w", err)
	}
	return scripts, nil
}

// Delete removes the script stored under key.
func (s *ScriptService) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, key); err != nil {
		return err
	}
	s.logger.Info("script deleted", slog.String("key", key))
	return nil
}

// Export returns a download file name and body for the script under key.
func (s *ScriptService) Export(ctx context.Context, key string) (string, []byte, error) {
	script, err := s.Find(ctx, key)
	if err != nil {
		return "", nil, err
	}
	return ExportName(key), []byte(script.Code), nil
}

// ExportName is the file name a script is downloaded as.
func ExportName(key string) string {
	if strings.HasSuffix(key, ".js") {
		return key
	}
	return key + ".js"
}
