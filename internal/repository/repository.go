// Package repository declares the storage interfaces the service layer
// depends on.
package repository

import (
	"context"

	"github.com/sakif/script-playground/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
}

// ScriptRepository stores scripts by key.
type ScriptRepository interface {
	// Get returns apperror.ErrNotFound when key is absent.
	Get(ctx context.Context, key string) (*model.Script, error)
	// Put creates or replaces the script under script.Key and fills in
	// its timestamps.
	Put(ctx context.Context, script *model.Script) error
	List(ctx context.Context, opts ListOptions) ([]model.Script, error)
	Delete(ctx context.Context, key string) error
}
