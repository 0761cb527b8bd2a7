package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/script-playground/internal/apperror"
	"github.com/sakif/script-playground/internal/model"
	"github.com/sakif/script-playground/internal/repository"
)

var _ repository.ScriptRepository = (*DB)(nil)

// Get retrieves the script stored under key.
func (db *DB) Get(ctx context.Context, key string) (*model.Script, error) {
	var s model.Script
	err := db.conn.QueryRowContext(ctx,
		`SELECT key, code, created_at, updated_at
		 FROM scripts
		 WHERE key = ?`,
		key,
	).Scan(&s.Key, &s.Code, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("script", key)
		}
		return nil, fmt.Errorf("sqlite: getting script %s: %w", key, err)
	}

	s.Size = len(s.Code)
	return &s, nil
}

// Put inserts the script or replaces the code of an existing one. CreatedAt
// is kept from the first save.
func (db *DB) Put(ctx context.Context, script *model.Script) error {
	now := time.Now().UTC()

	var createdAt time.Time
	err := db.conn.QueryRowContext(ctx,
		`INSERT INTO scripts (key, code, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET code = excluded.code, updated_at = excluded.updated_at
		 RETURNING created_at`,
		script.Key,
		script.Code,
		now,
		now,
	).Scan(&createdAt)
	if err != nil {
		return fmt.Errorf("sqlite: saving script %s: %w", script.Key, err)
	}

	script.CreatedAt = createdAt
	script.UpdatedAt = now
	script.Size = len(script.Code)
	return nil
}

// List returns scripts, most recently updated first, without their code.
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.Script, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := max(opts.Offset, 0)

	rows, err := db.conn.QueryContext(ctx,
		`SELECT key, length(code), created_at, updated_at
		 FROM scripts
		 ORDER BY updated_at DESC, key
		 LIMIT ? OFFSET ?`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing scripts: %w", err)
	}
	defer rows.Close()

	scripts := make([]model.Script, 0, limit)
	for rows.Next() {
		var s model.Script
		if err := rows.Scan(&s.Key, &s.Size, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning script row: %w", err)
		}
		scripts = append(scripts, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating scripts: %w", err)
	}

	return scripts, nil
}

// Delete removes the script stored under key.
func (db *DB) Delete(ctx context.Context, key string) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM scripts WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("sqlite: deleting script %s: %w", key, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("script", key)
	}
	return nil
}
