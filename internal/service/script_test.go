package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/script-playground/internal/apperror"
	"github.com/sakif/script-playground/internal/model"
	"github.com/sakif/script-playground/internal/repository"
)

// mockScriptRepo keeps scripts in memory.
type mockScriptRepo struct {
	scripts map[string]model.Script
	err     error
}

func newMockRepo() *mockScriptRepo {
	return &mockScriptRepo{scripts: make(map[string]model.Script)}
}

func (m *mockScriptRepo) Get(_ context.Context, key string) (*model.Script, error) {
	if m.err != nil {
		return nil, m.err
	}
	s, ok := m.scripts[key]
	if !ok {
		return nil, apperror.NotFound("script", key)
	}
	return &s, nil
}

func (m *mockScriptRepo) Put(_ context.Context, script *model.Script) error {
	if m.err != nil {
		return m.err
	}
	now := time.Now()
	if prev, ok := m.scripts[script.Key]; ok {
		script.CreatedAt = prev.CreatedAt
	} else {
		script.CreatedAt = now
	}
	script.UpdatedAt = now
	script.Size = len(script.Code)
	m.scripts[script.Key] = *script
	return nil
}

func (m *mockScriptRepo) List(_ context.Context, opts repository.ListOptions) ([]model.Script, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([]model.Script, 0, len(m.scripts))
	for _, s := range m.scripts {
		s.Code = ""
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if opts.Offset >= len(out) {
		return []model.Script{}, nil
	}
	out = out[opts.Offset:]
	if opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *mockScriptRepo) Delete(_ context.Context, key string) error {
	if _, ok := m.scripts[key]; !ok {
		return apperror.NotFound("script", key)
	}
	delete(m.scripts, key)
	return nil
}

func newTestService(repo repository.ScriptRepository) *ScriptService {
	return NewScriptService(repo, slog.New(slog.NewTextHandler(io.Discard, nil)), 16)
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{key: "hello", wantErr: false},
		{key: "my-script_v2.js", wantErr: false},
		{key: strings.Repeat("a", 64), wantErr: false},
		{key: "", wantErr: true},
		{key: strings.Repeat("a", 65), wantErr: true},
		{key: "has space", wantErr: true},
		{key: "../etc/passwd", wantErr: true},
		{key: "..", wantErr: true},
		{key: "ünïcode", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperror.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScriptService_SetAndGet(t *testing.T) {
	svc := newTestService(newMockRepo())
	ctx := context.Background()

	code, found, err := svc.Get(ctx, "hello")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, code)

	saved, err := svc.Set(ctx, "hello", `log(1)`)
	require.NoError(t, err)
	assert.Equal(t, 6, saved.Size)

	code, found, err = svc.Get(ctx, "hello")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `log(1)`, code)
}

func TestScriptService_SetRejects(t *testing.T) {
	svc := newTestService(newMockRepo())

	_, err := svc.Set(context.Background(), "bad key", "x")
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = svc.Set(context.Background(), "ok", strings.Repeat("x", 17))
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "code", appErr.Field)
}

func TestScriptService_RepositoryFailure(t *testing.T) {
	repo := newMockRepo()
	repo.err = errors.New("disk full")
	svc := newTestService(repo)

	_, err := svc.Set(context.Background(), "k", "x")
	assert.ErrorContains(t, err, "disk full")

	_, _, err = svc.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestScriptService_ListClampsPaging(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	for _, k := range []string{"a", "b", "c"} {
		_, err := svc.Set(context.Background(), k, k)
		require.NoError(t, err)
	}

	all, err := svc.List(context.Background(), 0, -5)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := svc.List(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].Key)
}

func TestScriptService_DeleteAndExport(t *testing.T) {
	svc := newTestService(newMockRepo())
	ctx := context.Background()
	_, err := svc.Set(ctx, "demo", "log(2)")
	require.NoError(t, err)

	name, body, err := svc.Export(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo.js", name)
	assert.Equal(t, "log(2)", string(body))

	require.NoError(t, svc.Delete(ctx, "demo"))
	_, _, err = svc.Export(ctx, "demo")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, "demo"), apperror.ErrNotFound)
}

func TestExportName(t *testing.T) {
	assert.Equal(t, "a.js", ExportName("a"))
	assert.Equal(t, "b.js", ExportName("b.js"))
}
