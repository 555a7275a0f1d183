package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindbase/mindbase-go/pkg/core"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&Config{Root: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	mem := &core.Memory{
		Name:      "auth-notes",
		Project:   "my-app",
		Category:  core.CategoryDecision,
		Content:   "We use JWT access tokens.\n\nRefresh tokens rotate.",
		Tags:      []string{"auth", "security"},
		CreatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Write(ctx, mem))

	got, err := s.Read(ctx, "auth-notes", "my-app")
	require.NoError(t, err)
	assert.Equal(t, mem.Name, got.Name)
	assert.Equal(t, mem.Project, got.Project)
	assert.Equal(t, mem.Category, got.Category)
	assert.Equal(t, mem.Content, got.Content)
	assert.Equal(t, mem.Tags, got.Tags)
	assert.Equal(t, mem.CreatedAt, got.CreatedAt)
	assert.Equal(t, mem.UpdatedAt, got.UpdatedAt)
}

func TestGlobalScopeDirectory(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	mem := &core.Memory{Name: "style", Category: core.CategoryGuide, Content: "tabs"}
	require.NoError(t, s.Write(ctx, mem))

	_, err := os.Stat(filepath.Join(s.Root(), GlobalDir, "style.md"))
	require.NoError(t, err)

	got, err := s.Read(ctx, "style", "")
	require.NoError(t, err)
	assert.Equal(t, "", got.Project)
	assert.Equal(t, "tabs", got.Content)
}

func TestReadMissingIsNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Read(context.Background(), "nope", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestWriteReplaces(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, &core.Memory{Name: "n", Content: "v1"}))
	require.NoError(t, s.Write(ctx, &core.Memory{Name: "n", Content: "v2"}))

	got, err := s.Read(ctx, "n", "")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)
}

func TestListAndKeys(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, &core.Memory{Name: "a", Project: "p1", Content: "1"}))
	require.NoError(t, s.Write(ctx, &core.Memory{Name: "b", Project: "p1", Content: "2"}))
	require.NoError(t, s.Write(ctx, &core.Memory{Name: "c", Content: "3"}))

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	scoped, err := s.List(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, scoped, 2)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, core.MemoryKey{Name: "a", Project: "p1"})
	assert.Contains(t, keys, core.MemoryKey{Name: "c", Project: ""})
}

func TestDeleteAbsentIsNotAnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, &core.Memory{Name: "n", Content: "v"}))
	require.NoError(t, s.Delete(ctx, "n", ""))
	require.NoError(t, s.Delete(ctx, "n", ""))

	_, err := s.Read(ctx, "n", "")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestNameValidation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.Write(ctx, &core.Memory{Name: "../escape", Content: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrValidation)

	err = s.Write(ctx, &core.Memory{Name: "", Content: "x"})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = s.Read(ctx, "a/b", "")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestDecodeWithoutFrontMatter(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	dir := filepath.Join(s.Root(), GlobalDir)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plain.md"), []byte("just a body\n"), 0644))

	got, err := s.Read(ctx, "plain", "")
	require.NoError(t, err)
	assert.Equal(t, "just a body", got.Content)
	assert.Equal(t, core.CategoryNote, got.Category)
}
