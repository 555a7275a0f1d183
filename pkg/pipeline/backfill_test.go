package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindbase/mindbase-go/pkg/core"
	"github.com/mindbase/mindbase-go/pkg/embedder"
	"github.com/mindbase/mindbase-go/pkg/filestore"
	"github.com/mindbase/mindbase-go/pkg/index"
)

func newBackfiller(t *testing.T, idx index.Index, files *filestore.Store, provider embedder.Provider) *Backfiller {
	t.Helper()
	b, err := NewBackfiller(&BackfillerConfig{Index: idx, Files: files, Provider: provider})
	require.NoError(t, err)
	return b
}

func TestBackfillEmbedsPendingRows(t *testing.T) {
	idx, files := newStores(t)
	ctx := context.Background()

	require.NoError(t, idx.UpsertConversation(ctx, &index.ConversationRecord{
		ID: "conv_1", Source: "claude-code", Content: "hello",
		MessagesJSON: "[]", CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, idx.UpsertMemory(ctx, &index.MemoryRecord{
		ID: 1, Name: "n", Content: "v", Category: "note",
		CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, files.Write(ctx, &core.Memory{
		Name: "n", Content: "v", Category: core.CategoryNote,
		CreatedAt: t0, UpdatedAt: t0,
	}))

	b := newBackfiller(t, idx, files, &stubEmbedder{})
	stats, err := b.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Embedded)
	assert.Zero(t, stats.Failed)

	pending, err := idx.PendingEmbeddings(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	row, err := idx.GetConversation(ctx, "conv_1")
	require.NoError(t, err)
	assert.NotNil(t, row.Embedding)
}

func TestBackfillEmbedsWithBoundedDeadline(t *testing.T) {
	idx, files := newStores(t)
	ctx := context.Background()

	require.NoError(t, idx.UpsertConversation(ctx, &index.ConversationRecord{
		ID: "conv_1", Source: "claude-code", Content: "hello",
		MessagesJSON: "[]", CreatedAt: t0, UpdatedAt: t0,
	}))

	provider := &deadlineEmbedder{}
	b := newBackfiller(t, idx, files, provider)
	_, err := b.Run(ctx)
	require.NoError(t, err)

	require.True(t, provider.bounded, "embed context must carry a deadline")
	assert.LessOrEqual(t, time.Until(provider.deadline), DefaultEmbedTimeout)
}

func TestBackfillEmbedFailuresStayPending(t *testing.T) {
	idx, files := newStores(t)
	ctx := context.Background()

	require.NoError(t, idx.UpsertConversation(ctx, &index.ConversationRecord{
		ID: "conv_1", Source: "claude-code", Content: "hello",
		MessagesJSON: "[]", CreatedAt: t0, UpdatedAt: t0,
	}))

	b := newBackfiller(t, idx, files, &stubEmbedder{err: errors.New("provider down")})
	stats, err := b.Run(ctx)
	require.NoError(t, err, "per-row failures never abort the sweep")
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Embedded)

	// No age cutoff: the row is still eligible next sweep.
	pending, err := idx.PendingEmbeddings(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestBackfillRestoresFileOnlyMemory(t *testing.T) {
	idx, files := newStores(t)
	ctx := context.Background()

	// A file with no index row, as left behind by a failed dual write.
	require.NoError(t, files.Write(ctx, &core.Memory{
		Name: "orphan", Project: "app", Content: "survived on disk",
		Category: core.CategoryNote, CreatedAt: t0, UpdatedAt: t0,
	}))

	b := newBackfiller(t, idx, files, nil)
	stats, err := b.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Restored)
	assert.Zero(t, stats.Removed)

	row, err := idx.GetMemory(ctx, "orphan", "app")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "survived on disk", row.Content)
	assert.NotZero(t, row.ID)
}

func TestBackfillRestoresStaleIndexRow(t *testing.T) {
	idx, files := newStores(t)
	ctx := context.Background()

	require.NoError(t, idx.UpsertMemory(ctx, &index.MemoryRecord{
		ID: 7, Name: "n", Project: "p", Content: "old content",
		Category: "note", CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, files.Write(ctx, &core.Memory{
		Name: "n", Project: "p", Content: "new content",
		Category: core.CategoryNote, CreatedAt: t0, UpdatedAt: t0.Add(time.Hour),
	}))

	b := newBackfiller(t, idx, files, nil)
	stats, err := b.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Restored)

	row, err := idx.GetMemory(ctx, "n", "p")
	require.NoError(t, err)
	assert.Equal(t, "new content", row.Content)
	assert.Equal(t, int64(7), row.ID, "the existing row id survives the repair")
}

func TestBackfillRemovesIndexRowWithoutFile(t *testing.T) {
	idx, files := newStores(t)
	ctx := context.Background()

	require.NoError(t, idx.UpsertMemory(ctx, &index.MemoryRecord{
		ID: 1, Name: "ghost", Content: "no file backs this",
		Category: "note", CreatedAt: t0, UpdatedAt: t0,
	}))

	b := newBackfiller(t, idx, files, nil)
	stats, err := b.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)

	row, err := idx.GetMemory(ctx, "ghost", "")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestBackfillMatchingStateIsANoOp(t *testing.T) {
	idx, files := newStores(t)
	ctx := context.Background()

	require.NoError(t, idx.UpsertMemory(ctx, &index.MemoryRecord{
		ID: 1, Name: "n", Content: "same", Category: "note",
		CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, files.Write(ctx, &core.Memory{
		Name: "n", Content: "same", Category: core.CategoryNote,
		CreatedAt: t0, UpdatedAt: t0,
	}))

	b := newBackfiller(t, idx, files, nil)
	stats, err := b.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Restored)
	assert.Zero(t, stats.Removed)
}
