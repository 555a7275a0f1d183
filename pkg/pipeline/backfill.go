package pipeline

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/mindbase/mindbase-go/pkg/core"
	"github.com/mindbase/mindbase-go/pkg/embedder"
	"github.com/mindbase/mindbase-go/pkg/filestore"
	"github.com/mindbase/mindbase-go/pkg/index"
)

// defaultBackfillBatch is how many pending rows one sweep embeds.
const defaultBackfillBatch = 64

// Backfiller repairs the derived state of the indexed store: it embeds
// rows persisted with a null vector and reconciles memory rows against
// the file tree after a partial dual write.
type Backfiller struct {
	idx      index.Index
	files    *filestore.Store
	provider embedder.Provider
	logger   *zap.Logger
	node     *snowflake.Node
	batch    int
}

// BackfillerConfig contains configuration for creating a Backfiller.
type BackfillerConfig struct {
	// Index is the indexed store (required).
	Index index.Index

	// Files is the memory file store (required).
	Files *filestore.Store

	// Provider generates embeddings. Nil limits the sweep to the
	// file/index reconciliation.
	Provider embedder.Provider

	// Logger receives per-row warnings. Defaults to a nop logger.
	Logger *zap.Logger

	// BatchSize overrides how many pending rows one sweep embeds.
	BatchSize int
}

// NewBackfiller creates a new Backfiller.
func NewBackfiller(cfg *BackfillerConfig) (*Backfiller, error) {
	if cfg.Index == nil || cfg.Files == nil {
		return nil, core.NewStoreError("NewBackfiller", core.ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBackfillBatch
	}
	node, err := snowflake.NewNode(2)
	if err != nil {
		return nil, core.NewStoreError("NewBackfiller", err)
	}
	return &Backfiller{
		idx:      cfg.Index,
		files:    cfg.Files,
		provider: cfg.Provider,
		logger:   logger,
		node:     node,
		batch:    batch,
	}, nil
}

// BackfillStats are the counters of one sweep.
type BackfillStats struct {
	// Embedded is how many pending rows received a vector.
	Embedded int

	// Failed is how many pending rows could not be embedded; they stay
	// pending for the next sweep.
	Failed int

	// Restored is how many memory files were re-indexed after the index
	// row was found missing or stale.
	Restored int

	// Removed is how many index rows were dropped because no file backs
	// them.
	Removed int
}

// Run performs one sweep: reconcile memories between file tree and
// index, then embed pending rows. Individual row failures are logged and
// counted, never fatal; there is no age cutoff, so a row that keeps
// failing stays eligible on every sweep.
func (b *Backfiller) Run(ctx context.Context) (*BackfillStats, error) {
	stats := &BackfillStats{}

	if err := b.reconcileMemories(ctx, stats); err != nil {
		return stats, err
	}
	if b.provider != nil {
		if err := b.embedPending(ctx, stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// reconcileMemories enforces that the file tree is the source of truth:
// files without an index row are re-indexed, index rows without a file
// are removed.
func (b *Backfiller) reconcileMemories(ctx context.Context, stats *BackfillStats) error {
	fileKeys, err := b.files.Keys(ctx)
	if err != nil {
		return err
	}
	indexKeys, err := b.idx.ListMemoryKeys(ctx)
	if err != nil {
		return core.NewStoreError("Backfill", err)
	}

	indexed := make(map[core.MemoryKey]bool, len(indexKeys))
	for _, k := range indexKeys {
		indexed[core.MemoryKey{Name: k.Name, Project: k.Project}] = true
	}
	onDisk := make(map[core.MemoryKey]bool, len(fileKeys))
	for _, k := range fileKeys {
		onDisk[k] = true
	}

	for _, key := range fileKeys {
		mem, err := b.files.Read(ctx, key.Name, key.Project)
		if err != nil {
			b.logger.Warn("memory file unreadable, skipping",
				zap.String("name", key.Name), zap.String("project", key.Project), zap.Error(err))
			continue
		}

		var row *index.MemoryRecord
		if indexed[key] {
			row, err = b.idx.GetMemory(ctx, key.Name, key.Project)
			if err != nil {
				return core.NewStoreError("Backfill", err)
			}
			if row != nil && row.Content == mem.Content {
				continue
			}
		}

		rec := MemoryToRecord(mem)
		if row != nil {
			rec.ID = row.ID
			rec.CreatedAt = row.CreatedAt
		} else {
			rec.ID = b.node.Generate().Int64()
		}
		if err := b.idx.UpsertMemory(ctx, rec); err != nil {
			return core.NewStoreError("Backfill", fmt.Errorf("%w: %v", core.ErrIndexWriteFailed, err))
		}
		stats.Restored++
	}

	for _, k := range indexKeys {
		key := core.MemoryKey{Name: k.Name, Project: k.Project}
		if onDisk[key] {
			continue
		}
		if err := b.idx.DeleteMemory(ctx, k.Name, k.Project); err != nil {
			return core.NewStoreError("Backfill", fmt.Errorf("%w: %v", core.ErrIndexWriteFailed, err))
		}
		stats.Removed++
	}
	return nil
}

// embedPending embeds rows with a null vector, oldest first.
func (b *Backfiller) embedPending(ctx context.Context, stats *BackfillStats) error {
	pending, err := b.idx.PendingEmbeddings(ctx, b.batch)
	if err != nil {
		return core.NewStoreError("Backfill", err)
	}

	for _, p := range pending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		embedCtx, cancel := context.WithTimeout(ctx, DefaultEmbedTimeout)
		vec, err := b.provider.Embed(embedCtx, p.Content)
		cancel()
		if err != nil {
			b.logger.Warn("backfill embedding failed, row stays pending",
				zap.String("kind", string(p.Kind)), zap.Error(err))
			stats.Failed++
			continue
		}

		switch p.Kind {
		case index.PendingConversation:
			err = b.idx.SetConversationEmbedding(ctx, p.ConversationID, vec)
		case index.PendingMemory:
			err = b.idx.SetMemoryEmbedding(ctx, p.Memory.Name, p.Memory.Project, vec)
		}
		if err != nil {
			b.logger.Warn("attaching backfill embedding failed",
				zap.String("kind", string(p.Kind)), zap.Error(err))
			stats.Failed++
			continue
		}
		stats.Embedded++
	}
	return nil
}
