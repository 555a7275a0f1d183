// Package pipeline wires the stages together: scanning sources,
// normalizing and reconciling records, the dual-write path for memories,
// asynchronous embedding, and the backfill sweep.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/mindbase/mindbase-go/pkg/core"
	"github.com/mindbase/mindbase-go/pkg/embedder"
	"github.com/mindbase/mindbase-go/pkg/filestore"
	"github.com/mindbase/mindbase-go/pkg/index"
)

// Write-path retry defaults. The file representation is already durable
// when the index write runs, so the retries only cover the derived row.
const (
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 100 * time.Millisecond
)

// defaultEmbedWorkers bounds concurrent embedding requests.
const defaultEmbedWorkers = 4

// DefaultEmbedTimeout bounds one embedding call, on the async write path
// and the search query path alike. A stalled provider surfaces as an
// unavailable embedding within seconds instead of hanging the caller for
// the transport's full timeout.
const DefaultEmbedTimeout = 5 * time.Second

// Coordinator owns the write path across both representations.
//
// Memories are written file first: the markdown file is fsynced before
// the index upsert runs, and an index failure after retries is reported
// with the durable file path so the caller knows the content is safe.
// The file is never rolled back. Conversations have no file
// representation and go to the index only.
//
// Embedding is asynchronous on both paths: rows are persisted with a
// null embedding and a background task attaches the vector afterwards.
type Coordinator struct {
	idx      index.Index
	files    *filestore.Store
	provider embedder.Provider
	logger   *zap.Logger
	node     *snowflake.Node

	retryAttempts int
	retryBackoff  time.Duration

	wg  sync.WaitGroup
	sem chan struct{}
}

// CoordinatorConfig contains configuration for creating a Coordinator.
type CoordinatorConfig struct {
	// Index is the indexed store (required).
	Index index.Index

	// Files is the memory file store (required).
	Files *filestore.Store

	// Provider generates embeddings. Nil disables embedding; rows stay
	// pending until a backfill runs with a provider.
	Provider embedder.Provider

	// Logger receives embed-failure warnings. Defaults to a nop logger.
	Logger *zap.Logger

	// RetryAttempts overrides DefaultRetryAttempts for index writes.
	RetryAttempts int

	// RetryBackoff overrides DefaultRetryBackoff. Backoff doubles per
	// attempt.
	RetryBackoff time.Duration
}

// NewCoordinator creates a new write coordinator.
func NewCoordinator(cfg *CoordinatorConfig) (*Coordinator, error) {
	if cfg.Index == nil {
		return nil, core.NewStoreError("NewCoordinator", fmt.Errorf("%w: index is required", core.ErrInvalidConfig))
	}
	if cfg.Files == nil {
		return nil, core.NewStoreError("NewCoordinator", fmt.Errorf("%w: file store is required", core.ErrInvalidConfig))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, core.NewStoreError("NewCoordinator", err)
	}

	return &Coordinator{
		idx:           cfg.Index,
		files:         cfg.Files,
		provider:      cfg.Provider,
		logger:        logger,
		node:          node,
		retryAttempts: attempts,
		retryBackoff:  backoff,
		sem:           make(chan struct{}, defaultEmbedWorkers),
	}, nil
}

// PutConversation persists a conversation row and queues it for
// embedding. The acknowledgment never waits for the embedding;
// EmbeddingGenerated reports false unless an earlier run already
// attached a vector to unchanged content.
func (c *Coordinator) PutConversation(ctx context.Context, conv *core.Conversation) (*core.StoreResult, error) {
	rec, err := ConversationToRecord(conv)
	if err != nil {
		return nil, core.NewStoreError("StoreConversation", err)
	}

	if err := c.withRetry(ctx, func() error {
		return c.idx.UpsertConversation(ctx, rec)
	}); err != nil {
		return nil, core.NewStoreError("StoreConversation",
			fmt.Errorf("%w: %v", core.ErrIndexWriteFailed, err))
	}

	embedded := false
	if stored, err := c.idx.GetConversation(ctx, conv.ID); err == nil && stored != nil {
		embedded = stored.Embedding != nil
	}
	if !embedded {
		c.enqueueEmbed(rec.Content, func(ctx context.Context, vec []float64) error {
			return c.idx.SetConversationEmbedding(ctx, conv.ID, vec)
		})
	}

	return &core.StoreResult{
		ID:                 conv.ID,
		CreatedAt:          conv.CreatedAt,
		EmbeddingGenerated: embedded,
	}, nil
}

// PutMemory persists a memory to both representations, file first.
//
// When the index write fails after retries the returned error carries
// the file path: the content is durable on disk and the next backfill
// reconciles the index from it.
func (c *Coordinator) PutMemory(ctx context.Context, mem *core.Memory) error {
	now := time.Now().UTC()
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}
	mem.UpdatedAt = now
	if mem.Category == "" {
		mem.Category = core.CategoryNote
	}

	// The pre-read only improves metadata fidelity; the upsert keeps the
	// row id and creation instant on its own. An unreachable index must
	// not stop the file write, so a failed read counts as unknown.
	existing, err := c.idx.GetMemory(ctx, mem.Name, mem.Project)
	if err != nil {
		c.logger.Warn("memory pre-read failed, writing file anyway", zap.Error(err))
		existing = nil
	}
	if existing != nil {
		mem.CreatedAt = existing.CreatedAt
	}

	if err := c.files.Write(ctx, mem); err != nil {
		return err
	}

	rec := MemoryToRecord(mem)
	if existing != nil {
		rec.ID = existing.ID
	} else {
		rec.ID = c.node.Generate().Int64()
	}

	if err := c.withRetry(ctx, func() error {
		return c.idx.UpsertMemory(ctx, rec)
	}); err != nil {
		// The file write above already succeeded and is never rolled
		// back; report where the durable copy lives.
		return core.NewStoreErrorPath("WriteMemory", c.files.Path(mem.Name, mem.Project),
			fmt.Errorf("%w: %v", core.ErrIndexWriteFailed, err))
	}

	contentChanged := existing == nil || existing.Content != mem.Content
	if contentChanged {
		name, project := mem.Name, mem.Project
		c.enqueueEmbed(mem.Content, func(ctx context.Context, vec []float64) error {
			return c.idx.SetMemoryEmbedding(ctx, name, project, vec)
		})
	}
	return nil
}

// DeleteMemory removes a memory from both representations, file first.
func (c *Coordinator) DeleteMemory(ctx context.Context, name, project string) error {
	if err := c.files.Delete(ctx, name, project); err != nil {
		return err
	}
	if err := c.withRetry(ctx, func() error {
		return c.idx.DeleteMemory(ctx, name, project)
	}); err != nil {
		return core.NewStoreError("DeleteMemory",
			fmt.Errorf("%w: %v", core.ErrIndexWriteFailed, err))
	}
	return nil
}

// Wait blocks until all queued embedding tasks have finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// enqueueEmbed schedules one embedding task. Failures are logged and the
// row stays pending for the backfill sweep; the write path never fails
// on embedding errors.
func (c *Coordinator) enqueueEmbed(content string, attach func(context.Context, []float64) error) {
	if c.provider == nil || content == "" {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sem <- struct{}{}
		defer func() { <-c.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), DefaultEmbedTimeout)
		defer cancel()

		vec, err := c.provider.Embed(ctx, content)
		if err != nil {
			c.logger.Warn("embedding failed, row stays pending", zap.Error(err))
			return
		}
		if err := attach(ctx, vec); err != nil {
			c.logger.Warn("attaching embedding failed, row stays pending", zap.Error(err))
		}
	}()
}

// withRetry runs an index write with exponential backoff.
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	var err error
	backoff := c.retryBackoff
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
