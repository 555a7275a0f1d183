// Package mindbase ingests AI assistant conversation history from local
// application data and stores it, together with curated memories, in a
// hybrid of markdown files and a vector-indexed database.
package mindbase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mindbase/mindbase-go/pkg/collector"
	"github.com/mindbase/mindbase-go/pkg/collector/jsonl"
	"github.com/mindbase/mindbase-go/pkg/collector/kvlog"
	"github.com/mindbase/mindbase-go/pkg/collector/snapshot"
	"github.com/mindbase/mindbase-go/pkg/core"
	"github.com/mindbase/mindbase-go/pkg/embedder"
	ollamaembedder "github.com/mindbase/mindbase-go/pkg/embedder/ollama"
	openaiembedder "github.com/mindbase/mindbase-go/pkg/embedder/openai"
	"github.com/mindbase/mindbase-go/pkg/filestore"
	"github.com/mindbase/mindbase-go/pkg/index"
	"github.com/mindbase/mindbase-go/pkg/index/postgres"
	"github.com/mindbase/mindbase-go/pkg/index/sqlite"
	"github.com/mindbase/mindbase-go/pkg/normalize"
	"github.com/mindbase/mindbase-go/pkg/pipeline"
)

// Search defaults.
const (
	DefaultSearchLimit     = 10
	DefaultSearchThreshold = 0.3
)

// SearchOptions narrows a semantic search.
type SearchOptions struct {
	// Limit caps the number of results. Defaults to DefaultSearchLimit.
	Limit int

	// Threshold is the minimum similarity, in [0, 1]. The zero value
	// selects DefaultSearchThreshold; a negative value disables the
	// minimum entirely.
	Threshold float64

	// Source filters conversations by originating application.
	Source core.Source

	// Project filters by project scope.
	Project string

	// Category filters memories by category.
	Category core.Category

	// DateFrom / DateTo bound conversations by creation instant.
	DateFrom time.Time
	DateTo   time.Time
}

// ListOptions narrows a memory listing.
type ListOptions struct {
	// Project filters by project scope.
	Project string

	// Category filters by category.
	Category core.Category

	// Tags filters to memories carrying every listed tag.
	Tags []string
}

// ScanOptions narrows one ingestion run.
type ScanOptions struct {
	// Sources restricts the run to the named sources.
	Sources []core.Source

	// Since skips inputs not modified after the given instant.
	Since time.Time
}

// Client is the top-level MindBase handle. It owns both storage
// representations, the source adapters and the embedding pipeline.
//
// Create it with NewClient and release it with Close. All methods are
// safe for concurrent use.
type Client struct {
	config      *core.Config
	logger      *zap.Logger
	idx         index.Index
	files       *filestore.Store
	provider    embedder.Provider
	registry    *collector.Registry
	coordinator *pipeline.Coordinator
	scanner     *pipeline.Scanner
	backfiller  *pipeline.Backfiller
}

// NewClient creates a new MindBase client from the given configuration.
//
// Example:
//
//	config, err := core.LoadConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := mindbase.NewClient(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
func NewClient(cfg *core.Config) (*Client, error) {
	return NewClientWithLogger(cfg, zap.NewNop())
}

// NewClientWithLogger is NewClient with an explicit logger.
func NewClientWithLogger(cfg *core.Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	idx, err := newIndex(cfg)
	if err != nil {
		return nil, err
	}

	files, err := filestore.New(&filestore.Config{Root: cfg.Files.Root})
	if err != nil {
		_ = idx.Close()
		return nil, err
	}

	provider, err := newProvider(cfg)
	if err != nil {
		_ = idx.Close()
		return nil, err
	}

	registry, err := newRegistry(cfg, logger)
	if err != nil {
		_ = idx.Close()
		return nil, err
	}

	coordinator, err := pipeline.NewCoordinator(&pipeline.CoordinatorConfig{
		Index:    idx,
		Files:    files,
		Provider: provider,
		Logger:   logger,
	})
	if err != nil {
		_ = idx.Close()
		return nil, err
	}

	scanner, err := pipeline.NewScanner(&pipeline.ScannerConfig{
		Registry:    registry,
		Normalizer:  normalize.New(&normalize.Config{}),
		Index:       idx,
		Coordinator: coordinator,
		Logger:      logger,
	})
	if err != nil {
		_ = idx.Close()
		return nil, err
	}

	backfiller, err := pipeline.NewBackfiller(&pipeline.BackfillerConfig{
		Index:    idx,
		Files:    files,
		Provider: provider,
		Logger:   logger,
	})
	if err != nil {
		_ = idx.Close()
		return nil, err
	}

	return &Client{
		config:      cfg,
		logger:      logger,
		idx:         idx,
		files:       files,
		provider:    provider,
		registry:    registry,
		coordinator: coordinator,
		scanner:     scanner,
		backfiller:  backfiller,
	}, nil
}

// Scan runs one ingestion pass over the configured sources and returns
// aggregate counters. Re-running a scan over unchanged sources changes
// nothing.
func (c *Client) Scan(ctx context.Context, opts *ScanOptions) (*core.ScanStats, error) {
	if opts == nil {
		opts = &ScanOptions{}
	}
	roots := make(map[core.Source][]string, len(c.config.Collectors.Roots))
	for src, r := range c.config.Collectors.Roots {
		roots[core.Source(src)] = r
	}
	return c.scanner.Scan(ctx, &pipeline.ScanOptions{
		Sources: opts.Sources,
		Roots:   roots,
		Since:   opts.Since,
	})
}

// StoreConversation persists one conversation through the reconcile and
// write path, outside of a source scan. The embedding is generated
// asynchronously; the result reports whether one was already attached.
func (c *Client) StoreConversation(ctx context.Context, conv *core.Conversation) (*core.StoreResult, error) {
	return c.coordinator.PutConversation(ctx, conv)
}

// GetConversation retrieves one conversation by id. Returns
// core.ErrNotFound when the id is unknown.
func (c *Client) GetConversation(ctx context.Context, id string) (*core.Conversation, error) {
	rec, err := c.idx.GetConversation(ctx, id)
	if err != nil {
		return nil, core.NewStoreError("GetConversation", err)
	}
	if rec == nil {
		return nil, core.NewStoreError("GetConversation",
			fmt.Errorf("%w: conversation %s", core.ErrNotFound, id))
	}
	return pipeline.RecordToConversation(rec)
}

// SearchConversations runs a semantic search over ingested
// conversations.
//
// The search fails closed: when no embedding provider is configured or
// the provider cannot embed the query, the error wraps
// core.ErrEmbeddingUnavailable instead of returning keyword-degraded
// results.
func (c *Client) SearchConversations(ctx context.Context, query string, opts *SearchOptions) ([]core.ConversationHit, error) {
	vec, err := c.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	records, err := c.idx.SearchConversations(ctx, vec, searchOptions(opts))
	if err != nil {
		return nil, core.NewStoreError("SearchConversations", err)
	}
	hits := make([]core.ConversationHit, 0, len(records))
	for _, rec := range records {
		hits = append(hits, pipeline.RecordToHit(rec))
	}
	return hits, nil
}

// WriteMemory persists a memory to both representations, markdown file
// first. See Coordinator.PutMemory for the durability contract.
func (c *Client) WriteMemory(ctx context.Context, mem *core.Memory) error {
	return c.coordinator.PutMemory(ctx, mem)
}

// ReadMemory loads one memory from the file store, the source of truth
// for memory content. The indexed row is never consulted.
func (c *Client) ReadMemory(ctx context.Context, name, project string) (*core.Memory, error) {
	return c.files.Read(ctx, name, project)
}

// ListMemories lists memories from the indexed store, most recently
// updated first.
func (c *Client) ListMemories(ctx context.Context, opts *ListOptions) ([]*core.Memory, error) {
	if opts == nil {
		opts = &ListOptions{}
	}
	records, err := c.idx.ListMemories(ctx, &index.ListOptions{
		Project:  opts.Project,
		Category: string(opts.Category),
		Tags:     opts.Tags,
	})
	if err != nil {
		return nil, core.NewStoreError("ListMemories", err)
	}
	out := make([]*core.Memory, 0, len(records))
	for _, rec := range records {
		out = append(out, pipeline.RecordToMemory(rec))
	}
	return out, nil
}

// SearchMemories runs a semantic search over memories. Like
// SearchConversations it fails closed on embedding unavailability.
func (c *Client) SearchMemories(ctx context.Context, query string, opts *SearchOptions) ([]core.MemoryHit, error) {
	vec, err := c.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	records, err := c.idx.SearchMemories(ctx, vec, searchOptions(opts))
	if err != nil {
		return nil, core.NewStoreError("SearchMemories", err)
	}
	hits := make([]core.MemoryHit, 0, len(records))
	for _, rec := range records {
		mem := pipeline.RecordToMemory(rec)
		mem.Embedding = nil
		hits = append(hits, core.MemoryHit{
			Memory:     mem,
			Similarity: rec.Score,
		})
	}
	return hits, nil
}

// DeleteMemory removes a memory from both representations.
func (c *Client) DeleteMemory(ctx context.Context, name, project string) error {
	return c.coordinator.DeleteMemory(ctx, name, project)
}

// Backfill runs one repair sweep: file/index reconciliation for
// memories, then embedding of rows persisted with a null vector.
func (c *Client) Backfill(ctx context.Context) (*pipeline.BackfillStats, error) {
	return c.backfiller.Run(ctx)
}

// Wait blocks until queued background embedding tasks have finished.
// Useful in tests and batch jobs; services can skip it and rely on the
// backfill sweep instead.
func (c *Client) Wait() {
	c.coordinator.Wait()
}

// Close drains background work and releases resources.
func (c *Client) Close() error {
	c.coordinator.Wait()
	if c.provider != nil {
		_ = c.provider.Close()
	}
	return c.idx.Close()
}

// embedQuery embeds a search query, failing closed when the provider is
// missing or unhealthy.
func (c *Client) embedQuery(ctx context.Context, query string) ([]float64, error) {
	if c.provider == nil {
		return nil, core.NewStoreError("Search",
			fmt.Errorf("%w: no embedding provider configured", core.ErrEmbeddingUnavailable))
	}
	ctx, cancel := context.WithTimeout(ctx, pipeline.DefaultEmbedTimeout)
	defer cancel()
	vec, err := c.provider.Embed(ctx, query)
	if err != nil {
		return nil, core.NewStoreError("Search",
			fmt.Errorf("%w: %v", core.ErrEmbeddingUnavailable, err))
	}
	return vec, nil
}

func searchOptions(opts *SearchOptions) *index.SearchOptions {
	if opts == nil {
		opts = &SearchOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	threshold := opts.Threshold
	switch {
	case threshold == 0:
		threshold = DefaultSearchThreshold
	case threshold < 0:
		threshold = 0
	}
	return &index.SearchOptions{
		Limit:     limit,
		Threshold: threshold,
		Source:    string(opts.Source),
		Project:   opts.Project,
		Category:  string(opts.Category),
		DateFrom:  opts.DateFrom,
		DateTo:    opts.DateTo,
	}
}

// newIndex builds the indexed store from the configuration.
func newIndex(cfg *core.Config) (index.Index, error) {
	switch cfg.Index.Provider {
	case "sqlite":
		return sqlite.NewClient(&sqlite.Config{DBPath: cfg.Index.DBPath})
	case "postgres":
		return postgres.NewClient(&postgres.Config{
			DSN:        cfg.Index.DSN,
			Dimensions: cfg.Index.Dimensions,
		})
	default:
		return nil, core.NewStoreError("NewClient",
			fmt.Errorf("%w: unknown index provider %q", core.ErrInvalidConfig, cfg.Index.Provider))
	}
}

// newProvider builds the embedding provider, nil when embedding is
// disabled.
func newProvider(cfg *core.Config) (embedder.Provider, error) {
	switch cfg.Embedder.Provider {
	case "":
		return nil, nil
	case "openai":
		return openaiembedder.NewClient(&openaiembedder.Config{
			APIKey:     cfg.Embedder.APIKey,
			Model:      cfg.Embedder.Model,
			BaseURL:    cfg.Embedder.BaseURL,
			Dimensions: cfg.Embedder.Dimensions,
		})
	case "ollama":
		return ollamaembedder.NewClient(&ollamaembedder.Config{
			BaseURL:    cfg.Embedder.BaseURL,
			Model:      cfg.Embedder.Model,
			Dimensions: cfg.Embedder.Dimensions,
		})
	default:
		return nil, core.NewStoreError("NewClient",
			fmt.Errorf("%w: unknown embedding provider %q", core.ErrInvalidConfig, cfg.Embedder.Provider))
	}
}

// newRegistry registers the source adapters for the enabled sources.
func newRegistry(cfg *core.Config, logger *zap.Logger) (*collector.Registry, error) {
	enabled := map[core.Source]bool{}
	if len(cfg.Collectors.Sources) == 0 {
		for _, src := range []core.Source{
			core.SourceClaudeDesktop, core.SourceClaudeCode, core.SourceChatGPT,
			core.SourceCursor, core.SourceWindsurf,
		} {
			enabled[src] = true
		}
	} else {
		for _, src := range cfg.Collectors.Sources {
			enabled[core.Source(src)] = true
		}
	}

	registry := collector.NewRegistry()
	register := func(c collector.Collector) error {
		if !enabled[c.Source()] {
			return nil
		}
		return registry.Register(c)
	}

	adapters := []collector.Collector{
		jsonl.New(&jsonl.Config{Source: core.SourceClaudeCode, Logger: logger}),
		kvlog.New(&kvlog.Config{Source: core.SourceClaudeDesktop, Logger: logger}),
		kvlog.New(&kvlog.Config{Source: core.SourceChatGPT, Logger: logger}),
		snapshot.New(&snapshot.Config{Source: core.SourceCursor, Logger: logger}),
		snapshot.New(&snapshot.Config{Source: core.SourceWindsurf, Logger: logger}),
	}
	for _, a := range adapters {
		if err := register(a); err != nil {
			return nil, core.NewStoreError("NewClient", err)
		}
	}
	return registry, nil
}
