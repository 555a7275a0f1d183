package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mindbase/mindbase-go/pkg/collector"
	"github.com/mindbase/mindbase-go/pkg/core"
	"github.com/mindbase/mindbase-go/pkg/dedup"
	"github.com/mindbase/mindbase-go/pkg/index"
	"github.com/mindbase/mindbase-go/pkg/normalize"
)

// defaultScanWorkers bounds how many sources are scanned concurrently.
const defaultScanWorkers = 4

// Scanner runs the ingestion path: source adapters feed the normalizer,
// the reconciler decides insert/update/noop, and the coordinator
// persists. Sources scan concurrently; per-conversation ordering is the
// reconciler's job.
type Scanner struct {
	registry    *collector.Registry
	normalizer  *normalize.Normalizer
	reconciler  *dedup.Reconciler
	coordinator *Coordinator
	logger      *zap.Logger
	workers     int
}

// ScannerConfig contains configuration for creating a Scanner.
type ScannerConfig struct {
	// Registry holds the registered source adapters (required).
	Registry *collector.Registry

	// Normalizer converts raw records (required).
	Normalizer *normalize.Normalizer

	// Index resolves existing conversations for reconciliation
	// (required).
	Index index.Index

	// Coordinator persists decisions (required).
	Coordinator *Coordinator

	// Logger receives per-record warnings. Defaults to a nop logger.
	Logger *zap.Logger

	// Workers overrides the scan concurrency.
	Workers int

	// JitterTolerance overrides the reconciler's timestamp tolerance.
	JitterTolerance time.Duration
}

// NewScanner creates a new Scanner.
func NewScanner(cfg *ScannerConfig) (*Scanner, error) {
	if cfg.Registry == nil || cfg.Normalizer == nil || cfg.Index == nil || cfg.Coordinator == nil {
		return nil, core.NewStoreError("NewScanner", core.ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultScanWorkers
	}

	reconciler := dedup.New(&dedup.Config{
		Repository:      &indexRepository{idx: cfg.Index},
		JitterTolerance: cfg.JitterTolerance,
	})

	return &Scanner{
		registry:    cfg.Registry,
		normalizer:  cfg.Normalizer,
		reconciler:  reconciler,
		coordinator: cfg.Coordinator,
		logger:      logger,
		workers:     workers,
	}, nil
}

// ScanOptions narrows one scan run.
type ScanOptions struct {
	// Sources restricts the run to the named sources. Empty means every
	// registered source.
	Sources []core.Source

	// Roots overrides the search roots per source. Sources not listed
	// use their adapter's defaults.
	Roots map[core.Source][]string

	// Since skips inputs not modified after the given instant.
	Since time.Time
}

// Scan runs one ingestion pass and returns aggregate counters.
//
// A failing source aborts the run; malformed individual records are
// counted as skipped and never abort it.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions) (*core.ScanStats, error) {
	if opts == nil {
		opts = &ScanOptions{}
	}

	collectors, err := s.selectCollectors(opts.Sources)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	stats := &core.ScanStats{}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, col := range collectors {
		col := col
		g.Go(func() error {
			roots := opts.Roots[col.Source()]
			if roots == nil {
				roots = col.DefaultRoots()
			}

			skipped, err := col.Scan(ctx, roots, opts.Since, func(raw *collector.RawRecord) error {
				n, err := s.ingest(ctx, raw, col.TimestampFormat())
				mu.Lock()
				mergeStats(stats, n)
				mu.Unlock()
				return err
			})

			mu.Lock()
			stats.Skipped += skipped
			mu.Unlock()
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}

// ingest runs one raw record through normalize, reconcile and persist.
func (s *Scanner) ingest(ctx context.Context, raw *collector.RawRecord, format collector.TimestampFormat) (core.ScanStats, error) {
	var n core.ScanStats

	conv, err := s.normalizer.Normalize(raw, format)
	if err != nil {
		if errors.Is(err, core.ErrMalformedRecord) {
			s.logger.Warn("record discarded during normalization",
				zap.String("source", string(raw.Source)), zap.Error(err))
			n.Skipped++
			return n, nil
		}
		return n, err
	}
	n.Conversations++
	n.Messages += len(conv.Messages)

	decision, err := s.reconciler.Apply(ctx, conv, func(d dedup.Decision) error {
		_, err := s.coordinator.PutConversation(ctx, d.Conversation)
		return err
	})
	if err != nil {
		return n, err
	}

	switch decision.Action {
	case dedup.ActionInsert:
		n.Inserted++
	case dedup.ActionUpdate:
		n.Updated++
	case dedup.ActionNoOp:
		n.Unchanged++
	}
	return n, nil
}

// selectCollectors resolves the requested sources against the registry.
func (s *Scanner) selectCollectors(sources []core.Source) ([]collector.Collector, error) {
	if len(sources) == 0 {
		return s.registry.All(), nil
	}
	out := make([]collector.Collector, 0, len(sources))
	for _, src := range sources {
		col := s.registry.Get(src)
		if col == nil {
			return nil, core.NewStoreError("Scan",
				fmt.Errorf("%w: no collector registered for source %q", core.ErrSourceUnavailable, src))
		}
		out = append(out, col)
	}
	return out, nil
}

func mergeStats(into *core.ScanStats, n core.ScanStats) {
	into.Conversations += n.Conversations
	into.Messages += n.Messages
	into.Inserted += n.Inserted
	into.Updated += n.Updated
	into.Unchanged += n.Unchanged
	into.Skipped += n.Skipped
}

// indexRepository adapts the indexed store to the reconciler's lookup
// interface.
type indexRepository struct {
	idx index.Index
}

func (r *indexRepository) Lookup(ctx context.Context, id string) (*core.Conversation, error) {
	rec, err := r.idx.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return RecordToConversation(rec)
}
