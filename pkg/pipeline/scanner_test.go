package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindbase/mindbase-go/pkg/collector"
	"github.com/mindbase/mindbase-go/pkg/collector/jsonl"
	"github.com/mindbase/mindbase-go/pkg/core"
	"github.com/mindbase/mindbase-go/pkg/normalize"
)

func newScanner(t *testing.T, c *Coordinator) *Scanner {
	t.Helper()
	registry := collector.NewRegistry()
	require.NoError(t, registry.Register(jsonl.New(&jsonl.Config{})))

	s, err := NewScanner(&ScannerConfig{
		Registry:    registry,
		Normalizer:  normalize.New(&normalize.Config{}),
		Index:       c.idx,
		Coordinator: c,
	})
	require.NoError(t, err)
	return s
}

func writeThread(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
}

const threadTwoMessages = `{"type":"user","message":{"role":"user","content":"write a parser"},"timestamp":1700000000000,"uuid":"u1","sessionId":"sess-1"}
{"type":"assistant","message":{"role":"assistant","content":"here you go"},"timestamp":1700000005000,"uuid":"u2","sessionId":"sess-1"}
`

const threadThirdMessage = `{"type":"user","message":{"role":"user","content":"now add tests"},"timestamp":1700000010000,"uuid":"u3","sessionId":"sess-1"}
`

func TestScanInsertsThenReportsUnchanged(t *testing.T) {
	idx, files := newStores(t)
	c := newCoordinator(t, idx, files, nil)
	s := newScanner(t, c)
	ctx := context.Background()

	root := t.TempDir()
	writeThread(t, root, "sess-1.jsonl", threadTwoMessages)

	opts := &ScanOptions{Roots: map[core.Source][]string{core.SourceClaudeCode: {root}}}

	stats, err := s.Scan(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conversations)
	assert.Equal(t, 2, stats.Messages)
	assert.Equal(t, 1, stats.Inserted)
	assert.Zero(t, stats.Updated)

	// The same files again: the reconciler sees identical content.
	stats, err = s.Scan(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Unchanged)
	assert.Zero(t, stats.Inserted)
	assert.Zero(t, stats.Updated)
}

func TestScanDetectsGrownConversation(t *testing.T) {
	idx, files := newStores(t)
	c := newCoordinator(t, idx, files, nil)
	s := newScanner(t, c)
	ctx := context.Background()

	root := t.TempDir()
	writeThread(t, root, "sess-1.jsonl", threadTwoMessages)

	opts := &ScanOptions{Roots: map[core.Source][]string{core.SourceClaudeCode: {root}}}
	_, err := s.Scan(ctx, opts)
	require.NoError(t, err)

	writeThread(t, root, "sess-1.jsonl", threadTwoMessages+threadThirdMessage)

	stats, err := s.Scan(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.Zero(t, stats.Inserted)
	assert.Equal(t, 3, stats.Messages)
}

func TestScanMalformedRecordsAreCountedNotFatal(t *testing.T) {
	idx, files := newStores(t)
	c := newCoordinator(t, idx, files, nil)
	s := newScanner(t, c)
	ctx := context.Background()

	root := t.TempDir()
	// A thread whose only line is corrupt still reaches the scanner as
	// zero records; the collector counts the line itself.
	writeThread(t, root, "bad.jsonl", "{broken\n")
	writeThread(t, root, "sess-1.jsonl", threadTwoMessages)

	stats, err := s.Scan(ctx, &ScanOptions{
		Roots: map[core.Source][]string{core.SourceClaudeCode: {root}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 1, stats.Skipped)
}

func TestScanUnknownSourceFails(t *testing.T) {
	idx, files := newStores(t)
	c := newCoordinator(t, idx, files, nil)
	s := newScanner(t, c)

	_, err := s.Scan(context.Background(), &ScanOptions{Sources: []core.Source{core.SourceCursor}})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSourceUnavailable)
}
