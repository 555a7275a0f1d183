package jsonl

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindbase/mindbase-go/pkg/collector"
	"github.com/mindbase/mindbase-go/pkg/core"
)

func collectAll(t *testing.T, c *Collector, root string, since time.Time) ([]*collector.RawRecord, int) {
	t.Helper()
	var out []*collector.RawRecord
	skipped, err := c.Scan(context.Background(), []string{root}, since, func(r *collector.RawRecord) error {
		out = append(out, r)
		return nil
	})
	require.NoError(t, err)
	return out, skipped
}

func TestThreadFile(t *testing.T) {
	dir := t.TempDir()
	lines := `{"type":"user","message":{"role":"user","content":"write a parser"},"timestamp":1700000000000,"uuid":"u1","sessionId":"sess-1","cwd":"/home/me/proj/parser"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"here is one"},{"type":"text","text":"part two"}]},"timestamp":1700000005000,"uuid":"u2","parentUuid":"u1","sessionId":"sess-1"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sess-1.jsonl"), []byte(lines), 0644))

	c := New(&Config{})
	records, skipped := collectAll(t, c, dir, time.Time{})

	assert.Zero(t, skipped)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, core.SourceClaudeCode, rec.Source)
	assert.Equal(t, "sess-1", rec.NativeID)
	assert.Equal(t, "parser", rec.Project)
	require.Len(t, rec.Messages, 2)
	assert.Equal(t, "write a parser", rec.Messages[0].Content)
	assert.Equal(t, "here is one\npart two", rec.Messages[1].Content)
	assert.Equal(t, "u2", rec.Messages[1].LocalID)
	assert.Equal(t, "u1", rec.Messages[1].ParentID)
}

func TestHistoryFile(t *testing.T) {
	dir := t.TempDir()
	lines := `{"display":"first prompt","timestamp":1700000000000,"project":"/home/me/proj/app"}
{"display":"second prompt","timestamp":1700000100000,"project":"/home/me/proj/app"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "history.jsonl"), []byte(lines), 0644))

	c := New(&Config{})
	records, skipped := collectAll(t, c, dir, time.Time{})

	assert.Zero(t, skipped)
	require.Len(t, records, 2)
	assert.Equal(t, "first prompt", records[0].Messages[0].Content)
	assert.Equal(t, "user", records[0].Messages[0].Role)
	assert.Equal(t, "app", records[0].Project)
	assert.Empty(t, records[0].NativeID, "history lines carry no native id")
}

func TestCorruptLineIsSkippedNotFatal(t *testing.T) {
	dir := t.TempDir()
	lines := `{"type":"user","message":{"role":"user","content":"ok"},"timestamp":1700000000000,"sessionId":"s"}
{not valid json at all
{"type":"user","message":{"role":"user","content":"also ok"},"timestamp":1700000001000,"sessionId":"s"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s.jsonl"), []byte(lines), 0644))

	c := New(&Config{})
	records, skipped := collectAll(t, c, dir, time.Time{})

	assert.Equal(t, 1, skipped)
	require.Len(t, records, 1)
	assert.Len(t, records[0].Messages, 2)
}

func TestThreadIDFallsBackToFilename(t *testing.T) {
	dir := t.TempDir()
	lines := `{"type":"user","message":{"role":"user","content":"no session id"},"timestamp":1700000000000}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orphan.jsonl"), []byte(lines), 0644))

	c := New(&Config{})
	records, _ := collectAll(t, c, dir, time.Time{})
	require.Len(t, records, 1)
	assert.Equal(t, "orphan", records[0].NativeID)
}

func TestSinceSkipsOldFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"display":"old","timestamp":1}`+"\n"), 0644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	c := New(&Config{})
	records, _ := collectAll(t, c, dir, time.Now().Add(-time.Hour))
	assert.Empty(t, records)

	records, _ = collectAll(t, c, dir, time.Time{})
	assert.Len(t, records, 1)
}

func TestNonMessageLinesAreSkipped(t *testing.T) {
	dir := t.TempDir()
	lines := `{"type":"summary","summary":"a summary line"}
{"type":"user","message":{"role":"user","content":"real"},"timestamp":1700000000000,"sessionId":"s"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s.jsonl"), []byte(lines), 0644))

	c := New(&Config{})
	records, skipped := collectAll(t, c, dir, time.Time{})
	assert.Equal(t, 1, skipped)
	require.Len(t, records, 1)
	assert.Len(t, records[0].Messages, 1)
}
