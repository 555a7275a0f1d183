package snapshot

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindbase/mindbase-go/pkg/collector"
	"github.com/mindbase/mindbase-go/pkg/core"
)

func createDB(t *testing.T, path string, stmts ...string) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
}

func collectAll(t *testing.T, c *Collector, root string) ([]*collector.RawRecord, int) {
	t.Helper()
	var out []*collector.RawRecord
	skipped, err := c.Scan(context.Background(), []string{root}, time.Time{}, func(r *collector.RawRecord) error {
		out = append(out, r)
		return nil
	})
	require.NoError(t, err)
	return out, skipped
}

func TestMatchColumns(t *testing.T) {
	m, ok := matchColumns([]string{"id", "Role", "Content", "Timestamp", "conversation_id"})
	require.True(t, ok)
	assert.Equal(t, "Role", m.role)
	assert.Equal(t, "Content", m.content)
	assert.Equal(t, "Timestamp", m.timestamp)
	assert.Equal(t, "conversation_id", m.thread)

	_, ok = matchColumns([]string{"id", "payload"})
	assert.False(t, ok, "tables without the minimal set are skipped")

	_, ok = matchColumns([]string{"role", "content"})
	assert.False(t, ok, "a timestamp column is required")
}

func TestScanMessageTableGroupsByThread(t *testing.T) {
	dir := t.TempDir()
	createDB(t, filepath.Join(dir, "state.vscdb"),
		`CREATE TABLE chat_messages (id INTEGER, role TEXT, content TEXT, timestamp INTEGER, session_id TEXT)`,
		`INSERT INTO chat_messages VALUES
			(1, 'user', 'fix this bug', 1700000000000, 's1'),
			(2, 'assistant', 'done', 1700000005000, 's1'),
			(3, 'user', 'other thread', 1700000100000, 's2')`,
	)

	c := New(&Config{})
	records, skipped := collectAll(t, c, dir)

	assert.Zero(t, skipped)
	require.Len(t, records, 2)

	byThread := map[string]*collector.RawRecord{}
	for _, r := range records {
		byThread[r.NativeID] = r
		assert.Equal(t, core.SourceCursor, r.Source)
	}
	require.Contains(t, byThread, "s1")
	require.Contains(t, byThread, "s2")
	assert.Len(t, byThread["s1"].Messages, 2)
	assert.Len(t, byThread["s2"].Messages, 1)
	assert.Equal(t, "fix this bug", byThread["s1"].Messages[0].Content)
}

func TestScanTableWithoutThreadColumn(t *testing.T) {
	dir := t.TempDir()
	createDB(t, filepath.Join(dir, "prompts.db"),
		`CREATE TABLE prompts (role TEXT, content TEXT, timestamp INTEGER)`,
		`INSERT INTO prompts VALUES ('user', 'one', 1700000000000), ('user', 'two', 1700000001000)`,
	)

	c := New(&Config{})
	records, _ := collectAll(t, c, dir)

	// No thread key: one record per row.
	require.Len(t, records, 2)
	assert.Empty(t, records[0].NativeID)
	assert.Len(t, records[0].Messages, 1)
}

func TestItemTablePrompts(t *testing.T) {
	dir := t.TempDir()
	createDB(t, filepath.Join(dir, "state.vscdb"),
		`CREATE TABLE ItemTable (key TEXT PRIMARY KEY, value BLOB)`,
		`INSERT INTO ItemTable VALUES
			('aiService.prompts', '[{"text":"refactor the store","commandType":4}]'),
			('editor.fontSize', '14')`,
	)

	c := New(&Config{})
	records, _ := collectAll(t, c, dir)

	require.Len(t, records, 1)
	rec := records[0]
	require.Len(t, rec.Messages, 1)
	assert.Equal(t, "user", rec.Messages[0].Role)
	assert.Equal(t, "refactor the store", rec.Messages[0].Content)
	assert.Equal(t, "snapshot-itemtable", rec.Fields["source_type"])
}

func TestItemTableComposerSessions(t *testing.T) {
	dir := t.TempDir()
	createDB(t, filepath.Join(dir, "state.vscdb"),
		`CREATE TABLE ItemTable (key TEXT PRIMARY KEY, value BLOB)`,
		`INSERT INTO ItemTable VALUES ('composer.composerData',
			'{"allComposers":[{"composerId":"comp-1","title":"Build the API","messages":[{"role":"user","content":"scaffold it","timestamp":1700000000000},{"type":"assistant","text":"scaffolded","timestamp":1700000002000}]}]}')`,
	)

	c := New(&Config{})
	records, _ := collectAll(t, c, dir)

	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "comp-1", rec.NativeID)
	assert.Equal(t, "Build the API", rec.Title)
	require.Len(t, rec.Messages, 2)
	assert.Equal(t, "assistant", rec.Messages[1].Role)
	assert.Equal(t, "scaffolded", rec.Messages[1].Content)
}

func TestMalformedItemTablePayloadIsSkipped(t *testing.T) {
	dir := t.TempDir()
	createDB(t, filepath.Join(dir, "state.vscdb"),
		`CREATE TABLE ItemTable (key TEXT PRIMARY KEY, value BLOB)`,
		`INSERT INTO ItemTable VALUES ('interactive.sessions', 'not json {')`,
	)

	c := New(&Config{})
	records, skipped := collectAll(t, c, dir)
	assert.Empty(t, records)
	assert.Equal(t, 1, skipped)
}

func TestWindsurfSourceStamp(t *testing.T) {
	dir := t.TempDir()
	createDB(t, filepath.Join(dir, "state.vscdb"),
		`CREATE TABLE messages (role TEXT, content TEXT, timestamp INTEGER, thread_id TEXT)`,
		`INSERT INTO messages VALUES ('user', 'hello', 1700000000000, 'w1')`,
	)

	c := New(&Config{Source: core.SourceWindsurf})
	records, _ := collectAll(t, c, dir)
	require.Len(t, records, 1)
	assert.Equal(t, core.SourceWindsurf, records[0].Source)
}

func TestIntrospection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.db")
	createDB(t, path,
		`CREATE TABLE a (id INTEGER, role TEXT)`,
		`CREATE TABLE b (x TEXT)`,
	)

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	tables, err := listTables(context.Background(), db)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, tables)

	cols, err := tableColumns(context.Background(), db, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "role"}, cols)
}
