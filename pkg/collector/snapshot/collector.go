// Package snapshot provides the source adapter for relational snapshot
// files: the state.vscdb SQLite databases written by VS Code derived
// editors (Cursor, Windsurf).
//
// The schema varies by client version, so tables are discovered at
// runtime: only tables whose columns satisfy the minimal required set
// (a role/sender field, a content field, a timestamp field) are read,
// and tables that do not match are skipped rather than failing the scan.
// The editors' ItemTable key-value table is additionally mined for chat
// payload keys (aiService.prompts, composer data, interactive sessions).
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mindbase/mindbase-go/pkg/collector"
	"github.com/mindbase/mindbase-go/pkg/core"
)

// Column name candidates for the minimal required set, checked in order.
var (
	roleColumns      = []string{"role", "sender", "author", "speaker"}
	contentColumns   = []string{"content", "text", "message", "body", "prompt"}
	timestampColumns = []string{"timestamp", "created_at", "createdAt", "time", "ts"}
	threadColumns    = []string{"conversation_id", "session_id", "thread_id", "composer_id"}
)

// itemTableKeys are the ItemTable keys known to carry chat payloads.
var itemTableKeys = []string{
	"aiService.prompts",
	"composer.composerData",
	"interactive.sessions",
	"workbench.panel.aichat.view.aichat.chatdata",
}

// Collector reads relational snapshot databases.
type Collector struct {
	source core.Source
	logger *zap.Logger
}

// Config contains configuration for creating a snapshot Collector.
type Config struct {
	// Source is the origin to stamp on emitted records.
	// Defaults to cursor.
	Source core.Source

	// Logger receives per-record warnings. Defaults to a nop logger.
	Logger *zap.Logger
}

// New creates a new relational snapshot collector.
func New(cfg *Config) *Collector {
	source := cfg.Source
	if source == "" {
		source = core.SourceCursor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{source: source, logger: logger}
}

// Source returns the origin this collector reads.
func (c *Collector) Source() core.Source { return c.source }

// TimestampFormat returns epoch-millis, the convention of editor state
// databases (JS Date values).
func (c *Collector) TimestampFormat() collector.TimestampFormat {
	return collector.TimestampEpochMillis
}

// DefaultRoots returns the editor workspace-storage locations for the
// configured source.
func (c *Collector) DefaultRoots() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	app := "Cursor"
	if c.source == core.SourceWindsurf {
		app = "Windsurf"
	}
	return []string{
		filepath.Join(home, "Library", "Application Support", app, "User", "workspaceStorage"),
		filepath.Join(home, "Library", "Application Support", app, "User", "globalStorage"),
		filepath.Join(home, ".config", app, "User", "workspaceStorage"),
		filepath.Join(home, ".config", app, "User", "globalStorage"),
	}
}

// Scan opens every snapshot database under the given roots read-only and
// emits the conversation records it can recover.
func (c *Collector) Scan(ctx context.Context, roots []string, since time.Time, emit collector.EmitFunc) (int, error) {
	skipped := 0

	for _, root := range collector.ExistingRoots(roots) {
		files, err := findSnapshotFiles(root)
		if err != nil {
			c.logger.Warn("snapshot root not readable, continuing",
				zap.String("root", root), zap.Error(err))
			continue
		}

		for _, file := range files {
			select {
			case <-ctx.Done():
				return skipped, ctx.Err()
			default:
			}

			if !since.IsZero() {
				if info, err := os.Stat(file); err == nil && info.ModTime().Before(since) {
					continue
				}
			}

			n, err := c.scanDatabase(ctx, file, emit)
			skipped += n
			if err != nil {
				return skipped, err
			}
		}
	}

	return skipped, nil
}

// scanDatabase reads one snapshot database. Open failures skip the file;
// the source application may hold it locked.
func (c *Collector) scanDatabase(ctx context.Context, path string, emit collector.EmitFunc) (int, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=500", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		c.logger.Warn("cannot open snapshot database, skipping",
			zap.String("db", path), zap.Error(err))
		return 1, nil
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		c.logger.Warn("snapshot database unreadable, skipping",
			zap.String("db", path), zap.Error(err))
		return 1, nil
	}

	tables, err := listTables(ctx, db)
	if err != nil {
		c.logger.Warn("cannot introspect snapshot database, skipping",
			zap.String("db", path), zap.Error(err))
		return 1, nil
	}

	skipped := 0
	for _, table := range tables {
		if table == "ItemTable" {
			n, err := c.scanItemTable(ctx, db, path, emit)
			skipped += n
			if err != nil {
				return skipped, err
			}
			continue
		}

		cols, err := tableColumns(ctx, db, table)
		if err != nil {
			continue
		}
		mapping, ok := matchColumns(cols)
		if !ok {
			// Table does not satisfy the minimal required set.
			continue
		}

		n, err := c.scanMessageTable(ctx, db, path, table, mapping, emit)
		skipped += n
		if err != nil {
			return skipped, err
		}
	}

	return skipped, nil
}

// columnMapping names the columns satisfying the minimal required set.
type columnMapping struct {
	role      string
	content   string
	timestamp string
	thread    string // optional
}

// matchColumns resolves the minimal required set against a table's
// columns, case-insensitively.
func matchColumns(cols []string) (columnMapping, bool) {
	lower := make(map[string]string, len(cols))
	for _, col := range cols {
		lower[strings.ToLower(col)] = col
	}
	pick := func(candidates []string) string {
		for _, cand := range candidates {
			if col, ok := lower[strings.ToLower(cand)]; ok {
				return col
			}
		}
		return ""
	}

	m := columnMapping{
		role:      pick(roleColumns),
		content:   pick(contentColumns),
		timestamp: pick(timestampColumns),
		thread:    pick(threadColumns),
	}
	if m.role == "" || m.content == "" || m.timestamp == "" {
		return columnMapping{}, false
	}
	return m, true
}

// scanMessageTable reads one matched table, grouping rows into
// conversations by the thread column when present. Rows without a
// thread key each become their own record.
func (c *Collector) scanMessageTable(ctx context.Context, db *sql.DB, path, table string, m columnMapping, emit collector.EmitFunc) (int, error) {
	cols := []string{quoteIdent(m.role), quoteIdent(m.content), quoteIdent(m.timestamp)}
	if m.thread != "" {
		cols = append(cols, quoteIdent(m.thread))
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), quoteIdent(table))

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		c.logger.Warn("cannot read snapshot table, skipping",
			zap.String("db", path), zap.String("table", table), zap.Error(err))
		return 1, nil
	}
	defer func() { _ = rows.Close() }()

	skipped := 0
	threads := make(map[string][]collector.RawMessage)
	var threadOrder []string

	for rows.Next() {
		var role, content sql.NullString
		var ts interface{}
		var thread sql.NullString

		dest := []interface{}{&role, &content, &ts}
		if m.thread != "" {
			dest = append(dest, &thread)
		}
		if err := rows.Scan(dest...); err != nil {
			skipped++
			continue
		}
		if !role.Valid || !content.Valid || content.String == "" {
			skipped++
			continue
		}

		msg := collector.RawMessage{
			Role:      role.String,
			Content:   content.String,
			Timestamp: normalizeScanned(ts),
		}

		key := ""
		if thread.Valid {
			key = thread.String
		}
		if _, seen := threads[key]; !seen {
			threadOrder = append(threadOrder, key)
		}
		threads[key] = append(threads[key], msg)
	}
	if err := rows.Err(); err != nil {
		skipped++
	}

	for _, key := range threadOrder {
		msgs := threads[key]
		if key == "" {
			// No thread key: one record per row.
			for _, msg := range msgs {
				rec := &collector.RawRecord{
					Source:   c.source,
					Messages: []collector.RawMessage{msg},
					Fields:   map[string]interface{}{"source_type": "snapshot-table", "table": table},
				}
				if err := emit(rec); err != nil {
					return skipped, err
				}
			}
			continue
		}
		rec := &collector.RawRecord{
			Source:   c.source,
			NativeID: key,
			Messages: msgs,
			Fields:   map[string]interface{}{"source_type": "snapshot-table", "table": table},
		}
		if err := emit(rec); err != nil {
			return skipped, err
		}
	}

	return skipped, nil
}

// scanItemTable mines the editors' key-value state table for chat
// payload keys.
func (c *Collector) scanItemTable(ctx context.Context, db *sql.DB, path string, emit collector.EmitFunc) (int, error) {
	rows, err := db.QueryContext(ctx, "SELECT key, value FROM ItemTable")
	if err != nil {
		c.logger.Warn("cannot read ItemTable, skipping",
			zap.String("db", path), zap.Error(err))
		return 1, nil
	}
	defer func() { _ = rows.Close() }()

	skipped := 0
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			skipped++
			continue
		}
		if !isChatKey(key) {
			continue
		}

		var payload interface{}
		if err := json.Unmarshal(value, &payload); err != nil {
			c.logger.Warn("malformed ItemTable payload, skipping",
				zap.String("db", path), zap.String("key", key), zap.Error(err))
			skipped++
			continue
		}

		for _, rec := range c.recordsFromPayload(key, payload) {
			if err := emit(rec); err != nil {
				return skipped, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		skipped++
	}
	return skipped, nil
}

// isChatKey reports whether an ItemTable key carries chat payload.
func isChatKey(key string) bool {
	for _, known := range itemTableKeys {
		if key == known {
			return true
		}
	}
	lower := strings.ToLower(key)
	return strings.Contains(lower, "chat") || strings.Contains(lower, "conversation")
}

// recordsFromPayload converts one ItemTable JSON payload into raw
// records. Payloads are either a list of session/prompt objects or an
// object wrapping such a list.
func (c *Collector) recordsFromPayload(key string, payload interface{}) []*collector.RawRecord {
	items := payloadItems(payload)

	var out []*collector.RawRecord
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if rec := c.recordFromObject(key, obj); rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

// payloadItems unwraps the list inside a payload.
func payloadItems(payload interface{}) []interface{} {
	switch p := payload.(type) {
	case []interface{}:
		return p
	case map[string]interface{}:
		for _, field := range []string{"sessions", "prompts", "allComposers", "tabs", "entries"} {
			if list, ok := p[field].([]interface{}); ok {
				return list
			}
		}
		return []interface{}{p}
	default:
		return nil
	}
}

// recordFromObject converts one session/prompt object into a record.
// Two shapes are understood: an embedded messages list, and a
// prompt/completion pair.
func (c *Collector) recordFromObject(key string, obj map[string]interface{}) *collector.RawRecord {
	var messages []collector.RawMessage

	if list, ok := obj["messages"].([]interface{}); ok {
		for _, rm := range list {
			m, ok := rm.(map[string]interface{})
			if !ok {
				continue
			}
			role, _ := m["role"].(string)
			if role == "" {
				role, _ = m["type"].(string)
			}
			content, _ := m["content"].(string)
			if content == "" {
				content, _ = m["text"].(string)
			}
			if role == "" || content == "" {
				continue
			}
			messages = append(messages, collector.RawMessage{
				Role:      role,
				Content:   content,
				Timestamp: firstOf(m, "timestamp", "createdAt", "created_at"),
			})
		}
	}

	if len(messages) == 0 {
		prompt, _ := obj["prompt"].(string)
		if prompt == "" {
			prompt, _ = obj["text"].(string)
		}
		if prompt != "" {
			ts := firstOf(obj, "timestamp", "createdAt", "created_at")
			messages = append(messages, collector.RawMessage{
				Role: "user", Content: prompt, Timestamp: ts,
			})
			if completion, ok := obj["completion"].(string); ok && completion != "" {
				messages = append(messages, collector.RawMessage{
					Role: "assistant", Content: completion, Timestamp: ts,
				})
			} else if response, ok := obj["response"].(string); ok && response != "" {
				messages = append(messages, collector.RawMessage{
					Role: "assistant", Content: response, Timestamp: ts,
				})
			}
		}
	}

	if len(messages) == 0 {
		return nil
	}

	rec := &collector.RawRecord{
		Source:   c.source,
		Messages: messages,
		Fields:   map[string]interface{}{"source_type": "snapshot-itemtable", "key": key},
	}
	if id, ok := obj["id"].(string); ok && id != "" {
		rec.NativeID = id
	} else if id, ok := obj["composerId"].(string); ok && id != "" {
		rec.NativeID = id
	}
	if title, ok := obj["title"].(string); ok {
		rec.Title = title
	}
	return rec
}

// normalizeScanned unboxes driver-scanned values into shapes the
// normalizer understands.
func normalizeScanned(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case *interface{}:
		if t == nil {
			return nil
		}
		return normalizeScanned(*t)
	default:
		return v
	}
}

// firstOf returns the first present value among keys.
func firstOf(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// quoteIdent quotes an identifier discovered at runtime.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// findSnapshotFiles returns every snapshot database under root.
func findSnapshotFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// Permission denied on a subtree is recoverable.
			return nil
		}
		if d.IsDir() {
			return nil
		}
		switch {
		case strings.HasSuffix(path, ".vscdb"),
			strings.HasSuffix(path, ".db"),
			strings.HasSuffix(path, ".sqlite"):
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
