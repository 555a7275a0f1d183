// Package kvlog provides the source adapter for the append-only
// key-value session logs written by Electron-based desktop chat clients
// (LevelDB-style .log/.ldb segments plus a CURRENT manifest).
//
// The log format is not parsed structurally. Values are salvaged by
// extracting embedded JSON objects that look like conversation records
// from the raw segment bytes, which is what the format family reliably
// allows without linking a LevelDB implementation. When a CURRENT
// manifest exists, the live segment it names is read first; every other
// .log/.ldb segment in the directory is still swept afterwards, because
// compacted segments keep older conversations and the reconciler merges
// re-emitted records harmlessly.
package kvlog

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mindbase/mindbase-go/pkg/collector"
	"github.com/mindbase/mindbase-go/pkg/core"
)

// recordKeyPrefixes mark key-value entries that carry conversation
// payloads. Keys outside these prefixes are ignored.
var recordKeyPrefixes = []string{"conversation", "chat", "session"}

// maxSegmentBytes bounds how much of one segment is read. Segments past
// this size are truncated, not failed.
const maxSegmentBytes = 64 * 1024 * 1024

// Collector reads append-only key-value session logs.
type Collector struct {
	source core.Source
	logger *zap.Logger
}

// Config contains configuration for creating a kvlog Collector.
type Config struct {
	// Source is the origin to stamp on emitted records.
	// Defaults to claude-desktop.
	Source core.Source

	// Logger receives per-record warnings. Defaults to a nop logger.
	Logger *zap.Logger
}

// New creates a new key-value log collector.
func New(cfg *Config) *Collector {
	source := cfg.Source
	if source == "" {
		source = core.SourceClaudeDesktop
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{source: source, logger: logger}
}

// Source returns the origin this collector reads.
func (c *Collector) Source() core.Source { return c.source }

// TimestampFormat returns iso8601; these clients serialize JS Date values.
func (c *Collector) TimestampFormat() collector.TimestampFormat {
	return collector.TimestampISO8601
}

// DefaultRoots returns the desktop client storage locations for the
// configured source.
func (c *Collector) DefaultRoots() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	app := "Claude"
	if c.source == core.SourceChatGPT {
		app = "ChatGPT"
	}
	return []string{
		filepath.Join(home, "Library", "Application Support", app, "Session Storage"),
		filepath.Join(home, "Library", "Application Support", app, "Local Storage", "leveldb"),
		filepath.Join(home, ".config", app, "Session Storage"),
		filepath.Join(home, ".config", app, "Local Storage", "leveldb"),
	}
}

// Scan salvages conversation records from every segment under the given
// roots, live segments first.
func (c *Collector) Scan(ctx context.Context, roots []string, since time.Time, emit collector.EmitFunc) (int, error) {
	skipped := 0

	for _, root := range collector.ExistingRoots(roots) {
		segments, usedManifest := c.liveSegments(root)
		if !usedManifest {
			c.logger.Debug("kvlog manifest missing, unordered segment scan",
				zap.String("root", root))
		}

		for _, seg := range segments {
			select {
			case <-ctx.Done():
				return skipped, ctx.Err()
			default:
			}

			n, err := c.scanSegment(seg, emit)
			skipped += n
			if err != nil {
				return skipped, err
			}
		}
	}

	return skipped, nil
}

// liveSegments returns the segment files to read for one root: the
// manifest-named live log first when present, then every other .log and
// .ldb file in the directory.
func (c *Collector) liveSegments(root string) (segments []string, usedManifest bool) {
	if data, err := os.ReadFile(filepath.Join(root, "CURRENT")); err == nil {
		name := strings.TrimSpace(string(data))
		if name != "" {
			if _, err := os.Stat(filepath.Join(root, name)); err == nil {
				segments = append(segments, filepath.Join(root, name))
			}
		}
	}
	if len(segments) > 0 {
		usedManifest = true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		c.logger.Warn("kvlog root not readable, continuing",
			zap.String("root", root), zap.Error(err))
		return segments, usedManifest
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".ldb") {
			full := filepath.Join(root, name)
			if usedManifest && full == segments[0] {
				continue
			}
			segments = append(segments, full)
		}
	}
	return segments, usedManifest
}

// scanSegment salvages records from one segment file.
func (c *Collector) scanSegment(path string, emit collector.EmitFunc) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		c.logger.Warn("cannot open kvlog segment, skipping",
			zap.String("segment", path), zap.Error(err))
		return 1, nil
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, maxSegmentBytes))
	if err != nil {
		c.logger.Warn("cannot read kvlog segment, skipping",
			zap.String("segment", path), zap.Error(err))
		return 1, nil
	}

	skipped := 0
	for _, obj := range extractJSONObjects(data) {
		rec, ok := c.parseRecord(obj)
		if !ok {
			skipped++
			continue
		}
		if err := emit(rec); err != nil {
			return skipped, err
		}
	}
	return skipped, nil
}

// parseRecord converts one salvaged JSON object into a raw record, or
// reports false when the object is not conversation-shaped or its key
// does not match a record prefix.
func (c *Collector) parseRecord(obj map[string]interface{}) (*collector.RawRecord, bool) {
	if key, ok := obj["key"].(string); ok && !matchesRecordPrefix(key) {
		return nil, false
	}

	rawMsgs, ok := obj["messages"].([]interface{})
	if !ok || len(rawMsgs) == 0 {
		return nil, false
	}

	var messages []collector.RawMessage
	for _, rm := range rawMsgs {
		m, ok := rm.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := stringField(m, "role", "sender", "type")
		content, _ := stringField(m, "content", "text", "message")
		if role == "" || content == "" {
			continue
		}
		msg := collector.RawMessage{
			Role:      role,
			Content:   content,
			Timestamp: firstField(m, "timestamp", "created_at", "createdAt"),
		}
		if id, ok := stringField(m, "id", "uuid"); ok {
			msg.LocalID = id
		}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return nil, false
	}

	rec := &collector.RawRecord{
		Source:   c.source,
		Messages: messages,
		Fields:   map[string]interface{}{"source_type": "kvlog"},
	}
	if id, ok := stringField(obj, "uuid", "id", "conversation_id"); ok {
		rec.NativeID = id
	}
	if title, ok := stringField(obj, "name", "title"); ok {
		rec.Title = title
	}
	return rec, true
}

// matchesRecordPrefix reports whether a key carries a conversation payload.
func matchesRecordPrefix(key string) bool {
	lower := strings.ToLower(key)
	for _, prefix := range recordKeyPrefixes {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

// extractJSONObjects finds balanced top-level JSON objects embedded in
// arbitrary bytes and returns the ones that decode. Unbalanced or
// non-decoding spans are simply not records.
func extractJSONObjects(data []byte) []map[string]interface{} {
	var out []map[string]interface{}

	for i := 0; i < len(data); i++ {
		if data[i] != '{' {
			continue
		}
		end, ok := matchBrace(data, i)
		if !ok {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(data[i:end+1], &obj); err == nil && len(obj) > 0 {
			out = append(out, obj)
			i = end
		}
	}
	return out
}

// matchBrace returns the index of the brace closing the object opened at
// start, honoring JSON string escaping.
func matchBrace(data []byte, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(data); i++ {
		b := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// stringField returns the first non-empty string value among keys.
func stringField(m map[string]interface{}, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// firstField returns the first present value among keys.
func firstField(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
