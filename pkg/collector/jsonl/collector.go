// Package jsonl provides the source adapter for line-delimited JSON
// session logs, the format written by CLI coding assistants.
//
// Two line shapes are understood:
//
//   - thread entries: {"type": "user", "message": {...}, "sessionId": ...}
//     where every line of one file belongs to the same conversation, and
//   - history entries: {"display": ..., "timestamp": ..., "project": ...}
//     where every line is a standalone single-message record.
//
// A corrupt line is skipped with a warning, never fatal.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mindbase/mindbase-go/pkg/collector"
	"github.com/mindbase/mindbase-go/pkg/core"
)

// maxLineBytes bounds the line scanner buffer. Assistant transcripts can
// carry whole files in one message.
const maxLineBytes = 16 * 1024 * 1024

// Collector reads line-delimited JSON session logs.
type Collector struct {
	source core.Source
	logger *zap.Logger
}

// Config contains configuration for creating a jsonl Collector.
type Config struct {
	// Source is the origin to stamp on emitted records.
	// Defaults to claude-code.
	Source core.Source

	// Logger receives per-record warnings. Defaults to a nop logger.
	Logger *zap.Logger
}

// New creates a new line-delimited JSON collector.
func New(cfg *Config) *Collector {
	source := cfg.Source
	if source == "" {
		source = core.SourceClaudeCode
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{source: source, logger: logger}
}

// Source returns the origin this collector reads.
func (c *Collector) Source() core.Source { return c.source }

// TimestampFormat returns epoch-millis, the convention of these logs.
func (c *Collector) TimestampFormat() collector.TimestampFormat {
	return collector.TimestampEpochMillis
}

// DefaultRoots returns the standard session-log locations.
func (c *Collector) DefaultRoots() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".claude"),
		filepath.Join(home, ".claude", "projects"),
	}
}

// Scan walks every *.jsonl file under the given roots and emits one
// record per thread file, or one record per line for history files.
func (c *Collector) Scan(ctx context.Context, roots []string, since time.Time, emit collector.EmitFunc) (int, error) {
	skipped := 0

	for _, root := range collector.ExistingRoots(roots) {
		files, err := findJSONLFiles(root)
		if err != nil {
			c.logger.Warn("jsonl root not readable, continuing",
				zap.String("root", root), zap.Error(err))
			continue
		}

		for _, file := range files {
			select {
			case <-ctx.Done():
				return skipped, ctx.Err()
			default:
			}

			// Cheap since filter on file mtime; the reconciler makes
			// re-emitting old files harmless anyway.
			if !since.IsZero() {
				if info, err := os.Stat(file); err == nil && info.ModTime().Before(since) {
					continue
				}
			}

			n, err := c.scanFile(file, emit)
			skipped += n
			if err != nil {
				return skipped, err
			}
		}
	}

	return skipped, nil
}

// scanFile stream-parses one file line by line.
func (c *Collector) scanFile(path string, emit collector.EmitFunc) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		c.logger.Warn("cannot open jsonl file, skipping",
			zap.String("file", path), zap.Error(err))
		return 1, nil
	}
	defer func() { _ = f.Close() }()

	skipped := 0
	var thread []collector.RawMessage
	threadID := ""
	project := ""

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			c.logger.Warn("corrupt jsonl line, skipping",
				zap.String("file", path), zap.Int("line", lineNum), zap.Error(err))
			skipped++
			continue
		}

		// History shape: standalone single-message record per line.
		if display, ok := entry["display"].(string); ok {
			if display == "" {
				skipped++
				continue
			}
			rec := historyRecord(c.source, entry, display)
			if err := emit(rec); err != nil {
				return skipped, err
			}
			continue
		}

		// Thread shape: accumulate lines into one conversation.
		msg, ok := threadMessage(entry)
		if !ok {
			skipped++
			continue
		}
		thread = append(thread, msg)
		if threadID == "" {
			if sid, ok := entry["sessionId"].(string); ok {
				threadID = sid
			}
		}
		if project == "" {
			if cwd, ok := entry["cwd"].(string); ok {
				project = filepath.Base(cwd)
			}
		}
	}
	if err := sc.Err(); err != nil {
		c.logger.Warn("jsonl read aborted, partial file scanned",
			zap.String("file", path), zap.Error(err))
		skipped++
	}

	if len(thread) > 0 {
		if threadID == "" {
			// Session file without ids: the file name is the thread key.
			threadID = strings.TrimSuffix(filepath.Base(path), ".jsonl")
		}
		rec := &collector.RawRecord{
			Source:   c.source,
			NativeID: threadID,
			Project:  project,
			Messages: thread,
			Fields:   map[string]interface{}{"source_type": "jsonl-thread", "file": path},
		}
		if err := emit(rec); err != nil {
			return skipped, err
		}
	}

	return skipped, nil
}

// historyRecord builds a single-message record from a history line.
func historyRecord(source core.Source, entry map[string]interface{}, display string) *collector.RawRecord {
	project := ""
	if p, ok := entry["project"].(string); ok && p != "" {
		project = filepath.Base(p)
	}
	return &collector.RawRecord{
		Source:  source,
		Project: project,
		Messages: []collector.RawMessage{{
			Role:      "user",
			Content:   display,
			Timestamp: entry["timestamp"],
		}},
		Fields: map[string]interface{}{"source_type": "jsonl-history"},
	}
}

// threadMessage extracts a message from a thread-shaped line.
// Lines without a usable role/content pair (summaries, tool results)
// are not messages.
func threadMessage(entry map[string]interface{}) (collector.RawMessage, bool) {
	role, _ := entry["type"].(string)
	content := ""
	if inner, ok := entry["message"].(map[string]interface{}); ok {
		if r, ok := inner["role"].(string); ok && r != "" {
			role = r
		}
		content = flattenContent(inner["content"])
	}
	if content == "" {
		content = flattenContent(entry["content"])
	}
	if role == "" || content == "" {
		return collector.RawMessage{}, false
	}

	msg := collector.RawMessage{
		Role:      role,
		Content:   content,
		Timestamp: entry["timestamp"],
	}
	if id, ok := entry["uuid"].(string); ok {
		msg.LocalID = id
	}
	if pid, ok := entry["parentUuid"].(string); ok {
		msg.ParentID = pid
	}
	return msg, true
}

// flattenContent renders the assistant content field, which is either a
// plain string or a list of typed blocks, as text.
func flattenContent(v interface{}) string {
	switch content := v.(type) {
	case string:
		return content
	case []interface{}:
		var parts []string
		for _, block := range content {
			m, ok := block.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok && text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

// findJSONLFiles returns every *.jsonl file under root, walking
// subdirectories (session files live one directory per project).
func findJSONLFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// Permission denied on a subtree is recoverable.
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(path, ".jsonl") {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
