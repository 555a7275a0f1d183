// Package sqlite provides the SQLite implementation of the indexed store.
//
// SQLite is the default backend: file-based, no server, suitable for the
// single-user desktop deployments this system targets. Vectors are
// stored as JSON strings in nullable TEXT fields and similarity search
// uses in-memory cosine calculation over the filtered rows.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mindbase/mindbase-go/pkg/index"
)

// Client implements index.Index using SQLite as the backend.
type Client struct {
	db *sql.DB
}

// Config contains configuration for creating a SQLite index client.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string
}

// NewClient creates a new SQLite index client and initializes the schema.
func NewClient(cfg *Config) (*Client, error) {
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewSQLiteClient: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	client := &Client{db: db}
	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}
	return client, nil
}

// initTables initializes the database schema.
func (c *Client) initTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			messages TEXT NOT NULL,
			project TEXT NOT NULL DEFAULT '',
			tags TEXT,
			metadata TEXT,
			message_count INTEGER NOT NULL DEFAULT 0,
			embedding TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_source ON conversations(source)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_project ON conversations(project)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			project TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT 'note',
			tags TEXT,
			embedding TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(name, project)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project)`,
	}

	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}
	return nil
}

// UpsertConversation inserts or replaces a conversation row by id.
//
// The embedding column survives the upsert only when the content is
// unchanged; changed content resets it to NULL so the backfill sweep
// re-derives the vector.
func (c *Client) UpsertConversation(ctx context.Context, rec *index.ConversationRecord) error {
	embedding, err := marshalEmbedding(rec.Embedding)
	if err != nil {
		return fmt.Errorf("UpsertConversation: %w", err)
	}
	tags, metadata, err := marshalAux(rec.Tags, rec.Metadata)
	if err != nil {
		return fmt.Errorf("UpsertConversation: %w", err)
	}

	query := `
		INSERT INTO conversations
			(id, source, title, content, messages, project, tags, metadata,
			 message_count, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			messages = excluded.messages,
			project = excluded.project,
			tags = excluded.tags,
			metadata = excluded.metadata,
			message_count = excluded.message_count,
			embedding = CASE
				WHEN conversations.content = excluded.content THEN conversations.embedding
				ELSE excluded.embedding
			END,
			updated_at = excluded.updated_at
	`
	_, err = c.db.ExecContext(ctx, query,
		rec.ID, rec.Source, rec.Title, rec.Content, rec.MessagesJSON,
		rec.Project, tags, metadata, rec.MessageCount, embedding,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("UpsertConversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation row by id, (nil, nil) when absent.
func (c *Client) GetConversation(ctx context.Context, id string) (*index.ConversationRecord, error) {
	query := `
		SELECT id, source, title, content, messages, project, tags, metadata,
		       message_count, embedding, created_at, updated_at
		FROM conversations WHERE id = ?
	`
	rec, err := scanConversation(c.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetConversation: %w", err)
	}
	return rec, nil
}

// SearchConversations ranks conversation rows by cosine similarity.
//
// SQLite has no native vector operations, so rows are filtered in SQL
// and scored in memory. Rows with a NULL embedding never enter the
// candidate set.
func (c *Client) SearchConversations(ctx context.Context, embedding []float64, opts *index.SearchOptions) ([]*index.ConversationRecord, error) {
	if opts == nil {
		opts = &index.SearchOptions{}
	}

	where := "WHERE embedding IS NOT NULL"
	var args []interface{}
	if opts.Source != "" {
		where += " AND source = ?"
		args = append(args, opts.Source)
	}
	if opts.Project != "" {
		where += " AND project = ?"
		args = append(args, opts.Project)
	}
	if !opts.DateFrom.IsZero() {
		where += " AND created_at >= ?"
		args = append(args, opts.DateFrom.UTC())
	}
	if !opts.DateTo.IsZero() {
		where += " AND created_at <= ?"
		args = append(args, opts.DateTo.UTC())
	}

	query := fmt.Sprintf(`
		SELECT id, source, title, content, messages, project, tags, metadata,
		       message_count, embedding, created_at, updated_at
		FROM conversations %s
	`, where)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("SearchConversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []*index.ConversationRecord
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("SearchConversations: %w", err)
		}
		score := cosineSimilarity(embedding, rec.Embedding)
		if score >= opts.Threshold {
			rec.Score = score
			hits = append(hits, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SearchConversations: %w", err)
	}

	sortConversationsByScore(hits)
	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}

// UpsertMemory inserts or replaces a memory row by (name, project).
func (c *Client) UpsertMemory(ctx context.Context, rec *index.MemoryRecord) error {
	embedding, err := marshalEmbedding(rec.Embedding)
	if err != nil {
		return fmt.Errorf("UpsertMemory: %w", err)
	}
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("UpsertMemory: %w", err)
	}

	query := `
		INSERT INTO memories
			(id, name, project, content, category, tags, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, project) DO UPDATE SET
			content = excluded.content,
			category = excluded.category,
			tags = excluded.tags,
			embedding = CASE
				WHEN memories.content = excluded.content THEN memories.embedding
				ELSE excluded.embedding
			END,
			updated_at = excluded.updated_at
	`
	_, err = c.db.ExecContext(ctx, query,
		rec.ID, rec.Name, rec.Project, rec.Content, rec.Category,
		string(tags), embedding, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("UpsertMemory: %w", err)
	}
	return nil
}

// GetMemory retrieves a memory row by key, (nil, nil) when absent.
func (c *Client) GetMemory(ctx context.Context, name, project string) (*index.MemoryRecord, error) {
	query := `
		SELECT id, name, project, content, category, tags, embedding, created_at, updated_at
		FROM memories WHERE name = ? AND project = ?
	`
	rec, err := scanMemory(c.db.QueryRowContext(ctx, query, name, project))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetMemory: %w", err)
	}
	return rec, nil
}

// ListMemories returns memory rows matching the filters, most recently
// updated first. Embeddings are not loaded.
func (c *Client) ListMemories(ctx context.Context, opts *index.ListOptions) ([]*index.MemoryRecord, error) {
	if opts == nil {
		opts = &index.ListOptions{}
	}

	where := "WHERE 1=1"
	var args []interface{}
	if opts.Project != "" {
		where += " AND project = ?"
		args = append(args, opts.Project)
	}
	if opts.Category != "" {
		where += " AND category = ?"
		args = append(args, opts.Category)
	}

	query := fmt.Sprintf(`
		SELECT id, name, project, content, category, tags, created_at, updated_at
		FROM memories %s
		ORDER BY updated_at DESC
	`, where)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*index.MemoryRecord
	for rows.Next() {
		var rec index.MemoryRecord
		var tagsStr sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Project, &rec.Content,
			&rec.Category, &tagsStr, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListMemories: %w", err)
		}
		if tagsStr.Valid && tagsStr.String != "" {
			if err := json.Unmarshal([]byte(tagsStr.String), &rec.Tags); err != nil {
				return nil, fmt.Errorf("ListMemories: parse tags: %w", err)
			}
		}
		// Tag containment is filtered here; tags live in a JSON column.
		if !hasAllTags(rec.Tags, opts.Tags) {
			continue
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListMemories: %w", err)
	}
	return out, nil
}

// SearchMemories ranks memory rows by cosine similarity. Rows with a
// NULL embedding are excluded from the candidate set.
func (c *Client) SearchMemories(ctx context.Context, embedding []float64, opts *index.SearchOptions) ([]*index.MemoryRecord, error) {
	if opts == nil {
		opts = &index.SearchOptions{}
	}

	where := "WHERE embedding IS NOT NULL"
	var args []interface{}
	if opts.Project != "" {
		where += " AND project = ?"
		args = append(args, opts.Project)
	}
	if opts.Category != "" {
		where += " AND category = ?"
		args = append(args, opts.Category)
	}

	query := fmt.Sprintf(`
		SELECT id, name, project, content, category, tags, embedding, created_at, updated_at
		FROM memories %s
	`, where)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("SearchMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []*index.MemoryRecord
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("SearchMemories: %w", err)
		}
		score := cosineSimilarity(embedding, rec.Embedding)
		if score >= opts.Threshold {
			rec.Score = score
			hits = append(hits, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SearchMemories: %w", err)
	}

	sortMemoriesByScore(hits)
	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}

// DeleteMemory removes a memory row. Absent rows are not an error.
func (c *Client) DeleteMemory(ctx context.Context, name, project string) error {
	_, err := c.db.ExecContext(ctx,
		"DELETE FROM memories WHERE name = ? AND project = ?", name, project)
	if err != nil {
		return fmt.Errorf("DeleteMemory: %w", err)
	}
	return nil
}

// SetConversationEmbedding attaches an embedding to a conversation row.
func (c *Client) SetConversationEmbedding(ctx context.Context, id string, embedding []float64) error {
	data, err := marshalEmbedding(embedding)
	if err != nil {
		return fmt.Errorf("SetConversationEmbedding: %w", err)
	}
	res, err := c.db.ExecContext(ctx,
		"UPDATE conversations SET embedding = ? WHERE id = ?", data, id)
	if err != nil {
		return fmt.Errorf("SetConversationEmbedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("SetConversationEmbedding: conversation %s not found", id)
	}
	return nil
}

// SetMemoryEmbedding attaches an embedding to a memory row.
func (c *Client) SetMemoryEmbedding(ctx context.Context, name, project string, embedding []float64) error {
	data, err := marshalEmbedding(embedding)
	if err != nil {
		return fmt.Errorf("SetMemoryEmbedding: %w", err)
	}
	res, err := c.db.ExecContext(ctx,
		"UPDATE memories SET embedding = ? WHERE name = ? AND project = ?",
		data, name, project)
	if err != nil {
		return fmt.Errorf("SetMemoryEmbedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("SetMemoryEmbedding: memory %s/%s not found", project, name)
	}
	return nil
}

// PendingEmbeddings returns up to limit rows with a NULL embedding,
// oldest update first, conversations before memories.
func (c *Client) PendingEmbeddings(ctx context.Context, limit int) ([]*index.Pending, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*index.Pending

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, content FROM conversations
		WHERE embedding IS NULL
		ORDER BY updated_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("PendingEmbeddings: %w", err)
	}
	for rows.Next() {
		var p index.Pending
		p.Kind = index.PendingConversation
		if err := rows.Scan(&p.ConversationID, &p.Content); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("PendingEmbeddings: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("PendingEmbeddings: %w", err)
	}
	_ = rows.Close()

	remaining := limit - len(out)
	if remaining <= 0 {
		return out, nil
	}

	rows, err = c.db.QueryContext(ctx, `
		SELECT name, project, content FROM memories
		WHERE embedding IS NULL
		ORDER BY updated_at ASC LIMIT ?
	`, remaining)
	if err != nil {
		return nil, fmt.Errorf("PendingEmbeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var p index.Pending
		p.Kind = index.PendingMemory
		if err := rows.Scan(&p.Memory.Name, &p.Memory.Project, &p.Content); err != nil {
			return nil, fmt.Errorf("PendingEmbeddings: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("PendingEmbeddings: %w", err)
	}
	return out, nil
}

// ListMemoryKeys returns the key of every memory row.
func (c *Client) ListMemoryKeys(ctx context.Context) ([]index.MemoryKey, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT name, project FROM memories")
	if err != nil {
		return nil, fmt.Errorf("ListMemoryKeys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []index.MemoryKey
	for rows.Next() {
		var key index.MemoryKey
		if err := rows.Scan(&key.Name, &key.Project); err != nil {
			return nil, fmt.Errorf("ListMemoryKeys: %w", err)
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListMemoryKeys: %w", err)
	}
	return out, nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanConversation scans a conversation row.
func scanConversation(s scanner) (*index.ConversationRecord, error) {
	var rec index.ConversationRecord
	var tags, metadata, embedding sql.NullString

	err := s.Scan(&rec.ID, &rec.Source, &rec.Title, &rec.Content, &rec.MessagesJSON,
		&rec.Project, &tags, &metadata, &rec.MessageCount, &embedding,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &rec.Tags); err != nil {
			return nil, fmt.Errorf("parse tags: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &rec.Embedding); err != nil {
			return nil, fmt.Errorf("parse embedding: %w", err)
		}
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

// scanMemory scans a memory row including its embedding.
func scanMemory(s scanner) (*index.MemoryRecord, error) {
	var rec index.MemoryRecord
	var tags, embedding sql.NullString

	err := s.Scan(&rec.ID, &rec.Name, &rec.Project, &rec.Content, &rec.Category,
		&tags, &embedding, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &rec.Tags); err != nil {
			return nil, fmt.Errorf("parse tags: %w", err)
		}
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &rec.Embedding); err != nil {
			return nil, fmt.Errorf("parse embedding: %w", err)
		}
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

// marshalEmbedding serializes an embedding, NULL when nil.
func marshalEmbedding(embedding []float64) (interface{}, error) {
	if embedding == nil {
		return nil, nil
	}
	data, err := json.Marshal(embedding)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// marshalAux serializes the tag and metadata columns.
func marshalAux(tagList []string, metadata map[string]interface{}) (string, string, error) {
	tags, err := json.Marshal(tagList)
	if err != nil {
		return "", "", err
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", "", err
	}
	return string(tags), string(meta), nil
}

// hasAllTags reports whether have contains every tag in want.
func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
