// Package postgres provides the PostgreSQL implementation of the
// indexed store, with similarity search pushed into the database via the
// pgvector extension.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"

	"github.com/mindbase/mindbase-go/pkg/index"
)

// DefaultDimensions matches the OpenAI text-embedding-3-small model.
const DefaultDimensions = 1536

// Client implements index.Index using PostgreSQL with pgvector.
type Client struct {
	db         *sql.DB
	dimensions int
}

// Config contains configuration for creating a PostgreSQL index client.
type Config struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// Dimensions is the vector column width. Defaults to
	// DefaultDimensions; must match the embedding provider.
	Dimensions int
}

// NewClient creates a new PostgreSQL index client and initializes the
// schema, including the pgvector extension.
func NewClient(cfg *Config) (*Client, error) {
	dimensions := cfg.Dimensions
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	client := &Client{db: db, dimensions: dimensions}
	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Client) initTables(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			messages TEXT NOT NULL,
			project TEXT NOT NULL DEFAULT '',
			tags JSONB,
			metadata JSONB,
			message_count INTEGER NOT NULL DEFAULT 0,
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, c.dimensions),
		`CREATE INDEX IF NOT EXISTS idx_conversations_source ON conversations(source)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_project ON conversations(project)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			project TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT 'note',
			tags JSONB,
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE(name, project)
		)`, c.dimensions),
		`CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}
	return nil
}

// UpsertConversation inserts or replaces a conversation row by id. The
// embedding survives the upsert only when the content is unchanged.
func (c *Client) UpsertConversation(ctx context.Context, rec *index.ConversationRecord) error {
	tags, metadata, err := marshalAux(rec.Tags, rec.Metadata)
	if err != nil {
		return fmt.Errorf("UpsertConversation: %w", err)
	}

	query := `
		INSERT INTO conversations
			(id, source, title, content, messages, project, tags, metadata,
			 message_count, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, CAST($10 AS vector), $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			messages = EXCLUDED.messages,
			project = EXCLUDED.project,
			tags = EXCLUDED.tags,
			metadata = EXCLUDED.metadata,
			message_count = EXCLUDED.message_count,
			embedding = CASE
				WHEN conversations.content = EXCLUDED.content THEN conversations.embedding
				ELSE EXCLUDED.embedding
			END,
			updated_at = EXCLUDED.updated_at
	`
	_, err = c.db.ExecContext(ctx, query,
		rec.ID, rec.Source, rec.Title, rec.Content, rec.MessagesJSON,
		rec.Project, tags, metadata, rec.MessageCount, vectorParam(rec.Embedding),
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
		       message_count, CAST(embedding AS text), created_at, updated_at
		FROM conversations WHERE id = $1
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

// SearchConversations ranks conversation rows by cosine similarity,
// computed in the database via the pgvector distance operator.
func (c *Client) SearchConversations(ctx context.Context, embedding []float64, opts *index.SearchOptions) ([]*index.ConversationRecord, error) {
	if opts == nil {
		opts = &index.SearchOptions{}
	}

	args := []interface{}{vectorLiteral(embedding)}
	where := "WHERE embedding IS NOT NULL"
	if opts.Source != "" {
		args = append(args, opts.Source)
		where += fmt.Sprintf(" AND source = $%d", len(args))
	}
	if opts.Project != "" {
		args = append(args, opts.Project)
		where += fmt.Sprintf(" AND project = $%d", len(args))
	}
	if !opts.DateFrom.IsZero() {
		args = append(args, opts.DateFrom.UTC())
		where += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !opts.DateTo.IsZero() {
		args = append(args, opts.DateTo.UTC())
		where += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	args = append(args, opts.Threshold)
	having := fmt.Sprintf(" AND 1 - (embedding <=> CAST($1 AS vector)) >= $%d", len(args))

	limit := ""
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		limit = fmt.Sprintf(" LIMIT $%d", len(args))
	}

	query := fmt.Sprintf(`
		SELECT id, source, title, content, messages, project, tags, metadata,
		       message_count, CAST(embedding AS text), created_at, updated_at,
		       1 - (embedding <=> CAST($1 AS vector)) AS score
		FROM conversations %s%s
		ORDER BY score DESC, updated_at DESC%s
	`, where, having, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("SearchConversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []*index.ConversationRecord
	for rows.Next() {
		rec, err := scanConversationWithScore(rows)
		if err != nil {
			return nil, fmt.Errorf("SearchConversations: %w", err)
		}
		hits = append(hits, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SearchConversations: %w", err)
	}
	return hits, nil
}

// UpsertMemory inserts or replaces a memory row by (name, project).
func (c *Client) UpsertMemory(ctx context.Context, rec *index.MemoryRecord) error {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("UpsertMemory: %w", err)
	}

	query := `
		INSERT INTO memories
			(id, name, project, content, category, tags, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, CAST($7 AS vector), $8, $9)
		ON CONFLICT (name, project) DO UPDATE SET
			content = EXCLUDED.content,
			category = EXCLUDED.category,
			tags = EXCLUDED.tags,
			embedding = CASE
				WHEN memories.content = EXCLUDED.content THEN memories.embedding
				ELSE EXCLUDED.embedding
			END,
			updated_at = EXCLUDED.updated_at
	`
	_, err = c.db.ExecContext(ctx, query,
		rec.ID, rec.Name, rec.Project, rec.Content, rec.Category,
		string(tags), vectorParam(rec.Embedding),
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("UpsertMemory: %w", err)
	}
	return nil
}

// GetMemory retrieves a memory row by key, (nil, nil) when absent.
func (c *Client) GetMemory(ctx context.Context, name, project string) (*index.MemoryRecord, error) {
	query := `
		SELECT id, name, project, content, category, tags,
		       CAST(embedding AS text), created_at, updated_at
		FROM memories WHERE name = $1 AND project = $2
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

	where := "WHERE TRUE"
	var args []interface{}
	if opts.Project != "" {
		args = append(args, opts.Project)
		where += fmt.Sprintf(" AND project = $%d", len(args))
	}
	if opts.Category != "" {
		args = append(args, opts.Category)
		where += fmt.Sprintf(" AND category = $%d", len(args))
	}
	for _, tag := range opts.Tags {
		args = append(args, fmt.Sprintf(`["%s"]`, strings.ReplaceAll(tag, `"`, `\"`)))
		where += fmt.Sprintf(" AND tags @> $%d::jsonb", len(args))
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
		var tags sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Project, &rec.Content,
			&rec.Category, &tags, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListMemories: %w", err)
		}
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &rec.Tags); err != nil {
				return nil, fmt.Errorf("ListMemories: parse tags: %w", err)
			}
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListMemories: %w", err)
	}
	return out, nil
}

// SearchMemories ranks memory rows by cosine similarity, computed in the
// database. Rows with a NULL embedding are excluded.
func (c *Client) SearchMemories(ctx context.Context, embedding []float64, opts *index.SearchOptions) ([]*index.MemoryRecord, error) {
	if opts == nil {
		opts = &index.SearchOptions{}
	}

	args := []interface{}{vectorLiteral(embedding)}
	where := "WHERE embedding IS NOT NULL"
	if opts.Project != "" {
		args = append(args, opts.Project)
		where += fmt.Sprintf(" AND project = $%d", len(args))
	}
	if opts.Category != "" {
		args = append(args, opts.Category)
		where += fmt.Sprintf(" AND category = $%d", len(args))
	}
	args = append(args, opts.Threshold)
	having := fmt.Sprintf(" AND 1 - (embedding <=> CAST($1 AS vector)) >= $%d", len(args))

	limit := ""
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		limit = fmt.Sprintf(" LIMIT $%d", len(args))
	}

	query := fmt.Sprintf(`
		SELECT id, name, project, content, category, tags,
		       CAST(embedding AS text), created_at, updated_at,
		       1 - (embedding <=> CAST($1 AS vector)) AS score
		FROM memories %s%s
		ORDER BY score DESC, updated_at DESC%s
	`, where, having, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("SearchMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []*index.MemoryRecord
	for rows.Next() {
		rec, err := scanMemoryWithScore(rows)
		if err != nil {
			return nil, fmt.Errorf("SearchMemories: %w", err)
		}
		hits = append(hits, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SearchMemories: %w", err)
	}
	return hits, nil
}

// DeleteMemory removes a memory row. Absent rows are not an error.
func (c *Client) DeleteMemory(ctx context.Context, name, project string) error {
	_, err := c.db.ExecContext(ctx,
		"DELETE FROM memories WHERE name = $1 AND project = $2", name, project)
	if err != nil {
		return fmt.Errorf("DeleteMemory: %w", err)
	}
	return nil
}

// SetConversationEmbedding attaches an embedding to a conversation row.
func (c *Client) SetConversationEmbedding(ctx context.Context, id string, embedding []float64) error {
	res, err := c.db.ExecContext(ctx,
		"UPDATE conversations SET embedding = CAST($1 AS vector) WHERE id = $2",
		vectorLiteral(embedding), id)
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
	res, err := c.db.ExecContext(ctx,
		"UPDATE memories SET embedding = CAST($1 AS vector) WHERE name = $2 AND project = $3",
		vectorLiteral(embedding), name, project)
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
		ORDER BY updated_at ASC LIMIT $1
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
		ORDER BY updated_at ASC LIMIT $1
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

// vectorLiteral serializes a vector in pgvector input syntax.
func vectorLiteral(embedding []float64) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// vectorParam is vectorLiteral with NULL for a nil vector.
func vectorParam(embedding []float64) interface{} {
	if embedding == nil {
		return nil
	}
	return vectorLiteral(embedding)
}

// parseVector parses the text form of a pgvector value.
func parseVector(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("parse vector: %w", err)
		}
		out[i] = v
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(s scanner) (*index.ConversationRecord, error) {
	return scanConversationInto(s, false)
}

func scanConversationWithScore(s scanner) (*index.ConversationRecord, error) {
	return scanConversationInto(s, true)
}

func scanConversationInto(s scanner, withScore bool) (*index.ConversationRecord, error) {
	var rec index.ConversationRecord
	var tags, metadata, embedding sql.NullString

	dest := []interface{}{
		&rec.ID, &rec.Source, &rec.Title, &rec.Content, &rec.MessagesJSON,
		&rec.Project, &tags, &metadata, &rec.MessageCount, &embedding,
		&rec.CreatedAt, &rec.UpdatedAt,
	}
	if withScore {
		dest = append(dest, &rec.Score)
	}
	if err := s.Scan(dest...); err != nil {
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
	if embedding.Valid {
		vec, err := parseVector(embedding.String)
		if err != nil {
			return nil, err
		}
		rec.Embedding = vec
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func scanMemory(s scanner) (*index.MemoryRecord, error) {
	return scanMemoryInto(s, false)
}

func scanMemoryWithScore(s scanner) (*index.MemoryRecord, error) {
	return scanMemoryInto(s, true)
}

func scanMemoryInto(s scanner, withScore bool) (*index.MemoryRecord, error) {
	var rec index.MemoryRecord
	var tags, embedding sql.NullString

	dest := []interface{}{
		&rec.ID, &rec.Name, &rec.Project, &rec.Content, &rec.Category,
		&tags, &embedding, &rec.CreatedAt, &rec.UpdatedAt,
	}
	if withScore {
		dest = append(dest, &rec.Score)
	}
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}

	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &rec.Tags); err != nil {
			return nil, fmt.Errorf("parse tags: %w", err)
		}
	}
	if embedding.Valid {
		vec, err := parseVector(embedding.String)
		if err != nil {
			return nil, err
		}
		rec.Embedding = vec
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
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
