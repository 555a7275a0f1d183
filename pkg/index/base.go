// Package index provides interfaces and types for the indexed store.
//
// The indexed store is the queryable representation: it supports
// upsert-by-key, similarity search over a vector column, and equality
// filters on metadata columns. For memories it is a derived cache of the
// file store, never the source of truth; only the dual-write coordinator
// and the backfill sweep may write its content and embedding columns.
package index

import (
	"context"
	"time"
)

// ConversationRecord is a conversation row in the indexed store.
//
// Conversations have no file representation, so unlike memories the
// indexed row carries the full message payload and is authoritative.
type ConversationRecord struct {
	// ID is the stable conversation id.
	ID string

	// Source is the originating application.
	Source string

	// Title is the conversation title.
	Title string

	// Content is the flattened message text used for embedding and
	// previews.
	Content string

	// MessagesJSON is the canonical message sequence, serialized, so the
	// record round-trips for the reconciler.
	MessagesJSON string

	// Project is the workspace the conversation belongs to.
	Project string

	// Tags are free-form labels.
	Tags []string

	// Metadata contains open source-specific fields.
	Metadata map[string]interface{}

	// MessageCount is the number of messages.
	MessageCount int

	// Embedding is the vector representation; nil until embedded.
	Embedding []float64

	// CreatedAt is the conversation creation instant.
	CreatedAt time.Time

	// UpdatedAt is the last merge instant.
	UpdatedAt time.Time

	// Score is the similarity score from search operations.
	Score float64
}

// MemoryRecord is a memory row in the indexed store.
type MemoryRecord struct {
	// ID is the index-internal row id.
	ID int64

	// Name is the memory name, unique within Project.
	Name string

	// Project scopes the memory; empty means global.
	Project string

	// Content mirrors the markdown file body.
	Content string

	// Category classifies the memory.
	Category string

	// Tags are free-form labels.
	Tags []string

	// Embedding is the vector representation; nil until embedded.
	Embedding []float64

	// CreatedAt is when the memory was first written.
	CreatedAt time.Time

	// UpdatedAt is when the memory was last written.
	UpdatedAt time.Time

	// Score is the similarity score from search operations.
	Score float64
}

// MemoryKey identifies one memory row.
type MemoryKey struct {
	Name    string
	Project string
}

// PendingKind distinguishes rows awaiting embedding.
type PendingKind string

const (
	// PendingConversation is a conversation row with a null embedding.
	PendingConversation PendingKind = "conversation"

	// PendingMemory is a memory row with a null embedding.
	PendingMemory PendingKind = "memory"
)

// Pending is one row awaiting embedding backfill.
type Pending struct {
	// Kind says which table the row lives in.
	Kind PendingKind

	// ConversationID is set for conversation rows.
	ConversationID string

	// Memory is set for memory rows.
	Memory MemoryKey

	// Content is the text to embed.
	Content string
}

// SearchOptions contains options for similarity search.
type SearchOptions struct {
	// Limit caps the number of results. Zero means no cap.
	Limit int

	// Threshold is the minimum similarity score, in [0, 1]. Rows below
	// it are filtered out; rows with a null embedding are excluded from
	// search entirely, not scored as zero.
	Threshold float64

	// Source filters conversations by originating application.
	Source string

	// Project filters by project scope.
	Project string

	// Category filters memories by category.
	Category string

	// DateFrom / DateTo bound conversations by creation instant.
	DateFrom time.Time
	DateTo   time.Time
}

// ListOptions contains options for memory listing.
type ListOptions struct {
	// Project filters by project scope.
	Project string

	// Category filters by category.
	Category string

	// Tags filters to memories carrying every listed tag.
	Tags []string
}

// Index defines the interface for indexed-store backends.
//
// Get methods express absence as (nil, nil); only infrastructure
// failures return a non-nil error.
type Index interface {
	// UpsertConversation inserts or replaces a conversation row by id.
	// A replace keeps an existing embedding only when the content is
	// unchanged; changed content resets the embedding to null so the
	// backfill re-derives it.
	UpsertConversation(ctx context.Context, rec *ConversationRecord) error

	// GetConversation retrieves a conversation row by id.
	GetConversation(ctx context.Context, id string) (*ConversationRecord, error)

	// SearchConversations ranks conversation rows by cosine similarity
	// to the query embedding, filtered and thresholded per opts. Results
	// are sorted by similarity descending, ties broken by most recent
	// update.
	SearchConversations(ctx context.Context, embedding []float64, opts *SearchOptions) ([]*ConversationRecord, error)

	// UpsertMemory inserts or replaces a memory row by (name, project).
	// The same embedding-reset rule as UpsertConversation applies.
	UpsertMemory(ctx context.Context, rec *MemoryRecord) error

	// GetMemory retrieves a memory row by (name, project).
	GetMemory(ctx context.Context, name, project string) (*MemoryRecord, error)

	// ListMemories returns memory rows matching the filters, embeddings
	// omitted, most recently updated first.
	ListMemories(ctx context.Context, opts *ListOptions) ([]*MemoryRecord, error)

	// SearchMemories ranks memory rows by cosine similarity to the query
	// embedding. Rows with a null embedding are excluded.
	SearchMemories(ctx context.Context, embedding []float64, opts *SearchOptions) ([]*MemoryRecord, error)

	// DeleteMemory removes a memory row. Deleting an absent row is not
	// an error.
	DeleteMemory(ctx context.Context, name, project string) error

	// SetConversationEmbedding attaches an embedding to a conversation row.
	SetConversationEmbedding(ctx context.Context, id string, embedding []float64) error

	// SetMemoryEmbedding attaches an embedding to a memory row.
	SetMemoryEmbedding(ctx context.Context, name, project string, embedding []float64) error

	// PendingEmbeddings returns up to limit rows with a null embedding,
	// oldest first. There is no retry-age cutoff: old un-embedded rows
	// remain eligible indefinitely.
	PendingEmbeddings(ctx context.Context, limit int) ([]*Pending, error)

	// ListMemoryKeys returns the key of every memory row, for
	// file/index divergence detection.
	ListMemoryKeys(ctx context.Context) ([]MemoryKey, error)

	// Close closes the store and releases resources.
	Close() error
}
