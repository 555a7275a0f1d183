// Package core provides the main MindBase client and the canonical
// conversation/memory data model that every source normalizes into.
package core

import (
	"strings"
	"time"
)

// Role identifies who produced a message.
//
// Every source-specific sender label ("human", "ai", "completion", ...)
// is mapped onto one of these three values by the normalizer.
type Role string

const (
	// RoleUser is a message written by the human user.
	RoleUser Role = "user"

	// RoleAssistant is a message produced by the AI assistant.
	RoleAssistant Role = "assistant"

	// RoleSystem is an instruction or context message.
	RoleSystem Role = "system"
)

// Source identifies the originating application of a conversation.
type Source string

const (
	// SourceClaudeDesktop is the Claude desktop client (key-value session logs).
	SourceClaudeDesktop Source = "claude-desktop"

	// SourceClaudeCode is the Claude Code CLI (line-delimited JSON session files).
	SourceClaudeCode Source = "claude-code"

	// SourceChatGPT is the ChatGPT desktop client.
	SourceChatGPT Source = "chatgpt"

	// SourceCursor is the Cursor IDE (state.vscdb snapshot databases).
	SourceCursor Source = "cursor"

	// SourceWindsurf is the Windsurf IDE (workspace storage snapshots).
	SourceWindsurf Source = "windsurf"
)

// Message is a single message inside a conversation.
//
// Messages are created once by a source adapter at scan time and never
// mutated after normalization; they are owned exclusively by their parent
// Conversation.
type Message struct {
	// Role is the canonical sender role.
	Role Role `json:"role"`

	// Content is the message text.
	Content string `json:"content"`

	// Timestamp is when the message was produced, always UTC.
	Timestamp time.Time `json:"timestamp"`

	// LocalID is the source-native message identifier, if any.
	LocalID string `json:"local_id,omitempty"`

	// ParentID is the source-native threading parent, if any.
	ParentID string `json:"parent_id,omitempty"`

	// Metadata carries source-specific fields that survived redaction.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Conversation is the canonical conversation entity.
//
// The ID is a pure function of (Source, native thread id): re-scanning the
// same origin data always reproduces the same ID, which is the basis for
// deduplication. A persisted Conversation always has at least one message;
// empty scans are discarded before reaching the reconciler.
type Conversation struct {
	// ID is the stable derived identifier ("conv_" + 16 hex chars).
	ID string `json:"id"`

	// Source is the originating application.
	Source Source `json:"source"`

	// Title is a short human-readable summary, derived from the source
	// title or the first user message.
	Title string `json:"title"`

	// Messages is the ordered message sequence, ascending by timestamp.
	Messages []Message `json:"messages"`

	// CreatedAt is the timestamp of the earliest message (UTC).
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the timestamp of the latest message observed (UTC).
	UpdatedAt time.Time `json:"updated_at"`

	// ThreadID is the source-native grouping key, if the source has one.
	ThreadID string `json:"thread_id,omitempty"`

	// Project is the workspace or project the conversation belongs to.
	Project string `json:"project,omitempty"`

	// Tags are free-form labels.
	Tags []string `json:"tags,omitempty"`

	// Metadata carries open source-specific fields.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// MessageCount returns the number of messages.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// WordCount returns the total word count across all messages.
func (c *Conversation) WordCount() int {
	total := 0
	for _, m := range c.Messages {
		total += len(strings.Fields(m.Content))
	}
	return total
}

// Category classifies a memory.
type Category string

const (
	CategoryArchitecture Category = "architecture"
	CategoryDecision     Category = "decision"
	CategoryPattern      Category = "pattern"
	CategoryGuide        Category = "guide"
	CategoryOnboarding   Category = "onboarding"
	CategoryNote         Category = "note"
)

// Memory is the hybrid-storage entity: a named markdown document stored
// both as a file (the source of truth for content) and as an indexed row
// with an optional embedding (a derived cache, re-derivable from the file).
//
// A (Name, Project) pair is unique; writing again replaces both
// representations. An empty Project means the "global" scope.
type Memory struct {
	// Name is the memory name, unique within its project scope.
	Name string `json:"name"`

	// Content is the markdown body.
	Content string `json:"content"`

	// Category classifies the memory.
	Category Category `json:"category"`

	// Project scopes the memory; empty means global.
	Project string `json:"project,omitempty"`

	// Tags are free-form labels.
	Tags []string `json:"tags,omitempty"`

	// Embedding is the vector representation, nil until the embedding
	// pipeline has processed the row. Rows with a nil embedding are
	// excluded from similarity search, not scored as zero.
	Embedding []float64 `json:"embedding,omitempty"`

	// CreatedAt is when the memory was first written (UTC).
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the memory was last written (UTC).
	UpdatedAt time.Time `json:"updated_at"`
}

// MemoryKey identifies one memory across both representations.
type MemoryKey struct {
	// Name is the memory name.
	Name string `json:"name"`

	// Project scopes the memory; empty means global.
	Project string `json:"project,omitempty"`
}

// StoreResult is returned by the conversation store operation.
type StoreResult struct {
	// ID is the stable conversation id.
	ID string `json:"id"`

	// CreatedAt is the persisted creation instant.
	CreatedAt time.Time `json:"created_at"`

	// EmbeddingGenerated reports whether the embedding was attached before
	// the acknowledgment. Embedding generation is asynchronous, so this is
	// false unless the row was embedded by an earlier run.
	EmbeddingGenerated bool `json:"embedding_generated"`
}

// ConversationHit is one ranked conversation search result.
type ConversationHit struct {
	// ID is the conversation id.
	ID string `json:"id"`

	// Title is the conversation title.
	Title string `json:"title"`

	// Source is the originating application.
	Source Source `json:"source"`

	// Similarity is the cosine similarity to the query, in [0, 1].
	Similarity float64 `json:"similarity"`

	// CreatedAt is the conversation creation instant.
	CreatedAt time.Time `json:"created_at"`

	// ContentPreview is the first part of the flattened content.
	ContentPreview string `json:"content_preview"`
}

// MemoryHit is one ranked memory search result.
type MemoryHit struct {
	// Memory is the matching memory, without its embedding.
	Memory *Memory `json:"memory"`

	// Similarity is the cosine similarity to the query, in [0, 1].
	Similarity float64 `json:"similarity"`
}

// ScanStats summarizes one collection run.
type ScanStats struct {
	// Conversations is the number of normalized conversations that reached
	// the reconciler.
	Conversations int `json:"conversations"`

	// Messages is the total message count across those conversations.
	Messages int `json:"messages"`

	// Inserted, Updated and Unchanged count the reconciler decisions.
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`

	// Skipped counts malformed or empty records dropped along the way.
	Skipped int `json:"skipped"`
}
