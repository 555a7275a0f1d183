package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mindbase/mindbase-go/pkg/core"
	"github.com/mindbase/mindbase-go/pkg/index"
)

// previewMaxLen caps the content preview attached to search hits.
const previewMaxLen = 200

// ConversationToRecord converts a canonical conversation into its
// indexed row. The message sequence is serialized so the row round-trips
// through the reconciler.
func ConversationToRecord(conv *core.Conversation) (*index.ConversationRecord, error) {
	messages, err := json.Marshal(conv.Messages)
	if err != nil {
		return nil, fmt.Errorf("ConversationToRecord: %w", err)
	}
	return &index.ConversationRecord{
		ID:           conv.ID,
		Source:       string(conv.Source),
		Title:        conv.Title,
		Content:      flattenMessages(conv.Messages),
		MessagesJSON: string(messages),
		Project:      conv.Project,
		Tags:         conv.Tags,
		Metadata:     conv.Metadata,
		MessageCount: len(conv.Messages),
		CreatedAt:    conv.CreatedAt.UTC(),
		UpdatedAt:    conv.UpdatedAt.UTC(),
	}, nil
}

// RecordToConversation converts an indexed row back into the canonical
// model.
func RecordToConversation(rec *index.ConversationRecord) (*core.Conversation, error) {
	var messages []core.Message
	if rec.MessagesJSON != "" {
		if err := json.Unmarshal([]byte(rec.MessagesJSON), &messages); err != nil {
			return nil, fmt.Errorf("RecordToConversation: %w", err)
		}
	}
	return &core.Conversation{
		ID:        rec.ID,
		Source:    core.Source(rec.Source),
		Title:     rec.Title,
		Messages:  messages,
		Project:   rec.Project,
		Tags:      rec.Tags,
		Metadata:  rec.Metadata,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

// MemoryToRecord converts a memory into its indexed row. The row id is
// assigned by the coordinator on first insert.
func MemoryToRecord(mem *core.Memory) *index.MemoryRecord {
	return &index.MemoryRecord{
		Name:      mem.Name,
		Project:   mem.Project,
		Content:   mem.Content,
		Category:  string(mem.Category),
		Tags:      mem.Tags,
		Embedding: mem.Embedding,
		CreatedAt: mem.CreatedAt.UTC(),
		UpdatedAt: mem.UpdatedAt.UTC(),
	}
}

// RecordToMemory converts an indexed row back into the canonical model.
func RecordToMemory(rec *index.MemoryRecord) *core.Memory {
	return &core.Memory{
		Name:      rec.Name,
		Project:   rec.Project,
		Content:   rec.Content,
		Category:  core.Category(rec.Category),
		Tags:      rec.Tags,
		Embedding: rec.Embedding,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// RecordToHit converts a scored conversation row into a search hit.
func RecordToHit(rec *index.ConversationRecord) core.ConversationHit {
	return core.ConversationHit{
		ID:             rec.ID,
		Title:          rec.Title,
		Source:         core.Source(rec.Source),
		Similarity:     rec.Score,
		CreatedAt:      rec.CreatedAt,
		ContentPreview: preview(rec.Content),
	}
}

// flattenMessages renders the message sequence as the text used for
// embedding and previews.
func flattenMessages(messages []core.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewMaxLen {
		return content
	}
	return string(runes[:previewMaxLen]) + "..."
}
