// Package normalize converts raw source records into the canonical
// conversation model.
//
// All cross-source cleanup lives here, once: role mapping, timestamp
// resolution to UTC, stable id derivation, and redaction of sensitive
// fields. Adapters never redact; routing every record through this stage
// guarantees the policy is applied exactly once.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mindbase/mindbase-go/pkg/collector"
	"github.com/mindbase/mindbase-go/pkg/core"
)

// ErrEmptyRecord is returned when no messages survive normalization.
// The record is discarded rather than persisted as an empty shell.
var ErrEmptyRecord = fmt.Errorf("%w: no messages survived normalization", core.ErrMalformedRecord)

// DefaultSensitiveKeys are the field names whose values are redacted
// before a record leaves the normalizer.
var DefaultSensitiveKeys = []string{"password", "api_key", "apikey", "secret", "token", "credential"}

// roleMappings maps source-native sender labels onto the canonical roles.
var roleMappings = map[string]core.Role{
	"user": core.RoleUser, "human": core.RoleUser, "me": core.RoleUser,
	"question": core.RoleUser, "prompt": core.RoleUser, "input": core.RoleUser,

	"assistant": core.RoleAssistant, "ai": core.RoleAssistant, "bot": core.RoleAssistant,
	"claude": core.RoleAssistant, "chatgpt": core.RoleAssistant, "gpt": core.RoleAssistant,
	"cursor": core.RoleAssistant, "windsurf": core.RoleAssistant,
	"response": core.RoleAssistant, "completion": core.RoleAssistant, "output": core.RoleAssistant,

	"system": core.RoleSystem, "instruction": core.RoleSystem, "context": core.RoleSystem,
}

// timestampLayouts are tried in order for string timestamps. Layouts
// without an offset are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// titleMaxLen caps derived titles.
const titleMaxLen = 100

// Normalizer converts raw records into canonical conversations.
type Normalizer struct {
	sensitiveKeys []string
	contentRE     *regexp.Regexp
}

// Config contains configuration for creating a Normalizer.
type Config struct {
	// SensitiveKeys overrides the field names to redact.
	// Defaults to DefaultSensitiveKeys.
	SensitiveKeys []string
}

// New creates a new Normalizer.
func New(cfg *Config) *Normalizer {
	keys := cfg.SensitiveKeys
	if len(keys) == 0 {
		keys = DefaultSensitiveKeys
	}

	// Inline occurrences like `api_key=sk-...` or `password: hunter2`
	// inside message content are masked value-only.
	pattern := fmt.Sprintf(`(?i)\b(%s)\b(\s*[:=]\s*)(\S+)`, strings.Join(keys, "|"))

	return &Normalizer{
		sensitiveKeys: keys,
		contentRE:     regexp.MustCompile(pattern),
	}
}

// Normalize converts one raw record into a canonical Conversation.
//
// Returns ErrEmptyRecord when no messages survive validation and
// redaction; the caller discards the record.
func (n *Normalizer) Normalize(raw *collector.RawRecord, format collector.TimestampFormat) (*core.Conversation, error) {
	if raw == nil || raw.Source == "" {
		return nil, fmt.Errorf("%w: missing source", core.ErrMalformedRecord)
	}

	messages := make([]core.Message, 0, len(raw.Messages))
	for _, rm := range raw.Messages {
		role, ok := MapRole(rm.Role)
		if !ok {
			continue
		}
		content := strings.TrimSpace(n.redactContent(rm.Content))
		if content == "" {
			continue
		}
		messages = append(messages, core.Message{
			Role:      role,
			Content:   content,
			Timestamp: ResolveTimestamp(rm.Timestamp, format),
			LocalID:   rm.LocalID,
			ParentID:  rm.ParentID,
			Metadata:  n.redactMap(rm.Fields),
		})
	}
	if len(messages) == 0 {
		return nil, ErrEmptyRecord
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})

	conv := &core.Conversation{
		ID:        StableID(raw.Source, raw.NativeID, messages),
		Source:    raw.Source,
		Title:     deriveTitle(raw.Title, messages),
		Messages:  messages,
		CreatedAt: messages[0].Timestamp,
		UpdatedAt: messages[len(messages)-1].Timestamp,
		ThreadID:  raw.NativeID,
		Project:   raw.Project,
		Metadata:  n.redactMap(raw.Fields),
	}
	return conv, nil
}

// MapRole maps a source-native sender label onto a canonical role.
func MapRole(label string) (core.Role, bool) {
	role, ok := roleMappings[strings.ToLower(strings.TrimSpace(label))]
	return role, ok
}

// StableID derives the conversation id: "conv_" plus the first 16 hex
// characters of SHA-256 over source and native id. When the source has
// no native identifier, the earliest message's content and timestamp
// stand in, which is equally reproducible across runs.
func StableID(source core.Source, nativeID string, messages []core.Message) string {
	var seed string
	if nativeID != "" {
		seed = fmt.Sprintf("%s:%s", source, nativeID)
	} else {
		first := messages[0]
		seed = fmt.Sprintf("%s:%s:%d", source, first.Content, first.Timestamp.UnixNano())
	}
	sum := sha256.Sum256([]byte(seed))
	return "conv_" + hex.EncodeToString(sum[:])[:16]
}

// ResolveTimestamp converts a source-native timestamp value to UTC.
//
// Numbers follow the collector's declared convention (epoch seconds or
// milliseconds), with a magnitude guard for sources that mix the two.
// Strings are tried against the known layouts; offset-less layouts are
// interpreted as UTC. Unresolvable values map to the zero time, which
// sorts first and is visible rather than silently replaced by "now".
func ResolveTimestamp(v interface{}, format collector.TimestampFormat) time.Time {
	switch t := v.(type) {
	case nil:
		return time.Time{}
	case time.Time:
		return t.UTC()
	case float64:
		return epochToTime(t, format)
	case int64:
		return epochToTime(float64(t), format)
	case int:
		return epochToTime(float64(t), format)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return epochToTime(f, format)
		}
		return time.Time{}
	case string:
		return parseTimestampString(t, format)
	default:
		return time.Time{}
	}
}

// epochToTime interprets a numeric timestamp.
func epochToTime(f float64, format collector.TimestampFormat) time.Time {
	if f == 0 {
		return time.Time{}
	}
	millis := format == collector.TimestampEpochMillis
	// Magnitude guard: values above 1e12 can only be milliseconds,
	// values below 1e11 can only be seconds.
	if f > 1e12 {
		millis = true
	} else if f < 1e11 {
		millis = false
	}
	if millis {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// parseTimestampString tries the known layouts, then a numeric fallback
// for sources that serialize epoch values as strings.
func parseTimestampString(s string, format collector.TimestampFormat) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return epochToTime(f, format)
	}
	return time.Time{}
}

// redactContent masks inline sensitive values in message content.
func (n *Normalizer) redactContent(content string) string {
	return n.contentRE.ReplaceAllString(content, "${1}${2}[REDACTED]")
}

// redactMap replaces the values of sensitive keys in an open metadata
// map. The input map is not mutated.
func (n *Normalizer) redactMap(fields map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if n.isSensitiveKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}

func (n *Normalizer) isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range n.sensitiveKeys {
		if lower == s {
			return true
		}
	}
	return false
}

// deriveTitle prefers the source title, then the first user message.
func deriveTitle(sourceTitle string, messages []core.Message) string {
	if t := strings.TrimSpace(sourceTitle); t != "" {
		return truncate(t, titleMaxLen)
	}
	for _, m := range messages {
		if m.Role == core.RoleUser {
			return truncate(m.Content, titleMaxLen)
		}
	}
	return truncate(messages[0].Content, titleMaxLen)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
