package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindbase/mindbase-go/pkg/collector"
	"github.com/mindbase/mindbase-go/pkg/core"
)

func TestResolveTimestampEpochSeconds(t *testing.T) {
	ts := ResolveTimestamp(float64(1700000000), collector.TimestampEpochSeconds)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ts)
	assert.Equal(t, time.UTC, ts.Location())
}

func TestResolveTimestampEpochMillis(t *testing.T) {
	ts := ResolveTimestamp(float64(1700000000123), collector.TimestampEpochMillis)
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), ts)
}

func TestResolveTimestampMagnitudeGuard(t *testing.T) {
	// A millisecond-scale value resolves as milliseconds even when the
	// declared convention is seconds.
	ts := ResolveTimestamp(float64(1700000000123), collector.TimestampEpochSeconds)
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), ts)

	// And a second-scale value resolves as seconds under a millis
	// convention.
	ts = ResolveTimestamp(float64(1700000000), collector.TimestampEpochMillis)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ts)
}

func TestResolveTimestampISOWithoutOffset(t *testing.T) {
	ts := ResolveTimestamp("2024-03-01T10:30:00", collector.TimestampISO8601)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), ts)
}

func TestResolveTimestampISOWithOffset(t *testing.T) {
	ts := ResolveTimestamp("2024-03-01T10:30:00+02:00", collector.TimestampISO8601)
	assert.Equal(t, time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC), ts)
}

func TestResolveTimestampUnparseable(t *testing.T) {
	assert.True(t, ResolveTimestamp("not a time", collector.TimestampISO8601).IsZero())
	assert.True(t, ResolveTimestamp(nil, collector.TimestampISO8601).IsZero())
	assert.True(t, ResolveTimestamp(struct{}{}, collector.TimestampISO8601).IsZero())
}

func TestMapRole(t *testing.T) {
	cases := map[string]core.Role{
		"user":       core.RoleUser,
		"Human":      core.RoleUser,
		"prompt":     core.RoleUser,
		"assistant":  core.RoleAssistant,
		"AI":         core.RoleAssistant,
		"completion": core.RoleAssistant,
		"system":     core.RoleSystem,
	}
	for label, want := range cases {
		got, ok := MapRole(label)
		require.True(t, ok, label)
		assert.Equal(t, want, got, label)
	}

	_, ok := MapRole("narrator")
	assert.False(t, ok)
}

func TestStableIDDeterministic(t *testing.T) {
	msgs := []core.Message{{Role: core.RoleUser, Content: "hello", Timestamp: time.Unix(1700000000, 0).UTC()}}

	a := StableID(core.SourceClaudeCode, "session-1", msgs)
	b := StableID(core.SourceClaudeCode, "session-1", nil)
	assert.Equal(t, a, b, "native id alone determines the id")
	assert.Len(t, a, len("conv_")+16)
	assert.Contains(t, a, "conv_")

	// Different sources with the same native id must not collide.
	c := StableID(core.SourceCursor, "session-1", msgs)
	assert.NotEqual(t, a, c)

	// Without a native id the first message stands in, reproducibly.
	d := StableID(core.SourceClaudeCode, "", msgs)
	e := StableID(core.SourceClaudeCode, "", msgs)
	assert.Equal(t, d, e)
	assert.NotEqual(t, a, d)
}

func TestNormalizeSortsAndStamps(t *testing.T) {
	n := New(&Config{})
	raw := &collector.RawRecord{
		Source:   core.SourceClaudeCode,
		NativeID: "s1",
		Messages: []collector.RawMessage{
			{Role: "assistant", Content: "second", Timestamp: float64(1700000010000)},
			{Role: "user", Content: "first", Timestamp: float64(1700000000000)},
		},
	}

	conv, err := n.Normalize(raw, collector.TimestampEpochMillis)
	require.NoError(t, err)

	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "first", conv.Messages[0].Content)
	assert.Equal(t, "second", conv.Messages[1].Content)
	assert.Equal(t, conv.Messages[0].Timestamp, conv.CreatedAt)
	assert.Equal(t, conv.Messages[1].Timestamp, conv.UpdatedAt)
	assert.Equal(t, "first", conv.Title)
}

func TestNormalizeDropsUnusableMessages(t *testing.T) {
	n := New(&Config{})
	raw := &collector.RawRecord{
		Source: core.SourceCursor,
		Messages: []collector.RawMessage{
			{Role: "narrator", Content: "never shown"},
			{Role: "user", Content: "   "},
			{Role: "user", Content: "kept"},
		},
	}

	conv, err := n.Normalize(raw, collector.TimestampEpochMillis)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "kept", conv.Messages[0].Content)
}

func TestNormalizeEmptyRecord(t *testing.T) {
	n := New(&Config{})
	raw := &collector.RawRecord{
		Source: core.SourceCursor,
		Messages: []collector.RawMessage{
			{Role: "narrator", Content: "unknown role only"},
		},
	}

	_, err := n.Normalize(raw, collector.TimestampEpochMillis)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMalformedRecord)
}

func TestNormalizeRedactsInlineSecrets(t *testing.T) {
	n := New(&Config{})
	raw := &collector.RawRecord{
		Source: core.SourceClaudeCode,
		Messages: []collector.RawMessage{
			{Role: "user", Content: "set api_key=sk-abc123 and password: hunter2 please"},
		},
	}

	conv, err := n.Normalize(raw, collector.TimestampEpochMillis)
	require.NoError(t, err)
	content := conv.Messages[0].Content
	assert.NotContains(t, content, "sk-abc123")
	assert.NotContains(t, content, "hunter2")
	assert.Contains(t, content, "api_key=[REDACTED]")
	assert.Contains(t, content, "password: [REDACTED]")
}

func TestNormalizeRedactsMetadataKeys(t *testing.T) {
	n := New(&Config{})
	raw := &collector.RawRecord{
		Source: core.SourceClaudeCode,
		Fields: map[string]interface{}{
			"Token":   "abc",
			"project": "my-app",
		},
		Messages: []collector.RawMessage{
			{Role: "user", Content: "hi"},
		},
	}

	conv, err := n.Normalize(raw, collector.TimestampEpochMillis)
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED]", conv.Metadata["Token"])
	assert.Equal(t, "my-app", conv.Metadata["project"])
}

func TestDeriveTitleTruncation(t *testing.T) {
	n := New(&Config{})
	long := ""
	for i := 0; i < 30; i++ {
		long += "abcdefghij"
	}
	raw := &collector.RawRecord{
		Source: core.SourceClaudeCode,
		Messages: []collector.RawMessage{
			{Role: "user", Content: long},
		},
	}

	conv, err := n.Normalize(raw, collector.TimestampEpochMillis)
	require.NoError(t, err)
	assert.Len(t, []rune(conv.Title), 103)
	assert.Contains(t, conv.Title, "...")
}
