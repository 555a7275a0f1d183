package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindbase/mindbase-go/pkg/core"
)

func msg(role core.Role, content string, ts time.Time) core.Message {
	return core.Message{Role: role, Content: content, Timestamp: ts}
}

func conv(id string, msgs ...core.Message) *core.Conversation {
	c := &core.Conversation{ID: id, Source: core.SourceClaudeCode, Messages: msgs}
	if len(msgs) > 0 {
		c.CreatedAt = msgs[0].Timestamp
		c.UpdatedAt = msgs[len(msgs)-1].Timestamp
	}
	return c
}

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestReconcileInsert(t *testing.T) {
	r := New(&Config{})
	candidate := conv("conv_1", msg(core.RoleUser, "hi", base))

	d := r.Reconcile(candidate, nil)
	assert.Equal(t, ActionInsert, d.Action)
	assert.Same(t, candidate, d.Conversation)
}

func TestReconcileNoOpOnIdenticalRescan(t *testing.T) {
	r := New(&Config{})
	existing := conv("conv_1",
		msg(core.RoleUser, "hi", base),
		msg(core.RoleAssistant, "hello", base.Add(5*time.Second)),
	)
	candidate := conv("conv_1",
		msg(core.RoleUser, "hi", base),
		msg(core.RoleAssistant, "hello", base.Add(5*time.Second)),
	)

	d := r.Reconcile(candidate, existing)
	assert.Equal(t, ActionNoOp, d.Action)
	assert.Nil(t, d.Conversation)
}

func TestReconcileJitterWithinTolerance(t *testing.T) {
	r := New(&Config{})
	existing := conv("conv_1", msg(core.RoleUser, "hi", base))
	candidate := conv("conv_1", msg(core.RoleUser, "hi", base.Add(500*time.Millisecond)))

	d := r.Reconcile(candidate, existing)
	assert.Equal(t, ActionNoOp, d.Action)
}

func TestReconcileJitterBeyondTolerance(t *testing.T) {
	r := New(&Config{})
	existing := conv("conv_1", msg(core.RoleUser, "hi", base))
	candidate := conv("conv_1", msg(core.RoleUser, "hi", base.Add(2*time.Second)))

	d := r.Reconcile(candidate, existing)
	assert.Equal(t, ActionUpdate, d.Action)
	assert.Len(t, d.Conversation.Messages, 2)
}

func TestReconcileAppendsNewMessagesInOrder(t *testing.T) {
	r := New(&Config{})
	existing := conv("conv_1",
		msg(core.RoleUser, "one", base),
		msg(core.RoleAssistant, "two", base.Add(10*time.Second)),
	)
	candidate := conv("conv_1",
		msg(core.RoleUser, "one", base),
		msg(core.RoleAssistant, "two", base.Add(10*time.Second)),
		msg(core.RoleUser, "three", base.Add(20*time.Second)),
	)

	d := r.Reconcile(candidate, existing)
	require.Equal(t, ActionUpdate, d.Action)
	require.Len(t, d.Conversation.Messages, 3)
	assert.Equal(t, "one", d.Conversation.Messages[0].Content)
	assert.Equal(t, "three", d.Conversation.Messages[2].Content)
	assert.Equal(t, base.Add(20*time.Second), d.Conversation.UpdatedAt)

	// The existing record was not mutated.
	assert.Len(t, existing.Messages, 2)
}

func TestReconcileInterleavesByTimestamp(t *testing.T) {
	r := New(&Config{})
	existing := conv("conv_1",
		msg(core.RoleUser, "one", base),
		msg(core.RoleUser, "four", base.Add(30*time.Second)),
	)
	candidate := conv("conv_1",
		msg(core.RoleAssistant, "two", base.Add(10*time.Second)),
	)

	d := r.Reconcile(candidate, existing)
	require.Equal(t, ActionUpdate, d.Action)
	require.Len(t, d.Conversation.Messages, 3)
	assert.Equal(t, "two", d.Conversation.Messages[1].Content)
	// UpdatedAt stays at the latest message, not the candidate's older one.
	assert.Equal(t, base.Add(30*time.Second), d.Conversation.UpdatedAt)
}

func TestReconcileFillsMissingTitle(t *testing.T) {
	r := New(&Config{})
	existing := conv("conv_1", msg(core.RoleUser, "one", base))
	existing.Title = ""
	candidate := conv("conv_1",
		msg(core.RoleUser, "one", base),
		msg(core.RoleUser, "two", base.Add(time.Second*5)),
	)
	candidate.Title = "a real title"

	d := r.Reconcile(candidate, existing)
	require.Equal(t, ActionUpdate, d.Action)
	assert.Equal(t, "a real title", d.Conversation.Title)
}

type fakeRepo struct {
	byID map[string]*core.Conversation
	err  error
}

func (f *fakeRepo) Lookup(ctx context.Context, id string) (*core.Conversation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byID[id], nil
}

func TestApplyInsertPersists(t *testing.T) {
	repo := &fakeRepo{byID: map[string]*core.Conversation{}}
	r := New(&Config{Repository: repo})
	candidate := conv("conv_1", msg(core.RoleUser, "hi", base))

	var persisted *core.Conversation
	d, err := r.Apply(context.Background(), candidate, func(d Decision) error {
		persisted = d.Conversation
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, ActionInsert, d.Action)
	assert.Same(t, candidate, persisted)
}

func TestApplyNoOpSkipsPersist(t *testing.T) {
	existing := conv("conv_1", msg(core.RoleUser, "hi", base))
	repo := &fakeRepo{byID: map[string]*core.Conversation{"conv_1": existing}}
	r := New(&Config{Repository: repo})
	candidate := conv("conv_1", msg(core.RoleUser, "hi", base))

	called := false
	d, err := r.Apply(context.Background(), candidate, func(Decision) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, ActionNoOp, d.Action)
	assert.False(t, called, "persist must not run for a NoOp")
}

func TestApplyLookupFailure(t *testing.T) {
	repo := &fakeRepo{err: errors.New("index down")}
	r := New(&Config{Repository: repo})
	candidate := conv("conv_1", msg(core.RoleUser, "hi", base))

	_, err := r.Apply(context.Background(), candidate, func(Decision) error { return nil })
	require.Error(t, err)
}

func TestApplyPersistFailurePropagates(t *testing.T) {
	repo := &fakeRepo{byID: map[string]*core.Conversation{}}
	r := New(&Config{Repository: repo})
	candidate := conv("conv_1", msg(core.RoleUser, "hi", base))

	want := errors.New("disk full")
	_, err := r.Apply(context.Background(), candidate, func(Decision) error { return want })
	assert.ErrorIs(t, err, want)
}

func TestApplySerializesPerID(t *testing.T) {
	repo := &fakeRepo{byID: map[string]*core.Conversation{}}
	r := New(&Config{Repository: repo})

	// Two concurrent applies for the same id: the second must observe
	// the first one's insert through the repository.
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			candidate := conv("conv_1", msg(core.RoleUser, "hi", base))
			_, err := r.Apply(context.Background(), candidate, func(d Decision) error {
				repo.byID["conv_1"] = d.Conversation
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	<-done
	<-done

	require.NotNil(t, repo.byID["conv_1"])
	assert.Len(t, repo.byID["conv_1"].Messages, 1)
}
