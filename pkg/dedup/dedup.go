// Package dedup decides what to do with a freshly normalized
// conversation relative to what is already persisted: insert it, merge
// new messages into the existing record, or discard it as an exact
// duplicate.
//
// The merge is append-only and idempotent: re-scanning an unchanged
// source produces NoOp for every conversation, and re-scanning a grown
// source appends exactly the new messages in timestamp order.
package dedup

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mindbase/mindbase-go/pkg/core"
)

// DefaultJitterTolerance is the window within which two timestamps count
// as equal when comparing messages. Sources with lossy timestamp
// precision re-emit the same message with sub-second jitter; without the
// tolerance every re-scan would append near-identical entries.
const DefaultJitterTolerance = time.Second

// Action is the reconciler's verdict for one candidate.
type Action string

const (
	// ActionInsert means no record with this id exists yet.
	ActionInsert Action = "insert"

	// ActionUpdate means the existing record gained messages.
	ActionUpdate Action = "update"

	// ActionNoOp means the candidate adds nothing.
	ActionNoOp Action = "noop"
)

// Decision is the outcome of reconciling one candidate.
type Decision struct {
	// Action is the verdict.
	Action Action

	// Conversation is the record to persist: the candidate for Insert,
	// the merged record for Update, nil for NoOp.
	Conversation *core.Conversation
}

// Repository is the lookup interface the reconciler needs. Absence is
// expressed as (nil, nil), not an error; only infrastructure failures
// return a non-nil error.
type Repository interface {
	Lookup(ctx context.Context, id string) (*core.Conversation, error)
}

// Reconciler serializes the read-merge-write sequence per conversation
// id. Merges for different ids proceed fully in parallel; concurrent
// scans that touch the same id are ordered by a per-id advisory lock.
type Reconciler struct {
	repo      Repository
	tolerance time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Config contains configuration for creating a Reconciler.
type Config struct {
	// Repository resolves existing records by id.
	Repository Repository

	// JitterTolerance overrides DefaultJitterTolerance.
	JitterTolerance time.Duration
}

// New creates a new Reconciler.
func New(cfg *Config) *Reconciler {
	tolerance := cfg.JitterTolerance
	if tolerance == 0 {
		tolerance = DefaultJitterTolerance
	}
	return &Reconciler{
		repo:      cfg.Repository,
		tolerance: tolerance,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Apply looks up the existing record, reconciles the candidate against
// it, and hands the decision to persist, all under the candidate's
// per-id lock, so concurrent merges for the same conversation cannot
// race. persist is not called for NoOp decisions.
func (r *Reconciler) Apply(ctx context.Context, candidate *core.Conversation, persist func(Decision) error) (Decision, error) {
	unlock := r.lock(candidate.ID)
	defer unlock()

	existing, err := r.repo.Lookup(ctx, candidate.ID)
	if err != nil {
		return Decision{}, core.NewStoreError("Reconcile", err)
	}

	decision := r.Reconcile(candidate, existing)
	if decision.Action == ActionNoOp {
		return decision, nil
	}
	if err := persist(decision); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// Reconcile is the pure merge decision: no locking, no repository.
//
// With no existing record the candidate is inserted as-is. Otherwise
// candidate messages absent from the existing sequence (by role, content
// and timestamp within the jitter tolerance) are appended in timestamp
// order; an unchanged sequence is a NoOp.
func (r *Reconciler) Reconcile(candidate, existing *core.Conversation) Decision {
	if existing == nil {
		return Decision{Action: ActionInsert, Conversation: candidate}
	}

	var added []core.Message
	for _, msg := range candidate.Messages {
		if !containsMessage(existing.Messages, msg, r.tolerance) {
			added = append(added, msg)
		}
	}
	if len(added) == 0 {
		return Decision{Action: ActionNoOp}
	}

	merged := *existing
	merged.Messages = append(append([]core.Message{}, existing.Messages...), added...)
	sort.SliceStable(merged.Messages, func(i, j int) bool {
		return merged.Messages[i].Timestamp.Before(merged.Messages[j].Timestamp)
	})

	merged.UpdatedAt = existing.UpdatedAt
	for _, msg := range merged.Messages {
		if msg.Timestamp.After(merged.UpdatedAt) {
			merged.UpdatedAt = msg.Timestamp
		}
	}
	if candidate.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = candidate.UpdatedAt
	}

	// Sources often retitle threads after the first message; a later
	// scan may fill in a title the first scan missed.
	if candidate.Title != "" && existing.Title == "" {
		merged.Title = candidate.Title
	}

	return Decision{Action: ActionUpdate, Conversation: &merged}
}

// containsMessage reports whether msgs already holds msg under the
// (role, content, timestamp±tolerance) identity.
func containsMessage(msgs []core.Message, msg core.Message, tolerance time.Duration) bool {
	for _, m := range msgs {
		if m.Role != msg.Role || m.Content != msg.Content {
			continue
		}
		delta := m.Timestamp.Sub(msg.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= tolerance {
			return true
		}
	}
	return false
}

// lock takes the advisory lock for one conversation id.
func (r *Reconciler) lock(id string) func() {
	r.mu.Lock()
	m, ok := r.locks[id]
	if !ok {
		m = &sync.Mutex{}
		r.locks[id] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}
