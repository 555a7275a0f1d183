// Package collector provides interfaces and types for source adapters.
//
// A collector reads one application's on-disk conversation format and
// emits raw records in that source's native shape. Collectors never
// normalize: role mapping, timestamp conversion and redaction happen
// centrally in the normalize package.
package collector

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mindbase/mindbase-go/pkg/core"
)

// TimestampFormat declares which timestamp convention a source emits.
// The normalizer applies the matching conversion to UTC.
type TimestampFormat string

const (
	// TimestampEpochSeconds is a Unix timestamp in seconds.
	TimestampEpochSeconds TimestampFormat = "epoch-seconds"

	// TimestampEpochMillis is a Unix timestamp in milliseconds.
	TimestampEpochMillis TimestampFormat = "epoch-millis"

	// TimestampISO8601 is an ISO-8601 string, possibly without a UTC
	// offset; offset-less values are interpreted as UTC.
	TimestampISO8601 TimestampFormat = "iso8601"
)

// RawMessage is one message in its source-native shape.
//
// Timestamp is left untyped because sources disagree on encoding: it may
// be a float64 (epoch seconds or millis, depending on the collector's
// declared TimestampFormat), a string, or nil when the source recorded
// nothing.
type RawMessage struct {
	// Role is the source-native sender label ("human", "ai", "prompt", ...).
	Role string

	// Content is the message text.
	Content string

	// Timestamp is the source-native timestamp value.
	Timestamp interface{}

	// LocalID is the source-native message id, if any.
	LocalID string

	// ParentID is the source-native threading parent, if any.
	ParentID string

	// Fields carries any remaining source-specific attributes.
	Fields map[string]interface{}
}

// RawRecord is one conversation-shaped record in its source-native shape.
type RawRecord struct {
	// Source is the originating application.
	Source core.Source

	// NativeID is the source's own thread/conversation identifier.
	// May be empty; the normalizer then derives the stable id from the
	// earliest message instead.
	NativeID string

	// Title is the source-native title, if any.
	Title string

	// Project is the workspace or project context, if the source has one.
	Project string

	// Messages is the raw message sequence in source order.
	Messages []RawMessage

	// Fields carries any remaining source-specific attributes.
	Fields map[string]interface{}
}

// EmitFunc receives raw records as a collector produces them. Returning a
// non-nil error stops the scan; collectors must propagate it unchanged so
// cancellation reaches the caller.
type EmitFunc func(*RawRecord) error

// Collector is the source adapter contract. One implementation exists per
// origin format family (line-delimited JSON, key-value log, relational
// snapshot).
//
// Failure policy shared by all implementations: a malformed record is
// logged and skipped; a missing root yields zero records; a
// permission-denied root is a recoverable warning and the scan continues
// with other roots.
type Collector interface {
	// Source returns the origin this collector reads.
	Source() core.Source

	// TimestampFormat returns the timestamp convention this source emits.
	TimestampFormat() TimestampFormat

	// DefaultRoots returns the filesystem locations where this source
	// keeps its data on the current platform. Roots that do not exist
	// are fine; Scan skips them.
	DefaultRoots() []string

	// Scan reads the given roots and emits raw records through emit,
	// lazily and in root order. Records older than since are skipped when
	// the source exposes per-record timestamps cheaply; the reconciler
	// makes re-emitting old records harmless either way.
	//
	// Returns the number of skipped (malformed or unreadable) records.
	Scan(ctx context.Context, roots []string, since time.Time, emit EmitFunc) (skipped int, err error)
}

// Registry holds collectors keyed by source.
//
// It is the tagged-variant registry the pipeline fans out over: schema
// discovery stays inside each collector, and callers select adapters by
// source enum rather than by reflection.
type Registry struct {
	mu         sync.RWMutex
	collectors map[core.Source]Collector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{collectors: make(map[core.Source]Collector)}
}

// Register adds a collector. Registering the same source twice returns an
// error; replacing an adapter at runtime is not a supported operation.
func (r *Registry) Register(c Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.collectors[c.Source()]; ok {
		return fmt.Errorf("Register: collector for %q already registered", c.Source())
	}
	r.collectors[c.Source()] = c
	return nil
}

// Get returns the collector for a source, or nil if none is registered.
func (r *Registry) Get(source core.Source) Collector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectors[source]
}

// All returns all registered collectors in stable source order.
func (r *Registry) All() []Collector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Collector, 0, len(r.collectors))
	for _, c := range r.collectors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source() < out[j].Source() })
	return out
}

// ExistingRoots filters roots down to the ones present on disk.
// A missing root is not an error: not every user has every source
// application installed.
func ExistingRoots(roots []string) []string {
	var out []string
	for _, root := range roots {
		if _, err := os.Stat(root); err == nil {
			out = append(out, root)
		}
	}
	return out
}
