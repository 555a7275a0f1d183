package core

import (
	"errors"
	"fmt"
)

// Predefined errors for the failure taxonomy.
var (
	// ErrNotFound indicates that a requested memory or conversation was not found.
	// Exact lookups return this; it is an expected outcome, not a fault.
	ErrNotFound = errors.New("not found")

	// ErrSourceUnavailable indicates that a scan root path does not exist.
	// Non-fatal: the scan continues with the remaining roots.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrMalformedRecord indicates an unparseable raw record.
	// Per-record: logged and skipped, never aborts a batch.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrEmbeddingUnavailable indicates the embedding service cannot be
	// reached. Writes persist with a null embedding; similarity search
	// fails closed with this error.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrIndexWriteFailed indicates that indexed-store writes exhausted
	// their bounded retries. The file write is already durable.
	ErrIndexWriteFailed = errors.New("index write failed")

	// ErrValidation indicates a malformed store request, rejected before
	// any write.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// StoreError wraps errors with operation context.
//
// Path is set when a file-store path is relevant to recovery, e.g. when an
// index upsert failed after the file write succeeded and an operator needs
// to know which file to re-run.
type StoreError struct {
	// Op is the name of the operation that failed.
	Op string

	// Path is the file-store path involved, if any.
	Path string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message: "mindbase: <Op>: <Err>",
// with the file path appended when present.
func (e *StoreError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("mindbase: %s: %v (file: %s)", e.Op, e.Err, e.Path)
	}
	return fmt.Sprintf("mindbase: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is / errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError wrapping the given error.
// If err is nil, returns nil, so it can wrap return values unconditionally.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// NewStoreErrorPath is NewStoreError with a file path attached.
func NewStoreErrorPath(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Path: path, Err: err}
}
