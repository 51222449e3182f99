// Package mkerrors defines the structured error type used across the
// indexing and retrieval pipeline. Every error carries a Kind so callers
// can decide between retrying, skipping, and shutting down without string
// matching.
package mkerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling policy.
type Kind int

const (
	// KindUnknown is the zero value for errors that were not classified.
	KindUnknown Kind = iota

	// KindNotFound marks lookups for documents, concepts, or rows that
	// do not exist. Not retryable.
	KindNotFound

	// KindInvalid marks malformed input: bad config values, unparseable
	// requests, invalid CLI arguments. Not retryable.
	KindInvalid

	// KindRetry marks transient failures (I/O contention, temporarily
	// unreadable files, busy database). Safe to retry with backoff.
	KindRetry

	// KindBackend marks failures of an external dependency such as the
	// embedding model endpoint. Retryable, and usually degradable.
	KindBackend

	// KindCorrupt marks integrity failures: a database that fails its
	// integrity check, a vector sidecar that does not match the store.
	// Recovery requires a rebuild, not a retry.
	KindCorrupt

	// KindFatal marks unrecoverable conditions; the process should exit.
	KindFatal
)

// String returns the canonical lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindRetry:
		return "retry"
	case KindBackend:
		return "backend"
	case KindCorrupt:
		return "corrupt"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the structured error carried through the pipeline.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "store.UpsertDocument"
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

// Unwrap returns the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with a kind, operation, and message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf creates an error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap wraps a cause with a kind and operation. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf wraps a cause adding a formatted message. Returns nil if err is nil.
func Wrapf(kind Kind, op string, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain. Unwrapped or foreign
// errors report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether any error in the chain carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether the error represents a transient condition.
// Retry and Backend failures are retryable; everything else is not.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRetry, KindBackend:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the error should terminate the process.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}

// IsNotFound reports whether the error chain carries KindNotFound.
func IsNotFound(err error) bool {
	return Is(err, KindNotFound)
}
