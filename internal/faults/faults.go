package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies failures for retry and HTTP mapping decisions.
type Kind int

const (
	// KindNotFound means a blob or document is absent (semantic, 404).
	KindNotFound Kind = iota
	// KindNotReady means the pipeline has not produced this artifact yet.
	KindNotReady
	// KindTransient means a retryable transport/rate-limit/timeout failure.
	KindTransient
	// KindPermanent means a logical failure that retrying cannot fix.
	KindPermanent
	// KindConflict means the queue rejected a duplicate submission.
	KindConflict
	// KindInvalid means a malformed client request.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindNotReady:
		return "not_ready"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindConflict:
		return "conflict"
	case KindInvalid:
		return "invalid"
	}
	return "unknown"
}

// Error tags an underlying error with a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a tagged error with a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind, preserving the chain for errors.Is/As.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of err, classifying untagged errors by shape.
// Untagged transport-looking errors are treated as transient; everything
// else is permanent.
func KindOf(err error) Kind {
	if err == nil {
		return KindPermanent
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if isTransportError(err) {
		return KindTransient
	}
	return KindPermanent
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotFound is shorthand for Is(err, KindNotFound).
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return Is(err, KindTransient) }

// isTransportError keyword-matches network failures that arrive untyped
// from SDKs and raw HTTP clients.
func isTransportError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "deadline exceeded") ||
		strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests") ||
		strings.Contains(s, "network") ||
		strings.Contains(s, "eof")
}
