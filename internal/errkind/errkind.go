// Package errkind gives the error "kinds" from the design a concrete Go
// shape: sentinel values wrapped with errors.Is-compatible context,
// rather than a type hierarchy. Callers classify an error by wrapping it
// with the matching sentinel at the point it's first recognized, and
// downstream code tests with errors.Is.
package errkind

import "errors"

var (
	// ConfigInvalid is fatal at startup.
	ConfigInvalid = errors.New("config invalid")

	// SourceTransient is retried with backoff.
	SourceTransient = errors.New("source transient error")

	// SourceFatal marks a protocol violation (e.g. a block-range gap) or
	// a source error that is not retryable. Transient errors are retried
	// without an attempt limit and are never escalated to it.
	SourceFatal = errors.New("source fatal error")

	// StoreTransient is retried with the same backoff policy as
	// SourceTransient.
	StoreTransient = errors.New("store transient error")

	// StoreIntegrityViolation is a foreign-key or other non-idempotent
	// constraint violation; it halts processing for the affected chain.
	// Unique-violations on raw events are NOT wrapped with this — they
	// are absorbed silently as idempotent no-ops.
	StoreIntegrityViolation = errors.New("store integrity violation")

	// DecodeError marks an event that failed ABI decoding; the event is
	// skipped and the stream continues.
	DecodeError = errors.New("event decode error")

	// HandlerError marks a handler failure; the block transaction is
	// rolled back and retried with backoff.
	HandlerError = errors.New("handler error")
)

// Wrap annotates err with a kind sentinel so later errors.Is checks can
// classify it without string matching.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

// Is is a small convenience wrapper over errors.Is for callers that
// don't want to import errors just to classify a kind-wrapped error.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
