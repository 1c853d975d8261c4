// Package fserrors classifies upload errors: transient failures the
// retry policy may re-attempt, fatal cloud errors that abort a file,
// and resume failures that require restarting a file from scratch.
package fserrors

import (
	"context"
	"errors"
)

type noRetryError struct{ err error }

func (e *noRetryError) Error() string { return e.err.Error() }
func (e *noRetryError) Unwrap() error { return e.err }

// NoRetryError marks err as one the retry policy must not retry.
func NoRetryError(err error) error {
	return &noRetryError{err}
}

// IsNoRetry reports whether err (or something it wraps) was marked
// with NoRetryError.
func IsNoRetry(err error) bool {
	var e *noRetryError
	return errors.As(err, &e)
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// FatalError marks err as a persistent cloud error: quota exhausted,
// auth failure, permanent 4xx. The file upload aborts but the
// SessionRecord is kept.
func FatalError(err error) error {
	return &fatalError{err}
}

// IsFatal reports whether err was marked with FatalError.
func IsFatal(err error) bool {
	var e *fatalError
	return errors.As(err, &e)
}

// resumeFailed marks an error that requires the outer controller to
// restart the file from scratch: a chain-hash mismatch at the resume
// point, or the cloud service reporting the session no longer exists.
// The SessionRecord has already been deleted by the time it is raised.
type resumeFailed struct{ reason string }

func (e *resumeFailed) Error() string { return "resume failed: " + e.reason }

// ResumeFailed builds a resume-failure error carrying reason.
func ResumeFailed(reason string) error {
	return &resumeFailed{reason: reason}
}

// IsResumeFailed reports whether err is a resume-failure error.
func IsResumeFailed(err error) bool {
	var e *resumeFailed
	return errors.As(err, &e)
}

// ShouldRetry returns whether err looks transient (request timeout,
// connection reset, DNS failure) absent more specific classification.
// Context cancellation and deadline errors are never retried.
func ShouldRetry(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ContextError(ctx, &err) {
		return false
	}
	if IsNoRetry(err) || IsFatal(err) {
		return false
	}
	return true
}

// ContextError rewrites err to ctx.Err() if ctx is done, returning true
// in that case so callers stop retrying on cancellation/timeout of the
// caller's own context (distinct from the cloud service's per-call
// transport timeout, which is a transient retryable condition).
func ContextError(ctx context.Context, err *error) bool {
	if ctx.Err() != nil {
		*err = ctx.Err()
		return true
	}
	return false
}
