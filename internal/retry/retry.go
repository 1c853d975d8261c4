// Package retry implements the per-call retry policy for cloud-service
// calls: up to a fixed number of attempts, linear backoff for
// name-resolution/connection-class transient failures, no delay for
// timeout-class failures. Anything not classified as transient
// propagates on the first failure.
package retry

import (
	"context"
	"errors"
	"net"
	"time"
)

// DefaultMaxAttempts caps how often a single call is attempted.
const DefaultMaxAttempts = 10

// Class distinguishes the two transient failure classes.
type Class int

const (
	// ClassNone is not a transient failure at all.
	ClassNone Class = iota
	// ClassTimeout is a request timeout: retried with no delay.
	ClassTimeout
	// ClassConnection is a DNS/connection-class failure: retried with
	// delay = attempt_index * 1s.
	ClassConnection
)

// classed is implemented by errors that already know their own retry
// class, so fakes used in tests don't need to construct real net.Error
// values to exercise the policy.
type classed interface {
	RetryClass() Class
}

// Classify inspects err and returns its transient class, or ClassNone
// if err should not be retried by this policy at all.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var c classed
	if errors.As(err, &c) {
		return c.RetryClass()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassConnection
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassNone
}

type classedError struct {
	class Class
	err   error
}

func (e *classedError) Error() string    { return e.err.Error() }
func (e *classedError) Unwrap() error    { return e.err }
func (e *classedError) RetryClass() Class { return e.class }

// TimeoutError wraps err as a ClassTimeout transient failure.
func TimeoutError(err error) error { return &classedError{class: ClassTimeout, err: err} }

// ConnectionError wraps err as a ClassConnection transient failure.
func ConnectionError(err error) error { return &classedError{class: ClassConnection, err: err} }

// Policy runs a single cloud-service call with the retry rules above.
type Policy struct {
	MaxAttempts int
	// Sleep is overridable for tests; defaults to time.Sleep.
	Sleep func(time.Duration)
}

// New returns a Policy with the default attempt cap and real sleeping.
func New() *Policy {
	return &Policy{MaxAttempts: DefaultMaxAttempts, Sleep: time.Sleep}
}

// Call invokes fn, retrying on transient failures.
// fn must re-present a fresh read cursor over the same chunk bytes on
// each attempt (the caller's responsibility — see internal/chunk); the
// byte view itself is stable across attempts, only the stream wrapper
// is re-created.
func (p *Policy) Call(ctx context.Context, fn func(attempt int) error) error {
	max := p.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		class := Classify(lastErr)
		if class == ClassNone {
			return lastErr
		}
		if attempt == max {
			break
		}
		switch class {
		case ClassConnection:
			sleep(time.Duration(attempt) * time.Second)
		case ClassTimeout:
			// no delay
		}
	}
	return lastErr
}
