package provider

import (
	"errors"
	"fmt"
	"time"
)

// ConnectFailure classifies a connect error so the supervisor can pick the
// right recovery path.
type ConnectFailure int

const (
	// Unauthorized means consent or credentials are invalid. Never
	// retried automatically; the user must re-authenticate.
	Unauthorized ConnectFailure = iota

	// Unreachable means a transient transport failure. Fed into the
	// reconnect backoff path.
	Unreachable

	// Unsupported means the device lacks a required capability.
	// Surfaced, not retried.
	Unsupported
)

// String returns the failure class name.
func (f ConnectFailure) String() string {
	switch f {
	case Unauthorized:
		return "unauthorized"
	case Unreachable:
		return "unreachable"
	case Unsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("connect_failure(%d)", int(f))
	}
}

// ConnectError wraps a transport error with its failure class.
type ConnectError struct {
	Failure ConnectFailure
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Failure, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// NewConnectError wraps err with the given failure class.
func NewConnectError(f ConnectFailure, err error) *ConnectError {
	return &ConnectError{Failure: f, Err: err}
}

// ConnectFailureOf extracts the failure class from err. Unclassified errors
// (including context deadline exceeded) are treated as Unreachable, so a
// hung transport feeds the backoff path rather than crashing.
func ConnectFailureOf(err error) ConnectFailure {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Failure
	}
	return Unreachable
}

// RateLimitedError reports that the provider throttled us. The next
// scheduled sync is deferred by RetryAfter instead of feeding the reconnect
// path.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// ValidationError marks a malformed raw sample. Non-fatal: the sample is
// logged and skipped, the job continues.
type ValidationError struct {
	Reason string
	Raw    RawSample
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid sample (kind=%q ts=%s): %s", e.Raw.Kind, e.Raw.Timestamp.Format(time.RFC3339), e.Reason)
}
