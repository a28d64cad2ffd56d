package types

import (
	"context"
	"errors"
	"fmt"
)

// The orchestrator's retry policy is driven entirely by an explicit
// retryable tag on errors, not by inspecting error strings. Collaborator
// clients wrap their failures in one of the types below; everything else
// is treated as non-retryable.

// Retryable is implemented by errors that carry an explicit retry tag.
type Retryable interface {
	Retryable() bool
}

// Sentinel errors used across package boundaries.
var (
	// ErrQueueFull is returned when the review worker queue is saturated.
	// Surfaced to the producer as backpressure, never silently dropped.
	ErrQueueFull = errors.New("review queue is full")

	// ErrConflict is returned by the store when an optimistic-version
	// check fails. Internal: callers re-read and re-decide, never retry
	// the same transition blindly.
	ErrConflict = errors.New("record version conflict")

	// ErrNotFound is returned by the store when no record exists for a key.
	ErrNotFound = errors.New("record not found")
)

// SourceControlError indicates a network/API failure talking to the
// source-control host. Always retryable.
type SourceControlError struct {
	Op  string
	Err error
}

func (e *SourceControlError) Error() string {
	return fmt.Sprintf("source control %s: %v", e.Op, e.Err)
}

func (e *SourceControlError) Unwrap() error { return e.Err }

func (e *SourceControlError) Retryable() bool { return true }

// ContextUnavailableError indicates the review-context provider could
// not serve a request. Always retryable.
type ContextUnavailableError struct {
	Err error
}

func (e *ContextUnavailableError) Error() string {
	return fmt.Sprintf("context provider unavailable: %v", e.Err)
}

func (e *ContextUnavailableError) Unwrap() error { return e.Err }

func (e *ContextUnavailableError) Retryable() bool { return true }

// AIError is a failure from the AI reviewer backend. The retryable flag
// distinguishes rate limits/timeouts/5xx from bad-request/auth failures
// that cannot succeed on retry.
type AIError struct {
	StatusCode int
	Retry      bool
	Err        error
}

func (e *AIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("ai reviewer (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ai reviewer: %v", e.Err)
}

func (e *AIError) Unwrap() error { return e.Err }

func (e *AIError) Retryable() bool { return e.Retry }

// ValidationError rejects a malformed or unauthenticated webhook payload
// at the boundary. It never reaches the orchestrator or the store.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid webhook payload: " + e.Reason
}

// IsRetryable reports whether reattempting the operation could plausibly
// succeed. Timeouts count as retryable; an error without an explicit tag
// does not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var tagged Retryable
	if errors.As(err, &tagged) {
		return tagged.Retryable()
	}

	return errors.Is(err, context.DeadlineExceeded)
}
