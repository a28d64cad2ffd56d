package types

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable_Tagged(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"source control", &SourceControlError{Op: "get diff", Err: errors.New("timeout")}, true},
		{"context provider", &ContextUnavailableError{Err: errors.New("503")}, true},
		{"ai retryable", &AIError{StatusCode: 429, Retry: true, Err: errors.New("rate limit")}, true},
		{"ai non-retryable", &AIError{StatusCode: 401, Retry: false, Err: errors.New("auth")}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsRetryable_Wrapped(t *testing.T) {
	inner := &AIError{StatusCode: 503, Retry: true, Err: errors.New("unavailable")}
	wrapped := fmt.Errorf("pipeline: %w", inner)

	if !IsRetryable(wrapped) {
		t.Error("expected wrapped AIError to remain retryable")
	}

	var aiErr *AIError
	if !errors.As(wrapped, &aiErr) {
		t.Fatal("errors.As failed to unwrap AIError")
	}
	if aiErr.StatusCode != 503 {
		t.Errorf("expected status 503, got %d", aiErr.StatusCode)
	}
}

func TestSentinelErrors(t *testing.T) {
	if IsRetryable(ErrQueueFull) {
		t.Error("queue-full backpressure must not be tagged retryable")
	}

	wrapped := fmt.Errorf("transition: %w", ErrConflict)
	if !errors.Is(wrapped, ErrConflict) {
		t.Error("wrapped conflict should match ErrConflict")
	}
}
