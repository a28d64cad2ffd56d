// Package notify delivers completion events to downstream consumers
// (the chat-bot). Delivery is strictly fire-and-forget: a sink failure
// must never affect a review's recorded status.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"mr-review-orchestrator/internal/domain"
)

// Sink accepts completion events.
type Sink interface {
	Publish(ctx context.Context, event domain.CompletionEvent) error
}

// HTTPSink posts completion events as JSON to a configured endpoint.
type HTTPSink struct {
	endpoint string
	http     *http.Client
}

func NewHTTPSink(endpoint string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSink) Publish(ctx context.Context, event domain.CompletionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal completion event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("post completion event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify sink returned status %d", resp.StatusCode)
	}
	return nil
}
