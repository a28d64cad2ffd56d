// Package contextsvc fetches supplementary review context (related
// code, docs, prior findings) from an external provider. The provider
// is optional: without an endpoint the pipeline reviews on the diff
// alone.
package contextsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"mr-review-orchestrator/internal/domain"
	"mr-review-orchestrator/internal/types"

	"github.com/tidwall/gjson"
)

// Provider supplies a context blob for a merge request under review.
type Provider interface {
	GetContext(ctx context.Context, project string, mrID int64, diffs []domain.FileDiff) (string, error)
}

// HTTPProvider implements Provider against a simple HTTP service.
type HTTPProvider struct {
	endpoint string
	token    string
	http     *http.Client
}

func NewHTTPProvider(endpoint, token string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		endpoint: endpoint,
		token:    token,
		http:     &http.Client{Timeout: timeout},
	}
}

type contextRequest struct {
	Project string   `json:"project"`
	MRID    int64    `json:"mr_id"`
	Paths   []string `json:"paths"`
}

func (p *HTTPProvider) GetContext(ctx context.Context, project string, mrID int64, diffs []domain.FileDiff) (string, error) {
	paths := make([]string, 0, len(diffs))
	for _, d := range diffs {
		paths = append(paths, d.Path)
	}

	payload, err := json.Marshal(contextRequest{Project: project, MRID: mrID, Paths: paths})
	if err != nil {
		return "", fmt.Errorf("marshal context request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build context request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return "", &types.ContextUnavailableError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", &types.ContextUnavailableError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &types.ContextUnavailableError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	return gjson.GetBytes(body, "context").String(), nil
}

// Noop is the Provider used when no context endpoint is configured.
type Noop struct{}

func (Noop) GetContext(context.Context, string, int64, []domain.FileDiff) (string, error) {
	return "", nil
}
