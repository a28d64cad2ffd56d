// Package scm talks to the source-control host's REST API. All transport
// and API failures are tagged retryable: the host being briefly
// unreachable is never a reason to burn a review's attempt budget on a
// permanent failure.
package scm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"mr-review-orchestrator/internal/domain"
	"mr-review-orchestrator/internal/types"

	"github.com/tidwall/gjson"
)

// Client is the contract the poller and the pipeline depend on.
type Client interface {
	// ListOpenMRsUpdatedAfter returns open merge requests of a project
	// updated since the given time, newest first, capped at limit.
	ListOpenMRsUpdatedAfter(ctx context.Context, project string, since time.Time, limit int) ([]domain.MergeRequest, error)
	// GetDiff returns the changed files of a merge request.
	GetDiff(ctx context.Context, project string, mrID int64) ([]domain.FileDiff, error)
}

// HTTPClient implements Client against a GitLab-compatible v4 REST API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) ListOpenMRsUpdatedAfter(ctx context.Context, project string, since time.Time, limit int) ([]domain.MergeRequest, error) {
	q := url.Values{}
	q.Set("state", "opened")
	q.Set("order_by", "updated_at")
	q.Set("updated_after", since.UTC().Format(time.RFC3339))
	q.Set("per_page", strconv.Itoa(limit))

	body, err := c.get(ctx, fmt.Sprintf("/api/v4/projects/%s/merge_requests?%s",
		url.PathEscape(project), q.Encode()))
	if err != nil {
		return nil, &types.SourceControlError{Op: "list merge requests", Err: err}
	}

	var mrs []domain.MergeRequest
	gjson.ParseBytes(body).ForEach(func(_, mr gjson.Result) bool {
		mrs = append(mrs, domain.MergeRequest{
			IID:       mr.Get("iid").Int(),
			ProjectID: project,
			Title:     mr.Get("title").String(),
			WebURL:    mr.Get("web_url").String(),
			HeadSHA:   mr.Get("sha").String(),
			Author:    mr.Get("author.username").String(),
		})
		return true
	})
	return mrs, nil
}

func (c *HTTPClient) GetDiff(ctx context.Context, project string, mrID int64) ([]domain.FileDiff, error) {
	body, err := c.get(ctx, fmt.Sprintf("/api/v4/projects/%s/merge_requests/%d/diffs",
		url.PathEscape(project), mrID))
	if err != nil {
		return nil, &types.SourceControlError{Op: "get diff", Err: err}
	}

	var diffs []domain.FileDiff
	gjson.ParseBytes(body).ForEach(func(_, d gjson.Result) bool {
		diffs = append(diffs, domain.FileDiff{
			Path:        d.Get("new_path").String(),
			OldPath:     d.Get("old_path").String(),
			AddedFile:   d.Get("new_file").Bool(),
			DeletedFile: d.Get("deleted_file").Bool(),
			RenamedFile: d.Get("renamed_file").Bool(),
			Patch:       d.Get("diff").String(),
		})
		return true
	})
	return diffs, nil
}

func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("PRIVATE-TOKEN", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid json response")
	}
	return body, nil
}

func truncate(b []byte, max int) string {
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
