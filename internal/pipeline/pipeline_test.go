package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mr-review-orchestrator/internal/ai"
	"mr-review-orchestrator/internal/breaker"
	"mr-review-orchestrator/internal/domain"
	"mr-review-orchestrator/internal/types"
)

type fakeSCM struct {
	diffs []domain.FileDiff
	err   error
	calls int
}

func (f *fakeSCM) ListOpenMRsUpdatedAfter(ctx context.Context, project string, since time.Time, limit int) ([]domain.MergeRequest, error) {
	return nil, nil
}

func (f *fakeSCM) GetDiff(ctx context.Context, project string, mrID int64) ([]domain.FileDiff, error) {
	f.calls++
	return f.diffs, f.err
}

type fakeProvider struct {
	blob string
	err  error
}

func (f *fakeProvider) GetContext(ctx context.Context, project string, mrID int64, diffs []domain.FileDiff) (string, error) {
	return f.blob, f.err
}

type fakeReviewer struct {
	result  *domain.ReviewResult
	err     error
	calls   int
	lastReq ai.ReviewRequest
}

func (f *fakeReviewer) Review(ctx context.Context, req ai.ReviewRequest) (*domain.ReviewResult, error) {
	f.calls++
	f.lastReq = req
	return f.result, f.err
}

type fakeSink struct {
	mu     sync.Mutex
	events []domain.CompletionEvent
	err    error
}

func (f *fakeSink) Publish(ctx context.Context, event domain.CompletionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

var testCandidate = domain.Candidate{
	ProjectID: "24",
	MRID:      1,
	HeadSHA:   "abc123",
	Title:     "Fix login",
	WebURL:    "https://git.example.com/group/proj/-/merge_requests/1",
}

func newTestPipeline(scmC *fakeSCM, prov *fakeProvider, rev *fakeReviewer, sink *fakeSink) *Pipeline {
	brk := breaker.New(breaker.Config{MinCalls: 100})
	return New(scmC, prov, rev, brk, sink)
}

func TestExecute_Success(t *testing.T) {
	scmC := &fakeSCM{diffs: []domain.FileDiff{{Path: "a.go", Patch: "+x\n"}, {Path: "b.go", Patch: "-y\n"}}}
	prov := &fakeProvider{blob: "related code"}
	rev := &fakeReviewer{result: &domain.ReviewResult{Score: 7, Summary: "ok"}}
	sink := &fakeSink{}

	result, err := newTestPipeline(scmC, prov, rev, sink).Execute(context.Background(), testCandidate)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Score != 7 {
		t.Errorf("expected score 7, got %d", result.Score)
	}
	if rev.lastReq.Context != "related code" {
		t.Errorf("context blob not threaded through, got %q", rev.lastReq.Context)
	}
	if rev.lastReq.Title != "Fix login" {
		t.Errorf("title not threaded through, got %q", rev.lastReq.Title)
	}

	if sink.count() != 1 {
		t.Fatalf("expected 1 completion event, got %d", sink.count())
	}
	ev := sink.events[0]
	if ev.RunID == "" {
		t.Error("completion event must carry a run id")
	}
	if ev.FilesChanged != 2 || ev.Score != 7 || !ev.Success {
		t.Errorf("unexpected completion event %+v", ev)
	}
}

func TestExecute_EmptyDiffSkipsReviewer(t *testing.T) {
	scmC := &fakeSCM{}
	rev := &fakeReviewer{}
	sink := &fakeSink{}

	result, err := newTestPipeline(scmC, &fakeProvider{}, rev, sink).Execute(context.Background(), testCandidate)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rev.calls != 0 {
		t.Errorf("reviewer must not be called for an empty diff, got %d calls", rev.calls)
	}
	if result.Score != 10 {
		t.Errorf("expected score 10 for empty diff, got %d", result.Score)
	}
	if sink.count() != 1 {
		t.Errorf("empty-diff success still publishes, got %d events", sink.count())
	}
}

func TestExecute_DiffFailureIsRetryable(t *testing.T) {
	scmC := &fakeSCM{err: &types.SourceControlError{Op: "diff", Err: errors.New("502")}}
	rev := &fakeReviewer{}

	_, err := newTestPipeline(scmC, &fakeProvider{}, rev, &fakeSink{}).Execute(context.Background(), testCandidate)
	if err == nil {
		t.Fatal("expected error")
	}
	if !types.IsRetryable(err) {
		t.Errorf("diff failure must stay retryable through wrapping, got %v", err)
	}
	if rev.calls != 0 {
		t.Error("reviewer must not run when the diff fetch fails")
	}
}

func TestExecute_ContextFailureIsRetryable(t *testing.T) {
	scmC := &fakeSCM{diffs: []domain.FileDiff{{Path: "a.go"}}}
	prov := &fakeProvider{err: &types.ContextUnavailableError{Err: errors.New("timeout")}}
	rev := &fakeReviewer{}

	_, err := newTestPipeline(scmC, prov, rev, &fakeSink{}).Execute(context.Background(), testCandidate)
	if err == nil {
		t.Fatal("expected error")
	}
	if !types.IsRetryable(err) {
		t.Errorf("context failure must stay retryable through wrapping, got %v", err)
	}
	if rev.calls != 0 {
		t.Error("reviewer must not run when context fetch fails")
	}
}

func TestExecute_NonRetryableAIErrorPropagates(t *testing.T) {
	scmC := &fakeSCM{diffs: []domain.FileDiff{{Path: "a.go"}}}
	rev := &fakeReviewer{err: &types.AIError{StatusCode: 401, Retry: false, Err: errors.New("bad key")}}
	sink := &fakeSink{}

	_, err := newTestPipeline(scmC, &fakeProvider{}, rev, sink).Execute(context.Background(), testCandidate)
	if err == nil {
		t.Fatal("expected error")
	}
	if types.IsRetryable(err) {
		t.Errorf("401 must stay non-retryable through wrapping, got %v", err)
	}
	if sink.count() != 0 {
		t.Error("failed review must not publish a completion event")
	}
}

func TestExecute_OpenBreakerFailsFastRetryable(t *testing.T) {
	scmC := &fakeSCM{diffs: []domain.FileDiff{{Path: "a.go"}}}
	rev := &fakeReviewer{err: &types.AIError{StatusCode: 503, Retry: true, Err: errors.New("overloaded")}}

	brk := breaker.New(breaker.Config{MinCalls: 1, FailureThreshold: 0.5, Cooldown: time.Hour})
	p := New(scmC, &fakeProvider{}, rev, brk, nil)

	// First call fails through to the backend and trips the breaker.
	if _, err := p.Execute(context.Background(), testCandidate); err == nil {
		t.Fatal("expected first call to fail")
	}
	callsAfterTrip := rev.calls

	_, err := p.Execute(context.Background(), testCandidate)
	if err == nil {
		t.Fatal("expected fail-fast error")
	}
	if !errors.Is(err, breaker.ErrOpen) {
		t.Errorf("expected ErrOpen in chain, got %v", err)
	}
	if !types.IsRetryable(err) {
		t.Errorf("open-breaker failure must be retryable, got %v", err)
	}
	if rev.calls != callsAfterTrip {
		t.Error("backend must not be called while the breaker is open")
	}
}

func TestExecute_SinkFailureDoesNotFailReview(t *testing.T) {
	scmC := &fakeSCM{diffs: []domain.FileDiff{{Path: "a.go"}}}
	rev := &fakeReviewer{result: &domain.ReviewResult{Score: 9}}
	sink := &fakeSink{err: errors.New("bot down")}

	result, err := newTestPipeline(scmC, &fakeProvider{}, rev, sink).Execute(context.Background(), testCandidate)
	if err != nil {
		t.Fatalf("sink failure must not fail the review: %v", err)
	}
	if result.Score != 9 {
		t.Errorf("expected score 9, got %d", result.Score)
	}
}
