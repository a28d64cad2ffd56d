// Package pipeline executes one review unit of work: fetch the diff,
// collect supplementary context, call the AI reviewer through the
// circuit breaker, and publish the completion event. Classification of
// the outcome (success / retryable / permanent) is carried on the
// returned error's retry tag; the orchestrator owns the record
// transitions.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mr-review-orchestrator/internal/ai"
	"mr-review-orchestrator/internal/breaker"
	"mr-review-orchestrator/internal/contextsvc"
	"mr-review-orchestrator/internal/domain"
	"mr-review-orchestrator/internal/metrics"
	"mr-review-orchestrator/internal/notify"
	"mr-review-orchestrator/internal/scm"
	"mr-review-orchestrator/internal/types"

	"github.com/google/uuid"
)

type Pipeline struct {
	scm      scm.Client
	provider contextsvc.Provider
	reviewer ai.Reviewer
	breaker  *breaker.Breaker
	sink     notify.Sink // nil when no sink is configured
}

func New(scmClient scm.Client, provider contextsvc.Provider, reviewer ai.Reviewer, brk *breaker.Breaker, sink notify.Sink) *Pipeline {
	return &Pipeline{
		scm:      scmClient,
		provider: provider,
		reviewer: reviewer,
		breaker:  brk,
		sink:     sink,
	}
}

// Execute reviews the candidate's current head. The returned error's
// retry tag tells the orchestrator whether the record goes back to
// PENDING or to FAILED.
func (p *Pipeline) Execute(ctx context.Context, cand domain.Candidate) (*domain.ReviewResult, error) {
	start := time.Now()
	slog.Info("pipeline start", "project", cand.ProjectID, "mr", cand.MRID, "head", cand.HeadSHA)

	diffs, err := p.scm.GetDiff(ctx, cand.ProjectID, cand.MRID)
	if err != nil {
		metrics.ProcessingDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("fetch diff: %w", err)
	}
	if len(diffs) == 0 {
		// Nothing to review is a successful review of nothing.
		slog.Info("empty diff, skipping ai call", "project", cand.ProjectID, "mr", cand.MRID)
		result := &domain.ReviewResult{Score: 10, Summary: "No reviewable changes in diff."}
		p.publish(cand, result, len(diffs))
		metrics.ProcessingDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
		return result, nil
	}

	blob, err := p.provider.GetContext(ctx, cand.ProjectID, cand.MRID, diffs)
	if err != nil {
		metrics.ProcessingDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("fetch context: %w", err)
	}

	var result *domain.ReviewResult
	err = p.breaker.Do(ctx, func(ctx context.Context) error {
		var reviewErr error
		result, reviewErr = p.reviewer.Review(ctx, ai.ReviewRequest{
			ProjectID: cand.ProjectID,
			MRID:      cand.MRID,
			Title:     cand.Title,
			Diffs:     diffs,
			Context:   blob,
		})
		return reviewErr
	})
	if err != nil {
		metrics.ProcessingDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if err == breaker.ErrOpen {
			// Fail fast without touching the backend; retryable so the
			// record returns to PENDING instead of poisoning history.
			return nil, &types.AIError{Retry: true, Err: err}
		}
		return nil, fmt.Errorf("ai review: %w", err)
	}

	slog.Info("pipeline done",
		"project", cand.ProjectID,
		"mr", cand.MRID,
		"score", result.Score,
		"suggestions", len(result.Suggestions),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	p.publish(cand, result, len(diffs))
	metrics.ProcessingDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
	return result, nil
}

// publish sends the completion event. Best effort: errors are logged
// and counted, never propagated.
func (p *Pipeline) publish(cand domain.Candidate, result *domain.ReviewResult, filesChanged int) {
	if p.sink == nil {
		return
	}

	event := domain.CompletionEvent{
		RunID:        uuid.NewString(),
		ProjectID:    cand.ProjectID,
		MRID:         cand.MRID,
		Title:        cand.Title,
		URL:          cand.WebURL,
		Score:        result.Score,
		FilesChanged: filesChanged,
		Success:      true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.sink.Publish(ctx, event); err != nil {
		slog.Error("publish completion event failed", "error", err, "run_id", event.RunID)
		metrics.NotifyFailures.Inc()
	}
}
