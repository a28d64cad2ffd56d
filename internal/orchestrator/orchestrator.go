// Package orchestrator is the only writer of review record state. It
// deduplicates candidates from the poller and the webhook ingestor,
// gates concurrency through the record state machine, and hands
// admitted work to a bounded worker pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mr-review-orchestrator/internal/domain"
	"mr-review-orchestrator/internal/metrics"
	"mr-review-orchestrator/internal/store"
	"mr-review-orchestrator/internal/types"
)

// Executor runs one review attempt. Satisfied by *pipeline.Pipeline.
type Executor interface {
	Execute(ctx context.Context, cand domain.Candidate) (*domain.ReviewResult, error)
}

type Orchestrator struct {
	repo        store.Repository
	pipeline    Executor
	pool        *WorkerPool
	maxAttempts int
	timeout     time.Duration // per-review deadline on the worker

	inflight sync.WaitGroup
}

func New(repo store.Repository, pipeline Executor, pool *WorkerPool, maxAttempts int, timeout time.Duration) *Orchestrator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Orchestrator{
		repo:        repo,
		pipeline:    pipeline,
		pool:        pool,
		maxAttempts: maxAttempts,
		timeout:     timeout,
	}
}

// EnqueueReview admits a review candidate. It is safe to call
// concurrently from the poller and the webhook handler for the same
// merge request: the record version gate guarantees at most one
// RUNNING review per (project, MR).
//
// Returns nil when the candidate was admitted or skipped as a
// duplicate, types.ErrQueueFull when the worker queue is saturated.
func (o *Orchestrator) EnqueueReview(ctx context.Context, cand domain.Candidate) error {
	if !cand.Valid() {
		return &types.ValidationError{Reason: fmt.Sprintf("incomplete candidate %s/%d", cand.ProjectID, cand.MRID)}
	}

	rec, err := o.repo.UpsertPending(ctx, cand.ProjectID, cand.MRID, cand.HeadSHA)
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			// Another producer superseded the head between our read and
			// write. Their snapshot wins; nothing to do.
			slog.Debug("enqueue lost upsert race", "project", cand.ProjectID, "mr", cand.MRID)
			metrics.EnqueueTotal.WithLabelValues("conflict").Inc()
			return nil
		}
		return fmt.Errorf("upsert review record: %w", err)
	}

	if rec.Status == store.StatusRunning {
		slog.Debug("review already running", "project", cand.ProjectID, "mr", cand.MRID, "head", rec.HeadSHA)
		metrics.EnqueueTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	if rec.Terminal() && rec.HeadSHA == cand.HeadSHA {
		slog.Debug("head already reviewed", "project", cand.ProjectID, "mr", cand.MRID,
			"head", cand.HeadSHA, "status", rec.Status)
		metrics.EnqueueTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	now := time.Now().UTC()
	err = o.repo.TryTransition(ctx, rec, store.Transition{
		Status:        store.StatusRunning,
		StartedAt:     &now,
		AttemptsDelta: 1,
	})
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			// A concurrent enqueue claimed the record first.
			slog.Debug("enqueue lost running race", "project", cand.ProjectID, "mr", cand.MRID)
			metrics.EnqueueTotal.WithLabelValues("conflict").Inc()
			return nil
		}
		return fmt.Errorf("transition to running: %w", err)
	}

	snapshot := *rec
	o.inflight.Add(1)
	if err := o.pool.Submit(func(ctx context.Context) {
		defer o.inflight.Done()
		o.run(ctx, cand, &snapshot)
	}); err != nil {
		o.inflight.Done()
		// The record was already claimed; put it back so the next
		// producer tick can try again. AttemptsDelta undoes the claim:
		// attempts only counts executed pipeline runs.
		if revertErr := o.repo.TryTransition(ctx, rec, store.Transition{
			Status:        store.StatusPending,
			AttemptsDelta: -1,
		}); revertErr != nil {
			slog.Error("failed to revert running claim on backpressure",
				"project", cand.ProjectID, "mr", cand.MRID, "error", revertErr)
		}
		metrics.EnqueueTotal.WithLabelValues("backpressure").Inc()
		return err
	}

	metrics.EnqueueTotal.WithLabelValues("admitted").Inc()
	return nil
}

// run executes one review attempt on a worker and records the terminal
// outcome. rec is this goroutine's private snapshot of the claimed
// record; its version guards the terminal write.
func (o *Orchestrator) run(ctx context.Context, cand domain.Candidate, rec *store.ReviewRecord) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	result, err := o.pipeline.Execute(ctx, cand)

	now := time.Now().UTC()
	var tr store.Transition
	var outcome string

	switch {
	case err == nil:
		tr = store.Transition{Status: store.StatusSucceeded, FinishedAt: &now, ClearError: true}
		outcome = "success"
		slog.Info("review succeeded", "project", cand.ProjectID, "mr", cand.MRID,
			"head", cand.HeadSHA, "score", result.Score, "attempt", rec.Attempts)
	case types.IsRetryable(err) && rec.Attempts < o.maxAttempts:
		tr = store.Transition{Status: store.StatusPending, LastError: err.Error()}
		outcome = "retry"
		slog.Warn("review attempt failed, will retry", "project", cand.ProjectID, "mr", cand.MRID,
			"attempt", rec.Attempts, "max_attempts", o.maxAttempts, "error", err)
	default:
		tr = store.Transition{Status: store.StatusFailed, FinishedAt: &now, LastError: err.Error()}
		outcome = "failure"
		slog.Error("review failed permanently", "project", cand.ProjectID, "mr", cand.MRID,
			"attempt", rec.Attempts, "retryable", types.IsRetryable(err), "error", err)
	}

	// The worker outlives request contexts; the terminal write must not
	// be lost to the per-review deadline.
	writeCtx, writeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer writeCancel()

	if err := o.repo.TryTransition(writeCtx, rec, tr); err != nil {
		if errors.Is(err, types.ErrConflict) {
			// The head advanced while this attempt ran; the result
			// describes a diff nobody cares about anymore.
			slog.Warn("dropping stale review outcome", "project", cand.ProjectID, "mr", cand.MRID,
				"head", cand.HeadSHA)
			metrics.ReviewsTotal.WithLabelValues("stale").Inc()
			return
		}
		slog.Error("failed to record review outcome", "project", cand.ProjectID, "mr", cand.MRID,
			"error", err)
		return
	}

	metrics.ReviewsTotal.WithLabelValues(outcome).Inc()
}

// WaitForCompletion blocks until every admitted review has recorded its
// outcome. Used by shutdown and tests.
func (o *Orchestrator) WaitForCompletion() {
	o.inflight.Wait()
}
