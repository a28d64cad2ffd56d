package store

import (
	"context"
	"time"
)

// Status of a review record. Transitions only happen through the
// orchestrator: PENDING -> RUNNING -> SUCCEEDED | FAILED | PENDING.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// ReviewRecord is the durable state of one (project, MR) review.
// Exactly one record exists per key; it is never deleted, only
// superseded in place when the head SHA advances.
type ReviewRecord struct {
	ProjectID  string     `json:"project_id"`
	MRID       int64      `json:"mr_id"`
	HeadSHA    string     `json:"head_sha"`
	Status     Status     `json:"status"`
	Attempts   int        `json:"attempts"` // pipeline executions for the current HeadSHA
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Version    int64      `json:"version"` // bumped on every mutation, checked on every write
}

// Terminal reports whether the record reached a final state for its
// current head SHA.
func (r *ReviewRecord) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

// Transition describes one guarded state change. Nil pointer fields keep
// the stored value; LastError is applied as given unless ClearError is
// set. AttemptsDelta adjusts the attempt counter (+1 when a pipeline
// execution starts, -1 when a RUNNING transition is rolled back on
// backpressure).
type Transition struct {
	Status        Status
	StartedAt     *time.Time
	FinishedAt    *time.Time
	LastError     string
	ClearError    bool
	AttemptsDelta int
}

// Repository persists review records with optimistic concurrency.
// TryTransition performs a compare-and-swap on the record version: a
// types.ErrConflict result means another writer advanced the record and
// the caller must re-read and re-decide.
type Repository interface {
	Get(ctx context.Context, projectID string, mrID int64) (*ReviewRecord, error)
	UpsertPending(ctx context.Context, projectID string, mrID int64, headSHA string) (*ReviewRecord, error)
	TryTransition(ctx context.Context, rec *ReviewRecord, tr Transition) error
	ListStaleRunning(ctx context.Context, olderThan time.Duration) ([]*ReviewRecord, error)
	Close() error
}
