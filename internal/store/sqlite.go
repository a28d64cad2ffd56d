package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"mr-review-orchestrator/internal/types"

	_ "modernc.org/sqlite" // Pure Go driver, CGO-free, compatible with CGO_ENABLED=0
)

// SQLiteRepository implements Repository on a single SQLite file.
// Producers may run as separate processes, so every write is guarded by
// the row version rather than an in-process lock.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS review_records (
        project_id  TEXT NOT NULL,
        mr_id       INTEGER NOT NULL,
        head_sha    TEXT NOT NULL,
        status      TEXT NOT NULL,
        attempts    INTEGER NOT NULL DEFAULT 0,
        last_error  TEXT NOT NULL DEFAULT '',
        created_at  DATETIME NOT NULL,
        updated_at  DATETIME NOT NULL,
        started_at  DATETIME,
        finished_at DATETIME,
        version     INTEGER NOT NULL DEFAULT 1,
        PRIMARY KEY (project_id, mr_id)
    );
    CREATE INDEX IF NOT EXISTS idx_review_records_status ON review_records(status, started_at);
    `
	_, err := db.Exec(schema)
	return err
}

const recordColumns = `project_id, mr_id, head_sha, status, attempts, last_error,
        created_at, updated_at, started_at, finished_at, version`

func (r *SQLiteRepository) Get(ctx context.Context, projectID string, mrID int64) (*ReviewRecord, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT `+recordColumns+`
        FROM review_records WHERE project_id = ? AND mr_id = ?
    `, projectID, mrID)

	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("get record %s/%d: %w", projectID, mrID, err)
	}
	return rec, nil
}

// UpsertPending creates the record on first sight of a (project, MR)
// pair, returns it unchanged while the observed head SHA matches, and
// resets it to PENDING with attempts=0 when new commits moved the head.
func (r *SQLiteRepository) UpsertPending(ctx context.Context, projectID string, mrID int64, headSHA string) (*ReviewRecord, error) {
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
        INSERT INTO review_records (project_id, mr_id, head_sha, status, attempts, last_error, created_at, updated_at, version)
        VALUES (?, ?, ?, ?, 0, '', ?, ?, 1)
        ON CONFLICT(project_id, mr_id) DO NOTHING
    `, projectID, mrID, headSHA, StatusPending, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert record %s/%d: %w", projectID, mrID, err)
	}

	rec, err := r.Get(ctx, projectID, mrID)
	if err != nil {
		return nil, err
	}

	if inserted, _ := res.RowsAffected(); inserted > 0 {
		return rec, nil
	}

	// Existing record: same head means nothing to do, whatever the status.
	if rec.HeadSHA == headSHA {
		return rec, nil
	}

	// Head moved: supersede in place. Attempt history belongs to the old
	// snapshot, so it is wiped along with the lifecycle timestamps. The
	// version check keeps two producers from resetting over each other.
	tag, err := r.db.ExecContext(ctx, `
        UPDATE review_records
        SET head_sha = ?, status = ?, attempts = 0, last_error = '',
            started_at = NULL, finished_at = NULL, updated_at = ?, version = version + 1
        WHERE project_id = ? AND mr_id = ? AND version = ?
    `, headSHA, StatusPending, now, projectID, mrID, rec.Version)
	if err != nil {
		return nil, fmt.Errorf("reset record %s/%d: %w", projectID, mrID, err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("reset record %s/%d: %w", projectID, mrID, types.ErrConflict)
	}

	rec.HeadSHA = headSHA
	rec.Status = StatusPending
	rec.Attempts = 0
	rec.LastError = ""
	rec.StartedAt = nil
	rec.FinishedAt = nil
	rec.UpdatedAt = now
	rec.Version++
	return rec, nil
}

// TryTransition applies tr if and only if the stored version still
// matches rec.Version. On success rec is updated in place to mirror the
// row; on types.ErrConflict rec is left untouched.
func (r *SQLiteRepository) TryTransition(ctx context.Context, rec *ReviewRecord, tr Transition) error {
	now := time.Now().UTC()

	startedAt := rec.StartedAt
	if tr.StartedAt != nil {
		startedAt = tr.StartedAt
	}
	finishedAt := rec.FinishedAt
	if tr.FinishedAt != nil {
		finishedAt = tr.FinishedAt
	}
	lastError := tr.LastError
	if tr.ClearError {
		lastError = ""
	} else if lastError == "" {
		lastError = rec.LastError
	}
	attempts := rec.Attempts + tr.AttemptsDelta
	if attempts < 0 {
		attempts = 0
	}

	tag, err := r.db.ExecContext(ctx, `
        UPDATE review_records
        SET status = ?, attempts = ?, last_error = ?, started_at = ?, finished_at = ?,
            updated_at = ?, version = version + 1
        WHERE project_id = ? AND mr_id = ? AND version = ?
    `, tr.Status, attempts, lastError, nullTime(startedAt), nullTime(finishedAt),
		now, rec.ProjectID, rec.MRID, rec.Version)
	if err != nil {
		return fmt.Errorf("transition record %s/%d: %w", rec.ProjectID, rec.MRID, err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return types.ErrConflict
	}

	rec.Status = tr.Status
	rec.Attempts = attempts
	rec.LastError = lastError
	rec.StartedAt = startedAt
	rec.FinishedAt = finishedAt
	rec.UpdatedAt = now
	rec.Version++
	return nil
}

// ListStaleRunning returns RUNNING records whose pipeline started longer
// than olderThan ago. A crashed process leaves such rows behind; resetting
// them is an operator action, this query only surfaces the candidates.
func (r *SQLiteRepository) ListStaleRunning(ctx context.Context, olderThan time.Duration) ([]*ReviewRecord, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	rows, err := r.db.QueryContext(ctx, `
        SELECT `+recordColumns+`
        FROM review_records
        WHERE status = ? AND started_at IS NOT NULL AND started_at <= ?
        ORDER BY started_at ASC
    `, StatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale running: %w", err)
	}
	defer rows.Close()

	var records []*ReviewRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			slog.Warn("scan record failed", "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Scanner interface to support both Row and Rows
type Scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s Scanner) (*ReviewRecord, error) {
	var rec ReviewRecord
	var startedAt, finishedAt sql.NullTime

	if err := s.Scan(&rec.ProjectID, &rec.MRID, &rec.HeadSHA, &rec.Status, &rec.Attempts,
		&rec.LastError, &rec.CreatedAt, &rec.UpdatedAt, &startedAt, &finishedAt, &rec.Version); err != nil {
		return nil, err
	}

	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return &rec, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
