package importjob

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorLen = 2000

const (
	jobColumns = `id, org_id, kind, status, processed, total, COALESCE(error, ''), summary, created_at, started_at, finished_at, updated_at`

	createJobSQL      = `INSERT INTO import_jobs (id, org_id, kind, status, processed, total, created_at, updated_at) VALUES ($1, $2, $3, 'pending', 0, $4, now(), now())`
	getJobSQL         = `SELECT ` + jobColumns + ` FROM import_jobs WHERE id = $1`
	markRunningSQL    = `UPDATE import_jobs SET status = 'running', started_at = COALESCE(started_at, now()), updated_at = now() WHERE id = $1 AND status NOT IN ('completed', 'failed')`
	updateProgressSQL = `UPDATE import_jobs SET processed = $1, total = $2, updated_at = now() WHERE id = $3 AND status NOT IN ('completed', 'failed')`
	markCompletedSQL  = `UPDATE import_jobs SET status = 'completed', summary = $1, processed = $2, finished_at = now(), updated_at = now() WHERE id = $3 AND status NOT IN ('completed', 'failed')`
	markFailedSQL     = `UPDATE import_jobs SET status = 'failed', error = $1, finished_at = now(), updated_at = now() WHERE id = $2 AND status NOT IN ('completed', 'failed')`
)

// Store persists import-job parent rows. All state transitions refuse to
// touch jobs that already reached a terminal status.
type Store struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, tracer: otel.Tracer("outboxd")}
}

// Create inserts a pending job. When tx is non-nil the insert joins the
// caller's transaction, typically alongside the outbox event that schedules
// the run.
func (s *Store) Create(ctx context.Context, tx *sql.Tx, job *Job) error {
	ctx, span := s.tracer.Start(ctx, "CreateImportJob")
	defer span.End()

	exec := s.db.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	if _, err := exec(ctx, createJobSQL, job.ID, job.OrgID, job.Kind, job.Total); err != nil {
		span.RecordError(err)
		return fmt.Errorf("create import job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns a job by id, or nil when none exists.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	ctx, span := s.tracer.Start(ctx, "GetImportJob")
	defer span.End()

	var (
		job       Job
		errMsg    string
		summary   []byte
		startedAt sql.NullTime
		finished  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, getJobSQL, id).Scan(
		&job.ID, &job.OrgID, &job.Kind, &job.Status, &job.Processed, &job.Total,
		&errMsg, &summary, &job.CreatedAt, &startedAt, &finished, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get import job %s: %w", id, err)
	}

	job.Error = errMsg
	job.Summary = summary
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finished.Valid {
		job.FinishedAt = &finished.Time
	}
	return &job, nil
}

// MarkRunning transitions a non-terminal job to running.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	return s.exec(ctx, "MarkImportRunning", markRunningSQL, id)
}

// UpdateProgress stores the coarse-grained progress counters. Callers are
// expected to throttle; this writes unconditionally.
func (s *Store) UpdateProgress(ctx context.Context, id string, processed, total int) error {
	return s.exec(ctx, "UpdateImportProgress", updateProgressSQL, processed, total, id)
}

// MarkCompleted stores the structured summary and stamps finished_at.
func (s *Store) MarkCompleted(ctx context.Context, id string, summary Summary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal import summary: %w", err)
	}
	processed := summary.Created + summary.Updated + summary.Skipped + summary.Failed
	return s.exec(ctx, "MarkImportCompleted", markCompletedSQL, raw, processed, id)
}

// MarkFailed records a truncated failure message and stamps finished_at.
func (s *Store) MarkFailed(ctx context.Context, id, msg string) error {
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return s.exec(ctx, "MarkImportFailed", markFailedSQL, msg, id)
}

func (s *Store) exec(ctx context.Context, spanName, query string, args ...any) error {
	ctx, span := s.tracer.Start(ctx, spanName)
	defer span.End()

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s: %w", spanName, err)
	}
	return nil
}
