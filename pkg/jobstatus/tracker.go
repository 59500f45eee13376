package jobstatus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxLastErrorLen = 2000

const (
	recordColumns = `org_id, entity_type, entity_id, action, status, attempts, COALESCE(last_error, ''), queued_at, started_at, finished_at, updated_at, COALESCE(requested_by, '')`

	enqueueJobSQL = `INSERT INTO index_jobs (org_id, entity_type, entity_id, action, status, attempts, last_error, queued_at, updated_at, requested_by) VALUES ($1, $2, $3, $4, 'queued', 0, NULL, now(), now(), $5) ON CONFLICT (org_id, entity_type, entity_id) DO UPDATE SET action = EXCLUDED.action, status = 'queued', attempts = 0, last_error = NULL, queued_at = now(), started_at = NULL, finished_at = NULL, updated_at = now(), requested_by = EXCLUDED.requested_by RETURNING ` + recordColumns

	markProcessingSQL = `INSERT INTO index_jobs (org_id, entity_type, entity_id, action, status, attempts, queued_at, started_at, updated_at) VALUES ($1, $2, $3, $4, 'processing', 0, now(), now(), now()) ON CONFLICT (org_id, entity_type, entity_id) DO UPDATE SET action = EXCLUDED.action, status = 'processing', started_at = now(), finished_at = NULL, updated_at = now() RETURNING ` + recordColumns

	markSucceededSQL = `INSERT INTO index_jobs (org_id, entity_type, entity_id, status, attempts, queued_at, finished_at, updated_at) VALUES ($1, $2, $3, 'succeeded', 0, now(), now(), now()) ON CONFLICT (org_id, entity_type, entity_id) DO UPDATE SET status = 'succeeded', last_error = NULL, finished_at = now(), updated_at = now() RETURNING ` + recordColumns

	markFailedSQL = `INSERT INTO index_jobs (org_id, entity_type, entity_id, status, attempts, last_error, queued_at, finished_at, updated_at) VALUES ($1, $2, $3, 'failed', 1, $4, now(), now(), now()) ON CONFLICT (org_id, entity_type, entity_id) DO UPDATE SET status = 'failed', attempts = index_jobs.attempts + 1, last_error = EXCLUDED.last_error, finished_at = now(), updated_at = now() RETURNING ` + recordColumns

	markSkippedSQL = `INSERT INTO index_jobs (org_id, entity_type, entity_id, status, attempts, last_error, queued_at, finished_at, updated_at) VALUES ($1, $2, $3, 'skipped', 0, $4, now(), now(), now()) ON CONFLICT (org_id, entity_type, entity_id) DO UPDATE SET status = 'skipped', last_error = EXCLUDED.last_error, finished_at = now(), updated_at = now() RETURNING ` + recordColumns

	getJobSQL = `SELECT ` + recordColumns + ` FROM index_jobs WHERE org_id = $1 AND entity_type = $2 AND entity_id = $3`

	probeSQL = `SELECT to_regclass('index_jobs')`
)

// Tracker maintains per-entity job status rows. Every transition is an
// idempotent upsert keyed by (org_id, entity_type, entity_id). When the
// backing table is missing the write functions degrade to synthetic
// not_configured records instead of returning an error, so callers keep
// working on instances where the feature is not provisioned.
type Tracker struct {
	db     *sql.DB
	logger *zap.Logger
	tracer trace.Tracer

	probeOnce sync.Once
	available bool
}

func NewTracker(db *sql.DB, logger *zap.Logger) *Tracker {
	return &Tracker{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("outboxd"),
	}
}

// tableAvailable probes for the index_jobs relation once and caches the
// result for the lifetime of the process.
func (t *Tracker) tableAvailable(ctx context.Context) bool {
	t.probeOnce.Do(func() {
		var reg sql.NullString
		err := t.db.QueryRowContext(ctx, probeSQL).Scan(&reg)
		t.available = err == nil && reg.Valid
		if !t.available {
			t.logger.Warn("index_jobs table unavailable, job status tracking disabled",
				zap.Error(err))
		}
	})
	return t.available
}

// EnqueueJob creates or resets the record for a key to queued, zeroing
// attempts and clearing any prior error.
func (t *Tracker) EnqueueJob(ctx context.Context, orgID, entityType, entityID, action, requestedBy string) (*Record, error) {
	if !t.tableAvailable(ctx) {
		return synthetic(orgID, entityType, entityID, action), nil
	}
	return t.upsert(ctx, "EnqueueJob", enqueueJobSQL, orgID, entityType, entityID, action, requestedBy)
}

// MarkProcessing upserts the record to processing, stamping started_at. It is
// safe to call without a prior queued row; the insert arm self-heals.
func (t *Tracker) MarkProcessing(ctx context.Context, orgID, entityType, entityID, action string) (*Record, error) {
	if !t.tableAvailable(ctx) {
		return synthetic(orgID, entityType, entityID, action), nil
	}
	return t.upsert(ctx, "MarkProcessing", markProcessingSQL, orgID, entityType, entityID, action)
}

// MarkSucceeded stamps finished_at and clears the last error.
func (t *Tracker) MarkSucceeded(ctx context.Context, orgID, entityType, entityID string) (*Record, error) {
	if !t.tableAvailable(ctx) {
		return synthetic(orgID, entityType, entityID, ""), nil
	}
	return t.upsert(ctx, "MarkSucceeded", markSucceededSQL, orgID, entityType, entityID)
}

// MarkFailed records the failure message and increments attempts.
func (t *Tracker) MarkFailed(ctx context.Context, orgID, entityType, entityID, errMsg string) (*Record, error) {
	if !t.tableAvailable(ctx) {
		return synthetic(orgID, entityType, entityID, ""), nil
	}
	return t.upsert(ctx, "MarkFailed", markFailedSQL, orgID, entityType, entityID, truncate(errMsg))
}

// MarkSkipped records that processing was intentionally not performed, e.g.
// because the indexing backend is not configured.
func (t *Tracker) MarkSkipped(ctx context.Context, orgID, entityType, entityID, reason string) (*Record, error) {
	if !t.tableAvailable(ctx) {
		return synthetic(orgID, entityType, entityID, ""), nil
	}
	return t.upsert(ctx, "MarkSkipped", markSkippedSQL, orgID, entityType, entityID, truncate(reason))
}

// GetJob returns the record for a key, or nil when none exists. It never
// blocks on the outbox.
func (t *Tracker) GetJob(ctx context.Context, orgID, entityType, entityID string) (*Record, error) {
	if !t.tableAvailable(ctx) {
		return synthetic(orgID, entityType, entityID, ""), nil
	}

	ctx, span := t.tracer.Start(ctx, "GetJob")
	defer span.End()

	rec, err := scanRecord(t.db.QueryRowContext(ctx, getJobSQL, orgID, entityType, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get job %s/%s/%s: %w", orgID, entityType, entityID, err)
	}
	return rec, nil
}

func (t *Tracker) upsert(ctx context.Context, spanName, query string, args ...any) (*Record, error) {
	ctx, span := t.tracer.Start(ctx, spanName)
	defer span.End()

	rec, err := scanRecord(t.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		// The probe can pass and the table still disappear underneath us
		// (e.g. a rollback migration); degrade the same way.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P01" {
			t.logger.Warn("index_jobs table dropped after probe, degrading", zap.Error(err))
			org, _ := args[0].(string)
			entityType, _ := args[1].(string)
			entityID, _ := args[2].(string)
			return synthetic(org, entityType, entityID, ""), nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("%s: %w", spanName, err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		queuedAt  sql.NullTime
		startedAt sql.NullTime
		finished  sql.NullTime
	)
	err := row.Scan(&rec.OrgID, &rec.EntityType, &rec.EntityID, &rec.Action,
		&rec.Status, &rec.Attempts, &rec.LastError,
		&queuedAt, &startedAt, &finished, &rec.UpdatedAt, &rec.RequestedBy)
	if err != nil {
		return nil, err
	}
	if queuedAt.Valid {
		rec.QueuedAt = &queuedAt.Time
	}
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if finished.Valid {
		rec.FinishedAt = &finished.Time
	}
	rec.TableAvailable = true
	return &rec, nil
}

func truncate(msg string) string {
	if len(msg) > maxLastErrorLen {
		return msg[:maxLastErrorLen]
	}
	return msg
}
