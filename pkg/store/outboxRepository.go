package store

import (
	"context"
	"database/sql"
)

// OutBoxRepository defines the database operations for outbox events.
type OutBoxRepository interface {
	// Enqueue inserts a pending event. When tx is non-nil the insert joins the
	// caller's transaction, so the business write and the event commit
	// together or not at all. When tx is nil the insert opens and commits its
	// own transaction immediately.
	Enqueue(ctx context.Context, tx *sql.Tx, event *OutboxEvent) error
	// BeginBatch opens the claim transaction for one worker cycle.
	BeginBatch(ctx context.Context) (Batch, error)
}

// Batch is one claim cycle. Rows returned by ClaimPending stay locked until
// Commit or Rollback, and the terminal-state writes only exist here so they
// can never run outside the claiming transaction.
type Batch interface {
	// ClaimPending selects up to limit pending events oldest-first, skipping
	// rows locked by a concurrent claimant.
	ClaimPending(ctx context.Context, limit int) ([]OutboxEvent, error)
	// MarkProcessed sets processed_at on a claimed event.
	MarkProcessed(ctx context.Context, eventID string) error
	// RecordFailure stores the new attempt count and last error, leaving the
	// event claimable on a future cycle.
	RecordFailure(ctx context.Context, eventID string, attempts int, lastError string) error
	// DeadLetter sets dead_lettered_at; the event is never claimed again.
	DeadLetter(ctx context.Context, eventID string, attempts int, lastError string) error
	// Enqueue inserts a chained event inside the batch transaction.
	Enqueue(ctx context.Context, event *OutboxEvent) error
	Commit() error
	Rollback() error
}
