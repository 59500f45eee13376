package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	insertEventSQL   = `INSERT INTO outbox_events (id, event_type, payload, created_at, attempts) VALUES ($1, $2, $3, $4, 0)`
	notifySQL        = `SELECT pg_notify($1, $2)`
	claimPendingSQL  = `SELECT id, event_type, payload, created_at, attempts, COALESCE(last_error, '') FROM outbox_events WHERE processed_at IS NULL AND dead_lettered_at IS NULL ORDER BY created_at, id FOR UPDATE SKIP LOCKED LIMIT $1`
	markProcessedSQL = `UPDATE outbox_events SET processed_at=$1 WHERE id=$2 AND processed_at IS NULL AND dead_lettered_at IS NULL`
	recordFailureSQL = `UPDATE outbox_events SET attempts=$1, last_error=$2 WHERE id=$3 AND processed_at IS NULL AND dead_lettered_at IS NULL`
	deadLetterSQL    = `UPDATE outbox_events SET attempts=$1, last_error=$2, dead_lettered_at=$3 WHERE id=$4 AND processed_at IS NULL AND dead_lettered_at IS NULL`
)

// PostgresRepository stores outbox events in Postgres. When channel is
// non-empty, Enqueue emits a pg_notify inside the insert transaction, so the
// wakeup fires at commit time and never for rolled-back events.
type PostgresRepository struct {
	db      *sql.DB
	channel string
	tracer  trace.Tracer
}

func NewPostgresRepository(db *sql.DB, channel string) *PostgresRepository {
	return &PostgresRepository{
		db:      db,
		channel: channel,
		tracer:  otel.Tracer("outboxd"),
	}
}

func (p *PostgresRepository) Enqueue(ctx context.Context, tx *sql.Tx, event *OutboxEvent) (err error) {
	ctx, span := p.tracer.Start(ctx, "Enqueue")
	defer span.End()
	start := time.Now()

	ownTx := tx == nil
	if ownTx {
		tx, err = p.db.BeginTx(ctx, nil)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() {
			if err != nil {
				tx.Rollback()
			}
		}()
	}

	if len(event.Payload) == 0 {
		event.Payload = json.RawMessage(`{}`)
	}
	event.Payload = enrichPayload(ctx, event.Payload)

	if _, err = tx.ExecContext(ctx, insertEventSQL,
		event.ID, event.EventType, []byte(event.Payload), event.CreatedAt); err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert outbox event: %w", err)
	}

	if p.channel != "" {
		// Postgres delivers notifications at commit, so this wakes idle
		// workers exactly when the event becomes claimable.
		if _, err = tx.ExecContext(ctx, notifySQL, p.channel, event.EventType); err != nil {
			span.RecordError(err)
			return fmt.Errorf("notify %s: %w", p.channel, err)
		}
	}

	if ownTx {
		if err = tx.Commit(); err != nil {
			span.RecordError(err)
			return fmt.Errorf("commit enqueue tx: %w", err)
		}
	}

	addDBStatsToSpan(span, "Enqueue", 1, time.Since(start))
	return nil
}

func (p *PostgresRepository) BeginBatch(ctx context.Context) (Batch, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch tx: %w", err)
	}
	return &postgresBatch{tx: tx, repo: p, tracer: p.tracer}, nil
}

type postgresBatch struct {
	tx     *sql.Tx
	repo   *PostgresRepository
	tracer trace.Tracer
}

func (b *postgresBatch) ClaimPending(ctx context.Context, limit int) ([]OutboxEvent, error) {
	ctx, span := b.tracer.Start(ctx, "ClaimPending")
	defer span.End()
	start := time.Now()

	rows, err := b.tx.QueryContext(ctx, claimPendingSQL, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("claim pending events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var (
			event   OutboxEvent
			payload []byte
		)
		if err := rows.Scan(&event.ID, &event.EventType, &payload,
			&event.CreatedAt, &event.Attempts, &event.LastError); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		event.Payload = payload
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}

	addDBStatsToSpan(span, "ClaimPending", len(events), time.Since(start))
	return events, nil
}

func (b *postgresBatch) MarkProcessed(ctx context.Context, eventID string) error {
	ctx, span := b.tracer.Start(ctx, "MarkProcessed")
	defer span.End()

	if _, err := b.tx.ExecContext(ctx, markProcessedSQL, time.Now().UTC(), eventID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark event %s processed: %w", eventID, err)
	}
	return nil
}

func (b *postgresBatch) RecordFailure(ctx context.Context, eventID string, attempts int, lastError string) error {
	ctx, span := b.tracer.Start(ctx, "RecordFailure")
	defer span.End()

	if _, err := b.tx.ExecContext(ctx, recordFailureSQL, attempts, truncateError(lastError), eventID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("record failure for event %s: %w", eventID, err)
	}
	return nil
}

func (b *postgresBatch) DeadLetter(ctx context.Context, eventID string, attempts int, lastError string) error {
	ctx, span := b.tracer.Start(ctx, "DeadLetter")
	defer span.End()

	if _, err := b.tx.ExecContext(ctx, deadLetterSQL, attempts, truncateError(lastError), time.Now().UTC(), eventID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("dead-letter event %s: %w", eventID, err)
	}
	return nil
}

func (b *postgresBatch) Enqueue(ctx context.Context, event *OutboxEvent) error {
	return b.repo.Enqueue(ctx, b.tx, event)
}

func (b *postgresBatch) Commit() error   { return b.tx.Commit() }
func (b *postgresBatch) Rollback() error { return b.tx.Rollback() }
