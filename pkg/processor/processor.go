package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tidemark/outboxd/pkg/config"
	"github.com/tidemark/outboxd/pkg/health"
	"github.com/tidemark/outboxd/pkg/store"
)

// Processor is the dispatcher/worker loop: it claims a bounded batch of
// pending events with mutual exclusion, routes each to a handler by event
// type, and records success, retry, or dead-letter. All terminal-state
// writes of a cycle commit together in the claiming transaction.
type Processor struct {
	repo        store.OutBoxRepository
	registry    *Registry
	logger      *zap.Logger
	tracer      trace.Tracer
	monitor     *health.Monitor
	batchSize   int
	maxAttempts int
}

// NewProcessor creates a new instance of Processor.
func NewProcessor(repo store.OutBoxRepository, registry *Registry, cfg *config.Settings, logger *zap.Logger, monitor *health.Monitor) *Processor {
	return &Processor{
		repo:        repo,
		registry:    registry,
		logger:      logger,
		tracer:      otel.Tracer("outboxd"),
		monitor:     monitor,
		batchSize:   cfg.Worker.BatchSize,
		maxAttempts: cfg.Worker.MaxAttempts,
	}
}

// RunOnce executes a single batch cycle and returns the number of events
// dispatched. The heartbeat is updated on every completed cycle, including
// cycles that claimed nothing.
func (p *Processor) RunOnce(ctx context.Context) (n int, err error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "ProcessBatch")
	defer span.End()

	batch, err := p.repo.BeginBatch(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("begin batch: %w", err)
	}
	defer func() {
		if err != nil {
			batch.Rollback()
		}
	}()

	events, err := batch.ClaimPending(ctx, p.batchSize)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("claim batch: %w", err)
	}

	for _, event := range events {
		p.dispatch(ctx, batch, event)
	}

	if err = batch.Commit(); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("commit batch: %w", err)
	}

	span.SetAttributes(attribute.Int("batch.events", len(events)))
	p.monitor.CycleComplete(len(events), time.Since(start))
	return len(events), nil
}

// Run drives RunOnce continuously. A full batch is followed immediately by
// another claim attempt; otherwise the waiter decides how long to idle. A
// canceled context stops new batches but lets the in-flight batch commit.
func (p *Processor) Run(ctx context.Context, waiter Waiter) error {
	p.logger.Info("outbox worker started",
		zap.Int("batch_size", p.batchSize),
		zap.Int("max_attempts", p.maxAttempts),
		zap.Strings("event_types", p.registry.EventTypes()))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox worker stopped")
			return nil
		default:
		}

		n, err := p.RunOnce(context.WithoutCancel(ctx))
		if err != nil {
			p.logger.Error("batch cycle failed", zap.Error(err))
			waiter.Wait(ctx)
			continue
		}
		if n >= p.batchSize {
			// Queue likely non-empty, claim again without waiting.
			continue
		}
		waiter.Wait(ctx)
	}
}

func (p *Processor) dispatch(ctx context.Context, batch store.Batch, event store.OutboxEvent) {
	ctx, span := p.tracer.Start(ctx, "DispatchEvent", trace.WithAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", event.EventType),
		attribute.Int("event.attempts", event.Attempts),
	))
	defer span.End()

	err := p.invoke(ctx, batch, event)
	if err == nil {
		if markErr := batch.MarkProcessed(ctx, event.ID); markErr != nil {
			span.RecordError(markErr)
			p.logger.Error("failed to mark event processed",
				zap.String("event_id", event.ID), zap.Error(markErr))
			return
		}
		p.monitor.EventProcessed()
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	attempts := event.Attempts + 1
	if attempts >= p.maxAttempts {
		if dlErr := batch.DeadLetter(ctx, event.ID, attempts, err.Error()); dlErr != nil {
			p.logger.Error("failed to dead-letter event",
				zap.String("event_id", event.ID), zap.Error(dlErr))
			return
		}
		p.monitor.EventDeadLettered()
		p.logger.Error("event dead-lettered",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.EventType),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return
	}

	if recErr := batch.RecordFailure(ctx, event.ID, attempts, err.Error()); recErr != nil {
		p.logger.Error("failed to record event failure",
			zap.String("event_id", event.ID), zap.Error(recErr))
		return
	}
	p.monitor.EventRetried()
	p.logger.Warn("event failed, will retry",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.Int("attempts", attempts),
		zap.Error(err))
}

// invoke resolves and runs the handler, converting a panic into an error so
// one bad event can never take down the loop.
func (p *Processor) invoke(ctx context.Context, batch store.Batch, event store.OutboxEvent) (err error) {
	handler, ok := p.registry.Resolve(event.EventType)
	if !ok {
		return fmt.Errorf("no handler registered for event type %q", event.EventType)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return handler.Handle(ctx, event, &batchEnqueuer{batch: batch})
}

type batchEnqueuer struct {
	batch store.Batch
}

func (b *batchEnqueuer) Enqueue(ctx context.Context, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal chained payload for %s: %w", eventType, err)
	}
	return b.batch.Enqueue(ctx, store.NewEvent(eventType, raw))
}
