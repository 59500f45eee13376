package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tidemark/outboxd/pkg/importjob"
	"github.com/tidemark/outboxd/pkg/processor"
	"github.com/tidemark/outboxd/pkg/store"
)

// progressInterval throttles progress writes so polling clients observe
// liveness without the import hammering storage.
const progressInterval = 2 * time.Second

// Runner executes one import job, reporting progress through the callback.
// The business transformation inside a run is up to the embedding
// application.
type Runner interface {
	Run(ctx context.Context, job importjob.Job, progress func(processed, total int)) (importjob.Summary, error)
}

// ImportJobHandler drives long-running import jobs. It is safe against
// duplicate dispatch: a job already in a terminal state is a no-op.
type ImportJobHandler struct {
	jobs          ImportJobStore
	runner        Runner
	logger        *zap.Logger
	progressEvery time.Duration
	now           func() time.Time
}

func NewImportJobHandler(jobs ImportJobStore, runner Runner, logger *zap.Logger) *ImportJobHandler {
	return &ImportJobHandler{
		jobs:          jobs,
		runner:        runner,
		logger:        logger,
		progressEvery: progressInterval,
		now:           time.Now,
	}
}

type importPayload struct {
	JobID string `json:"job_id"`
	OrgID string `json:"org_id"`
}

func (h *ImportJobHandler) Handle(ctx context.Context, event store.OutboxEvent, _ processor.Enqueuer) error {
	var payload importPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", event.EventType, err)
	}
	if payload.JobID == "" {
		return fmt.Errorf("%s payload missing job_id", event.EventType)
	}

	job, err := h.jobs.Get(ctx, payload.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("import job %s not found", payload.JobID)
	}
	if job.Terminal() {
		h.logger.Info("import job already terminal, skipping",
			zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		return nil
	}

	if err := h.jobs.MarkRunning(ctx, job.ID); err != nil {
		return err
	}

	var lastFlush time.Time
	progress := func(processed, total int) {
		now := h.now()
		if now.Sub(lastFlush) < h.progressEvery {
			return
		}
		lastFlush = now
		if err := h.jobs.UpdateProgress(ctx, job.ID, processed, total); err != nil {
			h.logger.Warn("failed to flush import progress",
				zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	summary, runErr := h.runner.Run(ctx, *job, progress)
	if runErr != nil {
		if err := h.jobs.MarkFailed(ctx, job.ID, runErr.Error()); err != nil {
			h.logger.Error("failed to mark import job failed",
				zap.String("job_id", job.ID), zap.Error(err))
		}
		return fmt.Errorf("run import job %s: %w", job.ID, runErr)
	}

	if err := h.jobs.MarkCompleted(ctx, job.ID, summary); err != nil {
		return err
	}
	h.logger.Info("import job completed",
		zap.String("job_id", job.ID),
		zap.Int("created", summary.Created),
		zap.Int("updated", summary.Updated),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))
	return nil
}
