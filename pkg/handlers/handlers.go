// Package handlers provides the built-in handler families for the outbox
// worker: search indexing, long-running imports, and scheduled mailbox
// reconciliation. All handlers are idempotent; redelivery of an event
// produces the same end state as a single delivery.
package handlers

import (
	"context"

	"github.com/tidemark/outboxd/pkg/importjob"
	"github.com/tidemark/outboxd/pkg/jobstatus"
)

// Event types dispatched by the worker.
const (
	EventItemUpserted = "item_upserted"
	EventItemArchived = "item_archived"
	EventFileUpserted = "file_upserted"
	EventFileArchived = "file_archived"
	EventImportJobRun = "import_job_run"
	EventMailboxSync  = "mailbox_sync_requested"
	EventRenewalSweep = "calendar_watch_renewal"
)

// StatusTracker is the job status surface handlers write to. Implemented by
// *jobstatus.Tracker; all methods are best-effort from a handler's point of
// view, a tracker failure never fails the event.
type StatusTracker interface {
	MarkProcessing(ctx context.Context, orgID, entityType, entityID, action string) (*jobstatus.Record, error)
	MarkSucceeded(ctx context.Context, orgID, entityType, entityID string) (*jobstatus.Record, error)
	MarkFailed(ctx context.Context, orgID, entityType, entityID, errMsg string) (*jobstatus.Record, error)
	MarkSkipped(ctx context.Context, orgID, entityType, entityID, reason string) (*jobstatus.Record, error)
}

// ImportJobStore is the import parent-row surface used by ImportJobHandler.
// Implemented by *importjob.Store.
type ImportJobStore interface {
	Get(ctx context.Context, id string) (*importjob.Job, error)
	MarkRunning(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, processed, total int) error
	MarkCompleted(ctx context.Context, id string, summary importjob.Summary) error
	MarkFailed(ctx context.Context, id, msg string) error
}
