package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/tidemark/outboxd/pkg/processor"
	"github.com/tidemark/outboxd/pkg/store"
)

// Syncer reconciles one external account (mailbox, calendar) and returns the
// ids of catalog items that changed.
type Syncer interface {
	SyncAccount(ctx context.Context, orgID, accountID string) (changedItemIDs []string, err error)
}

// SyncHandler runs scheduled reconciliation events. Failures follow the
// normal retry/dead-letter policy; the dispatcher already guarantees one bad
// sync never aborts the rest of the batch. Changed items are chained as
// item_upserted events inside the in-flight batch transaction, so indexing
// work is scheduled atomically with the cycle that discovered it.
type SyncHandler struct {
	syncer Syncer
	logger *zap.Logger
}

func NewSyncHandler(syncer Syncer, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{syncer: syncer, logger: logger}
}

type syncPayload struct {
	OrgID     string `json:"org_id"`
	AccountID string `json:"account_id"`
}

func (h *SyncHandler) Handle(ctx context.Context, event store.OutboxEvent, chain processor.Enqueuer) error {
	var payload syncPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", event.EventType, err)
	}
	if payload.OrgID == "" || payload.AccountID == "" {
		return fmt.Errorf("%s payload missing org_id or account_id", event.EventType)
	}

	changed, err := h.syncer.SyncAccount(ctx, payload.OrgID, payload.AccountID)
	if err != nil {
		return fmt.Errorf("sync account %s: %w", payload.AccountID, err)
	}

	for _, itemID := range changed {
		if err := chain.Enqueue(ctx, EventItemUpserted, map[string]string{
			"org_id":  payload.OrgID,
			"item_id": itemID,
		}); err != nil {
			return fmt.Errorf("chain item_upserted for %s: %w", itemID, err)
		}
	}

	if len(changed) > 0 {
		h.logger.Info("sync produced chained upserts",
			zap.String("account_id", payload.AccountID),
			zap.Int("items", len(changed)))
	}
	return nil
}
