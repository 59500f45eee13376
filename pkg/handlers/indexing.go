package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tidemark/outboxd/pkg/processor"
	"github.com/tidemark/outboxd/pkg/store"
)

// Indexer pushes catalog entities to the search backend. An unconfigured
// backend is a valid state: events are then marked skipped, not failed.
type Indexer interface {
	IndexEntity(ctx context.Context, orgID, entityType, entityID string, doc json.RawMessage) error
	RemoveEntity(ctx context.Context, orgID, entityType, entityID string) error
	Configured() bool
}

// IndexingHandler processes *_upserted and *_archived events for one entity
// type. It brackets the indexing call with job status transitions so polling
// clients see queued → processing → succeeded/failed/skipped, and it
// propagates handler failures to the status record before the outbox retry
// bookkeeping runs.
type IndexingHandler struct {
	entityType string
	indexer    Indexer
	tracker    StatusTracker
	logger     *zap.Logger
}

func NewIndexingHandler(entityType string, indexer Indexer, tracker StatusTracker, logger *zap.Logger) *IndexingHandler {
	return &IndexingHandler{
		entityType: entityType,
		indexer:    indexer,
		tracker:    tracker,
		logger:     logger,
	}
}

type indexingPayload struct {
	OrgID    string          `json:"org_id"`
	EntityID string          `json:"entity_id"`
	ItemID   string          `json:"item_id"`
	FileID   string          `json:"file_id"`
	Document json.RawMessage `json:"document"`
}

func (p indexingPayload) id() string {
	switch {
	case p.EntityID != "":
		return p.EntityID
	case p.ItemID != "":
		return p.ItemID
	default:
		return p.FileID
	}
}

func (h *IndexingHandler) Handle(ctx context.Context, event store.OutboxEvent, _ processor.Enqueuer) error {
	var payload indexingPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", event.EventType, err)
	}
	entityID := payload.id()
	if payload.OrgID == "" || entityID == "" {
		return fmt.Errorf("%s payload missing org_id or entity id", event.EventType)
	}

	action := "upsert"
	if strings.HasSuffix(event.EventType, "_archived") {
		action = "delete"
	}

	if _, err := h.tracker.MarkProcessing(ctx, payload.OrgID, h.entityType, entityID, action); err != nil {
		h.logger.Warn("status tracker unavailable for mark_processing",
			zap.String("entity_id", entityID), zap.Error(err))
	}

	if !h.indexer.Configured() {
		if _, err := h.tracker.MarkSkipped(ctx, payload.OrgID, h.entityType, entityID,
			"indexing backend not configured"); err != nil {
			h.logger.Warn("status tracker unavailable for mark_skipped",
				zap.String("entity_id", entityID), zap.Error(err))
		}
		return nil
	}

	var indexErr error
	if action == "delete" {
		indexErr = h.indexer.RemoveEntity(ctx, payload.OrgID, h.entityType, entityID)
	} else {
		indexErr = h.indexer.IndexEntity(ctx, payload.OrgID, h.entityType, entityID, payload.Document)
	}

	if indexErr != nil {
		if _, err := h.tracker.MarkFailed(ctx, payload.OrgID, h.entityType, entityID, indexErr.Error()); err != nil {
			h.logger.Warn("status tracker unavailable for mark_failed",
				zap.String("entity_id", entityID), zap.Error(err))
		}
		return fmt.Errorf("index %s %s: %w", h.entityType, entityID, indexErr)
	}

	if _, err := h.tracker.MarkSucceeded(ctx, payload.OrgID, h.entityType, entityID); err != nil {
		h.logger.Warn("status tracker unavailable for mark_succeeded",
			zap.String("entity_id", entityID), zap.Error(err))
	}
	return nil
}
