package jobstatus

import "time"

// Status represents the indexing state of one entity.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"

	// StatusNotIndexed is the serialization placeholder for a missing record.
	StatusNotIndexed Status = "not_indexed"
	// StatusNotConfigured marks the synthetic record returned when the
	// index_jobs table is not provisioned.
	StatusNotConfigured Status = "not_configured"
)

// Record is the live status row for one (org, entity_type, entity_id) key.
// At most one row exists per key; every transition is an upsert.
type Record struct {
	OrgID       string     `json:"org_id"`
	EntityType  string     `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	Action      string     `json:"action,omitempty"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	RequestedBy string     `json:"requested_by_user_id,omitempty"`

	// TableAvailable is false on synthetic records produced while the
	// backing table is missing.
	TableAvailable bool `json:"table_available"`
}

// Serialize renders a record for status read endpoints. A nil record maps to
// the not_indexed placeholder instead of an error.
func Serialize(orgID, entityType, entityID string, rec *Record) *Record {
	if rec == nil {
		return &Record{
			OrgID:          orgID,
			EntityType:     entityType,
			EntityID:       entityID,
			Status:         StatusNotIndexed,
			TableAvailable: true,
		}
	}
	return rec
}

func synthetic(orgID, entityType, entityID, action string) *Record {
	return &Record{
		OrgID:      orgID,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Status:     StatusNotConfigured,
		UpdatedAt:  time.Now().UTC(),
	}
}
