package importjob

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of an import job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is the parent row for one long-running import.
type Job struct {
	ID         string          `json:"id"`
	OrgID      string          `json:"org_id"`
	Kind       string          `json:"kind"`
	Status     Status          `json:"status"`
	Processed  int             `json:"processed"`
	Total      int             `json:"total"`
	Error      string          `json:"error,omitempty"`
	Summary    json.RawMessage `json:"summary,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Terminal reports whether the job already finished; a duplicate-dispatched
// event for a terminal job must be a no-op.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Summary is the structured completion report stored on success.
type Summary struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}
