package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobPending         JobStatus = "pending"
	JobRunning         JobStatus = "running"
	JobSucceeded       JobStatus = "succeeded"
	JobFailed          JobStatus = "failed"
	JobCancelled       JobStatus = "cancelled"
	JobCancelRequested JobStatus = "cancel_requested"
)

// JobKind enumerates the durable background work this system performs.
type JobKind string

const (
	JobOcrExtract           JobKind = "ocr_extract"
	JobCategorizeTransaction JobKind = "categorize_transaction"
	JobMatchReceipt         JobKind = "match_receipt"
	JobGenerateReport       JobKind = "generate_report"
	JobSyncReferenceData    JobKind = "sync_reference_data"
	JobWarmCache            JobKind = "warm_cache"
	JobPurgeStaleEmbeddings JobKind = "purge_stale_embeddings"
)

// JobProgress tracks unit-of-work completion for ETA computation and
// cancellation-safe checkpointing.
type JobProgress struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Job is a single unit of durable, at-least-once background work.
type Job struct {
	ID             uuid.UUID       `json:"id"`
	Kind           JobKind         `json:"kind"`
	UserID         *uuid.UUID      `json:"user_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Status         JobStatus       `json:"status"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	NextVisibleAt  time.Time       `json:"next_visible_at"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at"`
	Progress       JobProgress     `json:"progress"`
	ResultRef      string          `json:"result_ref,omitempty"`
	Error          string          `json:"error,omitempty"`
	RowVersion     int64           `json:"row_version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ETA estimates completion time given an average per-unit processing cost.
func (j *Job) ETA(now time.Time, avgPerUnit time.Duration) *time.Time {
	remaining := j.Progress.Total - j.Progress.Processed
	if remaining <= 0 {
		return &now
	}
	eta := now.Add(time.Duration(remaining) * avgPerUnit)
	return &eta
}
