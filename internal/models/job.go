package models

import "time"

// JobStatus is the lifecycle state of an analysis job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// AnalysisJob represents one URL awaiting or undergoing analysis
type AnalysisJob struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	EmailID     string          `json:"email_id,omitempty"`
	Status      JobStatus       `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      *AnalysisResult `json:"analysis_result,omitempty"`

	// DeliveryID is the queue message that carried the job (Redis stream entry ID)
	DeliveryID string `json:"-"`
}
