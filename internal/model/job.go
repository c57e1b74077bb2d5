package model

import "time"

// JobStatus represents the lifecycle state of an outreach job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusStarted    JobStatus = "started"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further mutation of the job is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ErrorCategory is the machine-readable reason recorded on a failed job.
type ErrorCategory string

const (
	CategoryMissingMessageStage     ErrorCategory = "missing_message_stage"
	CategoryCampaignLoadFailed      ErrorCategory = "campaign_load_failed"
	CategoryInvalidMessageStage     ErrorCategory = "invalid_message_stage"
	CategoryInvalidStageSequence    ErrorCategory = "invalid_stage_sequence"
	CategoryClientLoadFailed        ErrorCategory = "client_load_failed"
	CategoryDatabaseFetchFailed     ErrorCategory = "database_fetch_failed"
	CategoryConsecutiveFailures     ErrorCategory = "consecutive_failures"
	CategoryMessageButtonNotFound   ErrorCategory = "message_button_not_found"
	CategorySelectorTimeout         ErrorCategory = "selector_timeout"
	CategoryUnknown                 ErrorCategory = "unknown"
	CategoryRequestValidationFailed ErrorCategory = "request_validation_failed"
)

// DefaultBatchSize is used when a job request omits its batch size.
const DefaultBatchSize = 5

// Job is one execution of a single stage of a campaign.
type Job struct {
	ID            string        `json:"id"`
	CampaignID    string        `json:"campaign_id"`
	Status        JobStatus     `json:"status"`
	Progress      float64       `json:"progress"`
	Error         string        `json:"error,omitempty"`
	ErrorCategory ErrorCategory `json:"error_category,omitempty"`
	MaxProfiles   int           `json:"max_profiles"`
	BatchSize     int           `json:"batch_size"`
	Result        *JobResult    `json:"result,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Stage returns the message stage carried in the job's result payload.
func (j *Job) Stage() (int, bool) {
	if j.Result == nil || j.Result.MessageStage == nil || *j.Result.MessageStage <= 0 {
		return 0, false
	}
	return *j.Result.MessageStage, true
}

// JobResult is the structured payload stored alongside a job. At creation it
// only carries the requested stage; the engine fills in the counts.
type JobResult struct {
	MessageStage *int         `json:"message_stage,omitempty"`
	Requested    int          `json:"requested"`
	Eligible     int          `json:"eligible"`
	Sent         int          `json:"sent"`
	Failed       int          `json:"failed"`
	Skipped      int          `json:"skipped"`
	FailedLeads  []FailedLead `json:"failed_leads,omitempty"`
	Message      string       `json:"message,omitempty"`
}

// FailedLead records a lead whose delivery attempt failed during a job.
type FailedLead struct {
	LeadID string `json:"lead_id"`
	Reason string `json:"reason"`
}

// JobPatch is a partial update of a job record. Nil fields are left untouched.
type JobPatch struct {
	Status        *JobStatus
	Progress      *float64
	Error         *string
	ErrorCategory *ErrorCategory
	Result        *JobResult
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
