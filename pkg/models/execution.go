package models

import (
	"encoding/json"
	"time"
)

// Execution is the runtime-level record of one attempt to run a job.
type Execution struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	EventID      string          `json:"event_id"`
	Status       JobStatus       `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ExitCode     *int            `json:"exit_code,omitempty"`
	Output       string          `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	ScriptOutput json.RawMessage `json:"script_output,omitempty"`
	Condition    *bool           `json:"condition,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// LogStatus is the user-facing status of a run log.
type LogStatus string

const (
	LogStatusPending   LogStatus = "PENDING"
	LogStatusRunning   LogStatus = "RUNNING"
	LogStatusSuccess   LogStatus = "SUCCESS"
	LogStatusFailure   LogStatus = "FAILURE"
	LogStatusTimeout   LogStatus = "TIMEOUT"
	LogStatusCancelled LogStatus = "CANCELLED"
)

// Log tracks one run of an event as shown to users.
type Log struct {
	ID           string          `json:"id"`
	EventID      string          `json:"event_id"`
	JobID        string          `json:"job_id,omitempty"`
	WorkflowID   string          `json:"workflow_id,omitempty"`
	Status       LogStatus       `json:"status"`
	Output       string          `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	ScriptOutput json.RawMessage `json:"script_output,omitempty"`
	Condition    *bool           `json:"condition,omitempty"`
	ExitCode     *int            `json:"exit_code,omitempty"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	Duration     time.Duration   `json:"duration,omitempty"`
}

// LogStatusFor maps a terminal job status to the log status shown to users.
func LogStatusFor(status JobStatus) LogStatus {
	switch status {
	case JobStatusCompleted:
		return LogStatusSuccess
	case JobStatusFailed:
		return LogStatusFailure
	case JobStatusTimeout:
		return LogStatusTimeout
	case JobStatusCancelled:
		return LogStatusCancelled
	case JobStatusRunning, JobStatusClaimed:
		return LogStatusRunning
	default:
		return LogStatusPending
	}
}
