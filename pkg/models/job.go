package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the state of a dispatchable job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusTimeout   JobStatus = "timeout"
)

// IsTerminal reports whether no further transition is expected.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return true
	default:
		return false
	}
}

// JobType selects the payload variant carried by a job.
type JobType string

const (
	JobTypeScript      JobType = "SCRIPT"
	JobTypeHTTPRequest JobType = "HTTP_REQUEST"
	JobTypeToolAction  JobType = "TOOL_ACTION"
)

// Job is a unit of dispatchable work.
type Job struct {
	ID           string      `json:"id"`
	EventID      string      `json:"event_id"`
	WorkflowID   string      `json:"workflow_id,omitempty"`
	UserID       string      `json:"user_id,omitempty"`
	Type         JobType     `json:"type"`
	Status       JobStatus   `json:"status"`
	Priority     int         `json:"priority"`
	ScheduledFor time.Time   `json:"scheduled_for"`
	Payload      JobPayload  `json:"payload"`
	Result       *JobOutcome `json:"result,omitempty"`
	Metadata     JobMetadata `json:"metadata"`
	Attempts     int         `json:"attempts"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// JobPayload is a tagged union: exactly one of Script, HTTP or Tool is set, matching Kind.
type JobPayload struct {
	Kind        JobType             `json:"kind"`
	Script      *ScriptPayload      `json:"script,omitempty"`
	HTTP        *HTTPRequestPayload `json:"http,omitempty"`
	Tool        *ToolActionPayload  `json:"tool,omitempty"`
	Input       json.RawMessage     `json:"input,omitempty"`
	Environment map[string]string   `json:"environment,omitempty"`
	Timeout     time.Duration       `json:"timeout,omitempty"`
}

// ScriptPayload carries a script for the external runtime.
type ScriptPayload struct {
	Language EventType `json:"language"`
	Content  string    `json:"content"`
}

// HTTPRequestPayload describes an outbound HTTP request job.
type HTTPRequestPayload struct {
	Method  string            `json:"method"  validate:"required,oneof=GET POST PUT PATCH DELETE HEAD"`
	URL     string            `json:"url"     validate:"required,url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// ToolActionPayload describes a call to an external tool integration.
type ToolActionPayload struct {
	ToolType   string          `json:"tool_type"  validate:"required"`
	ToolID     string          `json:"tool_id"    validate:"required"`
	ActionID   string          `json:"action_id"  validate:"required"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// JobMetadata records scheduling intent and traceability for a job.
type JobMetadata struct {
	IsRecurring     bool           `json:"is_recurring"`
	ExecutionNumber int            `json:"execution_number,omitempty"`
	PreviousJobID   string         `json:"previous_job_id,omitempty"`
	LogID           string         `json:"log_id,omitempty"`
	TriggeredBy     TriggerType    `json:"triggered_by,omitempty"`
	WorkflowRunID   string         `json:"workflow_run_id,omitempty"`
	NodeID          string         `json:"node_id,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// JobOutcome is what the runtime reported when the job finished.
type JobOutcome struct {
	ExitCode     *int            `json:"exit_code,omitempty"`
	Output       string          `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	ScriptOutput json.RawMessage `json:"script_output,omitempty"`
	Condition    *bool           `json:"condition,omitempty"`
	Duration     time.Duration   `json:"duration,omitempty"`
}
