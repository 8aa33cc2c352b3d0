package models

import (
	"encoding/json"
	"strings"
	"time"
)

// TimeoutExitCode is the exit code the runtime reports for a run that exceeded its deadline.
const TimeoutExitCode = -1

// JobResult is the assembled outcome of a finished job.
type JobResult struct {
	JobID        string          `json:"job_id"`
	Success      bool            `json:"success"`
	Status       JobStatus       `json:"status"`
	Output       string          `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	ScriptOutput json.RawMessage `json:"script_output,omitempty"`
	Condition    *bool           `json:"condition,omitempty"`
	ExitCode     *int            `json:"exit_code,omitempty"`
	Duration     time.Duration   `json:"duration"`
	ExecutionID  string          `json:"execution_id,omitempty"`
}

// CompletionCallback is what an external runtime reports when a job finishes.
type CompletionCallback struct {
	Status       JobStatus       `json:"status,omitempty"       validate:"omitempty,oneof=completed failed cancelled timeout"`
	ExitCode     *int            `json:"exit_code,omitempty"`
	Output       string          `json:"output,omitempty"`
	Stdout       string          `json:"stdout,omitempty"`
	Stderr       string          `json:"stderr,omitempty"`
	Error        string          `json:"error,omitempty"`
	ScriptOutput json.RawMessage `json:"script_output,omitempty"`
	Condition    *bool           `json:"condition,omitempty"`
	ExecutionID  string          `json:"execution_id,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// TerminalStatus folds the status string and the exit code into one status.
// The timeout exit code wins over a missing status; an explicit status wins otherwise.
func (c CompletionCallback) TerminalStatus() JobStatus {
	if c.Status.IsTerminal() {
		return c.Status
	}

	if c.ExitCode != nil {
		switch *c.ExitCode {
		case TimeoutExitCode:
			return JobStatusTimeout
		case 0:
			return JobStatusCompleted
		default:
			return JobStatusFailed
		}
	}

	if c.Error != "" {
		return JobStatusFailed
	}

	return JobStatusCompleted
}

// CombinedOutput returns stdout and the error text, either from the split streams or the
// combined output field.
func (c CompletionCallback) CombinedOutput() (string, string) {
	output := c.Output
	if output == "" {
		output = c.Stdout
	}

	errText := c.Error
	if errText == "" {
		errText = strings.TrimSpace(c.Stderr)
	}

	return output, errText
}
