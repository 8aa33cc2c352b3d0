// Package web exposes the execution core over HTTP.
package web

import (
	"encoding/json"
	"time"

	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/webhook"
)

// ValidateGraphRequest asks whether a graph, plus an optional pending connection, is valid.
type ValidateGraphRequest struct {
	Nodes       []*models.WorkflowNode `json:"nodes"       validate:"dive"`
	Connections []*models.Connection   `json:"connections" validate:"dive"`
	Pending     *models.Connection     `json:"pending,omitempty"`
}

type ValidateScheduleRequest struct {
	Expression string `json:"expression" validate:"required"`
}

// RunRequest carries the input handed to the first job(s) of a run.
type RunRequest struct {
	Input json.RawMessage `json:"input,omitempty"`
}

type JobAcceptedResponse struct {
	JobID string `json:"job_id"`
}

type PendingResultResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type QueueResponse struct {
	Stats      webhook.Stats  `json:"stats"`
	Pending    []webhook.Item `json:"pending"`
	Processing []webhook.Item `json:"processing"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
