// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/runbook/pkg/models"
	"github.com/google/uuid"
)

// CreateTestEvent creates a recurring bash event that runs every five minutes.
func CreateTestEvent(overrides ...func(*models.Event)) *models.Event {
	event := &models.Event{
		ID:             uuid.New().String(),
		Name:           "Test Event",
		UserID:         "user-1",
		Type:           models.EventTypeBash,
		Status:         models.EventStatusActive,
		TriggerType:    models.TriggerTypeSchedule,
		Content:        "echo hello",
		ScheduleNumber: 5,
		ScheduleUnit:   models.ScheduleUnitMinutes,
	}

	for _, override := range overrides {
		override(event)
	}

	return event
}

// WithCron sets a cron schedule on the event.
func WithCron(expr string) func(*models.Event) {
	return func(e *models.Event) {
		e.CustomSchedule = expr
	}
}

// WithMaxExecutions caps how many times the event may run.
func WithMaxExecutions(maxExecutions, executed int) func(*models.Event) {
	return func(e *models.Event) {
		e.MaxExecutions = maxExecutions
		e.ExecutionCount = executed
	}
}

// WithToolAction turns the event into a tool action.
func WithToolAction(toolType, toolID, actionID string) func(*models.Event) {
	return func(e *models.Event) {
		e.Type = models.EventTypeToolAction
		e.Content = ""
		e.ToolAction = &models.ToolActionPayload{
			ToolType: toolType,
			ToolID:   toolID,
			ActionID: actionID,
		}
	}
}

// WithManualTrigger makes the event one-shot.
func WithManualTrigger() func(*models.Event) {
	return func(e *models.Event) {
		e.TriggerType = models.TriggerTypeManual
	}
}

// CreateTestJob creates a queued script job due now.
func CreateTestJob(overrides ...func(*models.Job)) *models.Job {
	job := &models.Job{
		ID:           uuid.New().String(),
		EventID:      uuid.New().String(),
		Type:         models.JobTypeScript,
		Status:       models.JobStatusQueued,
		ScheduledFor: time.Now().UTC(),
		Payload: models.JobPayload{
			Kind:   models.JobTypeScript,
			Script: &models.ScriptPayload{Language: models.EventTypeBash, Content: "echo hello"},
		},
	}

	for _, override := range overrides {
		override(job)
	}

	return job
}

// WithStatus sets the job status.
func WithStatus(status models.JobStatus) func(*models.Job) {
	return func(j *models.Job) {
		j.Status = status
	}
}

// WithScheduledFor sets when the job becomes due.
func WithScheduledFor(at time.Time) func(*models.Job) {
	return func(j *models.Job) {
		j.ScheduledFor = at
	}
}

// CreateTestWorkflow creates an active workflow whose nodes form a chain in the given order.
func CreateTestWorkflow(nodeIDs ...string) *models.Workflow {
	workflow := &models.Workflow{
		ID:          uuid.New().String(),
		Name:        "Test Workflow",
		Status:      models.WorkflowStatusActive,
		TriggerType: models.TriggerTypeManual,
		Nodes:       make([]*models.WorkflowNode, 0, len(nodeIDs)),
		Connections: make([]*models.Connection, 0),
	}

	for i, id := range nodeIDs {
		workflow.Nodes = append(workflow.Nodes, &models.WorkflowNode{
			ID:        id,
			EventID:   "event-" + id,
			Name:      id,
			PositionX: i * 200,
		})

		if i > 0 {
			workflow.Connections = append(workflow.Connections, &models.Connection{
				ID:             nodeIDs[i-1] + "-" + id,
				SourceNodeID:   nodeIDs[i-1],
				TargetNodeID:   id,
				ConnectionType: models.ConnectionTypeAlways,
			})
		}
	}

	return workflow
}
