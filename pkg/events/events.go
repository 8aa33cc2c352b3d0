// Package events defines the notifications the execution core publishes on the event bus.
package events

import (
	"time"

	"github.com/dukex/runbook/pkg/models"
	"github.com/google/uuid"
)

type EventType string

const Topic = "runbook.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Job lifecycle events.
	JobScheduledEvent  EventType = "job.scheduled"
	JobDispatchedEvent EventType = "job.dispatched"
	JobCompletedEvent  EventType = "job.completed"
	JobFailedEvent     EventType = "job.failed"

	// Workflow run events.
	WorkflowRunStartedEvent  EventType = "workflow.run.started"
	WorkflowRunFinishedEvent EventType = "workflow.run.finished"

	// Delivery and fault isolation events.
	WebhookDeliveredEvent    EventType = "webhook.delivered"
	WebhookDeadLetteredEvent EventType = "webhook.dead_lettered"
	CircuitStateChangedEvent EventType = "circuit.state_changed"
)

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// JobScheduled is published whenever a job record is created.
type JobScheduled struct {
	BaseEvent

	JobID           string         `json:"job_id"`
	EventID         string         `json:"event_id"`
	WorkflowID      string         `json:"workflow_id,omitempty"`
	JobType         models.JobType `json:"job_type"`
	ScheduledFor    time.Time      `json:"scheduled_for"`
	IsRecurring     bool           `json:"is_recurring"`
	ExecutionNumber int            `json:"execution_number,omitempty"`
}

func (e JobScheduled) GetType() EventType {
	return JobScheduledEvent
}

// JobDispatched hands a claimed job to the external runtime.
type JobDispatched struct {
	BaseEvent

	Job *models.Job `json:"job"`
}

func (e JobDispatched) GetType() EventType {
	return JobDispatchedEvent
}

// JobFinished reports a job reaching a terminal status.
type JobFinished struct {
	BaseEvent

	JobID      string           `json:"job_id"`
	EventID    string           `json:"event_id"`
	WorkflowID string           `json:"workflow_id,omitempty"`
	Status     models.JobStatus `json:"status"`
	ExitCode   *int             `json:"exit_code,omitempty"`
	Output     string           `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	Duration   time.Duration    `json:"duration"`
}

// GetType derives the event type from the job status.
func (e JobFinished) GetType() EventType {
	if e.Status == models.JobStatusCompleted {
		return JobCompletedEvent
	}

	return JobFailedEvent
}

func (e JobFinished) Success() bool {
	return e.Status == models.JobStatusCompleted
}

type WorkflowRunStarted struct {
	BaseEvent

	WorkflowID  string             `json:"workflow_id"`
	RunID       string             `json:"run_id"`
	TriggeredBy models.TriggerType `json:"triggered_by"`
}

func (e WorkflowRunStarted) GetType() EventType {
	return WorkflowRunStartedEvent
}

type WorkflowRunFinished struct {
	BaseEvent

	WorkflowID    string        `json:"workflow_id"`
	RunID         string        `json:"run_id"`
	Success       bool          `json:"success"`
	ExecutedNodes int           `json:"executed_nodes"`
	FailedNodes   []string      `json:"failed_nodes,omitempty"`
	Duration      time.Duration `json:"duration"`
}

func (e WorkflowRunFinished) GetType() EventType {
	return WorkflowRunFinishedEvent
}

type WebhookDelivered struct {
	BaseEvent

	ItemID   string        `json:"item_id"`
	URL      string        `json:"url"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

func (e WebhookDelivered) GetType() EventType {
	return WebhookDeliveredEvent
}

type WebhookDeadLettered struct {
	BaseEvent

	ItemID   string `json:"item_id"`
	URL      string `json:"url"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

func (e WebhookDeadLettered) GetType() EventType {
	return WebhookDeadLetteredEvent
}

type CircuitStateChanged struct {
	BaseEvent

	Key  string `json:"key"`
	From string `json:"from"`
	To   string `json:"to"`
}

func (e CircuitStateChanged) GetType() EventType {
	return CircuitStateChangedEvent
}

// New returns an empty event value for eventType, ready to be decoded into.
func New(eventType EventType) (any, bool) {
	switch eventType {
	case JobScheduledEvent:
		return &JobScheduled{}, true
	case JobDispatchedEvent:
		return &JobDispatched{}, true
	case JobCompletedEvent, JobFailedEvent:
		return &JobFinished{}, true
	case WorkflowRunStartedEvent:
		return &WorkflowRunStarted{}, true
	case WorkflowRunFinishedEvent:
		return &WorkflowRunFinished{}, true
	case WebhookDeliveredEvent:
		return &WebhookDelivered{}, true
	case WebhookDeadLetteredEvent:
		return &WebhookDeadLettered{}, true
	case CircuitStateChangedEvent:
		return &CircuitStateChanged{}, true
	default:
		return nil, false
	}
}
