package models

import "time"

// TriggerType is how an event or workflow gets started.
type TriggerType string

const (
	TriggerTypeManual   TriggerType = "manual"
	TriggerTypeSchedule TriggerType = "schedule"
	TriggerTypeWebhook  TriggerType = "webhook"
)

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	EventStatusActive   EventStatus = "active"
	EventStatusPaused   EventStatus = "paused"
	EventStatusDraft    EventStatus = "draft"
	EventStatusArchived EventStatus = "archived"
)

// EventType identifies what an event executes.
type EventType string

const (
	EventTypeBash        EventType = "BASH"
	EventTypePython      EventType = "PYTHON"
	EventTypeNode        EventType = "NODE"
	EventTypeHTTPRequest EventType = "HTTP_REQUEST"
	EventTypeToolAction  EventType = "TOOL_ACTION"
)

// ScheduleUnit is the unit of a fixed-interval schedule.
type ScheduleUnit string

const (
	ScheduleUnitSeconds ScheduleUnit = "seconds"
	ScheduleUnitMinutes ScheduleUnit = "minutes"
	ScheduleUnitHours   ScheduleUnit = "hours"
	ScheduleUnitDays    ScheduleUnit = "days"
)

// NotifyOn selects which outcomes a webhook target is notified about.
type NotifyOn string

const (
	NotifyOnSuccess NotifyOn = "success"
	NotifyOnFailure NotifyOn = "failure"
	NotifyOnAlways  NotifyOn = "always"
)

// Event is a user-defined executable unit: a script, an HTTP request or a tool action,
// optionally recurring on a cron expression or a fixed interval.
type Event struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"          validate:"required"`
	UserID      string      `json:"user_id"`
	Type        EventType   `json:"type"          validate:"required,oneof=BASH PYTHON NODE HTTP_REQUEST TOOL_ACTION"`
	Status      EventStatus `json:"status"        validate:"required"`
	TriggerType TriggerType `json:"trigger_type"  validate:"required,oneof=manual schedule webhook"`

	Content     string              `json:"content,omitempty"`
	HTTPRequest *HTTPRequestPayload `json:"http_request,omitempty"`
	ToolAction  *ToolActionPayload  `json:"tool_action,omitempty"`
	Environment map[string]string   `json:"environment,omitempty"`
	Timeout     time.Duration       `json:"timeout,omitempty"`

	// CustomSchedule is a cron expression; when empty ScheduleNumber/ScheduleUnit apply.
	CustomSchedule string       `json:"custom_schedule,omitempty"`
	ScheduleNumber int          `json:"schedule_number,omitempty" validate:"gte=0"`
	ScheduleUnit   ScheduleUnit `json:"schedule_unit,omitempty"   validate:"omitempty,oneof=seconds minutes hours days"`
	StartTime      *time.Time   `json:"start_time,omitempty"`

	// MaxExecutions bounds the recurring chain; 0 means unlimited.
	MaxExecutions  int        `json:"max_executions"            validate:"gte=0"`
	ExecutionCount int        `json:"execution_count"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`

	Webhooks []WebhookTarget `json:"webhooks,omitempty" validate:"dive"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WebhookTarget is an outbound notification destination attached to an event.
type WebhookTarget struct {
	URL        string            `json:"url"                    validate:"required,url"`
	Secret     string            `json:"secret,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	On         NotifyOn          `json:"on"                     validate:"required,oneof=success failure always"`
	MaxRetries int               `json:"max_retries,omitempty"`

	// RetryDelayMS and BackoffMultiplier override the delivery queue's backoff when set.
	RetryDelayMS      int64   `json:"retry_delay_ms,omitempty"     validate:"gte=0"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty" validate:"omitempty,gte=1"`
}

// IsActive reports whether the event accepts new executions.
func (e *Event) IsActive() bool {
	return e.Status == EventStatusActive
}

// IsRecurring reports whether the event is schedule-triggered.
func (e *Event) IsRecurring() bool {
	return e.TriggerType == TriggerTypeSchedule
}

// ExecutionLimitReached reports whether MaxExecutions has been hit.
func (e *Event) ExecutionLimitReached() bool {
	return e.MaxExecutions > 0 && e.ExecutionCount >= e.MaxExecutions
}

// JobType derives the dispatch job type from the event shape.
func (e *Event) JobType() JobType {
	switch {
	case e.Type == EventTypeToolAction || e.ToolAction != nil:
		return JobTypeToolAction
	case e.Type == EventTypeHTTPRequest || e.HTTPRequest != nil:
		return JobTypeHTTPRequest
	default:
		return JobTypeScript
	}
}

// Accepts reports whether this target should be notified for the given outcome.
func (w WebhookTarget) Accepts(success bool) bool {
	switch w.On {
	case NotifyOnAlways:
		return true
	case NotifyOnSuccess:
		return success
	case NotifyOnFailure:
		return !success
	default:
		return false
	}
}
