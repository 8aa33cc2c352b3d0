// Package scheduler creates job records and chains recurring jobs on completion.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/runbook/pkg/eventbus"
	"github.com/dukex/runbook/pkg/events"
	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/otelhelper"
	"github.com/dukex/runbook/pkg/persistence"
	"github.com/dukex/runbook/pkg/schedule"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrExecutionLimitReached = errors.New("event reached its execution limit")
	ErrNoNextExecution       = errors.New("next execution could not be computed")
	ErrEventNotSchedulable   = errors.New("event is not active")
	ErrJobAlreadyFinished    = errors.New("job already reached a terminal status")
)

// JobSpec describes a job to create.
type JobSpec struct {
	EventID    string
	WorkflowID string
	UserID     string
	Type       models.JobType
	Payload    models.JobPayload
	Priority   int
	Metadata   models.JobMetadata

	// ScheduledFor defaults to now, meaning immediate dispatch.
	ScheduledFor *time.Time
}

type Scheduler struct {
	jobs       persistence.JobRepository
	events     persistence.EventRepository
	executions persistence.ExecutionRepository
	calculator *schedule.Calculator
	publisher  eventbus.EventPublisher
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Scheduler)

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(s *Scheduler) {
		s.publisher = publisher
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = tracer
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(logger *slog.Logger, store persistence.Persistence, calculator *schedule.Calculator, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:       store.JobRepository(),
		events:     store.EventRepository(),
		executions: store.ExecutionRepository(),
		calculator: calculator,
		tracer:     otelhelper.NoopTracer(),
		logger:     logger.With("module", "scheduler"),
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// CreateScheduledJob persists a queued job and returns its id.
func (s *Scheduler) CreateScheduledJob(ctx context.Context, spec JobSpec) (string, error) {
	scheduledFor := s.now()
	if spec.ScheduledFor != nil {
		scheduledFor = spec.ScheduledFor.UTC()
	}

	jobType := spec.Type
	if jobType == "" {
		jobType = spec.Payload.Kind
	}

	job := &models.Job{
		EventID:      spec.EventID,
		WorkflowID:   spec.WorkflowID,
		UserID:       spec.UserID,
		Type:         jobType,
		Status:       models.JobStatusQueued,
		Priority:     spec.Priority,
		ScheduledFor: scheduledFor,
		Payload:      spec.Payload,
		Metadata:     spec.Metadata,
	}

	err := s.jobs.Create(ctx, job)
	if err != nil {
		return "", fmt.Errorf("failed to create job for event %s: %w", spec.EventID, err)
	}

	s.logger.InfoContext(ctx, "job scheduled",
		"job_id", job.ID,
		"event_id", job.EventID,
		"type", job.Type,
		"scheduled_for", job.ScheduledFor,
		"recurring", job.Metadata.IsRecurring)

	s.publish(ctx, job.EventID, events.JobScheduled{
		BaseEvent:       events.NewBaseEvent(events.JobScheduledEvent),
		JobID:           job.ID,
		EventID:         job.EventID,
		WorkflowID:      job.WorkflowID,
		JobType:         job.Type,
		ScheduledFor:    job.ScheduledFor,
		IsRecurring:     job.Metadata.IsRecurring,
		ExecutionNumber: job.Metadata.ExecutionNumber,
	})

	return job.ID, nil
}

// RunNow queues an immediate, non-recurring job for event.
func (s *Scheduler) RunNow(ctx context.Context, event *models.Event, input []byte) (string, error) {
	return s.CreateScheduledJob(ctx, JobSpec{
		EventID: event.ID,
		UserID:  event.UserID,
		Type:    event.JobType(),
		Payload: BuildPayload(event, input),
		Metadata: models.JobMetadata{
			ExecutionNumber: event.ExecutionCount + 1,
			TriggeredBy:     models.TriggerTypeManual,
		},
	})
}

// ScheduleEvent starts the recurring chain for an active scheduled event.
func (s *Scheduler) ScheduleEvent(ctx context.Context, event *models.Event) (string, error) {
	if !event.IsActive() || !event.IsRecurring() {
		return "", ErrEventNotSchedulable
	}

	return s.CreateNextRecurringJob(ctx, event, "")
}

// CreateNextRecurringJob creates the next job in event's recurring chain. It returns an empty id
// with ErrExecutionLimitReached or ErrNoNextExecution when no job should exist.
func (s *Scheduler) CreateNextRecurringJob(ctx context.Context, event *models.Event, previousJobID string) (string, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.create_next_recurring_job",
		attribute.String(otelhelper.EventIDKey, event.ID))
	defer span.End()

	if event.ExecutionLimitReached() {
		s.logger.InfoContext(ctx, "event reached max executions, not rescheduling",
			"event_id", event.ID,
			"max_executions", event.MaxExecutions,
			"execution_count", event.ExecutionCount)

		return "", ErrExecutionLimitReached
	}

	next := s.calculator.NextExecution(event)
	if next == nil {
		s.logger.ErrorContext(ctx, "failed to calculate next execution", "event_id", event.ID)
		otelhelper.SetError(span, ErrNoNextExecution)

		return "", ErrNoNextExecution
	}

	tracking := &models.Log{
		EventID:   event.ID,
		Status:    models.LogStatusPending,
		StartTime: *next,
	}

	err := s.executions.SaveLog(ctx, tracking)
	if err != nil {
		otelhelper.SetError(span, err)

		return "", fmt.Errorf("failed to create log for event %s: %w", event.ID, err)
	}

	jobID, err := s.CreateScheduledJob(ctx, JobSpec{
		EventID:      event.ID,
		UserID:       event.UserID,
		Type:         event.JobType(),
		Payload:      BuildPayload(event, nil),
		ScheduledFor: next,
		Metadata: models.JobMetadata{
			IsRecurring:     true,
			ExecutionNumber: event.ExecutionCount + 1,
			PreviousJobID:   previousJobID,
			LogID:           tracking.ID,
			TriggeredBy:     models.TriggerTypeSchedule,
		},
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return "", err
	}

	tracking.JobID = jobID

	err = s.executions.SaveLog(ctx, tracking)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to link log to job", "log_id", tracking.ID, "job_id", jobID, "error", err)
	}

	err = s.events.UpdateRunTimes(ctx, event.ID, event.LastRunAt, next)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to update event run times", "event_id", event.ID, "error", err)
	}

	span.SetAttributes(attribute.String(otelhelper.JobIDKey, jobID))

	return jobID, nil
}

// HandleRecurringJobCompletion counts the finished run and, while the event is still an active
// schedule, creates its successor. Failures are logged and end the chain.
func (s *Scheduler) HandleRecurringJobCompletion(ctx context.Context, jobID, eventID string) {
	logger := s.logger.With("job_id", jobID, "event_id", eventID)

	event, err := s.events.IncrementExecutionCount(ctx, eventID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to increment execution count", "error", err)

		return
	}

	if !event.IsActive() || !event.IsRecurring() {
		logger.DebugContext(ctx, "event no longer scheduled, chain ends", "status", event.Status, "trigger", event.TriggerType)

		return
	}

	completedAt := s.now()
	event.LastRunAt = &completedAt

	nextJobID, err := s.CreateNextRecurringJob(ctx, event, jobID)
	if err == nil {
		logger.InfoContext(ctx, "next recurring job created", "next_job_id", nextJobID)

		return
	}

	if !errors.Is(err, ErrExecutionLimitReached) {
		logger.ErrorContext(ctx, "failed to create next recurring job", "error", err)
	}

	err = s.events.UpdateRunTimes(ctx, eventID, &completedAt, nil)
	if err != nil {
		logger.WarnContext(ctx, "failed to update event run times", "error", err)
	}
}

func (s *Scheduler) publish(ctx context.Context, key string, event eventbus.Event) {
	if s.publisher == nil {
		return
	}

	err := s.publisher.Publish(ctx, key, event)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
