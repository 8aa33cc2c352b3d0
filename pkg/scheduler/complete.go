package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/runbook/pkg/events"
	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
)

// StartJob records that the runtime began executing a claimed job.
func (s *Scheduler) StartJob(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status.IsTerminal() {
		return ErrJobAlreadyFinished
	}

	startedAt := s.now()
	job.Status = models.JobStatusRunning
	job.StartedAt = &startedAt

	return s.jobs.Update(ctx, job)
}

// CompleteJob applies a runtime completion callback: it stores the outcome on the job, its
// execution and its log, then continues the recurring chain. Callbacks for jobs that already
// finished are rejected with ErrJobAlreadyFinished and change nothing.
func (s *Scheduler) CompleteJob(ctx context.Context, jobID string, callback models.CompletionCallback) (*models.JobResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.complete_job",
		attribute.String(otelhelper.JobIDKey, jobID))
	defer span.End()

	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if job.Status.IsTerminal() {
		s.logger.WarnContext(ctx, "ignoring completion for finished job", "job_id", jobID, "status", job.Status)

		return nil, ErrJobAlreadyFinished
	}

	status := callback.TerminalStatus()
	output, errText := callback.CombinedOutput()

	completedAt := callback.Timestamp.UTC()
	if callback.Timestamp.IsZero() {
		completedAt = s.now()
	}

	startedAt := job.StartedAt
	if callback.StartedAt != nil {
		started := callback.StartedAt.UTC()
		startedAt = &started
	}

	var duration time.Duration
	if startedAt != nil && completedAt.After(*startedAt) {
		duration = completedAt.Sub(*startedAt)
	}

	if status == models.JobStatusTimeout && errText == "" {
		errText = "job exceeded its execution timeout"
	}

	job.Status = status
	job.StartedAt = startedAt
	job.CompletedAt = &completedAt
	job.Result = &models.JobOutcome{
		ExitCode:     callback.ExitCode,
		Output:       output,
		Error:        errText,
		ScriptOutput: callback.ScriptOutput,
		Condition:    callback.Condition,
		Duration:     duration,
	}

	finished, err := s.jobs.Finish(ctx, job)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to store job result: %w", err)
	}

	// a concurrent callback for the same job won; it owns the recurring chain
	if !finished {
		s.logger.WarnContext(ctx, "ignoring completion for finished job", "job_id", jobID)

		return nil, ErrJobAlreadyFinished
	}

	execution := &models.Execution{
		ID:           callback.ExecutionID,
		JobID:        job.ID,
		EventID:      job.EventID,
		Status:       status,
		StartedAt:    startedAt,
		CompletedAt:  &completedAt,
		ExitCode:     callback.ExitCode,
		Output:       output,
		Error:        errText,
		ScriptOutput: callback.ScriptOutput,
		Condition:    callback.Condition,
	}

	err = s.executions.SaveExecution(ctx, execution)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to store execution", "job_id", job.ID, "error", err)
	}

	s.saveLog(ctx, job, execution, duration)

	span.SetAttributes(attribute.String(otelhelper.JobStatusKey, string(status)))
	s.logger.InfoContext(ctx, "job finished",
		"job_id", job.ID,
		"event_id", job.EventID,
		"status", status,
		"duration", duration)

	s.publish(ctx, job.EventID, events.JobFinished{
		BaseEvent:  events.NewBaseEvent(events.JobCompletedEvent),
		JobID:      job.ID,
		EventID:    job.EventID,
		WorkflowID: job.WorkflowID,
		Status:     status,
		ExitCode:   callback.ExitCode,
		Output:     output,
		Error:      errText,
		Duration:   duration,
	})

	if job.EventID != "" {
		if job.Metadata.IsRecurring {
			s.HandleRecurringJobCompletion(ctx, job.ID, job.EventID)
		} else if _, err := s.events.IncrementExecutionCount(ctx, job.EventID); err != nil {
			s.logger.WarnContext(ctx, "failed to increment execution count", "event_id", job.EventID, "error", err)
		}
	}

	return &models.JobResult{
		JobID:        job.ID,
		Success:      status == models.JobStatusCompleted,
		Status:       status,
		Output:       output,
		Error:        errText,
		ScriptOutput: callback.ScriptOutput,
		Condition:    callback.Condition,
		ExitCode:     callback.ExitCode,
		Duration:     duration,
		ExecutionID:  execution.ID,
	}, nil
}

// saveLog finishes the log created with the job, or writes a fresh one for jobs that had none.
func (s *Scheduler) saveLog(ctx context.Context, job *models.Job, execution *models.Execution, duration time.Duration) {
	var log *models.Log

	if job.Metadata.LogID != "" {
		existing, err := s.executions.GetLog(ctx, job.Metadata.LogID)
		if err != nil {
			s.logger.WarnContext(ctx, "log for job not found, writing a new one", "log_id", job.Metadata.LogID, "error", err)
		} else {
			log = existing
		}
	}

	if log == nil {
		log = &models.Log{
			EventID:    job.EventID,
			WorkflowID: job.WorkflowID,
		}

		if job.StartedAt != nil {
			log.StartTime = *job.StartedAt
		}
	}

	log.JobID = job.ID
	log.Status = models.LogStatusFor(execution.Status)
	log.Output = execution.Output
	log.Error = execution.Error
	log.ScriptOutput = execution.ScriptOutput
	log.Condition = execution.Condition
	log.ExitCode = execution.ExitCode
	log.EndTime = execution.CompletedAt
	log.Duration = duration

	err := s.executions.SaveLog(ctx, log)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to store log", "job_id", job.ID, "error", err)
	}
}
