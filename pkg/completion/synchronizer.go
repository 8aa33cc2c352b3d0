// Package completion turns the asynchronous job completion signal into a blocking call.
package completion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/persistence"
)

const (
	DefaultMaxWait      = 300 * time.Second
	DefaultPollInterval = time.Second
)

// Synchronizer polls the job store until a job reaches a terminal status.
type Synchronizer struct {
	jobs         persistence.JobRepository
	executions   persistence.ExecutionRepository
	logger       *slog.Logger
	maxWait      time.Duration
	pollInterval time.Duration
}

type Option func(*Synchronizer)

// WithDefaults overrides the wait deadline and poll interval used when a caller passes zero.
func WithDefaults(maxWait, pollInterval time.Duration) Option {
	return func(s *Synchronizer) {
		if maxWait > 0 {
			s.maxWait = maxWait
		}

		if pollInterval > 0 {
			s.pollInterval = pollInterval
		}
	}
}

func New(logger *slog.Logger, store persistence.Persistence, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		jobs:         store.JobRepository(),
		executions:   store.ExecutionRepository(),
		logger:       logger.With("module", "completion"),
		maxWait:      DefaultMaxWait,
		pollInterval: DefaultPollInterval,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// WaitForCompletion blocks until jobID finishes or maxWait elapses. Reaching the deadline is not
// an error: the caller gets a failed result with status timeout. Read errors while polling are
// logged and polling continues. Only cancellation of ctx returns an error.
func (s *Synchronizer) WaitForCompletion(ctx context.Context, jobID string, maxWait, pollInterval time.Duration) (*models.JobResult, error) {
	if maxWait <= 0 {
		maxWait = s.maxWait
	}

	if pollInterval <= 0 {
		pollInterval = s.pollInterval
	}

	logger := s.logger.With("job_id", jobID)
	started := time.Now()

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		result, err := s.GetResult(ctx, jobID)
		switch {
		case err != nil:
			logger.DebugContext(ctx, "failed to read job state, retrying", "error", err)
		case result != nil:
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			logger.WarnContext(ctx, "job did not finish in time", "max_wait", maxWait)

			return timeoutResult(jobID, maxWait, time.Since(started)), nil
		case <-ticker.C:
		}
	}
}

// GetResult returns the assembled result of a finished job, or nil while it is still pending.
func (s *Synchronizer) GetResult(ctx context.Context, jobID string) (*models.JobResult, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !job.Status.IsTerminal() {
		return nil, nil
	}

	result := &models.JobResult{
		JobID:   job.ID,
		Status:  job.Status,
		Success: job.Status == models.JobStatusCompleted,
	}

	if outcome := job.Result; outcome != nil {
		result.Output = outcome.Output
		result.Error = outcome.Error
		result.ScriptOutput = outcome.ScriptOutput
		result.Condition = outcome.Condition
		result.ExitCode = outcome.ExitCode
		result.Duration = outcome.Duration
	}

	if log, err := s.executions.LatestLog(ctx, jobID); err == nil {
		applyLog(result, log)
	} else if !persistence.IsNotFound(err) {
		s.logger.DebugContext(ctx, "failed to read log", "job_id", jobID, "error", err)
	}

	if execution, err := s.executions.LatestExecution(ctx, jobID); err == nil {
		applyExecution(result, execution)
	} else if !persistence.IsNotFound(err) {
		s.logger.DebugContext(ctx, "failed to read execution", "job_id", jobID, "error", err)
	}

	return result, nil
}

func applyLog(result *models.JobResult, log *models.Log) {
	if log.Output != "" {
		result.Output = log.Output
	}

	if log.Error != "" {
		result.Error = log.Error
	}

	if len(log.ScriptOutput) > 0 {
		result.ScriptOutput = log.ScriptOutput
	}

	if log.Condition != nil {
		result.Condition = log.Condition
	}

	if log.ExitCode != nil {
		result.ExitCode = log.ExitCode
	}

	if log.Duration > 0 {
		result.Duration = log.Duration
	}
}

func applyExecution(result *models.JobResult, execution *models.Execution) {
	result.ExecutionID = execution.ID

	if execution.Output != "" {
		result.Output = execution.Output
	}

	if execution.Error != "" {
		result.Error = execution.Error
	}

	if len(execution.ScriptOutput) > 0 {
		result.ScriptOutput = execution.ScriptOutput
	}

	if execution.Condition != nil {
		result.Condition = execution.Condition
	}

	if execution.ExitCode != nil {
		result.ExitCode = execution.ExitCode
	}

	if execution.StartedAt != nil && execution.CompletedAt != nil && execution.CompletedAt.After(*execution.StartedAt) {
		result.Duration = execution.CompletedAt.Sub(*execution.StartedAt)
	}
}

func timeoutResult(jobID string, maxWait, waited time.Duration) *models.JobResult {
	return &models.JobResult{
		JobID:    jobID,
		Success:  false,
		Status:   models.JobStatusTimeout,
		Error:    fmt.Sprintf("job did not complete within %s", maxWait),
		Duration: waited,
	}
}
