package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/persistence"
)

// ExecutionRepository handles execution and log file operations.
type ExecutionRepository struct {
	p          *Persistence
	executions collection[models.Execution]
	logs       collection[models.Log]
}

func (r *ExecutionRepository) SaveExecution(_ context.Context, execution *models.Execution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if execution.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		execution.ID = id
	}

	now := r.p.now()
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now
	}

	execution.UpdatedAt = now

	err := r.executions.write(execution.ID, execution)
	if err != nil {
		return persistence.NewExecutionError("SaveExecution", execution.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) LatestExecution(_ context.Context, jobID string) (*models.Execution, error) {
	all, err := r.executions.all()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	var latest *models.Execution

	for _, execution := range all {
		if execution.JobID == jobID && (latest == nil || execution.CreatedAt.After(latest.CreatedAt)) {
			latest = execution
		}
	}

	if latest == nil {
		return nil, persistence.NewExecutionError("LatestExecution", jobID, persistence.ErrExecutionNotFound)
	}

	return latest, nil
}

func (r *ExecutionRepository) SaveLog(_ context.Context, log *models.Log) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if log.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		log.ID = id
	}

	if log.StartTime.IsZero() {
		log.StartTime = r.p.now()
	}

	err := r.logs.write(log.ID, log)
	if err != nil {
		return persistence.NewExecutionError("SaveLog", log.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) GetLog(_ context.Context, id string) (*models.Log, error) {
	log, err := r.logs.read(id)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, persistence.NewExecutionError("GetLog", id, persistence.ErrLogNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError("GetLog", id, err)
	}

	return log, nil
}

func (r *ExecutionRepository) LatestLog(_ context.Context, jobID string) (*models.Log, error) {
	all, err := r.logs.all()
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}

	var latest *models.Log

	for _, log := range all {
		if log.JobID == jobID && (latest == nil || log.StartTime.After(latest.StartTime)) {
			latest = log
		}
	}

	if latest == nil {
		return nil, persistence.NewExecutionError("LatestLog", jobID, persistence.ErrLogNotFound)
	}

	return latest, nil
}
