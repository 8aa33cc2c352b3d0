package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/persistence"
	"github.com/dukex/runbook/pkg/persistence/sqlbase"
)

// ExecutionRepository handles execution and log records.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *ExecutionRepository) SaveExecution(ctx context.Context, execution *models.Execution) error {
	if execution.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		execution.ID = id
	}

	now := time.Now().UTC()
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now
	}

	execution.UpdatedAt = now

	scriptOutput, err := sqlbase.JSONB(execution.ScriptOutput)
	if err != nil {
		return persistence.NewExecutionError("SaveExecution", execution.ID, err)
	}

	query := `
		INSERT INTO executions (
			id
		  , job_id
		  , event_id
		  , status
		  , started_at
		  , completed_at
		  , exit_code
		  , output
		  , error
		  , script_output
		  , branch_condition
		  , created_at
		  , updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status
		  , started_at = EXCLUDED.started_at
		  , completed_at = EXCLUDED.completed_at
		  , exit_code = EXCLUDED.exit_code
		  , output = EXCLUDED.output
		  , error = EXCLUDED.error
		  , script_output = EXCLUDED.script_output
		  , branch_condition = EXCLUDED.branch_condition
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.JobID,
		execution.EventID,
		execution.Status,
		sqlbase.NullTime(execution.StartedAt),
		sqlbase.NullTime(execution.CompletedAt),
		sqlbase.NullInt(execution.ExitCode),
		execution.Output,
		execution.Error,
		scriptOutput,
		sqlbase.NullBool(execution.Condition),
		execution.CreatedAt,
		execution.UpdatedAt,
	)
	if err != nil {
		return persistence.NewExecutionError("SaveExecution", execution.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) LatestExecution(ctx context.Context, jobID string) (*models.Execution, error) {
	query := `
		SELECT
			id
		  , job_id
		  , event_id
		  , status
		  , started_at
		  , completed_at
		  , exit_code
		  , output
		  , error
		  , script_output
		  , branch_condition
		  , created_at
		  , updated_at
		FROM executions
		WHERE job_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var (
		execution              models.Execution
		startedAt, completedAt sql.NullTime
		exitCode               sql.NullInt64
		scriptOutput           []byte
		condition              sql.NullBool
	)

	err := r.db.QueryRowContext(ctx, query, jobID).Scan(
		&execution.ID,
		&execution.JobID,
		&execution.EventID,
		&execution.Status,
		&startedAt,
		&completedAt,
		&exitCode,
		&execution.Output,
		&execution.Error,
		&scriptOutput,
		&condition,
		&execution.CreatedAt,
		&execution.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewExecutionError("LatestExecution", jobID, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError("LatestExecution", jobID, err)
	}

	execution.StartedAt = sqlbase.TimePtr(startedAt)
	execution.CompletedAt = sqlbase.TimePtr(completedAt)
	execution.ExitCode = sqlbase.IntPtr(exitCode)
	execution.ScriptOutput = sqlbase.RawJSON(scriptOutput)
	execution.Condition = sqlbase.BoolPtr(condition)

	return &execution, nil
}

const logColumns = `
			id
		  , event_id
		  , job_id
		  , workflow_id
		  , status
		  , output
		  , error
		  , script_output
		  , branch_condition
		  , exit_code
		  , start_time
		  , end_time
		  , duration_ms`

func (r *ExecutionRepository) SaveLog(ctx context.Context, log *models.Log) error {
	if log.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		log.ID = id
	}

	if log.StartTime.IsZero() {
		log.StartTime = time.Now().UTC()
	}

	scriptOutput, err := sqlbase.JSONB(log.ScriptOutput)
	if err != nil {
		return persistence.NewExecutionError("SaveLog", log.ID, err)
	}

	query := `
		INSERT INTO logs (` + logColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status
		  , output = EXCLUDED.output
		  , error = EXCLUDED.error
		  , script_output = EXCLUDED.script_output
		  , branch_condition = EXCLUDED.branch_condition
		  , exit_code = EXCLUDED.exit_code
		  , end_time = EXCLUDED.end_time
		  , duration_ms = EXCLUDED.duration_ms
	`

	_, err = r.db.ExecContext(ctx, query,
		log.ID,
		log.EventID,
		log.JobID,
		log.WorkflowID,
		log.Status,
		log.Output,
		log.Error,
		scriptOutput,
		sqlbase.NullBool(log.Condition),
		sqlbase.NullInt(log.ExitCode),
		log.StartTime,
		sqlbase.NullTime(log.EndTime),
		log.Duration.Milliseconds(),
	)
	if err != nil {
		return persistence.NewExecutionError("SaveLog", log.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) GetLog(ctx context.Context, id string) (*models.Log, error) {
	query := `SELECT ` + logColumns + ` FROM logs WHERE id = $1`

	log, err := scanLog(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewExecutionError("GetLog", id, persistence.ErrLogNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError("GetLog", id, err)
	}

	return log, nil
}

func (r *ExecutionRepository) LatestLog(ctx context.Context, jobID string) (*models.Log, error) {
	query := `SELECT ` + logColumns + ` FROM logs WHERE job_id = $1 ORDER BY start_time DESC LIMIT 1`

	log, err := scanLog(r.db.QueryRowContext(ctx, query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewExecutionError("LatestLog", jobID, persistence.ErrLogNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError("LatestLog", jobID, err)
	}

	return log, nil
}

func scanLog(row scanner) (*models.Log, error) {
	var (
		log          models.Log
		scriptOutput []byte
		condition    sql.NullBool
		exitCode     sql.NullInt64
		endTime      sql.NullTime
		durationMS   int64
	)

	err := row.Scan(
		&log.ID,
		&log.EventID,
		&log.JobID,
		&log.WorkflowID,
		&log.Status,
		&log.Output,
		&log.Error,
		&scriptOutput,
		&condition,
		&exitCode,
		&log.StartTime,
		&endTime,
		&durationMS,
	)
	if err != nil {
		return nil, err
	}

	log.ScriptOutput = sqlbase.RawJSON(scriptOutput)
	log.Condition = sqlbase.BoolPtr(condition)
	log.ExitCode = sqlbase.IntPtr(exitCode)
	log.StartTime = log.StartTime.UTC()
	log.EndTime = sqlbase.TimePtr(endTime)
	log.Duration = time.Duration(durationMS) * time.Millisecond

	return &log, nil
}
