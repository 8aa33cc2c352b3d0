package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/persistence"
	"github.com/dukex/runbook/pkg/persistence/sqlbase"
)

const jobColumns = `
			id
		  , event_id
		  , workflow_id
		  , user_id
		  , type
		  , status
		  , priority
		  , scheduled_for
		  , payload
		  , result
		  , metadata
		  , attempts
		  , created_at
		  , updated_at
		  , started_at
		  , completed_at`

// JobRepository handles job-related database operations.
type JobRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		job.ID = id
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	job.UpdatedAt = now

	args, err := jobArgs(job)
	if err != nil {
		return persistence.NewJobError("Create", job.ID, err)
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewJobError("Create", job.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewJobError("Create", job.ID, err)
	}

	if affected == 0 {
		return persistence.NewJobError("Create", job.ID, persistence.ErrAlreadyExists)
	}

	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewJobError("GetByID", id, persistence.ErrJobNotFound)
	}

	if err != nil {
		return nil, persistence.NewJobError("GetByID", id, err)
	}

	return job, nil
}

const updateJobQuery = `
	UPDATE jobs SET
		event_id = $2
	  , workflow_id = $3
	  , user_id = $4
	  , type = $5
	  , status = $6
	  , priority = $7
	  , scheduled_for = $8
	  , payload = $9
	  , result = $10
	  , metadata = $11
	  , attempts = $12
	  , created_at = $13
	  , updated_at = $14
	  , started_at = $15
	  , completed_at = $16
	WHERE id = $1
`

func (r *JobRepository) Update(ctx context.Context, job *models.Job) error {
	affected, err := r.update(ctx, job, "", nil)
	if err != nil {
		return persistence.NewJobError("Update", job.ID, err)
	}

	if affected == 0 {
		return persistence.NewJobError("Update", job.ID, persistence.ErrJobNotFound)
	}

	return nil
}

func (r *JobRepository) Finish(ctx context.Context, job *models.Job) (bool, error) {
	affected, err := r.update(ctx, job, ` AND status NOT IN ($17, $18, $19, $20)`, []any{
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusTimeout,
	})
	if err != nil {
		return false, persistence.NewJobError("Finish", job.ID, err)
	}

	if affected == 1 {
		return true, nil
	}

	exists, err := r.exists(ctx, job.ID)
	if err != nil {
		return false, persistence.NewJobError("Finish", job.ID, err)
	}

	if !exists {
		return false, persistence.NewJobError("Finish", job.ID, persistence.ErrJobNotFound)
	}

	return false, nil
}

// update writes every column of job; guard narrows the WHERE clause with guardArgs.
func (r *JobRepository) update(ctx context.Context, job *models.Job, guard string, guardArgs []any) (int64, error) {
	job.UpdatedAt = time.Now().UTC()

	args, err := jobArgs(job)
	if err != nil {
		return 0, err
	}

	result, err := r.db.ExecContext(ctx, updateJobQuery+guard, append(args, guardArgs...)...)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func (r *JobRepository) exists(ctx context.Context, id string) (bool, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists)

	return exists, err
}

func (r *JobRepository) ListByEvent(ctx context.Context, eventID string) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE event_id = $1 ORDER BY created_at`

	return r.query(ctx, query, eventID)
}

func (r *JobRepository) DueJobs(ctx context.Context, before time.Time, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = $1 AND scheduled_for <= $2
		ORDER BY priority DESC, scheduled_for ASC
		LIMIT $3
	`

	return r.query(ctx, query, models.JobStatusQueued, before, limit)
}

func (r *JobRepository) Claim(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $2, attempts = attempts + 1, updated_at = $3
		WHERE id = $1 AND status = $4
	`

	result, err := r.db.ExecContext(ctx, query, id, models.JobStatusClaimed, time.Now().UTC(), models.JobStatusQueued)
	if err != nil {
		return false, persistence.NewJobError("Claim", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewJobError("Claim", id, err)
	}

	if affected == 1 {
		return true, nil
	}

	exists, err := r.exists(ctx, id)
	if err != nil {
		return false, persistence.NewJobError("Claim", id, err)
	}

	if !exists {
		return false, persistence.NewJobError("Claim", id, persistence.ErrJobNotFound)
	}

	return false, nil
}

func (r *JobRepository) query(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	jobs := make([]*models.Job, 0)

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		jobs = append(jobs, job)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

func jobArgs(job *models.Job) ([]any, error) {
	payload, err := sqlbase.JSONB(job.Payload)
	if err != nil {
		return nil, err
	}

	if payload == nil {
		payload = []byte(`{}`)
	}

	result, err := sqlbase.JSONB(job.Result)
	if err != nil {
		return nil, err
	}

	metadata, err := sqlbase.JSONB(job.Metadata)
	if err != nil {
		return nil, err
	}

	return []any{
		job.ID,
		job.EventID,
		job.WorkflowID,
		job.UserID,
		job.Type,
		job.Status,
		job.Priority,
		job.ScheduledFor,
		payload,
		result,
		metadata,
		job.Attempts,
		job.CreatedAt,
		job.UpdatedAt,
		sqlbase.NullTime(job.StartedAt),
		sqlbase.NullTime(job.CompletedAt),
	}, nil
}

func scanJob(row scanner) (*models.Job, error) {
	var (
		job                    models.Job
		payload, result, meta  []byte
		startedAt, completedAt sql.NullTime
	)

	err := row.Scan(
		&job.ID,
		&job.EventID,
		&job.WorkflowID,
		&job.UserID,
		&job.Type,
		&job.Status,
		&job.Priority,
		&job.ScheduledFor,
		&payload,
		&result,
		&meta,
		&job.Attempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	err = sqlbase.ScanJSONB(payload, &job.Payload)
	if err != nil {
		return nil, err
	}

	if len(result) > 0 {
		job.Result = &models.JobOutcome{}

		err = sqlbase.ScanJSONB(result, job.Result)
		if err != nil {
			return nil, err
		}
	}

	err = sqlbase.ScanJSONB(meta, &job.Metadata)
	if err != nil {
		return nil, err
	}

	job.ScheduledFor = job.ScheduledFor.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.StartedAt = sqlbase.TimePtr(startedAt)
	job.CompletedAt = sqlbase.TimePtr(completedAt)

	return &job, nil
}
