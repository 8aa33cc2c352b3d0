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

const eventColumns = `
			id
		  , name
		  , user_id
		  , type
		  , status
		  , trigger_type
		  , content
		  , http_request
		  , tool_action
		  , environment
		  , timeout_ms
		  , custom_schedule
		  , schedule_number
		  , schedule_unit
		  , start_time
		  , max_executions
		  , execution_count
		  , last_run_at
		  , next_run_at
		  , webhooks
		  , created_at
		  , updated_at`

// EventRepository handles event-related database operations.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *EventRepository) Save(ctx context.Context, event *models.Event) error {
	if event.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		event.ID = id
	}

	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}

	event.UpdatedAt = now

	httpRequest, err := sqlbase.JSONB(event.HTTPRequest)
	if err != nil {
		return persistence.NewEventError("Save", event.ID, err)
	}

	toolAction, err := sqlbase.JSONB(event.ToolAction)
	if err != nil {
		return persistence.NewEventError("Save", event.ID, err)
	}

	environment, err := sqlbase.JSONB(event.Environment)
	if err != nil {
		return persistence.NewEventError("Save", event.ID, err)
	}

	webhooks, err := sqlbase.JSONB(event.Webhooks)
	if err != nil {
		return persistence.NewEventError("Save", event.ID, err)
	}

	query := `
		INSERT INTO events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , user_id = EXCLUDED.user_id
		  , type = EXCLUDED.type
		  , status = EXCLUDED.status
		  , trigger_type = EXCLUDED.trigger_type
		  , content = EXCLUDED.content
		  , http_request = EXCLUDED.http_request
		  , tool_action = EXCLUDED.tool_action
		  , environment = EXCLUDED.environment
		  , timeout_ms = EXCLUDED.timeout_ms
		  , custom_schedule = EXCLUDED.custom_schedule
		  , schedule_number = EXCLUDED.schedule_number
		  , schedule_unit = EXCLUDED.schedule_unit
		  , start_time = EXCLUDED.start_time
		  , max_executions = EXCLUDED.max_executions
		  , execution_count = EXCLUDED.execution_count
		  , last_run_at = EXCLUDED.last_run_at
		  , next_run_at = EXCLUDED.next_run_at
		  , webhooks = EXCLUDED.webhooks
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		event.ID,
		event.Name,
		event.UserID,
		event.Type,
		event.Status,
		event.TriggerType,
		event.Content,
		httpRequest,
		toolAction,
		environment,
		event.Timeout.Milliseconds(),
		event.CustomSchedule,
		event.ScheduleNumber,
		event.ScheduleUnit,
		sqlbase.NullTime(event.StartTime),
		event.MaxExecutions,
		event.ExecutionCount,
		sqlbase.NullTime(event.LastRunAt),
		sqlbase.NullTime(event.NextRunAt),
		webhooks,
		event.CreatedAt,
		event.UpdatedAt,
	)
	if err != nil {
		return persistence.NewEventError("Save", event.ID, err)
	}

	return nil
}

func (r *EventRepository) GetByID(ctx context.Context, id string) (*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`

	event, err := scanEvent(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEventError("GetByID", id, persistence.ErrEventNotFound)
	}

	if err != nil {
		return nil, persistence.NewEventError("GetByID", id, err)
	}

	return event, nil
}

func (r *EventRepository) IncrementExecutionCount(ctx context.Context, id string) (*models.Event, error) {
	query := `
		UPDATE events
		SET execution_count = execution_count + 1, updated_at = $2
		WHERE id = $1
		RETURNING ` + eventColumns

	event, err := scanEvent(r.db.QueryRowContext(ctx, query, id, time.Now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEventError("IncrementExecutionCount", id, persistence.ErrEventNotFound)
	}

	if err != nil {
		return nil, persistence.NewEventError("IncrementExecutionCount", id, err)
	}

	return event, nil
}

func (r *EventRepository) UpdateRunTimes(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error {
	query := `
		UPDATE events
		SET last_run_at = COALESCE($2, last_run_at), next_run_at = $3, updated_at = $4
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, sqlbase.NullTime(lastRunAt), sqlbase.NullTime(nextRunAt), time.Now().UTC())
	if err != nil {
		return persistence.NewEventError("UpdateRunTimes", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewEventError("UpdateRunTimes", id, err)
	}

	if affected == 0 {
		return persistence.NewEventError("UpdateRunTimes", id, persistence.ErrEventNotFound)
	}

	return nil
}

func scanEvent(row scanner) (*models.Event, error) {
	var (
		event                             models.Event
		httpRequest, toolAction, env, hks []byte
		timeoutMS                         int64
		startTime, lastRunAt, nextRunAt   sql.NullTime
	)

	err := row.Scan(
		&event.ID,
		&event.Name,
		&event.UserID,
		&event.Type,
		&event.Status,
		&event.TriggerType,
		&event.Content,
		&httpRequest,
		&toolAction,
		&env,
		&timeoutMS,
		&event.CustomSchedule,
		&event.ScheduleNumber,
		&event.ScheduleUnit,
		&startTime,
		&event.MaxExecutions,
		&event.ExecutionCount,
		&lastRunAt,
		&nextRunAt,
		&hks,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(httpRequest) > 0 {
		event.HTTPRequest = &models.HTTPRequestPayload{}

		err = sqlbase.ScanJSONB(httpRequest, event.HTTPRequest)
		if err != nil {
			return nil, err
		}
	}

	if len(toolAction) > 0 {
		event.ToolAction = &models.ToolActionPayload{}

		err = sqlbase.ScanJSONB(toolAction, event.ToolAction)
		if err != nil {
			return nil, err
		}
	}

	err = sqlbase.ScanJSONB(env, &event.Environment)
	if err != nil {
		return nil, err
	}

	err = sqlbase.ScanJSONB(hks, &event.Webhooks)
	if err != nil {
		return nil, err
	}

	event.Timeout = time.Duration(timeoutMS) * time.Millisecond
	event.StartTime = sqlbase.TimePtr(startTime)
	event.LastRunAt = sqlbase.TimePtr(lastRunAt)
	event.NextRunAt = sqlbase.TimePtr(nextRunAt)
	event.CreatedAt = event.CreatedAt.UTC()
	event.UpdatedAt = event.UpdatedAt.UTC()

	return &event, nil
}
