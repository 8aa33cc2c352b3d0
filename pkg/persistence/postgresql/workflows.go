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

const workflowColumns = `
			id
		  , name
		  , description
		  , status
		  , trigger_type
		  , COALESCE(webhook_key, '')
		  , security
		  , input_schema
		  , nodes
		  , connections
		  , owner
		  , created_at
		  , updated_at`

// WorkflowRepository handles workflow-related database operations.
// Nodes and connections are stored as JSONB documents on the workflow row.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// Save upserts a workflow.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	if workflow.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		workflow.ID = id
	}

	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	documents := make([]any, 0, 4)

	for _, value := range []any{workflow.Security, workflow.InputSchema, workflow.Nodes, workflow.Connections} {
		doc, err := sqlbase.JSONB(value)
		if err != nil {
			return persistence.NewWorkflowError("Save", workflow.ID, err)
		}

		documents = append(documents, doc)
	}

	query := `
		INSERT INTO workflows (
			id
		  , name
		  , description
		  , status
		  , trigger_type
		  , webhook_key
		  , security
		  , input_schema
		  , nodes
		  , connections
		  , owner
		  , created_at
		  , updated_at
		)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , description = EXCLUDED.description
		  , status = EXCLUDED.status
		  , trigger_type = EXCLUDED.trigger_type
		  , webhook_key = EXCLUDED.webhook_key
		  , security = EXCLUDED.security
		  , input_schema = EXCLUDED.input_schema
		  , nodes = EXCLUDED.nodes
		  , connections = EXCLUDED.connections
		  , owner = EXCLUDED.owner
		  , updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		workflow.ID,
		workflow.Name,
		workflow.Description,
		workflow.Status,
		workflow.TriggerType,
		workflow.WebhookKey,
		documents[0],
		documents[1],
		documents[2],
		documents[3],
		workflow.Owner,
		workflow.CreatedAt,
		workflow.UpdatedAt,
	)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`

	workflow, err := scanWorkflow(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	return workflow, nil
}

func (r *WorkflowRepository) GetByWebhookKey(ctx context.Context, key string) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE webhook_key = $1`

	workflow, err := scanWorkflow(r.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewWorkflowError("GetByWebhookKey", key, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, persistence.NewWorkflowError("GetByWebhookKey", key, err)
	}

	return workflow, nil
}

func (r *WorkflowRepository) List(ctx context.Context) ([]*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	if affected == 0 {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

func scanWorkflow(row scanner) (*models.Workflow, error) {
	var (
		workflow                                  models.Workflow
		security, inputSchema, nodes, connections []byte
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.Name,
		&workflow.Description,
		&workflow.Status,
		&workflow.TriggerType,
		&workflow.WebhookKey,
		&security,
		&inputSchema,
		&nodes,
		&connections,
		&workflow.Owner,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(security) > 0 {
		workflow.Security = &models.WebhookSecurity{}

		err = sqlbase.ScanJSONB(security, workflow.Security)
		if err != nil {
			return nil, err
		}
	}

	for _, doc := range []struct {
		data []byte
		dest any
	}{
		{inputSchema, &workflow.InputSchema},
		{nodes, &workflow.Nodes},
		{connections, &workflow.Connections},
	} {
		err = sqlbase.ScanJSONB(doc.data, doc.dest)
		if err != nil {
			return nil, err
		}
	}

	workflow.CreatedAt = workflow.CreatedAt.UTC()
	workflow.UpdatedAt = workflow.UpdatedAt.UTC()

	return &workflow, nil
}
