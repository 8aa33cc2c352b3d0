package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/runbook/pkg/graph"
	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// TriggerResult identifies a run started by an inbound trigger.
type TriggerResult struct {
	WorkflowID string `json:"workflowId"`
	RunID      string `json:"runId"`
}

type Service struct {
	workflows persistence.WorkflowRepository
	events    persistence.EventRepository
	runner    *Runner
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(logger *slog.Logger, store persistence.Persistence, runner *Runner) *Service {
	return &Service{
		workflows: store.WorkflowRepository(),
		events:    store.EventRepository(),
		runner:    runner,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.With("module", "workflow_service"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Save validates the workflow and its graph and persists it. Graph violations are returned
// wrapping both ErrInvalidGraph and a *graph.ValidationError carrying the violation kind.
func (s *Service) Save(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	err := s.validate.Struct(workflow)
	if err != nil {
		return nil, newServiceError("save", "INVALID_WORKFLOW", err.Error(), ErrInvalidRequest)
	}

	if len(workflow.Nodes) == 0 {
		return nil, ErrNodesRequired
	}

	result := graph.ValidateWorkflow(workflow)
	if !result.Valid {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGraph, result.Err())
	}

	for _, node := range workflow.Nodes {
		_, err := s.events.GetByID(ctx, node.EventID)
		if errors.Is(err, persistence.ErrEventNotFound) {
			return nil, newServiceError("save", "UNKNOWN_EVENT",
				fmt.Sprintf("node %s references unknown event %s", node.ID, node.EventID), ErrMissingEventNode)
		}

		if err != nil {
			return nil, fmt.Errorf("failed to load event %s: %w", node.EventID, err)
		}
	}

	now := s.now()
	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	if workflow.TriggerType == models.TriggerTypeWebhook && workflow.WebhookKey == "" {
		workflow.WebhookKey = uuid.NewString()
	}

	err = s.workflows.Save(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}

	s.logger.InfoContext(ctx, "workflow saved", "workflow_id", workflow.ID, "nodes", len(workflow.Nodes))

	return workflow, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Workflow, error) {
	return s.workflows.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*models.Workflow, error) {
	return s.workflows.List(ctx)
}

func (s *Service) GetByWebhookKey(ctx context.Context, key string) (*models.Workflow, error) {
	return s.workflows.GetByWebhookKey(ctx, key)
}

// Run starts an active workflow in the background.
func (s *Service) Run(ctx context.Context, id string, input json.RawMessage) (*TriggerResult, error) {
	workflow, err := s.workflows.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.start(ctx, workflow, input, models.TriggerTypeManual)
}

// TriggerByWebhookKey starts the active workflow bound to key with payload as its input. The
// payload must satisfy the workflow's input schema when one is set.
func (s *Service) TriggerByWebhookKey(ctx context.Context, key string, payload json.RawMessage) (*TriggerResult, error) {
	workflow, err := s.workflows.GetByWebhookKey(ctx, key)
	if err != nil {
		return nil, err
	}

	err = validatePayload(workflow.InputSchema, payload)
	if err != nil {
		return nil, err
	}

	return s.start(ctx, workflow, payload, models.TriggerTypeWebhook)
}

func (s *Service) start(ctx context.Context, workflow *models.Workflow, input json.RawMessage, by models.TriggerType) (*TriggerResult, error) {
	if !workflow.IsActive() {
		return nil, newServiceError("trigger", "WORKFLOW_INACTIVE",
			fmt.Sprintf("workflow %s is %s", workflow.ID, workflow.Status), ErrWorkflowInactive)
	}

	runID := s.runner.Start(ctx, workflow, RunOptions{Input: input, TriggeredBy: by})

	s.logger.InfoContext(ctx, "workflow triggered", "workflow_id", workflow.ID, "run_id", runID, "triggered_by", by)

	return &TriggerResult{WorkflowID: workflow.ID, RunID: runID}, nil
}

func validatePayload(schema map[string]any, payload json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}

	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return newServiceError("trigger", "INVALID_PAYLOAD", err.Error(), ErrInvalidPayload)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return newServiceError("trigger", "INVALID_PAYLOAD", strings.Join(problems, "; "), ErrInvalidPayload)
	}

	return nil
}
