// Package workflow stores workflow graphs and runs them node by node on top of the job scheduler.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dukex/runbook/pkg/eventbus"
	"github.com/dukex/runbook/pkg/events"
	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/otelhelper"
	"github.com/dukex/runbook/pkg/persistence"
	"github.com/dukex/runbook/pkg/scheduler"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// JobCreator queues jobs. *scheduler.Scheduler implements it.
type JobCreator interface {
	CreateScheduledJob(ctx context.Context, spec scheduler.JobSpec) (string, error)
}

// CompletionWaiter blocks until a job finishes. *completion.Synchronizer implements it.
type CompletionWaiter interface {
	WaitForCompletion(ctx context.Context, jobID string, maxWait, pollInterval time.Duration) (*models.JobResult, error)
}

// RunOptions parameterise a single workflow run.
type RunOptions struct {
	RunID       string
	Input       json.RawMessage
	TriggeredBy models.TriggerType
}

// RunResult summarises a finished run. Nodes holds the result of every node that executed.
type RunResult struct {
	RunID       string                       `json:"run_id"`
	WorkflowID  string                       `json:"workflow_id"`
	Success     bool                         `json:"success"`
	Nodes       map[string]*models.JobResult `json:"nodes"`
	FailedNodes []string                     `json:"failed_nodes,omitempty"`
	Duration    time.Duration                `json:"duration"`
}

type Runner struct {
	events    persistence.EventRepository
	jobs      JobCreator
	waiter    CompletionWaiter
	publisher eventbus.EventPublisher
	tracer    trace.Tracer
	logger    *slog.Logger

	maxWait      time.Duration
	pollInterval time.Duration
	now          func() time.Time
	running      sync.WaitGroup
}

type RunnerOption func(*Runner)

func WithPublisher(publisher eventbus.EventPublisher) RunnerOption {
	return func(r *Runner) {
		r.publisher = publisher
	}
}

func WithTracer(tracer trace.Tracer) RunnerOption {
	return func(r *Runner) {
		r.tracer = tracer
	}
}

// WithNodeWait sets how long a node may run and how often its job is polled. Zero values keep
// the synchronizer defaults.
func WithNodeWait(maxWait, pollInterval time.Duration) RunnerOption {
	return func(r *Runner) {
		r.maxWait = maxWait
		r.pollInterval = pollInterval
	}
}

func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		r.now = now
	}
}

func NewRunner(
	logger *slog.Logger,
	eventRepo persistence.EventRepository,
	jobs JobCreator,
	waiter CompletionWaiter,
	opts ...RunnerOption,
) *Runner {
	r := &Runner{
		events: eventRepo,
		jobs:   jobs,
		waiter: waiter,
		tracer: otelhelper.NoopTracer(),
		logger: logger.With("module", "workflow_runner"),
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start launches Run in the background and returns the run id right away. The run keeps only
// the trace of ctx, so it outlives the request that started it.
func (r *Runner) Start(ctx context.Context, workflow *models.Workflow, opts RunOptions) string {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	runCtx := trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx))

	r.running.Add(1)

	go func() {
		defer r.running.Done()

		_, err := r.Run(runCtx, workflow, opts)
		if err != nil {
			r.logger.Error("workflow run failed", "workflow_id", workflow.ID, "run_id", opts.RunID, "error", err)
		}
	}()

	return opts.RunID
}

// Wait blocks until every run launched by Start has finished.
func (r *Runner) Wait() {
	r.running.Wait()
}

// Run executes the workflow from its root nodes. Each node runs its event as an immediate job;
// once the job finishes, outgoing connections whose type accepts the outcome are followed with
// the node's output as the next input. Sibling branches run concurrently.
func (r *Runner) Run(ctx context.Context, workflow *models.Workflow, opts RunOptions) (*RunResult, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	if opts.TriggeredBy == "" {
		opts.TriggeredBy = models.TriggerTypeManual
	}

	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "workflow.run",
		attribute.String(otelhelper.WorkflowIDKey, workflow.ID),
		attribute.String(otelhelper.WorkflowRunIDKey, opts.RunID))
	defer span.End()

	logger := r.logger.With("workflow_id", workflow.ID, "run_id", opts.RunID)
	started := r.now()

	logger.InfoContext(ctx, "workflow run started", "triggered_by", opts.TriggeredBy)
	r.publish(ctx, workflow.ID, events.WorkflowRunStarted{
		BaseEvent:   events.NewBaseEvent(events.WorkflowRunStartedEvent),
		WorkflowID:  workflow.ID,
		RunID:       opts.RunID,
		TriggeredBy: opts.TriggeredBy,
	})

	run := &run{
		runner:   r,
		workflow: workflow,
		opts:     opts,
		logger:   logger,
		results:  make(map[string]*models.JobResult, len(workflow.Nodes)),
	}

	for _, root := range workflow.RootNodes() {
		run.spawn(ctx, root, opts.Input)
	}

	run.wg.Wait()

	result := run.result(r.now().Sub(started))

	logger.InfoContext(ctx, "workflow run finished",
		"success", result.Success,
		"executed_nodes", len(result.Nodes),
		"duration", result.Duration)

	if !result.Success {
		span.SetAttributes(attribute.StringSlice("runbook.workflow.failed_nodes", result.FailedNodes))
	}

	r.publish(ctx, workflow.ID, events.WorkflowRunFinished{
		BaseEvent:     events.NewBaseEvent(events.WorkflowRunFinishedEvent),
		WorkflowID:    workflow.ID,
		RunID:         opts.RunID,
		Success:       result.Success,
		ExecutedNodes: len(result.Nodes),
		FailedNodes:   result.FailedNodes,
		Duration:      result.Duration,
	})

	return result, nil
}

func (r *Runner) publish(ctx context.Context, key string, event eventbus.Event) {
	if r.publisher == nil {
		return
	}

	err := r.publisher.Publish(ctx, key, event)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to publish workflow event", "type", event.GetType(), "error", err)
	}
}

type run struct {
	runner   *Runner
	workflow *models.Workflow
	opts     RunOptions
	logger   *slog.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	results map[string]*models.JobResult
}

func (x *run) spawn(ctx context.Context, node *models.WorkflowNode, input json.RawMessage) {
	x.wg.Add(1)

	go func() {
		defer x.wg.Done()

		result := x.execute(ctx, node, input)

		x.mu.Lock()
		x.results[node.ID] = result
		x.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		output := nodeOutput(result)

		for _, conn := range x.workflow.OutgoingConnections(node.ID) {
			if !conn.ConnectionType.Follows(result.Success, result.Condition) {
				continue
			}

			target := x.workflow.NodeByID(conn.TargetNodeID)
			if target == nil {
				x.logger.WarnContext(ctx, "connection targets unknown node", "connection_id", conn.ID, "target", conn.TargetNodeID)

				continue
			}

			x.spawn(ctx, target, output)
		}
	}()
}

func (x *run) execute(ctx context.Context, node *models.WorkflowNode, input json.RawMessage) *models.JobResult {
	r := x.runner

	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "workflow.node",
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.EventIDKey, node.EventID))
	defer span.End()

	logger := x.logger.With("node_id", node.ID, "event_id", node.EventID)

	event, err := r.events.GetByID(ctx, node.EventID)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "failed to load node event", "error", err)

		return failedResult("", fmt.Errorf("failed to load event %s: %w", node.EventID, err))
	}

	jobID, err := r.jobs.CreateScheduledJob(ctx, scheduler.JobSpec{
		EventID:    event.ID,
		WorkflowID: x.workflow.ID,
		UserID:     event.UserID,
		Type:       event.JobType(),
		Payload:    scheduler.BuildPayload(event, input),
		Metadata: models.JobMetadata{
			ExecutionNumber: event.ExecutionCount + 1,
			TriggeredBy:     x.opts.TriggeredBy,
			WorkflowRunID:   x.opts.RunID,
			NodeID:          node.ID,
		},
	})
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "failed to create node job", "error", err)

		return failedResult("", err)
	}

	span.SetAttributes(attribute.String(otelhelper.JobIDKey, jobID))

	result, err := r.waiter.WaitForCompletion(ctx, jobID, r.maxWait, r.pollInterval)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.WarnContext(ctx, "stopped waiting for node job", "job_id", jobID, "error", err)

		return failedResult(jobID, err)
	}

	span.SetAttributes(attribute.String(otelhelper.JobStatusKey, string(result.Status)))
	logger.DebugContext(ctx, "node finished", "job_id", jobID, "status", result.Status)

	return result
}

func (x *run) result(duration time.Duration) *RunResult {
	x.mu.Lock()
	defer x.mu.Unlock()

	result := &RunResult{
		RunID:      x.opts.RunID,
		WorkflowID: x.workflow.ID,
		Nodes:      x.results,
		Duration:   duration,
	}

	for nodeID, nodeResult := range x.results {
		if !nodeResult.Success {
			result.FailedNodes = append(result.FailedNodes, nodeID)
		}
	}

	slices.Sort(result.FailedNodes)
	result.Success = len(result.FailedNodes) == 0

	return result
}

func failedResult(jobID string, err error) *models.JobResult {
	return &models.JobResult{
		JobID:   jobID,
		Success: false,
		Status:  models.JobStatusFailed,
		Error:   err.Error(),
	}
}

// nodeOutput is the input handed to the next node: the structured script output when present,
// otherwise the plain output as JSON.
func nodeOutput(result *models.JobResult) json.RawMessage {
	if len(result.ScriptOutput) > 0 {
		return result.ScriptOutput
	}

	if result.Output == "" {
		return nil
	}

	if json.Valid([]byte(result.Output)) {
		return json.RawMessage(result.Output)
	}

	encoded, err := json.Marshal(result.Output)
	if err != nil {
		return nil
	}

	return encoded
}
