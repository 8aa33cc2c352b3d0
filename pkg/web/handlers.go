package web

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dukex/runbook/pkg/circuitbreaker"
	"github.com/dukex/runbook/pkg/completion"
	"github.com/dukex/runbook/pkg/graph"
	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/persistence"
	"github.com/dukex/runbook/pkg/schedule"
	"github.com/dukex/runbook/pkg/scheduler"
	"github.com/dukex/runbook/pkg/webhook"
	"github.com/dukex/runbook/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// Services groups what the handlers call into.
type Services struct {
	Persistence  persistence.Persistence
	Workflows    *workflow.Service
	Scheduler    *scheduler.Scheduler
	Calculator   *schedule.Calculator
	Synchronizer *completion.Synchronizer
	Breakers     *circuitbreaker.Manager
	Queue        *webhook.Queue
}

type APIHandlers struct {
	services  Services
	validator *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

func NewAPIHandlers(logger *slog.Logger, services Services, validate *validator.Validate) *APIHandlers {
	return &APIHandlers{
		services:  services,
		validator: validate,
		logger:    logger.With("module", "api"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (h *APIHandlers) ValidateGraph(c fiber.Ctx) error {
	var req ValidateGraphRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	return c.JSON(graph.Validate(req.Nodes, req.Connections, req.Pending))
}

func (h *APIHandlers) ValidateSchedule(c fiber.Ctx) error {
	var req ValidateScheduleRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	return c.JSON(h.services.Calculator.ValidateCronExpression(req.Expression))
}

func (h *APIHandlers) CreateEvent(c fiber.Ctx) error {
	var event models.Event
	if err := c.Bind().JSON(&event); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(event); err != nil {
		return badRequest(c, err.Error())
	}

	for _, target := range event.Webhooks {
		if err := webhook.ValidateURL(target.URL, false); err != nil {
			return badRequest(c, err.Error())
		}
	}

	event.ExecutionCount = 0
	event.LastRunAt = nil

	err := h.services.Persistence.EventRepository().Save(c.Context(), &event)
	if err != nil {
		return handleServiceError(c, err)
	}

	if event.IsActive() && event.IsRecurring() {
		_, err := h.services.Scheduler.ScheduleEvent(c.Context(), &event)
		if err != nil {
			h.logger.WarnContext(c.Context(), "event saved without a first job", "event_id", event.ID, "error", err)
		}
	}

	return c.Status(fiber.StatusCreated).JSON(event)
}

func (h *APIHandlers) GetEvent(c fiber.Ctx) error {
	event, err := h.services.Persistence.EventRepository().GetByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(event)
}

func (h *APIHandlers) RunEvent(c fiber.Ctx) error {
	var req RunRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	event, err := h.services.Persistence.EventRepository().GetByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	if !event.IsActive() {
		return handleServiceError(c, scheduler.ErrEventNotSchedulable)
	}

	jobID, err := h.services.Scheduler.RunNow(c.Context(), event, req.Input)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(JobAcceptedResponse{JobID: jobID})
}

func (h *APIHandlers) SaveWorkflow(c fiber.Ctx) error {
	var wf models.Workflow
	if err := c.Bind().JSON(&wf); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	saved, err := h.services.Workflows.Save(c.Context(), &wf)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(saved)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	wf, err := h.services.Workflows.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(wf)
}

func (h *APIHandlers) ListWorkflows(c fiber.Ctx) error {
	workflows, err := h.services.Workflows.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"workflows": workflows})
}

func (h *APIHandlers) RunWorkflow(c fiber.Ctx) error {
	var req RunRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	result, err := h.services.Workflows.Run(c.Context(), c.Params("id"), req.Input)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(result)
}

// TriggerWebhook is the inbound trigger. Requests are verified against the workflow's
// security settings before the run starts.
func (h *APIHandlers) TriggerWebhook(c fiber.Ctx) error {
	key := c.Params("key")
	body := c.Body()

	if len(body) > 0 && !json.Valid(body) {
		return badRequest(c, "Invalid JSON format")
	}

	wf, err := h.services.Workflows.GetByWebhookKey(c.Context(), key)
	if err != nil {
		return handleServiceError(c, err)
	}

	if wf.Security != nil {
		signatureHeader := wf.Security.SignatureHeader
		if signatureHeader == "" {
			signatureHeader = webhook.SignatureHeader
		}

		timestampHeader := wf.Security.TimestampHeader
		if timestampHeader == "" {
			timestampHeader = webhook.TimestampHeader
		}

		result := webhook.VerifyWebhook(webhook.Request{
			Body:      body,
			Signature: c.Get(signatureHeader),
			Timestamp: c.Get(timestampHeader),
			RemoteIP:  c.IP(),
		}, wf.Security, h.now())
		if !result.Valid {
			h.logger.WarnContext(c.Context(), "inbound trigger rejected", "workflow_id", wf.ID, "reason", result.Reason)

			return verificationFailed(c, result)
		}
	}

	payload := append(json.RawMessage(nil), body...)

	triggered, err := h.services.Workflows.TriggerByWebhookKey(c.Context(), key, payload)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(triggered)
}

// CompleteJob receives the runtime's completion callback.
func (h *APIHandlers) CompleteJob(c fiber.Ctx) error {
	var callback models.CompletionCallback
	if err := c.Bind().JSON(&callback); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(callback); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.services.Scheduler.CompleteJob(c.Context(), c.Params("id"), callback)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetJobResult(c fiber.Ctx) error {
	jobID := c.Params("id")

	result, err := h.services.Synchronizer.GetResult(c.Context(), jobID)
	if err != nil {
		return handleServiceError(c, err)
	}

	if result == nil {
		return c.Status(fiber.StatusAccepted).JSON(PendingResultResponse{JobID: jobID, Status: "pending"})
	}

	return c.JSON(result)
}

// WaitForJob long-polls until the job finishes or the timeout passes.
func (h *APIHandlers) WaitForJob(c fiber.Ctx) error {
	timeout, err := durationQuery(c, "timeout", completion.DefaultMaxWait)
	if err != nil {
		return badRequest(c, "Invalid timeout: "+err.Error())
	}

	interval, err := durationQuery(c, "interval", completion.DefaultPollInterval)
	if err != nil {
		return badRequest(c, "Invalid interval: "+err.Error())
	}

	timeout = min(timeout, completion.DefaultMaxWait)

	result, err := h.services.Synchronizer.WaitForCompletion(c.Context(), c.Params("id"), timeout, interval)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func durationQuery(c fiber.Ctx, name string, fallback time.Duration) (time.Duration, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}

	if d <= 0 {
		return fallback, nil
	}

	return d, nil
}

func (h *APIHandlers) ListCircuits(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"circuits": h.services.Breakers.AllMetrics()})
}

func (h *APIHandlers) ResetCircuit(c fiber.Ctx) error {
	return h.circuitAction(c, h.services.Breakers.Reset)
}

func (h *APIHandlers) OpenCircuit(c fiber.Ctx) error {
	return h.circuitAction(c, h.services.Breakers.ForceOpen)
}

func (h *APIHandlers) CloseCircuit(c fiber.Ctx) error {
	return h.circuitAction(c, h.services.Breakers.ForceClose)
}

func (h *APIHandlers) circuitAction(c fiber.Ctx, action func(key string) bool) error {
	key := c.Params("key")

	if !action(key) {
		return notFound(c, "circuit "+key+" not found")
	}

	metrics, _ := h.services.Breakers.Metrics(key)

	return c.JSON(metrics)
}

func (h *APIHandlers) GetQueue(c fiber.Ctx) error {
	return c.JSON(QueueResponse{
		Stats:      h.services.Queue.Stats(c.Context()),
		Pending:    h.services.Queue.PendingItems(),
		Processing: h.services.Queue.ProcessingItems(),
	})
}

func (h *APIHandlers) ListDeadLetters(c fiber.Ctx) error {
	items, err := h.services.Queue.DeadLetters(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"dead_letters": items})
}

func (h *APIHandlers) RetryDeadLetter(c fiber.Ctx) error {
	err := h.services.Queue.RetryDeadLetter(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) ClearDeadLetters(c fiber.Ctx) error {
	cleared, err := h.services.Queue.ClearDeadLetters(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"cleared": cleared})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	response := HealthResponse{Status: "healthy", Message: "Persistence layer is healthy", Timestamp: h.now()}
	status := fiber.StatusOK

	if h.services.Persistence == nil {
		response.Status = "unhealthy"
		response.Message = "Persistence layer not initialized"
		status = fiber.StatusServiceUnavailable
	} else if err := h.services.Persistence.HealthCheck(c.Context()); err != nil {
		response.Status = "unhealthy"
		response.Message = "Persistence layer is unhealthy: " + err.Error()
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(response)
}
