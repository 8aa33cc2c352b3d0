package web

import (
	"errors"

	"github.com/dukex/runbook/pkg/graph"
	"github.com/dukex/runbook/pkg/persistence"
	"github.com/dukex/runbook/pkg/scheduler"
	"github.com/dukex/runbook/pkg/webhook"
	"github.com/dukex/runbook/pkg/workflow"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func problem(c fiber.Ctx, status int, kind, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func notFound(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusNotFound, "not_found", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// handleServiceError maps service and storage errors to problem documents.
func handleServiceError(c fiber.Ctx, err error) error {
	var violation *graph.ValidationError

	switch {
	case errors.As(err, &violation):
		return problem(c, fiber.StatusBadRequest, "graph_"+string(violation.Kind), violation.Message)

	case workflow.IsValidationError(err):
		return badRequest(c, err.Error())

	case workflow.IsConflictError(err):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())

	case errors.Is(err, scheduler.ErrJobAlreadyFinished):
		return problem(c, fiber.StatusConflict, "job_already_finished", err.Error())

	case errors.Is(err, scheduler.ErrEventNotSchedulable),
		errors.Is(err, scheduler.ErrExecutionLimitReached),
		errors.Is(err, scheduler.ErrNoNextExecution):
		return problem(c, fiber.StatusUnprocessableEntity, "not_schedulable", err.Error())

	case errors.Is(err, persistence.ErrWorkflowNotFound):
		return problem(c, fiber.StatusNotFound, "workflow_not_found", "workflow not found")

	case errors.Is(err, persistence.ErrJobNotFound):
		return problem(c, fiber.StatusNotFound, "job_not_found", "job not found")

	case errors.Is(err, persistence.ErrEventNotFound):
		return problem(c, fiber.StatusNotFound, "event_not_found", "event not found")

	case errors.Is(err, webhook.ErrDeadLetterNotFound):
		return problem(c, fiber.StatusNotFound, "dead_letter_not_found", "dead letter not found")

	case persistence.IsNotFound(err):
		return notFound(c, err.Error())

	default:
		return internalError(c, err)
	}
}

// verificationFailed answers a rejected inbound trigger: 403 for the IP allow-list, 401 otherwise.
func verificationFailed(c fiber.Ctx, result webhook.VerificationResult) error {
	status := fiber.StatusUnauthorized
	if errors.Is(result.Err(), webhook.ErrIPNotAllowed) {
		status = fiber.StatusForbidden
	}

	return problem(c, status, "webhook_verification_failed", result.Reason)
}
