package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewApp mounts every route on a fresh fiber app. Metrics are served from gatherer.
func NewApp(handlers *APIHandlers, gatherer prometheus.Gatherer) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())
	app.Get("/health", handlers.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Runbook API")
	})

	app.Post("/graph/validate", handlers.ValidateGraph)
	app.Post("/schedules/validate", handlers.ValidateSchedule)

	e := app.Group("/events")
	e.Post("/", handlers.CreateEvent)
	e.Get("/:id", handlers.GetEvent)
	e.Post("/:id/run", handlers.RunEvent)

	w := app.Group("/workflows")
	w.Get("/", handlers.ListWorkflows)
	w.Post("/", handlers.SaveWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Post("/:id/run", handlers.RunWorkflow)

	app.Post("/hooks/:key", handlers.TriggerWebhook)

	app.Post("/internal/jobs/:id/complete", handlers.CompleteJob)

	j := app.Group("/jobs")
	j.Get("/:id/result", handlers.GetJobResult)
	j.Get("/:id/wait", handlers.WaitForJob)

	cb := app.Group("/circuits")
	cb.Get("/", handlers.ListCircuits)
	cb.Post("/:key/reset", handlers.ResetCircuit)
	cb.Post("/:key/open", handlers.OpenCircuit)
	cb.Post("/:key/close", handlers.CloseCircuit)

	wh := app.Group("/webhooks")
	wh.Get("/queue", handlers.GetQueue)
	wh.Get("/dead-letters", handlers.ListDeadLetters)
	wh.Post("/dead-letters/:id/retry", handlers.RetryDeadLetter)
	wh.Delete("/dead-letters", handlers.ClearDeadLetters)

	return app
}
