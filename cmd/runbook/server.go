package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dukex/runbook/pkg/circuitbreaker"
	"github.com/dukex/runbook/pkg/cmd"
	"github.com/dukex/runbook/pkg/completion"
	"github.com/dukex/runbook/pkg/config"
	"github.com/dukex/runbook/pkg/dispatcher"
	"github.com/dukex/runbook/pkg/eventbus"
	"github.com/dukex/runbook/pkg/integration"
	"github.com/dukex/runbook/pkg/persistence"
	"github.com/dukex/runbook/pkg/pool"
	"github.com/dukex/runbook/pkg/schedule"
	"github.com/dukex/runbook/pkg/scheduler"
	"github.com/dukex/runbook/pkg/web"
	"github.com/dukex/runbook/pkg/webhook"
	"github.com/dukex/runbook/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

// drainTimeout bounds how long shutdown waits for queued webhook deliveries.
const drainTimeout = 10 * time.Second

const (
	environmentDevelopment = "development"
	environmentProduction  = "production"
)

type ServerOptions struct {
	DatabaseURL  string
	EventBus     string
	KafkaBrokers []string
	ConfigPath   string
	Production   bool
	Tracer       trace.Tracer
}

// Server owns every long-lived component of the api command.
type Server struct {
	logger      *slog.Logger
	config      config.Config
	persistence persistence.Persistence
	bus         eventbus.EventBus
	redis       *redis.Client
	connections *pool.Pool[integration.Connection]
	dispatcher  *dispatcher.Dispatcher
	queue       *webhook.Queue
	runner      *workflow.Runner
	app         *fiber.App
}

func NewServer(ctx context.Context, logger *slog.Logger, opts ServerOptions) (*Server, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	s := &Server{logger: logger, config: cfg}

	s.persistence, err = cmd.NewPersistence(ctx, logger, opts.DatabaseURL)
	if err != nil {
		return nil, err
	}

	bus, err := cmd.NewEventBus(opts.EventBus, opts.KafkaBrokers, logger)
	if err != nil {
		s.Close(ctx)

		return nil, err
	}

	s.bus = bus

	deadLetters, err := s.deadLetterStore(ctx)
	if err != nil {
		s.Close(ctx)

		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	calculator := schedule.NewCalculator(logger)
	sched := scheduler.New(logger, s.persistence, calculator,
		scheduler.WithPublisher(bus),
		scheduler.WithTracer(opts.Tracer))
	synchronizer := completion.New(logger, s.persistence,
		completion.WithDefaults(cfg.Synchronizer.MaxWait, cfg.Synchronizer.PollInterval))

	breakers := circuitbreaker.NewManager(logger, append(cfg.CircuitOptions(),
		circuitbreaker.WithPublisher(bus),
		circuitbreaker.WithRegisterer(registry))...)

	s.connections = pool.New(logger, config.PoolOptions[integration.Connection](cfg.Pool)...)
	clients := pool.NewHTTPClients(logger, http.DefaultTransport)
	gateway := integration.NewGateway(logger,
		integration.NewMemoryToolStore(cfg.Tools...),
		s.connections,
		breakers,
		integration.DefaultIntegrations(clients, cfg.Dispatcher.ToolTimeout),
		integration.WithTracer(opts.Tracer))

	s.dispatcher = dispatcher.New(logger, s.persistence.JobRepository(), sched, gateway, bus,
		dispatcher.WithPollInterval(cfg.Dispatcher.PollInterval),
		dispatcher.WithBatchSize(cfg.Dispatcher.BatchSize),
		dispatcher.WithToolWorkers(cfg.Dispatcher.ToolWorkers))

	metrics := webhook.NewMetrics(registry)
	transport := webhook.NewHTTPTransport(logger,
		webhook.WithTimestamps(cfg.Webhook.Timestamps),
		webhook.WithHostBreaker(cfg.Webhook.HostBreaker))
	s.queue = webhook.NewQueue(logger, transport,
		webhook.WithQueueConfig(cfg.Webhook.Queue),
		webhook.WithDeadLetterStore(deadLetters),
		webhook.WithQueueTracer(opts.Tracer),
		webhook.WithListener(metrics.Listener()),
		webhook.WithListener(webhook.EventBusListener(logger, bus)))
	webhook.RegisterQueueGauges(registry, s.queue)

	notifier := webhook.NewNotifier(logger, s.persistence.EventRepository(), s.queue, opts.Production)

	err = notifier.Register(bus)
	if err != nil {
		s.Close(ctx)

		return nil, err
	}

	s.runner = workflow.NewRunner(logger, s.persistence.EventRepository(), sched, synchronizer,
		workflow.WithPublisher(bus),
		workflow.WithTracer(opts.Tracer),
		workflow.WithNodeWait(cfg.Synchronizer.MaxWait, cfg.Synchronizer.PollInterval))

	handlers := web.NewAPIHandlers(logger, web.Services{
		Persistence:  s.persistence,
		Workflows:    workflow.NewService(logger, s.persistence, s.runner),
		Scheduler:    sched,
		Calculator:   calculator,
		Synchronizer: synchronizer,
		Breakers:     breakers,
		Queue:        s.queue,
	}, validator.New(validator.WithRequiredStructEnabled()))

	s.app = web.NewApp(handlers, registry)

	return s, nil
}

func (s *Server) deadLetterStore(ctx context.Context) (webhook.DeadLetterStore, error) {
	if s.config.Webhook.RedisURL == "" {
		return webhook.NewMemoryDeadLetterStore(), nil
	}

	client, err := cmd.NewRedisClient(ctx, s.config.Webhook.RedisURL)
	if err != nil {
		return nil, err
	}

	s.redis = client

	return webhook.NewRedisDeadLetterStore(client, s.config.Webhook.DeadLetterKey), nil
}

// Start runs the background loops and serves HTTP until ctx is done.
func (s *Server) Start(ctx context.Context, port int) error {
	loopCtx, stopLoops := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLoops()

	err := s.bus.Subscribe(loopCtx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	var loops sync.WaitGroup

	loops.Add(3)

	go func() {
		defer loops.Done()

		_ = s.dispatcher.Run(loopCtx)
	}()

	go func() {
		defer loops.Done()

		err := s.queue.Run(loopCtx)
		if err != nil {
			s.logger.Error("webhook queue stopped", "error", err)
		}
	}()

	go func() {
		defer loops.Done()

		s.connections.Run(loopCtx, s.config.Pool.PruneInterval)
	}()

	listenErr := make(chan error, 1)

	go func() {
		listenErr <- s.app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	s.logger.InfoContext(ctx, "Runbook API listening", "port", port)

	select {
	case err = <-listenErr:
	case <-ctx.Done():
		err = s.app.ShutdownWithContext(context.WithoutCancel(ctx))
	}

	s.runner.Wait()

	_ = s.drain(loopCtx, drainTimeout)

	stopLoops()
	loops.Wait()

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// drain waits for queued webhook deliveries and reports what was left behind.
func (s *Server) drain(ctx context.Context, timeout time.Duration) error {
	err := s.queue.Flush(ctx, timeout)
	if err != nil {
		s.logger.WarnContext(ctx, "Webhook queue not drained", "error", err, "stats", s.queue.Stats(ctx))
	}

	return err
}

func (s *Server) Close(ctx context.Context) {
	if s.bus != nil {
		err := s.bus.Close()
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}

	if s.redis != nil {
		err := s.redis.Close()
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to close redis", "error", err)
		}
	}

	if s.persistence != nil {
		err := s.persistence.Close(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}
}
