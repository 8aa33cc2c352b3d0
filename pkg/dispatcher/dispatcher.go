// Package dispatcher hands due jobs to whoever runs them: tool actions run in process through the
// integration gateway, everything else is published for the external runtime.
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/runbook/pkg/eventbus"
	"github.com/dukex/runbook/pkg/events"
	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/persistence"
	"github.com/dukex/runbook/pkg/scheduler"
)

const (
	DefaultPollInterval = time.Second
	DefaultBatchSize    = 50
	DefaultToolWorkers  = 4
)

// ToolExecutor runs tool actions. *integration.Gateway implements it.
type ToolExecutor interface {
	Execute(ctx context.Context, userID string, action models.ToolActionPayload, input json.RawMessage) (json.RawMessage, error)
}

type Dispatcher struct {
	jobs      persistence.JobRepository
	scheduler *scheduler.Scheduler
	tools     ToolExecutor
	publisher eventbus.EventPublisher
	logger    *slog.Logger

	interval  time.Duration
	batchSize int
	workers   chan struct{}
	inflight  sync.WaitGroup
	now       func() time.Time
}

type Option func(*Dispatcher)

func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		d.interval = interval
	}
}

func WithBatchSize(size int) Option {
	return func(d *Dispatcher) {
		d.batchSize = size
	}
}

func WithToolWorkers(n int) Option {
	return func(d *Dispatcher) {
		d.workers = make(chan struct{}, n)
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

func New(
	logger *slog.Logger,
	jobs persistence.JobRepository,
	sched *scheduler.Scheduler,
	tools ToolExecutor,
	publisher eventbus.EventPublisher,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		jobs:      jobs,
		scheduler: sched,
		tools:     tools,
		publisher: publisher,
		logger:    logger.With("module", "dispatcher"),
		interval:  DefaultPollInterval,
		batchSize: DefaultBatchSize,
		workers:   make(chan struct{}, DefaultToolWorkers),
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Run polls until ctx is done and then waits for running tool actions.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.InfoContext(ctx, "dispatcher started", "interval", d.interval)

	for {
		d.Poll(ctx)

		select {
		case <-ctx.Done():
			d.inflight.Wait()
			d.logger.Info("dispatcher stopped")

			return nil
		case <-ticker.C:
		}
	}
}

// Poll claims due jobs and dispatches them. It returns how many jobs it claimed.
func (d *Dispatcher) Poll(ctx context.Context) int {
	due, err := d.jobs.DueJobs(ctx, d.now(), d.batchSize)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to fetch due jobs", "error", err)

		return 0
	}

	claimed := 0

	for _, job := range due {
		ok, err := d.jobs.Claim(ctx, job.ID)
		if err != nil {
			d.logger.ErrorContext(ctx, "failed to claim job", "job_id", job.ID, "error", err)

			continue
		}

		if !ok {
			continue
		}

		claimed++
		job.Status = models.JobStatusClaimed

		if job.Type == models.JobTypeToolAction && d.tools != nil {
			d.runTool(ctx, job)

			continue
		}

		d.publish(ctx, job)
	}

	return claimed
}

// Wait blocks until every tool action started by Poll has finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func (d *Dispatcher) publish(ctx context.Context, job *models.Job) {
	err := d.publisher.Publish(ctx, job.EventID, events.JobDispatched{
		BaseEvent: events.NewBaseEvent(events.JobDispatchedEvent),
		Job:       job,
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to publish job", "job_id", job.ID, "error", err)

		return
	}

	d.logger.DebugContext(ctx, "job dispatched", "job_id", job.ID, "type", job.Type)
}

func (d *Dispatcher) runTool(ctx context.Context, job *models.Job) {
	d.inflight.Add(1)

	go func() {
		defer d.inflight.Done()

		select {
		case d.workers <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-d.workers }()

		d.executeTool(context.WithoutCancel(ctx), job)
	}()
}

func (d *Dispatcher) executeTool(ctx context.Context, job *models.Job) {
	logger := d.logger.With("job_id", job.ID, "event_id", job.EventID)

	err := d.scheduler.StartJob(ctx, job.ID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to start job", "error", err)

		return
	}

	callback := models.CompletionCallback{Timestamp: d.now()}
	exitCode := 0

	if job.Payload.Tool == nil {
		exitCode = 1
		callback.Error = "job has no tool action payload"
	} else {
		started := d.now()
		callback.StartedAt = &started

		output, err := d.tools.Execute(ctx, job.UserID, *job.Payload.Tool, job.Payload.Input)
		if err != nil {
			exitCode = 1
			callback.Error = err.Error()
		} else {
			callback.ScriptOutput = output
			callback.Output = string(output)
		}

		callback.Timestamp = d.now()
	}

	callback.ExitCode = &exitCode

	_, err = d.scheduler.CompleteJob(ctx, job.ID, callback)
	if err != nil {
		logger.ErrorContext(ctx, "failed to complete tool job", "error", err)
	}
}
