// Package persistence declares the entity store the execution core reads and writes.
package persistence

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/runbook/pkg/models"
)

type Persistence interface {
	JobRepository() JobRepository
	EventRepository() EventRepository
	ExecutionRepository() ExecutionRepository
	WorkflowRepository() WorkflowRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// JobRepository stores dispatchable jobs. Jobs are never deleted here.
type JobRepository interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	Update(ctx context.Context, job *models.Job) error
	ListByEvent(ctx context.Context, eventID string) ([]*models.Job, error)

	// DueJobs returns queued jobs scheduled at or before the given time, highest priority first.
	DueJobs(ctx context.Context, before time.Time, limit int) ([]*models.Job, error)

	// Claim moves a queued job to claimed. It reports false when another caller got there first.
	Claim(ctx context.Context, id string) (bool, error)

	// Finish stores job, which carries a terminal status, only while the stored job has not
	// finished yet. It reports false when another caller finished it first.
	Finish(ctx context.Context, job *models.Job) (bool, error)
}

type EventRepository interface {
	Save(ctx context.Context, event *models.Event) error
	GetByID(ctx context.Context, id string) (*models.Event, error)

	// IncrementExecutionCount bumps the counter and returns the updated event.
	IncrementExecutionCount(ctx context.Context, id string) (*models.Event, error)
	UpdateRunTimes(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error
}

type ExecutionRepository interface {
	SaveExecution(ctx context.Context, execution *models.Execution) error
	LatestExecution(ctx context.Context, jobID string) (*models.Execution, error)

	SaveLog(ctx context.Context, log *models.Log) error
	GetLog(ctx context.Context, id string) (*models.Log, error)
	LatestLog(ctx context.Context, jobID string) (*models.Log, error)
}

type WorkflowRepository interface {
	Save(ctx context.Context, workflow *models.Workflow) error
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	GetByWebhookKey(ctx context.Context, key string) (*models.Workflow, error)
	List(ctx context.Context) ([]*models.Workflow, error)
	Delete(ctx context.Context, id string) error
}

// SortDue orders jobs the way DueJobs returns them: priority descending, then schedule time.
func SortDue(jobs []*models.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}

		return jobs[i].ScheduledFor.Before(jobs[j].ScheduledFor)
	})
}
