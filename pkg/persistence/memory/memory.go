// Package memory provides a process-local persistence implementation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/persistence"
	"github.com/google/uuid"
)

// Persistence keeps every entity in maps guarded by a single lock.
type Persistence struct {
	mu         sync.RWMutex
	jobs       map[string]*models.Job
	events     map[string]*models.Event
	executions map[string]*models.Execution
	logs       map[string]*models.Log
	workflows  map[string]*models.Workflow
	now        func() time.Time
}

func NewPersistence() *Persistence {
	return &Persistence{
		jobs:       make(map[string]*models.Job),
		events:     make(map[string]*models.Event),
		executions: make(map[string]*models.Execution),
		logs:       make(map[string]*models.Log),
		workflows:  make(map[string]*models.Workflow),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (p *Persistence) JobRepository() persistence.JobRepository {
	return &jobRepository{p}
}

func (p *Persistence) EventRepository() persistence.EventRepository {
	return &eventRepository{p}
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return &executionRepository{p}
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return &workflowRepository{p}
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

type jobRepository struct {
	p *Persistence
}

func (r *jobRepository) Create(_ context.Context, job *models.Job) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if job.ID == "" {
		job.ID = newID()
	}

	if _, exists := r.p.jobs[job.ID]; exists {
		return persistence.NewJobError("Create", job.ID, persistence.ErrAlreadyExists)
	}

	now := r.p.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	job.UpdatedAt = now
	r.p.jobs[job.ID] = cloneJob(job)

	return nil
}

func (r *jobRepository) GetByID(_ context.Context, id string) (*models.Job, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	job, ok := r.p.jobs[id]
	if !ok {
		return nil, persistence.NewJobError("GetByID", id, persistence.ErrJobNotFound)
	}

	return cloneJob(job), nil
}

func (r *jobRepository) Update(_ context.Context, job *models.Job) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, ok := r.p.jobs[job.ID]; !ok {
		return persistence.NewJobError("Update", job.ID, persistence.ErrJobNotFound)
	}

	job.UpdatedAt = r.p.now()
	r.p.jobs[job.ID] = cloneJob(job)

	return nil
}

func (r *jobRepository) ListByEvent(_ context.Context, eventID string) ([]*models.Job, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	jobs := make([]*models.Job, 0)

	for _, job := range r.p.jobs {
		if job.EventID == eventID {
			jobs = append(jobs, cloneJob(job))
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	return jobs, nil
}

func (r *jobRepository) DueJobs(_ context.Context, before time.Time, limit int) ([]*models.Job, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	due := make([]*models.Job, 0)

	for _, job := range r.p.jobs {
		if job.Status == models.JobStatusQueued && !job.ScheduledFor.After(before) {
			due = append(due, cloneJob(job))
		}
	}

	persistence.SortDue(due)

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (r *jobRepository) Claim(_ context.Context, id string) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	job, ok := r.p.jobs[id]
	if !ok {
		return false, persistence.NewJobError("Claim", id, persistence.ErrJobNotFound)
	}

	if job.Status != models.JobStatusQueued {
		return false, nil
	}

	job.Status = models.JobStatusClaimed
	job.Attempts++
	job.UpdatedAt = r.p.now()

	return true, nil
}

func (r *jobRepository) Finish(_ context.Context, job *models.Job) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stored, ok := r.p.jobs[job.ID]
	if !ok {
		return false, persistence.NewJobError("Finish", job.ID, persistence.ErrJobNotFound)
	}

	if stored.Status.IsTerminal() {
		return false, nil
	}

	job.UpdatedAt = r.p.now()
	r.p.jobs[job.ID] = cloneJob(job)

	return true, nil
}

type eventRepository struct {
	p *Persistence
}

func (r *eventRepository) Save(_ context.Context, event *models.Event) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if event.ID == "" {
		event.ID = newID()
	}

	now := r.p.now()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}

	event.UpdatedAt = now
	r.p.events[event.ID] = cloneEvent(event)

	return nil
}

func (r *eventRepository) GetByID(_ context.Context, id string) (*models.Event, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	event, ok := r.p.events[id]
	if !ok {
		return nil, persistence.NewEventError("GetByID", id, persistence.ErrEventNotFound)
	}

	return cloneEvent(event), nil
}

func (r *eventRepository) IncrementExecutionCount(_ context.Context, id string) (*models.Event, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	event, ok := r.p.events[id]
	if !ok {
		return nil, persistence.NewEventError("IncrementExecutionCount", id, persistence.ErrEventNotFound)
	}

	event.ExecutionCount++
	event.UpdatedAt = r.p.now()

	return cloneEvent(event), nil
}

func (r *eventRepository) UpdateRunTimes(_ context.Context, id string, lastRunAt, nextRunAt *time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	event, ok := r.p.events[id]
	if !ok {
		return persistence.NewEventError("UpdateRunTimes", id, persistence.ErrEventNotFound)
	}

	if lastRunAt != nil {
		event.LastRunAt = timePtr(*lastRunAt)
	}

	event.NextRunAt = nil
	if nextRunAt != nil {
		event.NextRunAt = timePtr(*nextRunAt)
	}

	event.UpdatedAt = r.p.now()

	return nil
}

type executionRepository struct {
	p *Persistence
}

func (r *executionRepository) SaveExecution(_ context.Context, execution *models.Execution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if execution.ID == "" {
		execution.ID = newID()
	}

	now := r.p.now()
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now
	}

	execution.UpdatedAt = now
	stored := *execution
	r.p.executions[execution.ID] = &stored

	return nil
}

func (r *executionRepository) LatestExecution(_ context.Context, jobID string) (*models.Execution, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var latest *models.Execution

	for _, execution := range r.p.executions {
		if execution.JobID != jobID {
			continue
		}

		if latest == nil || execution.CreatedAt.After(latest.CreatedAt) {
			latest = execution
		}
	}

	if latest == nil {
		return nil, persistence.NewExecutionError("LatestExecution", jobID, persistence.ErrExecutionNotFound)
	}

	found := *latest

	return &found, nil
}

func (r *executionRepository) SaveLog(_ context.Context, log *models.Log) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if log.ID == "" {
		log.ID = newID()
	}

	if log.StartTime.IsZero() {
		log.StartTime = r.p.now()
	}

	stored := *log
	r.p.logs[log.ID] = &stored

	return nil
}

func (r *executionRepository) GetLog(_ context.Context, id string) (*models.Log, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	log, ok := r.p.logs[id]
	if !ok {
		return nil, persistence.NewExecutionError("GetLog", id, persistence.ErrLogNotFound)
	}

	found := *log

	return &found, nil
}

func (r *executionRepository) LatestLog(_ context.Context, jobID string) (*models.Log, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var latest *models.Log

	for _, log := range r.p.logs {
		if log.JobID != jobID {
			continue
		}

		if latest == nil || log.StartTime.After(latest.StartTime) {
			latest = log
		}
	}

	if latest == nil {
		return nil, persistence.NewExecutionError("LatestLog", jobID, persistence.ErrLogNotFound)
	}

	found := *latest

	return &found, nil
}

type workflowRepository struct {
	p *Persistence
}

func (r *workflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if workflow.ID == "" {
		workflow.ID = newID()
	}

	now := r.p.now()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now
	r.p.workflows[workflow.ID] = cloneWorkflow(workflow)

	return nil
}

func (r *workflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	workflow, ok := r.p.workflows[id]
	if !ok {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	return cloneWorkflow(workflow), nil
}

func (r *workflowRepository) GetByWebhookKey(_ context.Context, key string) (*models.Workflow, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	for _, workflow := range r.p.workflows {
		if key != "" && workflow.WebhookKey == key {
			return cloneWorkflow(workflow), nil
		}
	}

	return nil, persistence.NewWorkflowError("GetByWebhookKey", key, persistence.ErrWorkflowNotFound)
}

func (r *workflowRepository) List(_ context.Context) ([]*models.Workflow, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	workflows := make([]*models.Workflow, 0, len(r.p.workflows))
	for _, workflow := range r.p.workflows {
		workflows = append(workflows, cloneWorkflow(workflow))
	}

	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
	})

	return workflows, nil
}

func (r *workflowRepository) Delete(_ context.Context, id string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, ok := r.p.workflows[id]; !ok {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	delete(r.p.workflows, id)

	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func cloneJob(job *models.Job) *models.Job {
	clone := *job
	if job.Result != nil {
		result := *job.Result
		clone.Result = &result
	}

	return &clone
}

func cloneEvent(event *models.Event) *models.Event {
	clone := *event
	clone.Webhooks = append([]models.WebhookTarget(nil), event.Webhooks...)

	return &clone
}

func cloneWorkflow(workflow *models.Workflow) *models.Workflow {
	clone := *workflow
	clone.Nodes = append([]*models.WorkflowNode(nil), workflow.Nodes...)
	clone.Connections = append([]*models.Connection(nil), workflow.Connections...)

	return &clone
}
