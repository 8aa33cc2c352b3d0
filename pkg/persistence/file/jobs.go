package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/persistence"
)

// JobRepository handles job-related file operations.
type JobRepository struct {
	p    *Persistence
	jobs collection[models.Job]
}

func (r *JobRepository) Create(_ context.Context, job *models.Job) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if job.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		job.ID = id
	} else if _, err := r.jobs.read(job.ID); err == nil {
		return persistence.NewJobError("Create", job.ID, persistence.ErrAlreadyExists)
	}

	now := r.p.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	job.UpdatedAt = now

	err := r.jobs.write(job.ID, job)
	if err != nil {
		return persistence.NewJobError("Create", job.ID, err)
	}

	return nil
}

func (r *JobRepository) GetByID(_ context.Context, id string) (*models.Job, error) {
	job, err := r.jobs.read(id)
	if err != nil {
		return nil, r.notFound("GetByID", id, err)
	}

	return job, nil
}

func (r *JobRepository) Update(_ context.Context, job *models.Job) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	_, err := r.jobs.read(job.ID)
	if err != nil {
		return r.notFound("Update", job.ID, err)
	}

	job.UpdatedAt = r.p.now()

	err = r.jobs.write(job.ID, job)
	if err != nil {
		return persistence.NewJobError("Update", job.ID, err)
	}

	return nil
}

func (r *JobRepository) ListByEvent(_ context.Context, eventID string) ([]*models.Job, error) {
	all, err := r.jobs.all()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*models.Job, 0)

	for _, job := range all {
		if job.EventID == eventID {
			jobs = append(jobs, job)
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	return jobs, nil
}

func (r *JobRepository) DueJobs(_ context.Context, before time.Time, limit int) ([]*models.Job, error) {
	all, err := r.jobs.all()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	due := make([]*models.Job, 0)

	for _, job := range all {
		if job.Status == models.JobStatusQueued && !job.ScheduledFor.After(before) {
			due = append(due, job)
		}
	}

	persistence.SortDue(due)

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (r *JobRepository) Claim(_ context.Context, id string) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	job, err := r.jobs.read(id)
	if err != nil {
		return false, r.notFound("Claim", id, err)
	}

	if job.Status != models.JobStatusQueued {
		return false, nil
	}

	job.Status = models.JobStatusClaimed
	job.Attempts++
	job.UpdatedAt = r.p.now()

	err = r.jobs.write(id, job)
	if err != nil {
		return false, persistence.NewJobError("Claim", id, err)
	}

	return true, nil
}

func (r *JobRepository) Finish(_ context.Context, job *models.Job) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stored, err := r.jobs.read(job.ID)
	if err != nil {
		return false, r.notFound("Finish", job.ID, err)
	}

	if stored.Status.IsTerminal() {
		return false, nil
	}

	job.UpdatedAt = r.p.now()

	err = r.jobs.write(job.ID, job)
	if err != nil {
		return false, persistence.NewJobError("Finish", job.ID, err)
	}

	return true, nil
}

func (r *JobRepository) notFound(op, id string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.NewJobError(op, id, persistence.ErrJobNotFound)
	}

	return persistence.NewJobError(op, id, err)
}
