package file

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/persistence"
)

// EventRepository handles event-related file operations.
type EventRepository struct {
	p      *Persistence
	events collection[models.Event]
}

func (r *EventRepository) Save(_ context.Context, event *models.Event) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if event.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		event.ID = id
	}

	now := r.p.now()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}

	event.UpdatedAt = now

	err := r.events.write(event.ID, event)
	if err != nil {
		return persistence.NewEventError("Save", event.ID, err)
	}

	return nil
}

func (r *EventRepository) GetByID(_ context.Context, id string) (*models.Event, error) {
	event, err := r.events.read(id)
	if err != nil {
		return nil, r.notFound("GetByID", id, err)
	}

	return event, nil
}

func (r *EventRepository) IncrementExecutionCount(_ context.Context, id string) (*models.Event, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	event, err := r.events.read(id)
	if err != nil {
		return nil, r.notFound("IncrementExecutionCount", id, err)
	}

	event.ExecutionCount++
	event.UpdatedAt = r.p.now()

	err = r.events.write(id, event)
	if err != nil {
		return nil, persistence.NewEventError("IncrementExecutionCount", id, err)
	}

	return event, nil
}

func (r *EventRepository) UpdateRunTimes(_ context.Context, id string, lastRunAt, nextRunAt *time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	event, err := r.events.read(id)
	if err != nil {
		return r.notFound("UpdateRunTimes", id, err)
	}

	if lastRunAt != nil {
		event.LastRunAt = lastRunAt
	}

	event.NextRunAt = nextRunAt
	event.UpdatedAt = r.p.now()

	err = r.events.write(id, event)
	if err != nil {
		return persistence.NewEventError("UpdateRunTimes", id, err)
	}

	return nil
}

func (r *EventRepository) notFound(op, id string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.NewEventError(op, id, persistence.ErrEventNotFound)
	}

	return persistence.NewEventError(op, id, err)
}
