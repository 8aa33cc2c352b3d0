package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/runbook/pkg/eventbus"
	"github.com/dukex/runbook/pkg/events"
	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/persistence"
)

// Enqueuer accepts deliveries. *Queue implements it.
type Enqueuer interface {
	Enqueue(item Item) (string, error)
}

// JobNotification is the body posted to event webhook targets.
type JobNotification struct {
	Event      events.EventType `json:"event"`
	JobID      string           `json:"job_id"`
	EventID    string           `json:"event_id"`
	EventName  string           `json:"event_name,omitempty"`
	WorkflowID string           `json:"workflow_id,omitempty"`
	Status     models.JobStatus `json:"status"`
	Success    bool             `json:"success"`
	ExitCode   *int             `json:"exit_code,omitempty"`
	Output     string           `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	DurationMS int64            `json:"duration_ms"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Notifier turns finished jobs into deliveries for the webhook targets of their event.
type Notifier struct {
	events     persistence.EventRepository
	queue      Enqueuer
	production bool
	logger     *slog.Logger
}

func NewNotifier(logger *slog.Logger, eventRepository persistence.EventRepository, queue Enqueuer, production bool) *Notifier {
	return &Notifier{
		events:     eventRepository,
		queue:      queue,
		production: production,
		logger:     logger.With("module", "webhook_notifier"),
	}
}

// Register subscribes the notifier to job completion events.
func (n *Notifier) Register(subscriber eventbus.EventSubscriber) error {
	for _, eventType := range []events.EventType{events.JobCompletedEvent, events.JobFailedEvent} {
		err := subscriber.Handle(eventType, n.handle)
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", eventType, err)
		}
	}

	return nil
}

func (n *Notifier) handle(ctx context.Context, event any) error {
	finished, ok := event.(*events.JobFinished)
	if !ok {
		return nil
	}

	_, err := n.Notify(ctx, *finished)

	return err
}

// Notify enqueues one delivery per matching target and returns the item ids.
func (n *Notifier) Notify(ctx context.Context, finished events.JobFinished) ([]string, error) {
	if finished.EventID == "" {
		return nil, nil
	}

	event, err := n.events.GetByID(ctx, finished.EventID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, nil
		}

		return nil, err
	}

	if len(event.Webhooks) == 0 {
		return nil, nil
	}

	success := finished.Success()
	body, err := json.Marshal(JobNotification{
		Event:      finished.GetType(),
		JobID:      finished.JobID,
		EventID:    finished.EventID,
		EventName:  event.Name,
		WorkflowID: finished.WorkflowID,
		Status:     finished.Status,
		Success:    success,
		ExitCode:   finished.ExitCode,
		Output:     finished.Output,
		Error:      finished.Error,
		DurationMS: finished.Duration.Milliseconds(),
		Timestamp:  finished.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}

	ids := make([]string, 0, len(event.Webhooks))

	for _, target := range event.Webhooks {
		if !target.Accepts(success) {
			continue
		}

		err := ValidateURL(target.URL, n.production)
		if err != nil {
			n.logger.WarnContext(ctx, "skipping webhook target", "event_id", event.ID, "url", target.URL, "error", err)

			continue
		}

		id, err := n.queue.Enqueue(Item{
			URL:               target.URL,
			EventType:         string(finished.GetType()),
			Payload:           body,
			Headers:           target.Headers,
			Secret:            target.Secret,
			MaxRetries:        target.MaxRetries,
			BaseDelay:         time.Duration(target.RetryDelayMS) * time.Millisecond,
			BackoffMultiplier: target.BackoffMultiplier,
			Metadata: map[string]string{
				"job_id":   finished.JobID,
				"event_id": finished.EventID,
			},
		})
		if err != nil {
			n.logger.ErrorContext(ctx, "failed to enqueue webhook", "event_id", event.ID, "url", target.URL, "error", err)

			continue
		}

		ids = append(ids, id)
	}

	return ids, nil
}
