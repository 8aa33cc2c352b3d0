package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/runbook/pkg/eventbus"
	"github.com/dukex/runbook/pkg/events"
)

type NotificationType string

const (
	NotificationEnqueued     NotificationType = "enqueued"
	NotificationDelivered    NotificationType = "delivered"
	NotificationRetrying     NotificationType = "retrying"
	NotificationDeferred     NotificationType = "deferred"
	NotificationDeadLettered NotificationType = "dead_lettered"
)

// Notification describes a queue lifecycle step.
type Notification struct {
	Type     NotificationType
	Item     Item
	Duration time.Duration
	Err      error
}

// Listener receives notifications synchronously on the delivering goroutine and must not block.
type Listener func(Notification)

// EventBusListener publishes deliveries and dead letters on the event bus.
func EventBusListener(logger *slog.Logger, publisher eventbus.EventPublisher) Listener {
	return func(n Notification) {
		var event eventbus.Event

		switch n.Type {
		case NotificationDelivered:
			event = events.WebhookDelivered{
				BaseEvent: events.NewBaseEvent(events.WebhookDeliveredEvent),
				ItemID:    n.Item.ID,
				URL:       n.Item.URL,
				Attempts:  n.Item.Attempts,
				Duration:  n.Duration,
			}
		case NotificationDeadLettered:
			event = events.WebhookDeadLettered{
				BaseEvent: events.NewBaseEvent(events.WebhookDeadLetteredEvent),
				ItemID:    n.Item.ID,
				URL:       n.Item.URL,
				Attempts:  n.Item.Attempts,
				Error:     n.Item.LastError,
			}
		default:
			return
		}

		err := publisher.Publish(context.Background(), n.Item.ID, event)
		if err != nil {
			logger.Warn("failed to publish webhook event", "item_id", n.Item.ID, "type", n.Type, "error", err)
		}
	}
}
