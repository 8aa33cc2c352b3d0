package webhook

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports queue counters and gauges.
type Metrics struct {
	enqueued     prometheus.Counter
	delivered    prometheus.Counter
	retried      prometheus.Counter
	deferred     prometheus.Counter
	deadLettered prometheus.Counter
	duration     prometheus.Histogram
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		enqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "runbook_webhook_enqueued_total",
			Help: "Webhook items added to the queue",
		}),
		delivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "runbook_webhook_delivered_total",
			Help: "Webhook items delivered",
		}),
		retried: factory.NewCounter(prometheus.CounterOpts{
			Name: "runbook_webhook_retried_total",
			Help: "Failed webhook attempts scheduled for retry",
		}),
		deferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "runbook_webhook_deferred_total",
			Help: "Webhook items held back because their host breaker was open",
		}),
		deadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "runbook_webhook_dead_lettered_total",
			Help: "Webhook items moved to dead letters",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "runbook_webhook_delivery_duration_seconds",
			Help:    "Duration of successful webhook deliveries",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Listener counts queue notifications.
func (m *Metrics) Listener() Listener {
	return func(n Notification) {
		switch n.Type {
		case NotificationEnqueued:
			m.enqueued.Inc()
		case NotificationDelivered:
			m.delivered.Inc()
			m.duration.Observe(n.Duration.Seconds())
		case NotificationRetrying:
			m.retried.Inc()
		case NotificationDeferred:
			m.deferred.Inc()
		case NotificationDeadLettered:
			m.deadLettered.Inc()
		}
	}
}

// RegisterQueueGauges exposes the queue sizes as gauges read at scrape time.
func RegisterQueueGauges(registerer prometheus.Registerer, queue *Queue) {
	factory := promauto.With(registerer)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "runbook_webhook_pending",
		Help: "Webhook items waiting for delivery",
	}, func() float64 {
		return float64(len(queue.PendingItems()))
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "runbook_webhook_processing",
		Help: "Webhook items being delivered",
	}, func() float64 {
		return float64(len(queue.ProcessingItems()))
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "runbook_webhook_dead_letters",
		Help: "Webhook items in the dead letter store",
	}, func() float64 {
		return float64(queue.Stats(context.Background()).DeadLetter)
	})
}
