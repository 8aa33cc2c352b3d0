package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dukex/runbook/pkg/otelhelper"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var (
	ErrFlushTimeout       = errors.New("webhook queue did not drain before the timeout")
	ErrDeadLetterNotFound = errors.New("dead letter not found")
	ErrMissingURL         = errors.New("webhook item has no url")
)

// QueueConfig tunes delivery.
type QueueConfig struct {
	Concurrency       int           `yaml:"concurrency"        validate:"min=1"`
	MaxRetries        int           `yaml:"max_retries"        validate:"min=1"`
	BaseDelay         time.Duration `yaml:"base_delay"         validate:"gt=0"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" validate:"gte=1"`
	TickInterval      time.Duration `yaml:"tick_interval"      validate:"gt=0"`
	DeliveryTimeout   time.Duration `yaml:"delivery_timeout"   validate:"gt=0"`

	// RatePerSecond bounds delivery starts across all items. Zero means unlimited.
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gte=0"`
	Burst         int     `yaml:"burst"           validate:"gte=0"`
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Concurrency:       5,
		MaxRetries:        3,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2,
		TickInterval:      time.Second,
		DeliveryTimeout:   30 * time.Second,
	}
}

// Backoff is the delay before the retry that follows the given failed attempt (1-based).
func Backoff(base time.Duration, multiplier float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	return time.Duration(float64(base) * math.Pow(multiplier, float64(attempt-1)))
}

// Transport performs one delivery attempt.
type Transport interface {
	Deliver(ctx context.Context, item *Item) error
}

// DeferredError is returned by a Transport that did not attempt the delivery. The queue holds
// the item until RetryAt without spending one of its attempts.
type DeferredError struct {
	RetryAt time.Time
	Err     error
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("delivery deferred until %s: %v", e.RetryAt.Format(time.RFC3339), e.Err)
}

func (e *DeferredError) Unwrap() error {
	return e.Err
}

type TransportFunc func(ctx context.Context, item *Item) error

func (f TransportFunc) Deliver(ctx context.Context, item *Item) error {
	return f(ctx, item)
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Completed  int `json:"completed"`
	DeadLetter int `json:"dead_letter"`
}

// Queue delivers items in the background with bounded concurrency, exponential backoff and
// a dead letter store for items that exhaust their retries. Attempts for one item never overlap.
type Queue struct {
	mu         sync.Mutex
	pending    map[string]*Item
	processing map[string]*Item
	completed  int
	failed     int
	listeners  []Listener

	config      QueueConfig
	transport   Transport
	deadLetters DeadLetterStore
	limiter     *rate.Limiter
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time

	wake     chan struct{}
	inflight sync.WaitGroup
}

type QueueOption func(*Queue)

func WithQueueConfig(config QueueConfig) QueueOption {
	return func(q *Queue) {
		q.config = config
	}
}

func WithDeadLetterStore(store DeadLetterStore) QueueOption {
	return func(q *Queue) {
		q.deadLetters = store
	}
}

func WithQueueTracer(tracer trace.Tracer) QueueOption {
	return func(q *Queue) {
		q.tracer = tracer
	}
}

func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
	}
}

// WithListener registers a listener before the queue starts.
func WithListener(listener Listener) QueueOption {
	return func(q *Queue) {
		q.listeners = append(q.listeners, listener)
	}
}

func NewQueue(logger *slog.Logger, transport Transport, opts ...QueueOption) *Queue {
	q := &Queue{
		pending:     make(map[string]*Item),
		processing:  make(map[string]*Item),
		config:      DefaultQueueConfig(),
		transport:   transport,
		deadLetters: NewMemoryDeadLetterStore(),
		tracer:      otelhelper.NoopTracer(),
		logger:      logger.With("module", "webhook_queue"),
		now:         time.Now,
		wake:        make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(q)
	}

	if q.config.RatePerSecond > 0 {
		burst := q.config.Burst
		if burst <= 0 {
			burst = q.config.Concurrency
		}

		q.limiter = rate.NewLimiter(rate.Limit(q.config.RatePerSecond), burst)
	}

	return q
}

// Subscribe registers a listener for queue notifications.
func (q *Queue) Subscribe(listener Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.listeners = append(q.listeners, listener)
}

// Enqueue adds an item for delivery and returns its id.
func (q *Queue) Enqueue(item Item) (string, error) {
	if item.URL == "" {
		return "", ErrMissingURL
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.now()
	}

	stored := item.clone()

	q.mu.Lock()
	q.pending[stored.ID] = stored
	q.mu.Unlock()

	q.logger.Debug("webhook enqueued", "item_id", stored.ID, "url", stored.URL, "event_type", stored.EventType)
	q.notify(Notification{Type: NotificationEnqueued, Item: *stored.clone()})
	q.trigger()

	return stored.ID, nil
}

func (q *Queue) trigger() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is done, then waits for in-flight deliveries.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.config.TickInterval)
	defer ticker.Stop()

	q.logger.InfoContext(ctx, "webhook queue started", "concurrency", q.config.Concurrency, "max_retries", q.config.MaxRetries)

	for {
		q.dispatch(ctx)

		select {
		case <-ctx.Done():
			q.inflight.Wait()
			q.logger.Info("webhook queue stopped")

			return nil
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

// dispatch starts deliveries for due items while there is spare concurrency.
func (q *Queue) dispatch(ctx context.Context) {
	for ctx.Err() == nil {
		item := q.next()
		if item == nil {
			return
		}

		q.inflight.Add(1)

		go func() {
			defer q.inflight.Done()
			q.deliver(ctx, item)
		}()
	}
}

// next moves the most overdue eligible item from pending to processing.
func (q *Queue) next() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.processing) >= q.config.Concurrency {
		return nil
	}

	now := q.now()

	var best *Item
	for _, item := range q.pending {
		if item.NextRetryAt != nil && item.NextRetryAt.After(now) {
			continue
		}

		if best == nil || dueAt(item).Before(dueAt(best)) {
			best = item
		}
	}

	if best == nil {
		return nil
	}

	delete(q.pending, best.ID)
	q.processing[best.ID] = best

	return best
}

func dueAt(item *Item) time.Time {
	if item.NextRetryAt != nil {
		return *item.NextRetryAt
	}

	return item.CreatedAt
}

func (q *Queue) deliver(ctx context.Context, item *Item) {
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			q.mu.Lock()
			delete(q.processing, item.ID)
			q.pending[item.ID] = item
			q.mu.Unlock()

			return
		}
	}

	ctx, span := otelhelper.StartSpan(ctx, q.tracer, "webhook.deliver",
		attribute.String(otelhelper.WebhookItemKey, item.ID),
		attribute.String(otelhelper.WebhookURLKey, item.URL),
		attribute.Int(otelhelper.AttemptKey, item.Attempts+1))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, q.config.DeliveryTimeout)
	defer cancel()

	started := q.now()
	err := q.transport.Deliver(attemptCtx, item.clone())
	elapsed := q.now().Sub(started)

	var deferred *DeferredError

	switch {
	case err == nil:
		q.succeeded(item, elapsed)
	case errors.As(err, &deferred):
		span.AddEvent("deferred", trace.WithAttributes(attribute.String("retry_at", deferred.RetryAt.Format(time.RFC3339Nano))))
		q.deferred(item, deferred)
	default:
		otelhelper.SetError(span, err)
		q.attemptFailed(ctx, item, err)
	}

	q.trigger()
}

func (q *Queue) succeeded(item *Item, elapsed time.Duration) {
	q.mu.Lock()
	delete(q.processing, item.ID)
	item.Attempts++
	attemptAt := q.now()
	item.LastAttemptAt = &attemptAt
	item.LastError = ""
	q.completed++
	snapshot := *item.clone()
	q.mu.Unlock()

	q.logger.Info("webhook delivered", "item_id", item.ID, "url", item.URL, "attempts", snapshot.Attempts, "duration", elapsed)
	q.notify(Notification{Type: NotificationDelivered, Item: snapshot, Duration: elapsed})
}

// deferred puts the item back in pending until the transport can take it again. Attempts is unchanged.
func (q *Queue) deferred(item *Item, deferErr *DeferredError) {
	now := q.now()

	retryAt := deferErr.RetryAt
	if !retryAt.After(now) {
		retryAt = now.Add(q.config.TickInterval)
	}

	q.mu.Lock()
	delete(q.processing, item.ID)
	item.NextRetryAt = &retryAt
	item.LastError = deferErr.Error()
	q.pending[item.ID] = item
	snapshot := *item.clone()
	q.mu.Unlock()

	q.logger.Info("webhook delivery deferred",
		"item_id", item.ID,
		"url", item.URL,
		"attempts", snapshot.Attempts,
		"next_retry_at", retryAt,
		"reason", deferErr.Err)
	q.notify(Notification{Type: NotificationDeferred, Item: snapshot, Err: deferErr})
}

// retryPolicy resolves the item's retry settings against the queue defaults.
func (q *Queue) retryPolicy(item *Item) (maxRetries int, baseDelay time.Duration, multiplier float64) {
	maxRetries, baseDelay, multiplier = item.MaxRetries, item.BaseDelay, item.BackoffMultiplier

	if maxRetries <= 0 {
		maxRetries = q.config.MaxRetries
	}

	if baseDelay <= 0 {
		baseDelay = q.config.BaseDelay
	}

	if multiplier <= 0 {
		multiplier = q.config.BackoffMultiplier
	}

	return maxRetries, baseDelay, multiplier
}

func (q *Queue) attemptFailed(ctx context.Context, item *Item, deliveryErr error) {
	maxRetries, baseDelay, multiplier := q.retryPolicy(item)

	q.mu.Lock()
	delete(q.processing, item.ID)
	item.Attempts++
	attemptAt := q.now()
	item.LastAttemptAt = &attemptAt
	item.LastError = deliveryErr.Error()
	q.failed++

	if item.Attempts < maxRetries {
		retryAt := attemptAt.Add(Backoff(baseDelay, multiplier, item.Attempts))
		item.NextRetryAt = &retryAt
		q.pending[item.ID] = item
		snapshot := *item.clone()
		q.mu.Unlock()

		q.logger.Warn("webhook delivery failed, retrying",
			"item_id", item.ID,
			"url", item.URL,
			"attempts", snapshot.Attempts,
			"next_retry_at", retryAt,
			"error", deliveryErr)
		q.notify(Notification{Type: NotificationRetrying, Item: snapshot, Err: deliveryErr})

		return
	}

	item.NextRetryAt = nil
	snapshot := *item.clone()
	q.mu.Unlock()

	err := q.deadLetters.Add(context.WithoutCancel(ctx), &snapshot)
	if err != nil {
		q.logger.Error("failed to store dead letter", "item_id", item.ID, "error", err)
	}

	q.logger.Error("webhook moved to dead letters",
		"item_id", item.ID,
		"url", item.URL,
		"attempts", snapshot.Attempts,
		"error", deliveryErr)
	q.notify(Notification{Type: NotificationDeadLettered, Item: snapshot, Err: deliveryErr})
}

func (q *Queue) notify(n Notification) {
	q.mu.Lock()
	listeners := append([]Listener(nil), q.listeners...)
	q.mu.Unlock()

	for _, listener := range listeners {
		listener(n)
	}
}

// Flush blocks until nothing is pending or processing, or fails with ErrFlushTimeout.
func (q *Queue) Flush(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		empty := len(q.pending) == 0 && len(q.processing) == 0
		q.mu.Unlock()

		if empty {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrFlushTimeout, timeout)
		case <-ticker.C:
		}
	}
}

func (q *Queue) Stats(ctx context.Context) Stats {
	q.mu.Lock()
	stats := Stats{
		Pending:    len(q.pending),
		Processing: len(q.processing),
		Failed:     q.failed,
		Completed:  q.completed,
	}
	q.mu.Unlock()

	count, err := q.deadLetters.Len(ctx)
	if err != nil {
		q.logger.WarnContext(ctx, "failed to count dead letters", "error", err)
	}

	stats.DeadLetter = count

	return stats
}

// PendingItems returns the waiting items ordered by when they become due.
func (q *Queue) PendingItems() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	return snapshot(q.pending)
}

func (q *Queue) ProcessingItems() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	return snapshot(q.processing)
}

func snapshot(items map[string]*Item) []Item {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		out = append(out, *item.clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return dueAt(&out[i]).Before(dueAt(&out[j]))
	})

	return out
}

func (q *Queue) DeadLetters(ctx context.Context) ([]*Item, error) {
	return q.deadLetters.List(ctx)
}

// RetryDeadLetter moves a dead letter back to pending with its attempts reset.
func (q *Queue) RetryDeadLetter(ctx context.Context, id string) error {
	item, err := q.deadLetters.Get(ctx, id)
	if err != nil {
		return err
	}

	err = q.deadLetters.Remove(ctx, id)
	if err != nil {
		return err
	}

	item.Attempts = 0
	item.NextRetryAt = nil
	item.LastError = ""

	q.mu.Lock()
	q.pending[item.ID] = item
	q.mu.Unlock()

	q.logger.InfoContext(ctx, "dead letter requeued", "item_id", id)
	q.notify(Notification{Type: NotificationEnqueued, Item: *item.clone()})
	q.trigger()

	return nil
}

// ClearDeadLetters drops every dead letter and returns how many there were.
func (q *Queue) ClearDeadLetters(ctx context.Context) (int, error) {
	return q.deadLetters.Clear(ctx)
}
