package webhook

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() QueueConfig {
	config := DefaultQueueConfig()
	config.BaseDelay = 5 * time.Millisecond
	config.TickInterval = 5 * time.Millisecond
	config.DeliveryTimeout = time.Second

	return config
}

func startQueue(t *testing.T, q *Queue) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

type recorder struct {
	mu            sync.Mutex
	notifications []Notification
}

func (r *recorder) listen(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.notifications = append(r.notifications, n)
}

func (r *recorder) types() []NotificationType {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]NotificationType, 0, len(r.notifications))
	for _, n := range r.notifications {
		types = append(types, n.Type)
	}

	return types
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(time.Second, 2, 1))
	assert.Equal(t, 2*time.Second, Backoff(time.Second, 2, 2))
	assert.Equal(t, 4*time.Second, Backoff(time.Second, 2, 3))
	assert.Equal(t, time.Second, Backoff(time.Second, 2, 0))
	assert.Equal(t, 300*time.Millisecond, Backoff(100*time.Millisecond, 3, 2))
}

func TestQueue_DeliversItem(t *testing.T) {
	var delivered atomic.Int32
	transport := TransportFunc(func(_ context.Context, item *Item) error {
		assert.Equal(t, "https://hooks.example.com", item.URL)
		delivered.Add(1)

		return nil
	})

	rec := &recorder{}
	q := NewQueue(slog.Default(), transport, WithQueueConfig(fastConfig()), WithListener(rec.listen))
	startQueue(t, q)

	id, err := q.Enqueue(Item{URL: "https://hooks.example.com", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.NoError(t, q.Flush(context.Background(), time.Second))

	assert.Equal(t, int32(1), delivered.Load())
	assert.Equal(t, Stats{Completed: 1}, q.Stats(context.Background()))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]NotificationType{NotificationEnqueued, NotificationDelivered}, rec.types())
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_DeadLettersAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	var concurrent, maxConcurrent atomic.Int32

	transport := TransportFunc(func(context.Context, *Item) error {
		current := concurrent.Add(1)
		defer concurrent.Add(-1)

		if current > maxConcurrent.Load() {
			maxConcurrent.Store(current)
		}

		attempts.Add(1)

		return errors.New("503")
	})

	rec := &recorder{}
	q := NewQueue(slog.Default(), transport, WithQueueConfig(fastConfig()), WithListener(rec.listen))
	startQueue(t, q)

	id, err := q.Enqueue(Item{URL: "https://hooks.example.com", Payload: []byte(`{}`)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return q.Stats(context.Background()).DeadLetter == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int32(1), maxConcurrent.Load(), "attempts for one item never overlap")
	assert.Empty(t, q.PendingItems())
	assert.Empty(t, q.ProcessingItems())

	letters, err := q.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].ID)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Equal(t, "503", letters[0].LastError)

	stats := q.Stats(context.Background())
	assert.Equal(t, 3, stats.Failed)
	assert.Zero(t, stats.Completed)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]NotificationType{
			NotificationEnqueued,
			NotificationRetrying,
			NotificationRetrying,
			NotificationDeadLettered,
		}, rec.types())
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_RetriesWithBackoff(t *testing.T) {
	tests := []struct {
		name        string
		item        Item
		firstDelay  time.Duration
		secondDelay time.Duration
	}{
		{
			name:        "queue defaults",
			item:        Item{URL: "https://hooks.example.com"},
			firstDelay:  40 * time.Millisecond,
			secondDelay: 80 * time.Millisecond,
		},
		{
			name:        "item overrides delay and multiplier",
			item:        Item{URL: "https://hooks.example.com", BaseDelay: 60 * time.Millisecond, BackoffMultiplier: 3},
			firstDelay:  60 * time.Millisecond,
			secondDelay: 180 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			var times []time.Time

			transport := TransportFunc(func(context.Context, *Item) error {
				mu.Lock()
				defer mu.Unlock()

				times = append(times, time.Now())
				if len(times) < 3 {
					return errors.New("not yet")
				}

				return nil
			})

			config := fastConfig()
			config.BaseDelay = 40 * time.Millisecond

			q := NewQueue(slog.Default(), transport, WithQueueConfig(config))
			startQueue(t, q)

			_, err := q.Enqueue(tt.item)
			require.NoError(t, err)
			require.NoError(t, q.Flush(context.Background(), 3*time.Second))

			mu.Lock()
			defer mu.Unlock()

			require.Len(t, times, 3)
			assert.GreaterOrEqual(t, times[1].Sub(times[0]), tt.firstDelay)
			assert.GreaterOrEqual(t, times[2].Sub(times[1]), tt.secondDelay)
		})
	}
}

func TestQueue_RetryPolicyFallsBackToConfig(t *testing.T) {
	q := NewQueue(slog.Default(), TransportFunc(func(context.Context, *Item) error { return nil }),
		WithQueueConfig(DefaultQueueConfig()))

	maxRetries, base, multiplier := q.retryPolicy(&Item{})
	assert.Equal(t, 3, maxRetries)
	assert.Equal(t, time.Second, base)
	assert.InDelta(t, 2.0, multiplier, 0)

	maxRetries, base, multiplier = q.retryPolicy(&Item{MaxRetries: 7, BaseDelay: time.Minute, BackoffMultiplier: 1.5})
	assert.Equal(t, 7, maxRetries)
	assert.Equal(t, time.Minute, base)
	assert.InDelta(t, 1.5, multiplier, 0)
}

func TestQueue_DeferredDeliveryKeepsAttempts(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	var callTimes []time.Time

	transport := TransportFunc(func(context.Context, *Item) error {
		now := time.Now()

		mu.Lock()
		callTimes = append(callTimes, now)
		mu.Unlock()

		if calls.Add(1) <= 3 {
			return &DeferredError{RetryAt: now.Add(30 * time.Millisecond), Err: errors.New("host paused")}
		}

		return nil
	})

	rec := &recorder{}
	q := NewQueue(slog.Default(), transport, WithQueueConfig(fastConfig()), WithListener(rec.listen))
	startQueue(t, q)

	_, err := q.Enqueue(Item{URL: "https://hooks.example.com", MaxRetries: 1})
	require.NoError(t, err)

	require.NoError(t, q.Flush(context.Background(), 3*time.Second))

	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, Stats{Completed: 1}, q.Stats(context.Background()))

	mu.Lock()
	defer mu.Unlock()

	for i := 1; i < len(callTimes); i++ {
		assert.GreaterOrEqual(t, callTimes[i].Sub(callTimes[i-1]), 25*time.Millisecond, "call %d", i)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	var deferred int
	for _, n := range rec.notifications {
		switch n.Type {
		case NotificationDeferred:
			deferred++
			assert.Equal(t, 0, n.Item.Attempts)
			assert.NotNil(t, n.Item.NextRetryAt)
		case NotificationDelivered:
			assert.Equal(t, 1, n.Item.Attempts)
		case NotificationDeadLettered, NotificationRetrying:
			t.Errorf("unexpected %s notification", n.Type)
		}
	}

	assert.Equal(t, 3, deferred)
}

func TestQueue_DeferredInThePastWaitsOneTick(t *testing.T) {
	var calls atomic.Int32
	transport := TransportFunc(func(context.Context, *Item) error {
		calls.Add(1)

		return &DeferredError{Err: errors.New("host paused")}
	})

	config := fastConfig()
	config.TickInterval = time.Hour
	q := NewQueue(slog.Default(), transport, WithQueueConfig(config))
	startQueue(t, q)

	_, err := q.Enqueue(Item{URL: "https://hooks.example.com"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(q.PendingItems()) == 1 && calls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	item := q.PendingItems()[0]
	assert.Equal(t, 0, item.Attempts)
	require.NotNil(t, item.NextRetryAt)
	assert.True(t, item.NextRetryAt.After(time.Now().Add(59*time.Minute)))
}

func TestQueue_PerItemMaxRetries(t *testing.T) {
	q := NewQueue(slog.Default(), TransportFunc(func(context.Context, *Item) error {
		return errors.New("down")
	}), WithQueueConfig(fastConfig()))
	startQueue(t, q)

	_, err := q.Enqueue(Item{URL: "https://hooks.example.com", MaxRetries: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return q.Stats(context.Background()).DeadLetter == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, q.Stats(context.Background()).Failed)
}

func TestQueue_BoundedConcurrency(t *testing.T) {
	release := make(chan struct{})
	var concurrent, maxConcurrent atomic.Int32

	transport := TransportFunc(func(ctx context.Context, _ *Item) error {
		current := concurrent.Add(1)
		defer concurrent.Add(-1)

		for {
			seen := maxConcurrent.Load()
			if current <= seen || maxConcurrent.CompareAndSwap(seen, current) {
				break
			}
		}

		select {
		case <-release:
		case <-ctx.Done():
		}

		return nil
	})

	config := fastConfig()
	config.Concurrency = 2

	q := NewQueue(slog.Default(), transport, WithQueueConfig(config))
	startQueue(t, q)

	for range 5 {
		_, err := q.Enqueue(Item{URL: "https://hooks.example.com"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(q.ProcessingItems()) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, q.PendingItems(), 3)

	close(release)
	require.NoError(t, q.Flush(context.Background(), time.Second))

	assert.Equal(t, int32(2), maxConcurrent.Load())
	assert.Equal(t, 5, q.Stats(context.Background()).Completed)
}

func TestQueue_RetryAndClearDeadLetters(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)

	q := NewQueue(slog.Default(), TransportFunc(func(context.Context, *Item) error {
		if fail.Load() {
			return errors.New("down")
		}

		return nil
	}), WithQueueConfig(fastConfig()))
	startQueue(t, q)

	id, err := q.Enqueue(Item{URL: "https://hooks.example.com", Secret: "keep"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return q.Stats(context.Background()).DeadLetter == 1
	}, time.Second, 5*time.Millisecond)

	fail.Store(false)
	require.NoError(t, q.RetryDeadLetter(context.Background(), id))
	require.NoError(t, q.Flush(context.Background(), time.Second))

	stats := q.Stats(context.Background())
	assert.Equal(t, 1, stats.Completed)
	assert.Zero(t, stats.DeadLetter)

	assert.ErrorIs(t, q.RetryDeadLetter(context.Background(), "missing"), ErrDeadLetterNotFound)

	fail.Store(true)
	_, err = q.Enqueue(Item{URL: "https://hooks.example.com", MaxRetries: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(Item{URL: "https://hooks.example.com", MaxRetries: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return q.Stats(context.Background()).DeadLetter == 2
	}, time.Second, 5*time.Millisecond)

	cleared, err := q.ClearDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)
}

func TestQueue_FlushTimeout(t *testing.T) {
	q := NewQueue(slog.Default(), TransportFunc(func(context.Context, *Item) error {
		return errors.New("down")
	}))

	_, err := q.Enqueue(Item{URL: "https://hooks.example.com"})
	require.NoError(t, err)

	err = q.Flush(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrFlushTimeout)
}

func TestQueue_RejectsItemWithoutURL(t *testing.T) {
	q := NewQueue(slog.Default(), TransportFunc(func(context.Context, *Item) error { return nil }))

	_, err := q.Enqueue(Item{})
	assert.ErrorIs(t, err, ErrMissingURL)
}

func TestQueue_RateLimited(t *testing.T) {
	config := fastConfig()
	config.RatePerSecond = 20
	config.Burst = 1

	q := NewQueue(slog.Default(), TransportFunc(func(context.Context, *Item) error { return nil }), WithQueueConfig(config))
	startQueue(t, q)

	start := time.Now()
	for range 3 {
		_, err := q.Enqueue(Item{URL: "https://hooks.example.com"})
		require.NoError(t, err)
	}

	require.NoError(t, q.Flush(context.Background(), 2*time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestMetricsListener(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	q := NewQueue(slog.Default(), TransportFunc(func(context.Context, *Item) error { return nil }),
		WithQueueConfig(fastConfig()),
		WithListener(metrics.Listener()))
	RegisterQueueGauges(registry, q)
	startQueue(t, q)

	_, err := q.Enqueue(Item{URL: "https://hooks.example.com"})
	require.NoError(t, err)
	require.NoError(t, q.Flush(context.Background(), time.Second))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.delivered) == 1
	}, time.Second, 5*time.Millisecond)

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.enqueued), 0)

	count, err := testutil.GatherAndCount(registry, "runbook_webhook_pending")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
