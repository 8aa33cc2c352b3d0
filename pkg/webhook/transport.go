package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

const userAgent = "runbook-webhooks/1.0"

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook endpoint responded with status %d", e.StatusCode)
}

// HostBreakerConfig controls the fail-fast guard kept per receiving host.
type HostBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

func DefaultHostBreakerConfig() HostBreakerConfig {
	return HostBreakerConfig{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		Interval:    60 * time.Second,
	}
}

// HTTPTransport posts signed payloads. Every host gets its own breaker so one dead receiver
// fails fast without slowing deliveries to the others.
type HTTPTransport struct {
	client     *http.Client
	timestamps bool
	breaker    HostBreakerConfig
	now        func() time.Time
	logger     *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[int]
	openedAt map[string]time.Time
}

type TransportOption func(*HTTPTransport)

func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

// WithTimestamps adds the timestamp header and signs "timestamp.body" instead of the body.
func WithTimestamps(enabled bool) TransportOption {
	return func(t *HTTPTransport) {
		t.timestamps = enabled
	}
}

func WithHostBreaker(config HostBreakerConfig) TransportOption {
	return func(t *HTTPTransport) {
		t.breaker = config
	}
}

func WithTransportClock(now func() time.Time) TransportOption {
	return func(t *HTTPTransport) {
		t.now = now
	}
}

func NewHTTPTransport(logger *slog.Logger, opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		client:     &http.Client{},
		timestamps: true,
		breaker:    DefaultHostBreakerConfig(),
		now:        time.Now,
		logger:     logger.With("module", "webhook_transport"),
		breakers:   make(map[string]*gobreaker.CircuitBreaker[int]),
		openedAt:   make(map[string]time.Time),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *HTTPTransport) hostBreaker(host string) *gobreaker.CircuitBreaker[int] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cb, ok := t.breakers[host]; ok {
		return cb
	}

	maxFailures := t.breaker.MaxFailures
	cb := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        "webhook:" + host,
		MaxRequests: 1,
		Interval:    t.breaker.Interval,
		Timeout:     t.breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				t.mu.Lock()
				t.openedAt[host] = t.now()
				t.mu.Unlock()
			}

			t.logger.Warn("webhook host breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	t.breakers[host] = cb

	return cb
}

// HostState reports the breaker state for host.
func (t *HTTPTransport) HostState(host string) gobreaker.State {
	return t.hostBreaker(host).State()
}

// hostRetryAt is when the open breaker for host lets a trial request through again.
func (t *HTTPTransport) hostRetryAt(host string) time.Time {
	t.mu.Lock()
	opened := t.openedAt[host]
	t.mu.Unlock()

	now := t.now()

	retryAt := opened.Add(t.breaker.Timeout)
	if !retryAt.After(now) {
		// half-open with its trial request still running
		retryAt = now.Add(min(t.breaker.Timeout, time.Second))
	}

	return retryAt
}

// Deliver sends one attempt. While the host breaker rejects requests it returns a *DeferredError
// and nothing is sent.
func (t *HTTPTransport) Deliver(ctx context.Context, item *Item) error {
	u, err := url.Parse(item.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	_, err = t.hostBreaker(u.Host).Execute(func() (int, error) {
		return t.post(ctx, item)
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &DeferredError{
			RetryAt: t.hostRetryAt(u.Host),
			Err:     fmt.Errorf("host %s unavailable: %w", u.Host, err),
		}
	default:
		return fmt.Errorf("deliver %s: %w", item.ID, err)
	}
}

func (t *HTTPTransport) post(ctx context.Context, item *Item) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.URL, bytes.NewReader(item.Payload))
	if err != nil {
		return 0, err
	}

	for name, value := range item.Headers {
		req.Header.Set(name, value)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(IDHeader, item.ID)

	signed := []byte(item.Payload)

	if t.timestamps {
		timestamp := strconv.FormatInt(t.now().Unix(), 10)
		req.Header.Set(TimestampHeader, timestamp)
		signed = SignedContent(timestamp, item.Payload)
	}

	if item.Secret != "" {
		req.Header.Set(SignatureHeader, GenerateSignature(signed, item.Secret))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		t.logger.DebugContext(ctx, "failed to read webhook response body",
			"item_id", item.ID,
			"status", resp.StatusCode,
			"read_bytes", len(body),
			"error", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return resp.StatusCode, nil
}
