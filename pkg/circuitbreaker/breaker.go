// Package circuitbreaker isolates failing downstream integrations behind per-key state machines.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

var ErrOpen = errors.New("circuit open")

// OpenError is returned without calling the wrapped function while a circuit is open.
type OpenError struct {
	Key        string
	RetryAfter time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s is open, retry after %s", e.Key, e.RetryAfter.Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

type outcome struct {
	success  bool
	duration time.Duration
	at       time.Time
}

// Metrics is a point-in-time view of one circuit.
type Metrics struct {
	Key                  string        `json:"key"`
	State                State         `json:"state"`
	TotalRequests        int           `json:"total_requests"`
	TotalFailures        int           `json:"total_failures"`
	TotalSuccesses       int           `json:"total_successes"`
	Rejected             int           `json:"rejected"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	WindowRequests       int           `json:"window_requests"`
	ErrorRate            float64       `json:"error_rate"`
	AverageDuration      time.Duration `json:"average_duration"`
	LastFailureAt        *time.Time    `json:"last_failure_at,omitempty"`
	LastSuccessAt        *time.Time    `json:"last_success_at,omitempty"`
	OpenedAt             *time.Time    `json:"opened_at,omitempty"`
	NextAttemptAt        *time.Time    `json:"next_attempt_at,omitempty"`
}

// Breaker is the state machine for a single key. It is safe for concurrent use.
type Breaker struct {
	mu     sync.Mutex
	key    string
	config Config
	now    func() time.Time

	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	history              []outcome
	totalRequests        int
	totalFailures        int
	totalSuccesses       int
	rejected             int
	lastFailureAt        time.Time
	lastSuccessAt        time.Time
	openedAt             time.Time
	nextAttemptAt        time.Time
	halfOpenInFlight     bool

	onTransition func(key string, from, to State)
}

func newBreaker(key string, config Config, now func() time.Time, onTransition func(string, State, State)) *Breaker {
	return &Breaker{
		key:          key,
		config:       config,
		now:          now,
		state:        StateClosed,
		onTransition: onTransition,
	}
}

// allow decides whether a call may proceed, moving OPEN to HALF_OPEN once the cool-down passed.
// While HALF_OPEN only one trial call runs at a time; trial reports whether this call is it.
func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateHalfOpen:
		if b.halfOpenInFlight {
			b.rejected++

			return false, &OpenError{Key: b.key, RetryAfter: b.now()}
		}
	default:
		if b.now().Before(b.nextAttemptAt) {
			b.rejected++

			return false, &OpenError{Key: b.key, RetryAfter: b.nextAttemptAt}
		}

		b.transition(StateHalfOpen)
		b.consecutiveSuccesses = 0
	}

	b.halfOpenInFlight = true

	return true, nil
}

func (b *Breaker) record(trial, success bool, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.halfOpenInFlight = false
	}

	now := b.now()
	b.history = append(b.history, outcome{success: success, duration: duration, at: now})
	b.prune(now)
	b.totalRequests++

	if success {
		b.totalSuccesses++
		b.lastSuccessAt = now
		b.consecutiveFailures = 0
		b.consecutiveSuccesses++

		if b.state == StateHalfOpen && b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.close()
		}

		return
	}

	b.totalFailures++
	b.lastFailureAt = now
	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	switch b.state {
	case StateHalfOpen:
		b.open(now)
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold || b.errorRateExceeded(now) {
			b.open(now)
		}
	}
}

func (b *Breaker) errorRateExceeded(now time.Time) bool {
	requests, failures := b.window(now)
	if requests < b.config.VolumeThreshold {
		return false
	}

	return float64(failures)*100/float64(requests) >= b.config.ErrorThresholdPercentage
}

func (b *Breaker) window(now time.Time) (requests, failures int) {
	since := now.Add(-b.config.RollingWindow)

	for _, o := range b.history {
		if o.at.Before(since) {
			continue
		}

		requests++

		if !o.success {
			failures++
		}
	}

	return requests, failures
}

// prune drops history older than twice the rolling window.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-2 * b.config.RollingWindow)

	keep := 0
	for keep < len(b.history) && b.history[keep].at.Before(cutoff) {
		keep++
	}

	if keep > 0 {
		b.history = append(b.history[:0], b.history[keep:]...)
	}
}

func (b *Breaker) open(now time.Time) {
	b.openedAt = now
	b.nextAttemptAt = now.Add(b.config.Timeout)
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = false
	b.transition(StateOpen)
}

func (b *Breaker) close() {
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.openedAt = time.Time{}
	b.nextAttemptAt = time.Time{}
	b.halfOpenInFlight = false
	b.transition(StateClosed)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}

	b.state = to

	if b.onTransition != nil {
		b.onTransition(b.key, from, to)
	}
}

func (b *Breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = nil
	b.totalRequests = 0
	b.totalFailures = 0
	b.totalSuccesses = 0
	b.rejected = 0
	b.close()
}

func (b *Breaker) forceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.open(b.now())
}

func (b *Breaker) forceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.close()
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	requests, failures := b.window(now)

	m := Metrics{
		Key:                  b.key,
		State:                b.state,
		TotalRequests:        b.totalRequests,
		TotalFailures:        b.totalFailures,
		TotalSuccesses:       b.totalSuccesses,
		Rejected:             b.rejected,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		WindowRequests:       requests,
		LastFailureAt:        timeOrNil(b.lastFailureAt),
		LastSuccessAt:        timeOrNil(b.lastSuccessAt),
		OpenedAt:             timeOrNil(b.openedAt),
		NextAttemptAt:        timeOrNil(b.nextAttemptAt),
	}

	if requests > 0 {
		m.ErrorRate = float64(failures) * 100 / float64(requests)
	}

	if len(b.history) > 0 {
		var total time.Duration
		for _, o := range b.history {
			total += o.duration
		}

		m.AverageDuration = total / time.Duration(len(b.history))
	}

	return m
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}
