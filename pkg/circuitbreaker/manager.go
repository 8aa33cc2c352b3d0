package circuitbreaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dukex/runbook/pkg/eventbus"
	"github.com/dukex/runbook/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
)

// Manager owns one Breaker per key. Each key belongs to an integration type whose config
// applies when the breaker is first created.
type Manager struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	defaults  Config
	overrides map[string]Config

	logger    *slog.Logger
	now       func() time.Time
	publisher eventbus.EventPublisher
	metrics   *collector
}

type Option func(*Manager)

func WithDefaultConfig(config Config) Option {
	return func(m *Manager) {
		m.defaults = config.Merge(DefaultConfig())
	}
}

// WithTypeConfig overrides the config for every key of integrationType. Zero fields fall back
// to the defaults.
func WithTypeConfig(integrationType string, config Config) Option {
	return func(m *Manager) {
		m.overrides[integrationType] = config
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(m *Manager) {
		m.publisher = publisher
	}
}

func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(m *Manager) {
		m.metrics = newCollector(registerer)
	}
}

func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		breakers:  make(map[string]*Breaker),
		defaults:  DefaultConfig(),
		overrides: make(map[string]Config),
		logger:    logger.With("module", "circuit_breaker"),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Key builds the breaker key for one integration instance.
func Key(integrationType, id string) string {
	return integrationType + ":" + id
}

// ConfigFor returns the effective config for integrationType.
func (m *Manager) ConfigFor(integrationType string) Config {
	if override, ok := m.overrides[integrationType]; ok {
		return override.Merge(m.defaults)
	}

	return m.defaults
}

// Execute runs fn through the breaker for key. While the circuit is open it returns an
// *OpenError without calling fn. Any error from fn counts as a failure.
func (m *Manager) Execute(ctx context.Context, key, integrationType string, fn func(context.Context) error) error {
	breaker := m.breaker(key, integrationType)

	trial, err := breaker.allow()
	if err != nil {
		m.metrics.rejected(key)

		return err
	}

	started := m.now()
	err = fn(ctx)
	breaker.record(trial, err == nil, m.now().Sub(started))

	return err
}

// Call is Execute for functions that return a value.
func Call[T any](ctx context.Context, m *Manager, key, integrationType string, fn func(context.Context) (T, error)) (T, error) {
	var result T

	err := m.Execute(ctx, key, integrationType, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)

		return err
	})

	return result, err
}

func (m *Manager) breaker(key, integrationType string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[key]; ok {
		return b
	}

	b := newBreaker(key, m.ConfigFor(integrationType), m.now, m.onTransition)
	m.breakers[key] = b
	m.metrics.state(key, StateClosed)

	return b
}

func (m *Manager) lookup(key string) (*Breaker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.breakers[key]

	return b, ok
}

// onTransition runs with the breaker locked, so publishing happens in the background.
func (m *Manager) onTransition(key string, from, to State) {
	m.logger.Info("circuit state changed", "key", key, "from", from, "to", to)
	m.metrics.state(key, to)

	if m.publisher == nil {
		return
	}

	event := events.CircuitStateChanged{
		BaseEvent: events.NewBaseEvent(events.CircuitStateChangedEvent),
		Key:       key,
		From:      string(from),
		To:        string(to),
	}

	go func() {
		err := m.publisher.Publish(context.Background(), key, event)
		if err != nil {
			m.logger.Warn("failed to publish circuit state change", "key", key, "error", err)
		}
	}()
}

// Metrics returns the metrics for key, or false when no call went through it yet.
func (m *Manager) Metrics(key string) (Metrics, bool) {
	b, ok := m.lookup(key)
	if !ok {
		return Metrics{}, false
	}

	return b.Metrics(), true
}

// AllMetrics returns metrics for every known circuit ordered by key.
func (m *Manager) AllMetrics() []Metrics {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	all := make([]Metrics, 0, len(breakers))
	for _, b := range breakers {
		all = append(all, b.Metrics())
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Key < all[j].Key
	})

	return all
}

// Reset closes the circuit for key and clears its history.
func (m *Manager) Reset(key string) bool {
	b, ok := m.lookup(key)
	if ok {
		b.reset()
	}

	return ok
}

// ForceOpen opens the circuit for key until its timeout elapses.
func (m *Manager) ForceOpen(key string) bool {
	b, ok := m.lookup(key)
	if ok {
		b.forceOpen()
	}

	return ok
}

func (m *Manager) ForceClose(key string) bool {
	b, ok := m.lookup(key)
	if ok {
		b.forceClose()
	}

	return ok
}
