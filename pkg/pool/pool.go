// Package pool caches per-integration connection state keyed by tool and user.
package pool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Config bounds one integration type's cache.
type Config struct {
	MaxSize int           `yaml:"max_size" validate:"min=1"`
	IdleTTL time.Duration `yaml:"idle_ttl" validate:"gte=0"`
	MaxAge  time.Duration `yaml:"max_age"  validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		MaxSize: 100,
		IdleTTL: 5 * time.Minute,
		MaxAge:  30 * time.Minute,
	}
}

// Stats describes one integration type's cache.
type Stats struct {
	IntegrationType string `json:"integration_type"`
	Size            int    `json:"size"`
	MaxSize         int    `json:"max_size"`
	Hits            int    `json:"hits"`
	Misses          int    `json:"misses"`
}

// Pool holds one LRU cache per integration type. It is safe for concurrent use.
type Pool[V any] struct {
	mu        sync.Mutex
	caches    map[string]*lru[V]
	hits      map[string]int
	misses    map[string]int
	defaults  Config
	overrides map[string]Config
	onEvict   func(integrationType, key string, value V)
	now       func() time.Time
	logger    *slog.Logger
}

type Option[V any] func(*Pool[V])

func WithDefaultConfig[V any](config Config) Option[V] {
	return func(p *Pool[V]) {
		p.defaults = config
	}
}

func WithTypeConfig[V any](integrationType string, config Config) Option[V] {
	return func(p *Pool[V]) {
		p.overrides[integrationType] = config
	}
}

// WithOnEvict registers a callback for every entry leaving the pool, e.g. to close connections.
func WithOnEvict[V any](fn func(integrationType, key string, value V)) Option[V] {
	return func(p *Pool[V]) {
		p.onEvict = fn
	}
}

func WithClock[V any](now func() time.Time) Option[V] {
	return func(p *Pool[V]) {
		p.now = now
	}
}

func New[V any](logger *slog.Logger, opts ...Option[V]) *Pool[V] {
	p := &Pool[V]{
		caches:    make(map[string]*lru[V]),
		hits:      make(map[string]int),
		misses:    make(map[string]int),
		defaults:  DefaultConfig(),
		overrides: make(map[string]Config),
		now:       time.Now,
		logger:    logger.With("module", "pool"),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Key identifies one connection within an integration type.
func Key(toolID, userID string) string {
	return toolID + ":" + userID
}

func (p *Pool[V]) cache(integrationType string) *lru[V] {
	c, ok := p.caches[integrationType]
	if ok {
		return c
	}

	config := p.defaults
	if override, ok := p.overrides[integrationType]; ok {
		config = override
	}

	var onEvict func(string, V)
	if p.onEvict != nil {
		onEvict = func(key string, value V) {
			p.onEvict(integrationType, key, value)
		}
	}

	c = newLRU(config, onEvict)
	p.caches[integrationType] = c

	return c
}

// Get returns the cached value and bumps its use count and last use time.
func (p *Pool[V]) Get(integrationType, toolID, userID string) (V, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.cache(integrationType).get(Key(toolID, userID), p.now())
	if !ok {
		p.misses[integrationType]++

		var zero V

		return zero, false
	}

	p.hits[integrationType]++

	return entry.Value, true
}

// Entry returns a copy of the bookkeeping for a cached value without touching it.
func (p *Pool[V]) Entry(integrationType, toolID, userID string) (Entry[V], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.caches[integrationType]
	if !ok {
		return Entry[V]{}, false
	}

	elem, ok := c.entries[Key(toolID, userID)]
	if !ok {
		return Entry[V]{}, false
	}

	return *elem.Value.(*Entry[V]), true
}

// Set inserts or replaces a value, evicting the least recently used entry when full.
func (p *Pool[V]) Set(integrationType, toolID, userID string, value V) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cache(integrationType).set(Key(toolID, userID), value, p.now())
}

// GetOrCreate returns the cached value or stores the result of create. create runs without the
// pool lock, so concurrent misses for the same key may both create; the last one wins.
func (p *Pool[V]) GetOrCreate(ctx context.Context, integrationType, toolID, userID string, create func(context.Context) (V, error)) (V, error) {
	if value, ok := p.Get(integrationType, toolID, userID); ok {
		return value, nil
	}

	value, err := create(ctx)
	if err != nil {
		var zero V

		return zero, err
	}

	p.Set(integrationType, toolID, userID, value)

	return value, nil
}

func (p *Pool[V]) Remove(integrationType, toolID, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.caches[integrationType]
	if !ok {
		return false
	}

	return c.remove(Key(toolID, userID))
}

// Clear evicts every entry of one integration type.
func (p *Pool[V]) Clear(integrationType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.caches[integrationType]
	if !ok {
		return 0
	}

	return c.clear()
}

// ClearAll evicts every entry of every integration type.
func (p *Pool[V]) ClearAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.caches {
		c.clear()
	}
}

// Prune evicts idle and over-age entries across all types and returns how many were dropped.
func (p *Pool[V]) Prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	pruned := 0

	for _, c := range p.caches {
		pruned += c.prune(now)
	}

	return pruned
}

func (p *Pool[V]) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]Stats, 0, len(p.caches))
	for integrationType, c := range p.caches {
		stats = append(stats, Stats{
			IntegrationType: integrationType,
			Size:            c.order.Len(),
			MaxSize:         c.config.MaxSize,
			Hits:            p.hits[integrationType],
			Misses:          p.misses[integrationType],
		})
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].IntegrationType < stats[j].IntegrationType
	})

	return stats
}

// Run prunes on every tick until ctx is done.
func (p *Pool[V]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.ClearAll()

			return
		case <-ticker.C:
			if pruned := p.Prune(); pruned > 0 {
				p.logger.DebugContext(ctx, "pruned stale connections", "count", pruned)
			}
		}
	}
}
