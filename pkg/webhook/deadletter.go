package webhook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DeadLetterStore holds items that exhausted their retries.
type DeadLetterStore interface {
	Add(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	List(ctx context.Context) ([]*Item, error)
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) (int, error)
	Len(ctx context.Context) (int, error)
}

type MemoryDeadLetterStore struct {
	mu    sync.RWMutex
	items map[string]*Item
}

func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{items: make(map[string]*Item)}
}

func (s *MemoryDeadLetterStore) Add(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[item.ID] = item.clone()

	return nil
}

func (s *MemoryDeadLetterStore) Get(_ context.Context, id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrDeadLetterNotFound
	}

	return item.clone(), nil
}

func (s *MemoryDeadLetterStore) List(_ context.Context) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]*Item, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item.clone())
	}

	sortItems(items)

	return items, nil
}

func (s *MemoryDeadLetterStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrDeadLetterNotFound
	}

	delete(s.items, id)

	return nil
}

func (s *MemoryDeadLetterStore) Clear(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.items)
	s.items = make(map[string]*Item)

	return n, nil
}

func (s *MemoryDeadLetterStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.items), nil
}

const DefaultDeadLetterKey = "runbook:webhook:dead_letters"

// RedisDeadLetterStore keeps dead letters in a redis hash so they survive restarts.
type RedisDeadLetterStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisDeadLetterStore(client redis.UniversalClient, key string) *RedisDeadLetterStore {
	if key == "" {
		key = DefaultDeadLetterKey
	}

	return &RedisDeadLetterStore{client: client, key: key}
}

func (s *RedisDeadLetterStore) Add(ctx context.Context, item *Item) error {
	data, err := marshalItem(item)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", item.ID, err)
	}

	return s.client.HSet(ctx, s.key, item.ID, data).Err()
}

func (s *RedisDeadLetterStore) Get(ctx context.Context, id string) (*Item, error) {
	data, err := s.client.HGet(ctx, s.key, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDeadLetterNotFound
	}

	if err != nil {
		return nil, err
	}

	return unmarshalItem(data)
}

func (s *RedisDeadLetterStore) List(ctx context.Context) ([]*Item, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}

	items := make([]*Item, 0, len(values))
	for id, value := range values {
		item, err := unmarshalItem([]byte(value))
		if err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", id, err)
		}

		items = append(items, item)
	}

	sortItems(items)

	return items, nil
}

func (s *RedisDeadLetterStore) Remove(ctx context.Context, id string) error {
	removed, err := s.client.HDel(ctx, s.key, id).Result()
	if err != nil {
		return err
	}

	if removed == 0 {
		return ErrDeadLetterNotFound
	}

	return nil
}

func (s *RedisDeadLetterStore) Clear(ctx context.Context) (int, error) {
	var count *redis.IntCmd

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.HLen(ctx, s.key)
		pipe.Del(ctx, s.key)

		return nil
	})
	if err != nil {
		return 0, err
	}

	return int(count.Val()), nil
}

func (s *RedisDeadLetterStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.HLen(ctx, s.key).Result()

	return int(n), err
}

func sortItems(items []*Item) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
