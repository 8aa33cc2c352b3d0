// Package integration runs tool actions against external services through pooled connections
// guarded by per-tool circuit breakers.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var (
	ErrUnknownIntegration = errors.New("unknown integration type")
	ErrToolNotFound       = errors.New("tool not found")
	ErrUnknownAction      = errors.New("unknown action")
)

// Tool is a configured instance of an integration owned by a user.
type Tool struct {
	ID      string            `json:"id"       yaml:"id"       validate:"required"`
	Type    string            `json:"type"     yaml:"type"     validate:"required"`
	UserID  string            `json:"user_id"  yaml:"user_id"`
	BaseURL string            `json:"base_url" yaml:"base_url" validate:"required,url"`
	Headers map[string]string `json:"headers"  yaml:"headers"`
}

// Connection is the per (tool, user) state kept in the pool.
type Connection interface {
	Tool() *Tool
}

// Integration knows how to connect to one kind of service and run its actions.
type Integration interface {
	Type() string
	Connect(ctx context.Context, tool *Tool) (Connection, error)
	Execute(ctx context.Context, conn Connection, actionID string, params, input json.RawMessage) (json.RawMessage, error)
}

// ToolStore resolves tool ids to their configuration.
type ToolStore interface {
	Get(ctx context.Context, toolID string) (*Tool, error)
}

// MemoryToolStore serves tools loaded from configuration.
type MemoryToolStore struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewMemoryToolStore(tools ...Tool) *MemoryToolStore {
	s := &MemoryToolStore{tools: make(map[string]*Tool, len(tools))}
	for _, tool := range tools {
		s.Put(tool)
	}

	return s
}

func (s *MemoryToolStore) Put(tool Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tools[tool.ID] = &tool
}

func (s *MemoryToolStore) Get(_ context.Context, toolID string) (*Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tool, ok := s.tools[toolID]
	if !ok {
		return nil, ErrToolNotFound
	}

	copied := *tool

	return &copied, nil
}
