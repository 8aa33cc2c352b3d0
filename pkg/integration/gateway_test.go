package integration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/runbook/pkg/circuitbreaker"
	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnection struct {
	tool *Tool
}

func (c *fakeConnection) Tool() *Tool { return c.tool }

type fakeIntegration struct {
	connects atomic.Int32
	calls    atomic.Int32
	err      error
}

func (f *fakeIntegration) Type() string { return "fake" }

func (f *fakeIntegration) Connect(_ context.Context, tool *Tool) (Connection, error) {
	f.connects.Add(1)

	return &fakeConnection{tool: tool}, nil
}

func (f *fakeIntegration) Execute(_ context.Context, conn Connection, actionID string, _, _ json.RawMessage) (json.RawMessage, error) {
	f.calls.Add(1)

	if f.err != nil {
		return nil, f.err
	}

	return json.RawMessage(`{"action":"` + actionID + `","tool":"` + conn.Tool().ID + `"}`), nil
}

func newGateway(integrations ...Integration) (*Gateway, *circuitbreaker.Manager, *pool.Pool[Connection]) {
	tools := NewMemoryToolStore(
		Tool{ID: "tool-1", Type: "fake", BaseURL: "https://fake.example.com"},
	)
	breakers := circuitbreaker.NewManager(slog.Default(), circuitbreaker.WithTypeConfig("fake", circuitbreaker.Config{FailureThreshold: 2}))
	connections := pool.New[Connection](slog.Default())

	return NewGateway(slog.Default(), tools, connections, breakers, integrations), breakers, connections
}

func TestGateway_ReusesPooledConnection(t *testing.T) {
	fake := &fakeIntegration{}
	gateway, _, connections := newGateway(fake)
	action := models.ToolActionPayload{ToolType: "fake", ToolID: "tool-1", ActionID: "ping"}

	for range 3 {
		output, err := gateway.Execute(context.Background(), "user-1", action, nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"action":"ping","tool":"tool-1"}`, string(output))
	}

	assert.Equal(t, int32(1), fake.connects.Load())
	assert.Equal(t, int32(3), fake.calls.Load())

	entry, ok := connections.Entry("fake", "tool-1", "user-1")
	require.True(t, ok)
	assert.Equal(t, 2, entry.UseCount)

	_, err := gateway.Execute(context.Background(), "user-2", action, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fake.connects.Load(), "connections are per user")
}

func TestGateway_OpensCircuit(t *testing.T) {
	fake := &fakeIntegration{err: errors.New("service down")}
	gateway, breakers, _ := newGateway(fake)
	action := models.ToolActionPayload{ToolType: "fake", ToolID: "tool-1", ActionID: "ping"}

	for range 2 {
		_, err := gateway.Execute(context.Background(), "u", action, nil)
		require.Error(t, err)
	}

	_, err := gateway.Execute(context.Background(), "u", action, nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), fake.calls.Load())

	metrics, ok := breakers.Metrics("fake:tool-1")
	require.True(t, ok)
	assert.Equal(t, circuitbreaker.StateOpen, metrics.State)
}

func TestGateway_Errors(t *testing.T) {
	gateway, _, _ := newGateway(&fakeIntegration{})

	_, err := gateway.Execute(context.Background(), "u", models.ToolActionPayload{ToolType: "nope", ToolID: "tool-1"}, nil)
	assert.ErrorIs(t, err, ErrUnknownIntegration)

	_, err = gateway.Execute(context.Background(), "u", models.ToolActionPayload{ToolType: "fake", ToolID: "missing"}, nil)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestHTTPIntegration_SendMessage(t *testing.T) {
	tests := []struct {
		flavor Flavor
		want   string
	}{
		{FlavorSlack, `{"text":"deploy finished"}`},
		{FlavorDiscord, `{"content":"deploy finished"}`},
		{FlavorTeams, `{"type":"message","text":"deploy finished"}`},
	}

	for _, tt := range tests {
		t.Run(string(tt.flavor), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				assert.JSONEq(t, tt.want, string(body))
				assert.Equal(t, "Bearer t", r.Header.Get("Authorization"))
				_, _ = w.Write([]byte(`{"ok":true}`))
			}))
			defer server.Close()

			clients := pool.NewHTTPClients(slog.Default(), nil)
			tools := NewMemoryToolStore(Tool{ID: "hook", Type: string(tt.flavor), BaseURL: server.URL, Headers: map[string]string{"Authorization": "Bearer t"}})
			gateway := NewGateway(slog.Default(), tools, pool.New[Connection](slog.Default()),
				circuitbreaker.NewManager(slog.Default()), DefaultIntegrations(clients, time.Second))

			output, err := gateway.Execute(context.Background(), "u", models.ToolActionPayload{
				ToolType:   string(tt.flavor),
				ToolID:     "hook",
				ActionID:   ActionSendMessage,
				Parameters: json.RawMessage(`{"text":"deploy finished"}`),
			}, nil)

			require.NoError(t, err)
			assert.JSONEq(t, `{"status":200,"body":{"ok":true}}`, string(output))
		})
	}
}

func TestHTTPIntegration_Request(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/items/1", r.URL.Path)
		assert.JSONEq(t, `{"from":"input"}`, string(body))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer server.Close()

	integration := NewHTTPIntegration(FlavorHTTP, pool.NewHTTPClients(slog.Default(), nil), time.Second)
	conn, err := integration.Connect(context.Background(), &Tool{ID: "api", Type: "http", BaseURL: server.URL})
	require.NoError(t, err)

	output, err := integration.Execute(context.Background(), conn, ActionRequest,
		json.RawMessage(`{"method":"put","path":"/items/1"}`),
		json.RawMessage(`{"from":"input"}`))

	require.NoError(t, err)
	assert.JSONEq(t, `{"status":201,"body":"created"}`, string(output))

	_, err = integration.Execute(context.Background(), conn, "explode", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestHTTPIntegration_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	integration := NewHTTPIntegration(FlavorSlack, pool.NewHTTPClients(slog.Default(), nil), time.Second)
	conn, err := integration.Connect(context.Background(), &Tool{ID: "s", Type: "slack", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = integration.Execute(context.Background(), conn, ActionSendMessage, json.RawMessage(`{"text":"x"}`), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
