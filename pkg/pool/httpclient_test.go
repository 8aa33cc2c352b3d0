package pool

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClients_SharesClientPerBaseAndHeaders(t *testing.T) {
	clients := NewHTTPClients(slog.Default(), nil)

	a := clients.Get("https://hooks.example.com", map[string]string{"authorization": "Bearer x"})
	b := clients.Get("https://hooks.example.com", map[string]string{"Authorization": "Bearer x"})
	c := clients.Get("https://hooks.example.com", map[string]string{"Authorization": "Bearer y"})

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, clients.Len())
}

func TestHTTPClient_Do(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		assert.Equal(t, "/api/send", r.URL.Path)
		assert.Equal(t, "token", r.Header.Get("X-Token"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.JSONEq(t, `{"text":"hi"}`, string(body))

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewHTTPClients(slog.Default(), nil).Get(server.URL+"/api/", map[string]string{"X-Token": "token"})

	resp, err := client.Do(context.Background(), http.MethodPost, "/send", []byte(`{"text":"hi"}`), time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestHTTPClient_TimeoutCancelsRequest(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewHTTPClients(slog.Default(), nil).Get(server.URL, nil)

	start := time.Now()
	_, err := client.Do(context.Background(), http.MethodGet, "", nil, 50*time.Millisecond)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
