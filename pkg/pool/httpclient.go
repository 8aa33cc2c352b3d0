package pool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

const DefaultRequestTimeout = 30 * time.Second

// maxResponseBody caps how much of a response body is buffered.
const maxResponseBody = 10 << 20

// HTTPClient calls one base URL with a fixed header set.
type HTTPClient struct {
	baseURL string
	headers map[string]string
	client  *http.Client
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Do sends a request relative to the base URL. The timeout covers the whole exchange
// including reading the body; zero means DefaultRequestTimeout.
func (c *HTTPClient) Do(ctx context.Context, method, path string, body []byte, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for name, value := range c.headers {
		req.Header.Set(name, value)
	}

	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *HTTPClient) url(path string) string {
	if path == "" {
		return c.baseURL
	}

	return strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// HTTPClients shares one HTTPClient per base URL and header set.
type HTTPClients struct {
	mu        sync.Mutex
	clients   map[string]*HTTPClient
	transport http.RoundTripper
	logger    *slog.Logger
}

func NewHTTPClients(logger *slog.Logger, transport http.RoundTripper) *HTTPClients {
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &HTTPClients{
		clients:   make(map[string]*HTTPClient),
		transport: transport,
		logger:    logger.With("module", "http_clients"),
	}
}

func (h *HTTPClients) Get(baseURL string, headers map[string]string) *HTTPClient {
	key := clientKey(baseURL, headers)

	h.mu.Lock()
	defer h.mu.Unlock()

	if client, ok := h.clients[key]; ok {
		return client
	}

	copied := make(map[string]string, len(headers))
	for name, value := range headers {
		copied[name] = value
	}

	client := &HTTPClient{
		baseURL: baseURL,
		headers: copied,
		client:  &http.Client{Transport: h.transport},
	}
	h.clients[key] = client
	h.logger.Debug("created http client", "base_url", baseURL)

	return client
}

func (h *HTTPClients) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

func clientKey(baseURL string, headers map[string]string) string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}

	sort.Strings(names)

	var b strings.Builder
	b.WriteString(baseURL)

	for _, name := range names {
		b.WriteString("|")
		b.WriteString(http.CanonicalHeaderKey(name))
		b.WriteString("=")
		b.WriteString(headers[name])
	}

	return b.String()
}
