package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/runbook/pkg/pool"
)

const (
	ActionSendMessage = "send_message"
	ActionRequest     = "request"
)

// Flavor selects the message body shape of an incoming-webhook style service.
type Flavor string

const (
	FlavorHTTP    Flavor = "http"
	FlavorSlack   Flavor = "slack"
	FlavorDiscord Flavor = "discord"
	FlavorTeams   Flavor = "teams"
)

// HTTPIntegration talks to services that accept JSON over HTTP.
type HTTPIntegration struct {
	flavor  Flavor
	clients *pool.HTTPClients
	timeout time.Duration
}

func NewHTTPIntegration(flavor Flavor, clients *pool.HTTPClients, timeout time.Duration) *HTTPIntegration {
	return &HTTPIntegration{flavor: flavor, clients: clients, timeout: timeout}
}

type httpConnection struct {
	tool   *Tool
	client *pool.HTTPClient
}

func (c *httpConnection) Tool() *Tool {
	return c.tool
}

func (h *HTTPIntegration) Type() string {
	return string(h.flavor)
}

func (h *HTTPIntegration) Connect(_ context.Context, tool *Tool) (Connection, error) {
	if tool.BaseURL == "" {
		return nil, fmt.Errorf("tool %s has no base url", tool.ID)
	}

	return &httpConnection{tool: tool, client: h.clients.Get(tool.BaseURL, tool.Headers)}, nil
}

type messageParams struct {
	Text string `json:"text"`
}

type requestParams struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body"`
}

func (h *HTTPIntegration) Execute(ctx context.Context, conn Connection, actionID string, params, input json.RawMessage) (json.RawMessage, error) {
	c, ok := conn.(*httpConnection)
	if !ok {
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}

	switch actionID {
	case ActionSendMessage:
		body, err := h.messageBody(params, input)
		if err != nil {
			return nil, err
		}

		return h.send(ctx, c, http.MethodPost, "", body)
	case ActionRequest:
		var p requestParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("decode request parameters: %w", err)
			}
		}

		method := strings.ToUpper(p.Method)
		if method == "" {
			method = http.MethodPost
		}

		body := []byte(p.Body)
		if len(body) == 0 && method != http.MethodGet && method != http.MethodHead {
			body = input
		}

		return h.send(ctx, c, method, p.Path, body)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}
}

func (h *HTTPIntegration) messageBody(params, input json.RawMessage) ([]byte, error) {
	var p messageParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode message parameters: %w", err)
		}
	}

	text := p.Text
	if text == "" {
		text = string(input)
	}

	var payload map[string]any

	switch h.flavor {
	case FlavorDiscord:
		payload = map[string]any{"content": text}
	case FlavorTeams:
		payload = map[string]any{"type": "message", "text": text}
	default:
		payload = map[string]any{"text": text}
	}

	return json.Marshal(payload)
}

func (h *HTTPIntegration) send(ctx context.Context, c *httpConnection, method, path string, body []byte) (json.RawMessage, error) {
	resp, err := c.client.Do(ctx, method, path, body, h.timeout)
	if err != nil {
		return nil, err
	}

	if !resp.OK() {
		return nil, fmt.Errorf("%s responded with status %d", c.tool.Type, resp.StatusCode)
	}

	result := map[string]any{"status": resp.StatusCode}

	if len(resp.Body) > 0 {
		if json.Valid(resp.Body) {
			result["body"] = json.RawMessage(resp.Body)
		} else {
			result["body"] = string(resp.Body)
		}
	}

	return json.Marshal(result)
}

// DefaultIntegrations returns the HTTP based integrations sharing one client pool.
func DefaultIntegrations(clients *pool.HTTPClients, timeout time.Duration) []Integration {
	return []Integration{
		NewHTTPIntegration(FlavorHTTP, clients, timeout),
		NewHTTPIntegration(FlavorSlack, clients, timeout),
		NewHTTPIntegration(FlavorDiscord, clients, timeout),
		NewHTTPIntegration(FlavorTeams, clients, timeout),
	}
}
