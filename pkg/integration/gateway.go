package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/runbook/pkg/circuitbreaker"
	"github.com/dukex/runbook/pkg/models"
	"github.com/dukex/runbook/pkg/otelhelper"
	"github.com/dukex/runbook/pkg/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Gateway routes tool actions to their integration.
type Gateway struct {
	integrations map[string]Integration
	tools        ToolStore
	connections  *pool.Pool[Connection]
	breakers     *circuitbreaker.Manager
	tracer       trace.Tracer
	logger       *slog.Logger
}

type GatewayOption func(*Gateway)

func WithTracer(tracer trace.Tracer) GatewayOption {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

func NewGateway(
	logger *slog.Logger,
	tools ToolStore,
	connections *pool.Pool[Connection],
	breakers *circuitbreaker.Manager,
	integrations []Integration,
	opts ...GatewayOption,
) *Gateway {
	g := &Gateway{
		integrations: make(map[string]Integration, len(integrations)),
		tools:        tools,
		connections:  connections,
		breakers:     breakers,
		tracer:       otelhelper.NoopTracer(),
		logger:       logger.With("module", "integration_gateway"),
	}

	for _, integration := range integrations {
		g.integrations[integration.Type()] = integration
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Execute runs action for userID. Connection setup and the call itself both count toward the
// tool's circuit; an open circuit fails with *circuitbreaker.OpenError before any network call.
func (g *Gateway) Execute(ctx context.Context, userID string, action models.ToolActionPayload, input json.RawMessage) (json.RawMessage, error) {
	ctx, span := otelhelper.StartSpan(ctx, g.tracer, "integration.execute",
		attribute.String(otelhelper.ToolTypeKey, action.ToolType),
		attribute.String(otelhelper.CircuitKey, circuitbreaker.Key(action.ToolType, action.ToolID)))
	defer span.End()

	integration, ok := g.integrations[action.ToolType]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownIntegration, action.ToolType)
		otelhelper.SetError(span, err)

		return nil, err
	}

	tool, err := g.tools.Get(ctx, action.ToolID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("tool %s: %w", action.ToolID, err)
	}

	key := circuitbreaker.Key(action.ToolType, action.ToolID)

	output, err := circuitbreaker.Call(ctx, g.breakers, key, action.ToolType, func(ctx context.Context) (json.RawMessage, error) {
		conn, err := g.connections.GetOrCreate(ctx, action.ToolType, action.ToolID, userID, func(ctx context.Context) (Connection, error) {
			return integration.Connect(ctx, tool)
		})
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", key, err)
		}

		return integration.Execute(ctx, conn, action.ActionID, action.Parameters, input)
	})
	if err != nil {
		otelhelper.SetError(span, err)
		g.logger.WarnContext(ctx, "tool action failed", "tool_type", action.ToolType, "tool_id", action.ToolID, "action", action.ActionID, "error", err)

		return nil, err
	}

	g.logger.DebugContext(ctx, "tool action executed", "tool_type", action.ToolType, "tool_id", action.ToolID, "action", action.ActionID)

	return output, nil
}

// Types lists the registered integration types.
func (g *Gateway) Types() []string {
	types := make([]string, 0, len(g.integrations))
	for t := range g.integrations {
		types = append(types, t)
	}

	return types
}
