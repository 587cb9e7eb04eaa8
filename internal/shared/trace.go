package shared

import (
	"context"

	"github.com/google/uuid"
)

type (
	traceKey   struct{}
	channelKey struct{}
	agentKey   struct{}
	sessionKey struct{}
)

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithChannel attaches the channel id that scopes chain state, cooldowns,
// and lane partitioning for everything downstream of the orchestrator.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelKey{}, channel)
}

// Channel extracts the channel id from context. Returns "-" if absent.
func Channel(ctx context.Context) string {
	if v, ok := ctx.Value(channelKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithAgentID attaches the agent id currently holding the process/lane/task.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentKey{}, agentID)
}

// AgentID extracts the agent id from context. Returns "-" if absent.
func AgentID(ctx context.Context) string {
	if v, ok := ctx.Value(agentKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithSessionID attaches a swarm/UltraWork/workflow session id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionID extracts the session id from context. Returns "-" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}
