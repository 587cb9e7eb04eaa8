package otelspans

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for core spans.
var (
	AttrAgentID   = attribute.Key("agentcore.agent.id")
	AttrTaskID    = attribute.Key("agentcore.task.id")
	AttrToolName  = attribute.Key("agentcore.tool.name")
	AttrSessionID = attribute.Key("agentcore.session.id")
	AttrLane      = attribute.Key("agentcore.lane.name")
	AttrWave      = attribute.Key("agentcore.swarm.wave")
	AttrStepID    = attribute.Key("agentcore.workflow.step_id")
	AttrCategory  = attribute.Key("agentcore.orchestrator.category")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// OrchestratorSelect wraps one orchestrator category-routing decision.
func OrchestratorSelect(ctx context.Context, tracer trace.Tracer, category string) (context.Context, trace.Span) {
	return StartSpan(ctx, tracer, "orchestrator.select", AttrCategory.String(category))
}

// LaneEnqueue wraps a lane manager enqueue call.
func LaneEnqueue(ctx context.Context, tracer trace.Tracer, lane string) (context.Context, trace.Span) {
	return StartSpan(ctx, tracer, "lane.enqueue", AttrLane.String(lane))
}

// LaneDequeue wraps a lane manager dequeue/drain call.
func LaneDequeue(ctx context.Context, tracer trace.Tracer, lane string) (context.Context, trace.Span) {
	return StartSpan(ctx, tracer, "lane.dequeue", AttrLane.String(lane))
}

// PoolAcquire wraps an agent process pool acquire (spawn-or-reuse) call.
func PoolAcquire(ctx context.Context, tracer trace.Tracer, agentID string) (context.Context, trace.Span) {
	return StartSpan(ctx, tracer, "pool.acquire", AttrAgentID.String(agentID))
}

// PoolRelease wraps an agent process pool release call.
func PoolRelease(ctx context.Context, tracer trace.Tracer, agentID string) (context.Context, trace.Span) {
	return StartSpan(ctx, tracer, "pool.release", AttrAgentID.String(agentID))
}

// SwarmTaskExecution wraps one swarm task's claim-through-completion span.
func SwarmTaskExecution(ctx context.Context, tracer trace.Tracer, sessionID, taskID string, wave int) (context.Context, trace.Span) {
	return StartSpan(ctx, tracer, "swarm.task.execute",
		AttrSessionID.String(sessionID), AttrTaskID.String(taskID), AttrWave.Int(wave))
}

// WorkflowStepExecution wraps one workflow DAG step's execution.
func WorkflowStepExecution(ctx context.Context, tracer trace.Tracer, executionID, stepID string) (context.Context, trace.Span) {
	return StartSpan(ctx, tracer, "workflow.step.execute",
		attribute.String("agentcore.workflow.execution_id", executionID), AttrStepID.String(stepID))
}
