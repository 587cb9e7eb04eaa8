package otelspans

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestration-core metrics instruments.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	SwarmWaveSize    metric.Int64Histogram
	PoolAcquireWait  metric.Float64Histogram
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	ActiveSwarms     metric.Int64UpDownCounter
	WorkflowSteps    metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("agentcore.task.duration",
		metric.WithDescription("Swarm/background task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SwarmWaveSize, err = meter.Int64Histogram("agentcore.swarm.wave_size",
		metric.WithDescription("Number of tasks claimed per swarm wave"),
	)
	if err != nil {
		return nil, err
	}

	m.PoolAcquireWait, err = meter.Float64Histogram("agentcore.pool.acquire_wait",
		metric.WithDescription("Time spent waiting to acquire an agent process in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("agentcore.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("agentcore.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSwarms, err = meter.Int64UpDownCounter("agentcore.swarm.active",
		metric.WithDescription("Number of currently active swarm sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkflowSteps, err = meter.Int64Counter("agentcore.workflow.steps",
		metric.WithDescription("Total workflow DAG steps executed"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("agentcore.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
