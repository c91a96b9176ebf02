package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "drover"

// Metrics holds all engine metric instruments.
type Metrics struct {
	RunsStarted   metric.Int64Counter
	RunsCompleted metric.Int64Counter
	RunsFailed    metric.Int64Counter
	ToolCalls     metric.Int64Counter
	ParseFailures metric.Int64Counter
	HookTimeouts  metric.Int64Counter
	RunIterations metric.Int64Histogram
	RunDuration   metric.Float64Histogram
	ToolDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("drover.runs.started",
		metric.WithDescription("Number of runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("drover.runs.completed",
		metric.WithDescription("Number of runs completed"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("drover.runs.failed",
		metric.WithDescription("Number of runs failed"))
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("drover.toolcalls",
		metric.WithDescription("Number of tool calls dispatched"))
	if err != nil {
		return nil, err
	}

	m.ParseFailures, err = meter.Int64Counter("drover.parse.failures",
		metric.WithDescription("Number of planner outputs that failed to parse"))
	if err != nil {
		return nil, err
	}

	m.HookTimeouts, err = meter.Int64Counter("drover.hooks.timeouts",
		metric.WithDescription("Number of hook dispatches that timed out"))
	if err != nil {
		return nil, err
	}

	m.RunIterations, err = meter.Int64Histogram("drover.run.iterations",
		metric.WithDescription("Planning rounds per run"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("drover.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.ToolDuration, err = meter.Float64Histogram("drover.toolcall.duration_seconds",
		metric.WithDescription("Tool call duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
