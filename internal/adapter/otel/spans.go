package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "drover"

// StartRunSpan starts a span covering one loop invocation.
func StartRunSpan(ctx context.Context, runID, agentName, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("agent.name", agentName),
			attribute.String("task.id", taskID),
		),
	)
}

// StartIterationSpan starts a span for one planning round within a run.
func StartIterationSpan(ctx context.Context, runID string, iteration int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "iteration",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("iteration", iteration),
		),
	)
}

// StartToolCallSpan starts a span for a tool call within a run.
func StartToolCallSpan(ctx context.Context, callID, tool, server string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "toolcall",
		trace.WithAttributes(
			attribute.String("toolcall.id", callID),
			attribute.String("toolcall.tool", tool),
			attribute.String("toolcall.server", server),
		),
	)
}
