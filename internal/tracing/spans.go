package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const planeTracerName = "wegent-sandbox-plane"

func planeTracer() trace.Tracer {
	return Tracer(planeTracerName)
}

// TraceDispatch starts a span covering an executor container dispatch.
// Caller must call span.End() when the container is ready or failed.
func TraceDispatch(ctx context.Context, taskID, shellType string) (context.Context, trace.Span) {
	ctx, span := planeTracer().Start(ctx, "sandbox.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("shell_type", shellType),
	)
	return ctx, span
}

// TraceCallback starts a span for one callback delivery attempt sequence.
// Caller must call span.End() after the final attempt.
func TraceCallback(ctx context.Context, taskID, subtaskID, status string) (context.Context, trace.Span) {
	ctx, span := planeTracer().Start(ctx, "callback.send",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("subtask_id", subtaskID),
		attribute.String("callback_status", status),
	)
	return ctx, span
}

// TraceExecution starts a span covering one engine run inside the executor.
func TraceExecution(ctx context.Context, taskID, subtaskID, engine string) (context.Context, trace.Span) {
	ctx, span := planeTracer().Start(ctx, "engine."+engine,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("subtask_id", subtaskID),
		attribute.String("engine", engine),
	)
	return ctx, span
}

// EndWithError records the outcome on a span before ending it.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
