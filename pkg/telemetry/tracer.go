package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the global tracer for Foreman
var tracer = otel.Tracer("foreman")

// Span names for Foreman operations
const (
	// Scheduler spans
	SpanSchedulerRun  = "foreman.scheduler.run"
	SpanTaskExecute   = "foreman.task.execute"
	SpanTaskLock      = "foreman.task.lock"
	SpanTaskDecompose = "foreman.task.decompose"

	// Selection spans
	SpanWorkerSelect = "foreman.selector.select"

	// Watchdog spans
	SpanWatchdogCycle  = "foreman.watchdog.cycle"
	SpanWatchdogRepair = "foreman.watchdog.repair"

	// Agent spans
	SpanAgentExecute = "foreman.agent.execute"
)

// StartSpan starts a named span with attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartTaskSpan starts a span carrying the standard task attributes
func StartTaskSpan(ctx context.Context, name, taskID, domain, state string, attempt, depth int) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(TaskAttrs(taskID, domain, state, attempt, depth)...))
}

// RecordError records an error on a span with a category tag
func RecordError(span trace.Span, err error, category string) {
	if err == nil {
		return
	}
	span.RecordError(err, trace.WithAttributes(
		attribute.String(KeyErrorCategory, category),
	))
	span.SetStatus(codes.Error, err.Error())
}

// SetTaskStatus sets the task status as a span attribute
func SetTaskStatus(span trace.Span, status string) {
	span.SetAttributes(attribute.String(KeyTaskState, status))
}

// GetTraceID returns the trace ID from context if available
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
