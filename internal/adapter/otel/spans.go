package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "provisioner"

// StartTurnSpan starts a span for one conversational turn.
func StartTurnSpan(ctx context.Context, sessionID, userID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("user.id", userID),
		),
	)
}

// StartRunSpan starts a span for a workflow run.
func StartRunSpan(ctx context.Context, runID, templateID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("template.id", templateID),
		),
	)
}

// StartStepSpan starts a span for one workflow step.
func StartStepSpan(ctx context.Context, runID, step string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("step.name", step),
		),
	)
}
