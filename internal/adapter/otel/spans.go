package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "treechat"

// StartTurnSpan starts a span covering a full conversation turn.
func StartTurnSpan(ctx context.Context, conversationID, nodeID, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("turn.node_id", nodeID),
			attribute.String("turn.model", model),
		),
	)
}

// StartStreamSpan starts a span for the LLM streaming call within a turn.
func StartStreamSpan(ctx context.Context, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "llm.stream",
		trace.WithAttributes(
			attribute.String("llm.model", model),
		),
	)
}

// StartSaveSpan starts a span for a conversation persist.
func StartSaveSpan(ctx context.Context, conversationID string, revision int64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "save",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int64("conversation.revision", revision),
		),
	)
}
