package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for engine spans.
var (
	AttrTaskID     = attribute.Key("mctl.task.id")
	AttrAgentID    = attribute.Key("mctl.agent.id")
	AttrProjectID  = attribute.Key("mctl.project.id")
	AttrApprovalID = attribute.Key("mctl.approval.id")
	AttrPolicyID   = attribute.Key("mctl.policy.id")
	AttrActorType  = attribute.Key("mctl.actor.type")
	AttrFromStatus = attribute.Key("mctl.status.from")
	AttrToStatus   = attribute.Key("mctl.status.to")
	AttrAlertKind  = attribute.Key("mctl.alert.kind")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound API request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
