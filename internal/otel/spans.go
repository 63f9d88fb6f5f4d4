package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dyzdyz010/clawd/internal/shared"
)

// Standard attribute keys for clawd spans.
var (
	AttrAgentID     = attribute.Key("clawd.agent.id")
	AttrSessionID   = attribute.Key("clawd.session.id")
	AttrSessionKey  = attribute.Key("clawd.session.key")
	AttrChannel     = attribute.Key("clawd.channel")
	AttrModel       = attribute.Key("clawd.llm.model")
	AttrResetReason = attribute.Key("clawd.reset.reason")
	AttrSubagentKey = attribute.Key("clawd.subagent.key")
	AttrOutcome     = attribute.Key("clawd.outcome")
)

// ContextAttrs returns the session attributes carried by ctx, for
// spans started below the point where the ids were attached.
func ContextAttrs(ctx context.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if key := shared.SessionKey(ctx); key != "" {
		attrs = append(attrs, AttrSessionKey.String(key))
	}
	if id := shared.SessionID(ctx); id != "" {
		attrs = append(attrs, AttrSessionID.String(id))
	}
	return attrs
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound message (channel adapters).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM backends).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
