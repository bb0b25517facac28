package device

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/bridgefall/tunnel/device"

// startHandshakeSpan opens a span around processing of one handshake
// message. Spans are no-ops unless the process installs a provider.
func startHandshakeSpan(kind string, src string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(context.Background(), "handshake."+kind,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("tunnel.message", kind),
			attribute.String("net.peer.addr", src),
		),
	)
}

// endSpan records the drop reason, if any, and ends span.
func endSpan(span trace.Span, reason DropReason) {
	if reason != "" {
		span.SetStatus(codes.Error, string(reason))
		span.SetAttributes(attribute.String("tunnel.drop_reason", string(reason)))
	}
	span.End()
}
