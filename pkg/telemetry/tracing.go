package telemetry

import "context"

// SpanContext carries the session correlation identifiers a log line is
// enriched with: the session id doubles as the trace id for the runtime's
// end-to-end view, and the per-host visit id as the span.
type SpanContext struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Sampled      bool
}

type spanContextKey struct{}

// ContextWithSpanContext returns a context carrying sc. Hosts install the
// envelope's session id here before invoking hooks so every log line a
// hook emits carries the session.
func ContextWithSpanContext(ctx context.Context, sc SpanContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, spanContextKey{}, sc)
}

// SpanContextFromContext extracts a SpanContext from ctx if one is set and
// non-empty.
func SpanContextFromContext(ctx context.Context) (SpanContext, bool) {
	if ctx == nil {
		return SpanContext{}, false
	}
	sc, ok := ctx.Value(spanContextKey{}).(SpanContext)
	if !ok {
		return SpanContext{}, false
	}
	if sc.TraceID == "" && sc.SpanID == "" && sc.ParentSpanID == "" && !sc.Sampled {
		return SpanContext{}, false
	}
	return sc, true
}
