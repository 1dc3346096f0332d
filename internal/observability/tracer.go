package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan opens one internal span, the shape the Dispatcher uses around
// a single worker invocation (spec.md §4.8): it never crosses a network
// boundary, so SpanKindInternal rather than Server is always correct here.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan opens a span for a request the host's own server surface
// received before handing it to the Dispatcher (e.g. an HTTP or gRPC
// handler wrapping Runtime.Execute) — distinct from StartSpan because that
// boundary, unlike the in-process Dispatcher call, is where a distributed
// trace actually begins.
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// SpanFromContext returns the span active on ctx, a no-op span if none.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError records err on span and marks it failed; used for both a
// RuntimeError bubbling out of a worker invocation and a plain Go error
// from Dispatcher bookkeeping (load failures, IPC errors).
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks span as a successful invocation.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Attribute keys for invocation spans. internal/dispatcher records
// AttrHandler, AttrVersion, AttrRequestUUID and AttrWorkerID on its
// dispatcher.invoke spans; nothing in the module reads them back.
var (
	AttrHandler     = attribute.Key("roma.invocation.handler")
	AttrVersion     = attribute.Key("roma.invocation.version")
	AttrEngine      = attribute.Key("roma.engine")
	AttrColdStart   = attribute.Key("roma.cold_start")
	AttrRequestUUID = attribute.Key("roma.request_uuid")
	AttrDurationMs  = attribute.Key("roma.duration_ms")
	AttrWorkerID    = attribute.Key("roma.worker_id")
)
