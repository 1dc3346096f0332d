package logging

import (
	"log/slog"
	"os"
)

// InitStructured reconfigures the operational logger from
// config.LoggingConfig: format is "text" (default, for a terminal) or
// "json" (what romaworker emits on stderr, since its parent collects child
// stderr as a JSON stream rather than a tty), level is one of
// SetLevelFromString's accepted strings.
func InitStructured(format, level string) {
	SetLevelFromString(level)

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	opLogger.Store(slog.New(handler))
}

// OpWithTrace returns the operational logger scoped to one invocation's
// trace/span id, as reconstituted on the worker side from the
// InvocationRequest.TraceContext the dispatcher attached before sending the
// request over IPC (the worker has no otel SDK of its own to derive these
// from). traceID empty means tracing is disabled or the dispatcher didn't
// have an active span; the plain operational logger is returned unchanged.
func OpWithTrace(traceID, spanID string) *slog.Logger {
	l := Op()
	if traceID == "" {
		return l
	}
	args := []any{"trace_id", traceID}
	if spanID != "" {
		args = append(args, "span_id", spanID)
	}
	return l.With(args...)
}
