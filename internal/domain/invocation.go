package domain

import (
	"time"

	"github.com/romaexec/roma/internal/observability"
)

// InvocationRequest is an immutable description of one call into loaded
// guest code. It carries everything a worker needs to execute a handler
// and everything the dispatcher needs to correlate the eventual response.
type InvocationRequest struct {
	// RequestID identifies this request within the dispatcher/worker pair.
	RequestID string `json:"request_id"`

	// UUID is the globally unique id used to correlate native-function
	// callbacks with host metadata (see MetadataEntry).
	UUID string `json:"uuid"`

	// VersionString selects which loaded CodeObject to execute against.
	VersionString string `json:"version_string"`

	// Handler names the function in the loaded CodeObject to invoke.
	Handler string `json:"handler"`

	// Args is an ordered list of input arguments, either pre-serialized
	// strings or structured JSON values.
	Args []Arg `json:"args"`

	// Deadline is the wall-clock point by which the invocation must
	// complete; the worker's watchdog enforces it.
	Deadline time.Time `json:"deadline"`

	// Metadata is host-supplied and opaque to the runtime; it is stored
	// in the MetadataStore under UUID from dispatch until completion.
	Metadata map[string]string `json:"metadata,omitempty"`

	// TraceContext carries the parent's active span across the IPC
	// boundary (the worker process has no otel SDK of its own) so the
	// child can log under the same trace/span id the dispatcher recorded
	// for this invocation.
	TraceContext observability.TraceContext `json:"trace_context,omitempty"`
}

// Arg is one invocation argument. Exactly one of the fields is set,
// mirroring the tagged-union payload shapes also used by RpcWrapper.
type Arg struct {
	Str   *string           `json:"str,omitempty"`
	List  []string          `json:"list,omitempty"`
	Map   map[string]string `json:"map,omitempty"`
	Bytes []byte            `json:"bytes,omitempty"`
}

// TimeRemaining returns how long until the deadline, or zero if already past.
func (r *InvocationRequest) TimeRemaining(now time.Time) time.Duration {
	d := r.Deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ExecutionStats reports resource usage of a completed invocation.
type ExecutionStats struct {
	WallTimeMs   int64 `json:"wall_time_ms"`
	MemoryPeakKB int64 `json:"memory_peak_kb"`
}

// ResponseObject is the asynchronous result of an InvocationRequest: either
// a successful payload with execution statistics, or a failure drawn from
// the error taxonomy.
type ResponseObject struct {
	RequestID string          `json:"request_id"`
	UUID      string          `json:"uuid"`
	Result    string          `json:"result,omitempty"`
	Stats     ExecutionStats  `json:"stats"`
	Err       *RuntimeError   `json:"error,omitempty"`
}

// Success reports whether the response carries a usable result rather than
// an error.
func (r *ResponseObject) Success() bool {
	return r.Err == nil
}
