package domain

import "fmt"

// ErrorKind enumerates the taxonomy of failures surfaced to the host.
// Every error that crosses the worker boundary is tagged with exactly one
// kind; internal (parent-side) listener/consumer failures are mapped onto
// worker-crash for the affected worker.
type ErrorKind string

const (
	// ErrQueueFull means admission was refused; retryable by the host.
	ErrQueueFull ErrorKind = "queue-full"
	// ErrWorkerCrash means the child died mid-call; the worker is being replaced.
	ErrWorkerCrash ErrorKind = "worker-crash"
	// ErrDeadlineExceeded means the invocation exceeded its wall-clock budget.
	ErrDeadlineExceeded ErrorKind = "deadline-exceeded"
	// ErrGuestCompileError means source failed to compile.
	ErrGuestCompileError ErrorKind = "guest-compile-error"
	// ErrGuestRuntimeError means the guest threw during execution.
	ErrGuestRuntimeError ErrorKind = "guest-runtime-error"
	// ErrGuestOOM means the isolate reached its heap cap.
	ErrGuestOOM ErrorKind = "guest-oom"
	// ErrUnknownVersion means version_string was not loaded on the target worker.
	ErrUnknownVersion ErrorKind = "unknown-version"
	// ErrCallbackError means a native-function callback failed.
	ErrCallbackError ErrorKind = "callback-error"
	// ErrShutdown means the call was refused because the runtime is stopping.
	ErrShutdown ErrorKind = "shutdown"
	// ErrPayloadTooLarge means a shared-buffer payload exceeded the buffer.
	ErrPayloadTooLarge ErrorKind = "payload-too-large"
)

// RuntimeError is the concrete error type returned to the host for a
// failed ResponseObject, and the type marshalled across the IPC boundary.
type RuntimeError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewRuntimeError constructs a RuntimeError of the given kind.
func NewRuntimeError(kind ErrorKind, format string, args ...interface{}) *RuntimeError {
	return &RuntimeError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsRuntimeError unwraps err into a *RuntimeError if it is one, otherwise
// wraps it as a worker-crash (the catch-all for unmapped internal failures).
func AsRuntimeError(err error) *RuntimeError {
	if err == nil {
		return nil
	}
	if re, ok := err.(*RuntimeError); ok {
		return re
	}
	return &RuntimeError{Kind: ErrWorkerCrash, Message: err.Error()}
}
