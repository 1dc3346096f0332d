package sandbox

// Options configures one worker's process, IPC, and engine resource
// limits, per spec.md §4.5's enumerated Worker Sandbox API options.
type Options struct {
	// RequirePreload refuses invocations for a version_string that has
	// not yet been acknowledged as loaded by this worker.
	RequirePreload bool

	// NativeJSFunctionNames lists the host-registered binding names this
	// worker's isolate must install stubs for at Run time.
	NativeJSFunctionNames []string

	// ServerAddress is forwarded to the child in its init payload; the
	// child does not act on it. The auxiliary RPC surface
	// (internal/grpcapi) is served by the host process, not the worker.
	ServerAddress string

	// MaxVirtualMemoryMB bounds the child process's address space
	// (RLIMIT_AS), enforced by the child at startup.
	MaxVirtualMemoryMB int

	// EngineInitialHeapMB / EngineMaximumHeapMB are forwarded to the JS
	// adapter's HeapLimits, which does not enforce them (see jsengine).
	EngineInitialHeapMB int
	EngineMaximumHeapMB int

	// MaxWasmPages bounds WASM linear memory growth (64KiB pages).
	MaxWasmPages uint32

	// SharedBufferMB is forwarded to the child in its init payload. No
	// shared-memory region is created from it: every payload, whatever
	// its size, travels inline in IPC frames.
	SharedBufferMB int

	// SharedBufferOnly is forwarded to the child alongside SharedBufferMB.
	// Nothing acts on it: no payload is rejected with payload-too-large.
	SharedBufferOnly bool
}
