// Package jsengine is the child-side JS-Engine Adapter: it hosts one goja
// isolate per worker process, compiles and caches guest code by
// version_string, runs handlers under a per-call wall-clock deadline
// enforced by a watchdog goroutine, and bridges native-function callbacks
// and console output back across the IPC boundary to the parent.
package jsengine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/romaexec/roma/internal/domain"
)

// Caller performs the child-to-parent half of one native-function round
// trip (a synchronous send/recv over the worker's IPC channel) and is
// implemented by the sandbox package's child-side stub.
type Caller interface {
	// Callback invokes a host-registered function by name, returning its
	// output payload or an error whose message is surfaced to the guest.
	Callback(functionName string, io domain.IOProto, requestID, requestUUID string) (domain.IOProto, error)

	// ConsoleLog forwards one console.* line to the parent's logging
	// sink. Best-effort: failures are swallowed, never surfaced to guest
	// code or allowed to block the data path (§7).
	ConsoleLog(level, line, requestID, requestUUID string)
}

// HeapLimits carries the engine_initial_heap_mb / engine_maximum_heap_mb
// configuration values. The Adapter stores them but does not apply them:
// goja has no heap cap, so the isolate's memory is bounded only by the
// process's RLIMIT_AS, and no invocation ends with guest-oom.
type HeapLimits struct {
	InitialHeapMB int
	MaximumHeapMB int
}

// Adapter hosts a single goja isolate. All Adapter methods except Stop must
// be called from the worker's single execution thread; Stop may be called
// from the watchdog goroutine to interrupt a running script.
type Adapter struct {
	vm     *goja.Runtime
	caller Caller
	limits HeapLimits

	mu             sync.Mutex
	current        *invocationContext
	programs       map[string]*goja.Program // version_string -> compiled program
	sources        map[string]string        // version_string -> source, for recompilation after isolate rebuild
	installedStubs map[string]bool          // names already bound on the current vm (registered bindings + fallbacks)
}

// invocationContext is visible to native-function stubs and the console
// bridge while exactly one guest invocation is executing; the guest thread
// is the only one touching it, so no locking is needed during a call.
type invocationContext struct {
	requestID   string
	requestUUID string
}

var setupOnce sync.Once

// OneTimeSetup performs process-wide, idempotent engine initialization.
// goja requires no global one-time setup, but the call is kept to mirror
// the adapter's documented lifecycle and to give future engine-level
// global configuration (e.g. a shared bytecode cache) one place to live.
func OneTimeSetup() {
	setupOnce.Do(func() {})
}

// NewAdapter constructs an Adapter; call Run before Load/Invoke.
func NewAdapter(caller Caller, limits HeapLimits) *Adapter {
	return &Adapter{
		caller:   caller,
		limits:   limits,
		programs: make(map[string]*goja.Program),
		sources:  make(map[string]string),
	}
}

// Run creates the isolate and installs host-function bindings (one stub
// per name in bindingNames) plus the console bridge on the global object.
func (a *Adapter) Run(bindingNames []string) error {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	installed := make(map[string]bool, len(bindingNames))
	for _, name := range bindingNames {
		name := name
		if err := vm.Set(name, a.makeBindingStub(name)); err != nil {
			return fmt.Errorf("jsengine: install binding %q: %w", name, err)
		}
		installed[name] = true
	}
	if err := installConsole(vm, a); err != nil {
		return fmt.Errorf("jsengine: install console: %w", err)
	}

	a.vm = vm
	a.installedStubs = installed
	return nil
}

// LoadVersion compiles source and caches it keyed by version_string.
// Recompiling an already-loaded version_string replaces the cached program
// (the host is responsible for using distinct version strings per
// CodeObject per the data-model invariants).
func (a *Adapter) LoadVersion(versionString, source string) *domain.RuntimeError {
	program, err := goja.Compile(versionString, source, false)
	if err != nil {
		return domain.NewRuntimeError(domain.ErrGuestCompileError, "%s", err.Error())
	}
	a.installFallbackStubs(source)

	a.mu.Lock()
	a.programs[versionString] = program
	a.sources[versionString] = source
	a.mu.Unlock()
	return nil
}

// installFallbackStubs binds every bare call-site identifier in source that
// the guest never received a host binding for, and that isn't already a
// builtin (console, JSON, parseInt, ...), to the same RPC-routing stub used
// for registered bindings. A call to one of these still round-trips to the
// parent's native-function table, which replies "Could not find C++
// function by name." for a name it doesn't recognize (nativefunc.Table.Call)
// instead of the guest hitting a bare ReferenceError — matching the
// original's GlobalV8FunctionCallback, which dispatches every declared
// global through one path regardless of whether the host registered a
// handler for it. A name the guest itself later declares (a function
// statement or an assignment) simply overwrites this stub when that code
// runs, so ordinary locally-defined helpers are unaffected.
func (a *Adapter) installFallbackStubs(source string) {
	for _, name := range candidateCallNames(source) {
		if a.installedStubs[name] {
			continue
		}
		if v := a.vm.Get(name); v != nil && !goja.IsUndefined(v) {
			continue
		}
		a.installedStubs[name] = true
		a.vm.Set(name, a.makeBindingStub(name))
	}
}

// Invoke runs handler from the CodeObject loaded as versionString with
// args, returning the stringified return value and execution stats, or a
// RuntimeError. Invoke itself takes no deadline and starts no timer — the
// caller (cmd/romaworker's invokeJS) runs a watchdog goroutine that calls
// Stop on expiry.
func (a *Adapter) Invoke(requestID, requestUUID, versionString, handler string, args []domain.Arg) (string, domain.ExecutionStats, *domain.RuntimeError) {
	start := time.Now()

	a.mu.Lock()
	program, ok := a.programs[versionString]
	a.mu.Unlock()
	if !ok {
		return "", domain.ExecutionStats{}, domain.NewRuntimeError(domain.ErrUnknownVersion, "version %q not loaded", versionString)
	}

	a.current = &invocationContext{requestID: requestID, requestUUID: requestUUID}
	defer func() { a.current = nil }()

	if _, err := a.vm.RunProgram(program); err != nil {
		if rtErr := classifyRunError(err); rtErr != nil {
			return "", stats(start), rtErr
		}
	}

	fnVal := a.vm.Get(handler)
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return "", stats(start), domain.NewRuntimeError(domain.ErrGuestRuntimeError, "handler %q is not a function", handler)
	}

	jsArgs := make([]goja.Value, len(args))
	for i, arg := range args {
		jsArgs[i] = argToJSValue(a.vm, arg)
	}

	result, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		if rtErr := classifyRunError(err); rtErr != nil {
			return "", stats(start), rtErr
		}
	}

	return stringifyResult(a.vm, result), stats(start), nil
}

// Stop cancels any running execution via goja's cooperative interrupt
// mechanism (checked at the next JS safepoint). It does not discard the
// isolate: the interrupt stays pending on it until Rebuild replaces it.
// Safe to call from a goroutine other than the one executing Invoke.
func (a *Adapter) Stop() {
	if a.vm != nil {
		a.vm.Interrupt("roma: invocation deadline exceeded")
	}
}

// Rebuild disposes the current isolate and creates a fresh one with the
// same bindings and previously loaded sources recompiled, used after an
// OOM or interrupt leaves the isolate unusable. bindingNames must match
// the set passed to the original Run.
func (a *Adapter) Rebuild(bindingNames []string) error {
	a.mu.Lock()
	sources := make(map[string]string, len(a.sources))
	for k, v := range a.sources {
		sources[k] = v
	}
	a.mu.Unlock()

	if err := a.Run(bindingNames); err != nil {
		return err
	}
	for versionString, source := range sources {
		if rtErr := a.LoadVersion(versionString, source); rtErr != nil {
			return rtErr
		}
	}
	return nil
}

func stats(start time.Time) domain.ExecutionStats {
	return domain.ExecutionStats{WallTimeMs: time.Since(start).Milliseconds()}
}

// classifyRunError maps a goja execution error onto the error taxonomy.
// An interrupt (from Stop, arming the deadline) is deadline-exceeded; any
// other JS exception is a guest-runtime-error carrying its stringified form.
func classifyRunError(err error) *domain.RuntimeError {
	if err == nil {
		return nil
	}
	if _, ok := err.(*goja.InterruptedError); ok {
		return domain.NewRuntimeError(domain.ErrDeadlineExceeded, "invocation exceeded its deadline")
	}
	if exc, ok := err.(*goja.Exception); ok {
		return domain.NewRuntimeError(domain.ErrGuestRuntimeError, "%s", exc.Error())
	}
	return domain.NewRuntimeError(domain.ErrGuestRuntimeError, "%s", err.Error())
}

// argToJSValue converts one tagged-union Arg into its goja equivalent.
func argToJSValue(vm *goja.Runtime, a domain.Arg) goja.Value {
	switch {
	case a.Str != nil:
		return vm.ToValue(*a.Str)
	case a.List != nil:
		return vm.ToValue(a.List)
	case a.Map != nil:
		return vm.ToValue(a.Map)
	case a.Bytes != nil:
		return vm.ToValue(a.Bytes)
	default:
		return goja.Undefined()
	}
}

// stringifyResult renders a handler's return value the way CompileAndRunJs
// is specified to: strings pass through verbatim, everything else is
// JSON-encoded.
func stringifyResult(vm *goja.Runtime, v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	exported := v.Export()
	if s, ok := exported.(string); ok {
		return s
	}
	encoded, err := json.Marshal(exported)
	if err != nil {
		return fmt.Sprint(exported)
	}
	return string(encoded)
}
