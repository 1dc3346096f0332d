// Package wasmengine is the WASM variant of the child-side engine adapter:
// it hosts one wazero runtime per worker process, compiles and caches
// CodeObject.ByteCode modules keyed by version_string, and runs exported
// handler functions under a context deadline.
//
// Calling convention: exported handler functions take and return only
// wasm numeric types (i32/i64), the common denominator across guest
// toolchains without committing to a host-bindings ABI the way the
// JS-Engine Adapter's string/list/map/bytes union does. A guest that needs
// the full tagged-union argument shapes should compile to the scripting
// engine instead; WASM here targets small numeric kernels. No
// native-function host imports are provided to WASM modules.
package wasmengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/romaexec/roma/internal/domain"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Limits bounds the wazero instance per spec.md's max_wasm_pages /
// worker_virtual_memory_mb configuration knobs.
type Limits struct {
	MaxPages uint32 // 64KiB pages; 0 means wazero's default
}

// Adapter hosts a single wazero runtime. All methods except Stop must be
// called from the worker's single execution thread.
type Adapter struct {
	runtime wazero.Runtime
	limits  Limits

	mu      sync.Mutex
	modules map[string]wazero.CompiledModule // version_string -> compiled
}

// NewAdapter constructs an Adapter; call Run before Load/Invoke.
func NewAdapter(limits Limits) *Adapter {
	return &Adapter{limits: limits, modules: make(map[string]wazero.CompiledModule)}
}

// Run initializes the wazero runtime and instantiates WASI preview1, the
// baseline host environment most WASM toolchains assume is present.
func (a *Adapter) Run(ctx context.Context) error {
	cfg := wazero.NewRuntimeConfig()
	if a.limits.MaxPages > 0 {
		cfg = cfg.WithMemoryLimitPages(a.limits.MaxPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return fmt.Errorf("wasmengine: instantiate wasi: %w", err)
	}
	a.runtime = rt
	return nil
}

// LoadVersion compiles byteCode and caches it keyed by version_string.
func (a *Adapter) LoadVersion(ctx context.Context, versionString string, byteCode []byte) *domain.RuntimeError {
	compiled, err := a.runtime.CompileModule(ctx, byteCode)
	if err != nil {
		return domain.NewRuntimeError(domain.ErrGuestCompileError, "%s", err.Error())
	}
	a.mu.Lock()
	a.modules[versionString] = compiled
	a.mu.Unlock()
	return nil
}

// Invoke instantiates a fresh module for versionString (discarding any
// prior instance's memory, consistent with the no-state-persistence
// non-goal) and calls its exported handler function with numeric args.
// ctx should carry the invocation's deadline; wazero observes ctx
// cancellation at function-call boundaries and host-call checkpoints.
func (a *Adapter) Invoke(ctx context.Context, versionString, handler string, args []uint64) (uint64, *domain.RuntimeError) {
	a.mu.Lock()
	compiled, ok := a.modules[versionString]
	a.mu.Unlock()
	if !ok {
		return 0, domain.NewRuntimeError(domain.ErrUnknownVersion, "version %q not loaded", versionString)
	}

	modConfig := wazero.NewModuleConfig().WithName("")
	mod, err := a.runtime.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		return 0, domain.NewRuntimeError(domain.ErrGuestRuntimeError, "%s", err.Error())
	}
	defer mod.Close(ctx)

	fn := mod.ExportedFunction(handler)
	if fn == nil {
		return 0, domain.NewRuntimeError(domain.ErrGuestRuntimeError, "handler %q not exported", handler)
	}

	results, err := fn.Call(ctx, args...)
	if err != nil {
		if ctx.Err() != nil {
			return 0, domain.NewRuntimeError(domain.ErrDeadlineExceeded, "invocation exceeded its deadline")
		}
		return 0, domain.NewRuntimeError(domain.ErrGuestRuntimeError, "%s", err.Error())
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0], nil
}

// Stop tears down the runtime and all compiled modules.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.runtime == nil {
		return nil
	}
	return a.runtime.Close(ctx)
}
