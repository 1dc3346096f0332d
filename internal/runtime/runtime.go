// Package runtime implements the host library API named in spec.md §6:
// Create/LoadCodeObj/Execute/Stop. It is the seam that turns the
// previously-global engine setup, server token, and private logger into
// an explicit, opaque Runtime value (spec.md §9's resolution of the
// "global mutable state" design note) by wiring internal/dispatcher,
// internal/nativefunc, internal/metadatastore, internal/logsink, and
// internal/observability together behind one constructor.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/romaexec/roma/internal/dispatcher"
	"github.com/romaexec/roma/internal/domain"
	"github.com/romaexec/roma/internal/keycache"
	"github.com/romaexec/roma/internal/logsink"
	"github.com/romaexec/roma/internal/metadatastore"
	"github.com/romaexec/roma/internal/nativefunc"
	"github.com/romaexec/roma/internal/observability"
	"github.com/romaexec/roma/internal/pkg/crypto"
	"github.com/romaexec/roma/internal/sandbox"
)

// Config is the Create(...) parameter named in spec.md §6.
type Config struct {
	NumberOfWorkers    int
	MaxPendingRequests int

	WorkerVirtualMemoryMB int
	EngineInitialHeapMB   int
	EngineMaximumHeapMB   int
	EngineMaxWasmPages    int

	SharedBufferMB   int
	SharedBufferOnly bool

	FunctionBindings map[string]nativefunc.Handler
	ServerAddress    string

	// ConsentToken, when non-empty, is the server-side value a request's
	// Metadata["consent_token"] must match for its invocation to be logged.
	ConsentToken string

	WorkerExecutable string
	WorkerArgs       []string

	Tracing observability.Config
	Logger  *slog.Logger

	// LogSink receives consented invocation records; defaults to a
	// StructuredSink over Logger if nil.
	LogSink logsink.Sink

	// ClusterGauge, when set, is passed straight through to the
	// Dispatcher so this process's pending-request count is visible to
	// every other process sharing the same gauge. Admission still checks
	// only this process's MaxPendingRequests; the fleet total is available
	// through the Dispatcher's FleetPendingRequests. Nil disables publishing.
	ClusterGauge *dispatcher.ClusterGauge

	// KeyCache resolves the private key named by a CodeObject's KeyID so
	// LoadCodeObj can decrypt its Source/ByteCode before dispatch. Nil
	// means encrypted CodeObjects are rejected outright.
	KeyCache *keycache.Cache
}

// Runtime is the opaque value Create returns: everything downstream
// (LoadCodeObj, Execute, Stop) is a method on it, replacing the global
// mutable state the teacher's engine setup, server token, and private
// logger previously lived in.
type Runtime struct {
	d        *dispatcher.Dispatcher
	consent  *logsink.ConsentGate
	log      *slog.Logger
	tracing  bool
	keyCache *keycache.Cache
}

// Create spawns the worker pool, wires the native-function table and
// metadata store, starts tracing if configured, and returns a ready
// Runtime. number_of_workers must be > 0.
func Create(ctx context.Context, cfg Config) (*Runtime, error) {
	if cfg.NumberOfWorkers <= 0 {
		return nil, fmt.Errorf("runtime: number_of_workers must be > 0")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	if err := observability.Init(ctx, cfg.Tracing); err != nil {
		return nil, fmt.Errorf("runtime: init tracing: %w", err)
	}

	table := nativefunc.NewTable(cfg.FunctionBindings)
	store := metadatastore.New()

	names := make([]string, 0, len(cfg.FunctionBindings))
	for name := range cfg.FunctionBindings {
		names = append(names, name)
	}

	d, err := dispatcher.New(dispatcher.Config{
		NumberOfWorkers:    cfg.NumberOfWorkers,
		MaxPendingRequests: cfg.MaxPendingRequests,
		WorkerExecutable:   cfg.WorkerExecutable,
		WorkerArgs:         cfg.WorkerArgs,
		WorkerOptions: sandbox.Options{
			RequirePreload:        true,
			NativeJSFunctionNames: names,
			ServerAddress:         cfg.ServerAddress,
			MaxVirtualMemoryMB:    cfg.WorkerVirtualMemoryMB,
			EngineInitialHeapMB:   cfg.EngineInitialHeapMB,
			EngineMaximumHeapMB:   cfg.EngineMaximumHeapMB,
			MaxWasmPages:          uint32(cfg.EngineMaxWasmPages),
			SharedBufferMB:        cfg.SharedBufferMB,
			SharedBufferOnly:      cfg.SharedBufferOnly,
		},
		Table:        table,
		Store:        store,
		Logger:       log,
		ClusterGauge: cfg.ClusterGauge,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: start dispatcher: %w", err)
	}

	sink := cfg.LogSink
	if sink == nil {
		sink = logsink.NewStructuredSink(log)
	}

	return &Runtime{
		d:        d,
		consent:  logsink.NewConsentGate(cfg.ConsentToken, sink),
		log:      log,
		tracing:  cfg.Tracing.Enabled,
		keyCache: cfg.KeyCache,
	}, nil
}

// LoadCodeObj installs code on every worker. If code carries a KeyID, it is
// first decrypted in-process (the private key never crosses into a
// worker) using the key resolved from the configured KeyCache; onComplete
// fires once every worker has acknowledged the (decrypted) CodeObject, or
// one has failed.
func (r *Runtime) LoadCodeObj(ctx context.Context, code domain.CodeObject, onComplete func(error)) error {
	if code.Encrypted() {
		decrypted, err := r.decrypt(ctx, code)
		if err != nil {
			return fmt.Errorf("runtime: decrypt code object %q: %w", code.ID, err)
		}
		code = decrypted
	}
	return r.d.LoadCodeObj(ctx, code, onComplete)
}

// decrypt resolves code.KeyID through the configured KeyCache and decrypts
// whichever of Source/ByteCode is populated, returning a plaintext copy.
func (r *Runtime) decrypt(ctx context.Context, code domain.CodeObject) (domain.CodeObject, error) {
	if r.keyCache == nil {
		return domain.CodeObject{}, fmt.Errorf("runtime: code object %q is encrypted but no key cache is configured", code.ID)
	}
	key, err := r.keyCache.Get(ctx, code.KeyID)
	if err != nil {
		return domain.CodeObject{}, fmt.Errorf("runtime: resolve key %q: %w", code.KeyID, err)
	}

	if len(code.ByteCode) > 0 {
		plain, err := crypto.DecryptAESGCM(key.Material, code.ByteCode)
		if err != nil {
			return domain.CodeObject{}, fmt.Errorf("runtime: decrypt byte code: %w", err)
		}
		code.ByteCode = plain
	} else if code.Source != "" {
		plain, err := crypto.DecryptAESGCM(key.Material, []byte(code.Source))
		if err != nil {
			return domain.CodeObject{}, fmt.Errorf("runtime: decrypt source: %w", err)
		}
		code.Source = string(plain)
	}
	code.KeyID = ""
	return code, nil
}

// Execute submits one invocation. onComplete fires exactly once with the
// result or a *domain.RuntimeError. A consented-logging record is
// emitted first if req.Metadata["consent_token"] matches the configured
// server token.
func (r *Runtime) Execute(ctx context.Context, req domain.InvocationRequest, onComplete func(*domain.ResponseObject, error)) error {
	start := time.Now()
	token := req.Metadata["consent_token"]

	return r.d.Invoke(ctx, req, func(resp *domain.ResponseObject, err error) {
		rec := logsink.FromResponse(req, resp, time.Since(start))
		if err != nil {
			rec.Success = false
			rec.ErrorKind = string(domain.AsRuntimeError(err).Kind)
			rec.ErrorMessage = err.Error()
		}
		if logErr := r.consent.LogIfConsented(context.Background(), token, rec); logErr != nil {
			r.log.Warn("runtime: consented log emit failed", "err", logErr)
		}
		onComplete(resp, err)
	})
}

// Stop tears down every worker and releases the log sink and tracer.
func (r *Runtime) Stop(timeout time.Duration) {
	r.d.Stop(timeout)
	if err := r.consent.Close(); err != nil {
		r.log.Warn("runtime: log sink close failed", "err", err)
	}
	if r.tracing {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.Shutdown(ctx); err != nil {
			r.log.Warn("runtime: tracer shutdown failed", "err", err)
		}
	}
}

// PendingRequests reports in-flight plus queued invocations across all
// workers, mirroring Dispatcher.PendingRequests for host callers that
// want load-shedding visibility without reaching into internal/dispatcher.
func (r *Runtime) PendingRequests() int64 {
	return r.d.PendingRequests()
}

// FleetPendingRequests reports PendingRequests plus every other process's
// latest published count when a ClusterGauge is configured, or just
// PendingRequests otherwise.
func (r *Runtime) FleetPendingRequests() int64 {
	return r.d.FleetPendingRequests()
}
