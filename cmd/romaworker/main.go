// Command romaworker is the child-side Worker Sandbox process: it is
// fork/exec'd by internal/sandbox.Worker.Init with two inherited file
// descriptors (3 = main control channel, 4 = native-function callback
// channel), installs the requested engine adapter, and serves Load/Invoke
// requests until told to shut down.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/romaexec/roma/internal/domain"
	"github.com/romaexec/roma/internal/ipc"
	"github.com/romaexec/roma/internal/jsengine"
	"github.com/romaexec/roma/internal/jsengine/wasmengine"
	"github.com/romaexec/roma/internal/logging"
	"github.com/romaexec/roma/internal/observability"
	"github.com/romaexec/roma/internal/sandbox"
)

const (
	mainChannelFD     = 3
	callbackChannelFD = 4
)

func main() {
	// The parent collects this process's stderr as a JSON stream rather
	// than a tty, so the child always logs structured regardless of the
	// daemon's own configured format.
	logging.InitStructured("json", "info")
	log := logging.Op()

	main_, err := ipc.NewFromFD(mainChannelFD, "roma-main")
	if err != nil {
		log.Error("romaworker: dial main channel", "err", err)
		os.Exit(1)
	}
	callback, err := ipc.NewFromFD(callbackChannelFD, "roma-callback")
	if err != nil {
		log.Error("romaworker: dial callback channel", "err", err)
		os.Exit(1)
	}

	w := &worker{main: main_, callback: callback, log: log, wasmAdapters: make(map[string]*wasmengine.Adapter)}
	w.serve()
}

// worker holds the child's per-process state: one JS adapter shared across
// all loaded JS versions, and one WASM adapter per loaded WASM version
// (wazero compiles modules per-runtime so a version switch does not
// require tearing down unrelated state).
type worker struct {
	main     *ipc.Transport
	callback *ipc.Transport
	log      *slog.Logger

	opts sandbox.Options
	js   *jsengine.Adapter

	wasmAdapters map[string]*wasmengine.Adapter
	versionKind  map[string]domain.Engine
}

func (w *worker) serve() {
	for {
		msg, err := w.main.Recv()
		if err != nil {
			w.log.Info("romaworker: main channel closed, exiting", "err", err)
			return
		}
		switch msg.Type {
		case ipc.MsgInit:
			w.handleInit(msg)
		case ipc.MsgLoad:
			w.handleLoad(msg)
		case ipc.MsgInvoke:
			w.handleInvoke(msg)
		case ipc.MsgShutdown:
			w.log.Info("romaworker: shutdown requested")
			return
		default:
			w.log.Warn("romaworker: unexpected message type", "type", msg.Type)
		}
	}
}

func (w *worker) handleInit(msg *ipc.Message) {
	var init sandbox.InitPayload
	result := sandbox.ResultPayload{}
	if err := json.Unmarshal(msg.Payload, &init); err != nil {
		result.Err = domain.NewRuntimeError(domain.ErrWorkerCrash, "malformed init payload: %s", err)
		w.reply(result)
		return
	}

	w.opts = init.Options
	w.versionKind = make(map[string]domain.Engine)
	if err := sandbox.ApplyVirtualMemoryLimit(init.Options.MaxVirtualMemoryMB); err != nil {
		w.log.Warn("romaworker: set RLIMIT_AS", "err", err)
	}
	jsengine.OneTimeSetup()
	w.js = jsengine.NewAdapter(w, jsengine.HeapLimits{
		InitialHeapMB: init.Options.EngineInitialHeapMB,
		MaximumHeapMB: init.Options.EngineMaximumHeapMB,
	})
	if err := w.js.Run(init.Options.NativeJSFunctionNames); err != nil {
		result.Err = domain.NewRuntimeError(domain.ErrWorkerCrash, "js adapter init: %s", err)
		w.reply(result)
		return
	}

	result.Ack = "ready"
	w.reply(result)
}

func (w *worker) handleLoad(msg *ipc.Message) {
	var load sandbox.LoadPayload
	result := sandbox.ResultPayload{}
	if err := json.Unmarshal(msg.Payload, &load); err != nil {
		result.Err = domain.NewRuntimeError(domain.ErrWorkerCrash, "malformed load payload: %s", err)
		w.reply(result)
		return
	}

	co := load.CodeObject
	w.versionKind[co.VersionString] = co.Engine()

	switch co.Engine() {
	case domain.EngineWasm:
		adapter := wasmengine.NewAdapter(wasmengine.Limits{MaxPages: w.opts.MaxWasmPages})
		ctx := context.Background()
		if err := adapter.Run(ctx); err != nil {
			result.Err = domain.NewRuntimeError(domain.ErrWorkerCrash, "wasm adapter init: %s", err)
			w.reply(result)
			return
		}
		if rtErr := adapter.LoadVersion(ctx, co.VersionString, co.ByteCode); rtErr != nil {
			result.Err = rtErr
			w.reply(result)
			return
		}
		w.wasmAdapters[co.VersionString] = adapter
	default:
		if rtErr := w.js.LoadVersion(co.VersionString, co.Source); rtErr != nil {
			result.Err = rtErr
			w.reply(result)
			return
		}
	}

	result.Ack = co.VersionString
	w.reply(result)
}

func (w *worker) handleInvoke(msg *ipc.Message) {
	var invoke sandbox.InvokePayload
	result := sandbox.ResultPayload{}
	if err := json.Unmarshal(msg.Payload, &invoke); err != nil {
		result.Err = domain.NewRuntimeError(domain.ErrWorkerCrash, "malformed invoke payload: %s", err)
		w.reply(result)
		return
	}
	req := invoke.Request

	// The worker process carries no otel SDK of its own; the dispatcher's
	// span is reconstituted here only far enough to log under the same
	// trace/span id it recorded for this invocation (spec.md's IPC frames
	// are the only channel a worker has back to that context).
	traceCtx := observability.InjectTraceContext(context.Background(), req.TraceContext)
	reqLog := logging.OpWithTrace(observability.GetTraceID(traceCtx), observability.GetSpanID(traceCtx)).With("request_uuid", req.UUID)

	switch w.versionKind[req.VersionString] {
	case domain.EngineWasm:
		result.Response = w.invokeWasm(req)
	default:
		result.Response = w.invokeJS(req)
	}
	if result.Response != nil && result.Response.Err != nil {
		reqLog.Warn("romaworker: invocation failed", "kind", result.Response.Err.Kind)
	}
	w.reply(result)
}

// invokeJS arms a deadline watchdog that interrupts the isolate if the
// handler has not returned by req.Deadline, then runs it synchronously.
//
// goja's interrupt flag set by Stop is sticky: left alone, the isolate
// would refuse every later RunProgram with the same deadline-exceeded
// error. A deadline or OOM outcome isn't a process crash (the dispatcher
// keeps routing requests to this same worker, §4.6), so the isolate has to
// be made usable again in place. Rebuild discards it and recompiles every
// loaded version into a fresh one, which both clears the interrupt and
// gives an OOM isolate a clean heap.
func (w *worker) invokeJS(req domain.InvocationRequest) *domain.ResponseObject {
	done := make(chan struct{})
	defer close(done)
	go func() {
		remaining := req.TimeRemaining(time.Now())
		select {
		case <-time.After(remaining):
			w.js.Stop()
		case <-done:
		}
	}()

	result, stats, rtErr := w.js.Invoke(req.RequestID, req.UUID, req.VersionString, req.Handler, req.Args)
	if rtErr != nil {
		if rtErr.Kind == domain.ErrDeadlineExceeded || rtErr.Kind == domain.ErrGuestOOM {
			if err := w.js.Rebuild(w.opts.NativeJSFunctionNames); err != nil {
				w.log.Error("romaworker: rebuild js isolate after recoverable fault", "err", err)
			}
		}
		return &domain.ResponseObject{RequestID: req.RequestID, UUID: req.UUID, Stats: stats, Err: rtErr}
	}
	return &domain.ResponseObject{RequestID: req.RequestID, UUID: req.UUID, Result: result, Stats: stats}
}

func (w *worker) invokeWasm(req domain.InvocationRequest) *domain.ResponseObject {
	adapter, ok := w.wasmAdapters[req.VersionString]
	if !ok {
		return &domain.ResponseObject{
			RequestID: req.RequestID, UUID: req.UUID,
			Err: domain.NewRuntimeError(domain.ErrUnknownVersion, "version %q not loaded", req.VersionString),
		}
	}

	ctx, cancel := context.WithDeadline(context.Background(), req.Deadline)
	defer cancel()

	args := make([]uint64, 0, len(req.Args))
	for _, a := range req.Args {
		args = append(args, numericArg(a))
	}

	start := time.Now()
	res, rtErr := adapter.Invoke(ctx, req.VersionString, req.Handler, args)
	stats := domain.ExecutionStats{WallTimeMs: time.Since(start).Milliseconds()}
	if rtErr != nil {
		return &domain.ResponseObject{RequestID: req.RequestID, UUID: req.UUID, Stats: stats, Err: rtErr}
	}
	return &domain.ResponseObject{RequestID: req.RequestID, UUID: req.UUID, Result: fmt.Sprintf("%d", res), Stats: stats}
}

// numericArg narrows a tagged-union Arg to the WASM adapter's numeric
// calling convention; non-numeric shapes are sent as 0, matching the
// documented scope limitation in jsengine/wasmengine.
func numericArg(a domain.Arg) uint64 {
	if a.Str == nil {
		return 0
	}
	var n uint64
	fmt.Sscanf(*a.Str, "%d", &n)
	return n
}

func (w *worker) reply(result sandbox.ResultPayload) {
	payload, err := json.Marshal(result)
	if err != nil {
		w.log.Error("romaworker: marshal reply", "err", err)
		return
	}
	if err := w.main.Send(&ipc.Message{Type: ipc.MsgResult, Payload: payload}); err != nil {
		w.log.Warn("romaworker: send reply failed, parent likely gone", "err", err)
	}
}

// Callback implements jsengine.Caller: it sends an RpcWrapper to the
// parent over the dedicated callback channel and blocks for the reply,
// which the parent's nativefunc.Listener guarantees arrives in request
// order for this worker.
func (w *worker) Callback(functionName string, io domain.IOProto, requestID, requestUUID string) (domain.IOProto, error) {
	wrapper := &domain.RpcWrapper{
		FunctionName: functionName,
		RequestID:    requestID,
		RequestUUID:  requestUUID,
		IOProto:      io,
	}
	msg, err := ipc.EncodeRPC(wrapper)
	if err != nil {
		return domain.IOProto{}, err
	}
	if err := w.callback.Send(msg); err != nil {
		return domain.IOProto{}, err
	}

	reply, err := w.callback.Recv()
	if err != nil {
		return domain.IOProto{}, err
	}
	replyWrapper, err := ipc.DecodeRPC(reply)
	if err != nil {
		return domain.IOProto{}, err
	}
	if replyWrapper.Failed() {
		return domain.IOProto{}, fmt.Errorf("%s", replyWrapper.Errors[0])
	}
	return replyWrapper.IOProto, nil
}

// ConsoleLog implements jsengine.Caller. Every RPC on the callback channel
// gets exactly one reply from the parent's nativefunc.Listener, so this
// still awaits and discards that reply — skipping it would leave a stray
// frame on the wire for the next Callback call to wrongly consume. Any
// failure is swallowed: console output must never fail the data path (§7).
func (w *worker) ConsoleLog(level, line, requestID, requestUUID string) {
	wrapper := &domain.RpcWrapper{
		FunctionName: "console." + level,
		RequestID:    requestID,
		RequestUUID:  requestUUID,
		IOProto:      domain.IOProto{InputString: &line},
	}
	msg, err := ipc.EncodeRPC(wrapper)
	if err != nil {
		return
	}
	if err := w.callback.Send(msg); err != nil {
		return
	}
	_, _ = w.callback.Recv()
}
