// Package sandbox implements the Worker Sandbox API: the parent-side
// façade that owns one child process and its IPC channels, forwarding
// resource limits to the child and shipping load and invoke requests
// across the boundary. Every payload travels inline in IPC frames; there
// is no shared-memory buffer.
//
// Each worker uses two channels, matching §4.5's "native-js-function-comms-fd"
// option: a main channel carrying init/load/invoke/result control frames,
// and a separate callback channel dedicated to native-function RpcWrapper
// traffic. Splitting them avoids a single reader racing a blocking
// Load/Invoke round trip against an interleaved callback arriving on the
// same connection while a handler call is in flight.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/romaexec/roma/internal/domain"
	"github.com/romaexec/roma/internal/ipc"
	"github.com/romaexec/roma/internal/metrics"
)

// State is a worker's position in the §4.8 per-worker state machine:
// Spawning → Ready → Busy ⇄ Ready → Draining → Dead.
type State int

const (
	StateSpawning State = iota
	StateReady
	StateBusy
	StateDraining
	StateDead
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDraining:
		return "draining"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Worker owns one child process and its two IPC channels. Load and Invoke
// are synchronous from the worker's perspective: only one is in flight at
// a time on the main channel, serialized by callMu, matching the child's
// single-threaded execution model. The callback channel is read
// exclusively by a nativefunc.Listener started by the caller of Run.
type Worker struct {
	ID   string
	opts Options
	log  *slog.Logger

	cmd               *exec.Cmd
	mainTransport     *ipc.Transport
	callbackTransport *ipc.Transport

	stateMu sync.RWMutex
	state   State

	callMu sync.Mutex
	loaded map[string]bool

	executablePath string
	executableArgs []string
}

// NewWorker constructs a Worker in Spawning state. executablePath/Args
// name the child entrypoint (cmd/romaworker) to fork/exec on Init.
func NewWorker(id string, opts Options, executablePath string, executableArgs []string, log *slog.Logger) *Worker {
	return &Worker{
		ID:             id,
		opts:           opts,
		log:            log,
		state:          StateSpawning,
		loaded:         make(map[string]bool),
		executablePath: executablePath,
		executableArgs: executableArgs,
	}
}

// State returns the worker's current state.
func (w *Worker) State() State {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.stateMu.Lock()
	w.state = s
	w.stateMu.Unlock()
}

// Init spawns the child process and establishes both IPC channels. The
// worker remains in Spawning until Run completes the handshake.
func (w *Worker) Init(ctx context.Context) error {
	mainParent, mainChild, err := ipc.NewSocketpair()
	if err != nil {
		return fmt.Errorf("sandbox: worker %s: main channel: %w", w.ID, err)
	}
	cbParent, cbChild, err := ipc.NewSocketpair()
	if err != nil {
		mainChild.Close()
		return fmt.Errorf("sandbox: worker %s: callback channel: %w", w.ID, err)
	}

	cmd := exec.CommandContext(ctx, w.executablePath, w.executableArgs...)
	// File descriptor 3 (first ExtraFiles entry) is the main channel,
	// descriptor 4 the callback channel; cmd/romaworker dials both by
	// fixed fd number on startup.
	cmd.ExtraFiles = []*os.File{mainChild, cbChild}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		mainChild.Close()
		cbChild.Close()
		return fmt.Errorf("sandbox: worker %s: start child: %w", w.ID, err)
	}
	mainChild.Close()
	cbChild.Close()

	w.cmd = cmd
	w.mainTransport = mainParent
	w.callbackTransport = cbParent
	metrics.Global().RecordWorkerSpawned()
	return nil
}

// Run hands the child its startup config over MsgInit on the main channel
// and blocks for the acknowledgement, then transitions the worker to Ready.
func (w *Worker) Run() error {
	start := time.Now()

	payload, err := json.Marshal(InitPayload{Options: w.opts})
	if err != nil {
		return fmt.Errorf("sandbox: worker %s: marshal init: %w", w.ID, err)
	}
	if err := w.mainTransport.Send(&ipc.Message{Type: ipc.MsgInit, Payload: payload}); err != nil {
		return w.crashed(fmt.Errorf("send init: %w", err))
	}

	msg, err := w.mainTransport.Recv()
	if err != nil {
		return w.crashed(fmt.Errorf("recv init ack: %w", err))
	}
	if msg.Type != ipc.MsgResult {
		return fmt.Errorf("sandbox: worker %s: unexpected init reply type %d", w.ID, msg.Type)
	}
	var result ResultPayload
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		return fmt.Errorf("sandbox: worker %s: unmarshal init reply: %w", w.ID, err)
	}
	if result.Err != nil {
		return fmt.Errorf("sandbox: worker %s: init failed: %s", w.ID, result.Err.Message)
	}

	metrics.RecordWorkerBootDuration(string(domain.EngineJS), time.Since(start).Milliseconds())
	w.setState(StateReady)
	return nil
}

// Load installs a CodeObject in the child's version cache. Admissible in
// Ready and Busy (§5's per-worker ordering: load acks precede any
// invocation dispatched against that version).
func (w *Worker) Load(codeObject domain.CodeObject) error {
	state := w.State()
	if state != StateReady && state != StateBusy {
		return domain.NewRuntimeError(domain.ErrShutdown, "worker %s is %s", w.ID, state)
	}

	w.callMu.Lock()
	defer w.callMu.Unlock()

	payload, err := json.Marshal(LoadPayload{CodeObject: codeObject})
	if err != nil {
		return fmt.Errorf("sandbox: worker %s: marshal load: %w", w.ID, err)
	}
	if err := w.mainTransport.Send(&ipc.Message{Type: ipc.MsgLoad, Payload: payload}); err != nil {
		return w.crashed(fmt.Errorf("send load: %w", err))
	}

	msg, err := w.mainTransport.Recv()
	if err != nil {
		return w.crashed(fmt.Errorf("recv load reply: %w", err))
	}
	var result ResultPayload
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		return fmt.Errorf("sandbox: worker %s: unmarshal load reply: %w", w.ID, err)
	}
	if result.Err != nil {
		return result.Err
	}

	w.stateMu.Lock()
	w.loaded[codeObject.VersionString] = true
	w.stateMu.Unlock()
	return nil
}

// HasLoaded reports whether versionString has been acknowledged loaded.
func (w *Worker) HasLoaded(versionString string) bool {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.loaded[versionString]
}

// Invoke ships one InvocationRequest on the main channel and blocks for
// its ResponseObject. Moves the worker to Busy for the duration of the
// call and back to Ready on return, per the §4.8 state machine. Any
// native-function callbacks the guest makes during this call arrive on
// the separate callback channel and do not interfere with this round trip.
func (w *Worker) Invoke(req domain.InvocationRequest) (*domain.ResponseObject, error) {
	if w.opts.RequirePreload && !w.HasLoaded(req.VersionString) {
		return nil, domain.NewRuntimeError(domain.ErrUnknownVersion, "version %q not loaded on worker %s", req.VersionString, w.ID)
	}

	w.setState(StateBusy)
	defer func() {
		if w.State() == StateBusy {
			w.setState(StateReady)
		}
	}()

	w.callMu.Lock()
	defer w.callMu.Unlock()

	payload, err := json.Marshal(InvokePayload{Request: req})
	if err != nil {
		return nil, fmt.Errorf("sandbox: worker %s: marshal invoke: %w", w.ID, err)
	}
	if err := w.mainTransport.Send(&ipc.Message{Type: ipc.MsgInvoke, Payload: payload}); err != nil {
		return nil, w.crashed(fmt.Errorf("send invoke: %w", err))
	}

	msg, err := w.mainTransport.Recv()
	if err != nil {
		return nil, w.crashed(fmt.Errorf("recv invoke reply: %w", err))
	}
	var result ResultPayload
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		return nil, fmt.Errorf("sandbox: worker %s: unmarshal invoke reply: %w", w.ID, err)
	}
	if result.Err != nil {
		return nil, result.Err
	}
	return result.Response, nil
}

// crashed marks the worker Dead and returns a worker-crash RuntimeError.
// Called whenever the IPC yields an unrecoverable error mid-call (§4.5).
func (w *Worker) crashed(cause error) error {
	w.setState(StateDead)
	metrics.Global().RecordWorkerCrashed()
	w.log.Warn("sandbox: worker crashed", "worker", w.ID, "cause", cause)
	return domain.NewRuntimeError(domain.ErrWorkerCrash, "%s", cause.Error())
}

// Stop sends a shutdown frame on the main channel, waits up to timeout for
// the child to exit, and SIGKILLs it on timeout. Transitions the worker
// through Draining to Dead.
func (w *Worker) Stop(timeout time.Duration) error {
	w.setState(StateDraining)
	defer func() {
		w.setState(StateDead)
		metrics.Global().RecordWorkerStopped()
	}()

	if w.mainTransport != nil && !w.mainTransport.Broken() {
		_ = w.mainTransport.Send(&ipc.Message{Type: ipc.MsgShutdown})
	}

	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()

	select {
	case err := <-done:
		w.closeTransports()
		return err
	case <-time.After(timeout):
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
		<-done
		w.closeTransports()
		return fmt.Errorf("sandbox: worker %s: force-killed after %s", w.ID, timeout)
	}
}

func (w *Worker) closeTransports() {
	if w.mainTransport != nil {
		_ = w.mainTransport.Close()
	}
	if w.callbackTransport != nil {
		_ = w.callbackTransport.Close()
	}
}

// CallbackTransport exposes the dedicated callback channel for the
// parent's native-function listener pool to run its own recv loop against.
func (w *Worker) CallbackTransport() *ipc.Transport {
	return w.callbackTransport
}
