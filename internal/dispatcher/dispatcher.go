// Package dispatcher implements the parent-side Dispatcher (spec.md §4.8):
// it owns a fixed pool of sandbox.Worker processes, admits load/invoke
// requests under a bounded pending-request budget, schedules them across
// workers, and replaces a worker in the background when it crashes.
//
// Grounded directly on the teacher's functionPool (internal/pool/pool.go):
// a fixed-size slice of resources, one consumer goroutine per resource,
// atomic admission counters, and a readySet of idle members consulted
// before falling back to the shortest local queue.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/romaexec/roma/internal/circuitbreaker"
	"github.com/romaexec/roma/internal/domain"
	"github.com/romaexec/roma/internal/logging"
	"github.com/romaexec/roma/internal/metadatastore"
	"github.com/romaexec/roma/internal/metrics"
	"github.com/romaexec/roma/internal/nativefunc"
	"github.com/romaexec/roma/internal/observability"
	"github.com/romaexec/roma/internal/sandbox"
)

// Config configures a Dispatcher's fixed worker pool.
type Config struct {
	// NumberOfWorkers is the fixed size of the worker pool; must be > 0.
	NumberOfWorkers int

	// MaxPendingRequests bounds in-flight+queued invocations (spec.md §3
	// invariant (c)). Defaults to 4x NumberOfWorkers when unset.
	MaxPendingRequests int

	// WorkerExecutable/WorkerArgs name the child entrypoint (cmd/romaworker).
	WorkerExecutable string
	WorkerArgs       []string

	// WorkerOptions is handed to every spawned sandbox.Worker.
	WorkerOptions sandbox.Options

	// Table is the immutable native-function table shared by every
	// worker's listener.
	Table *nativefunc.Table

	// Store is the metadata store; the Dispatcher inserts an entry at
	// dispatch time and removes it once the response is delivered,
	// maintaining invariant (a).
	Store *metadatastore.Store

	Logger *slog.Logger

	// ClusterGauge is an optional cross-process pending-request view
	// (see clustergauge.go). When set, Invoke publishes this process's
	// updated pending count after every admission so other Dispatcher
	// processes can see it. Admission itself checks only this process's
	// MaxPendingRequests, with or without a gauge; FleetPendingRequests
	// reports the fleet-wide total. nil disables publishing.
	ClusterGauge *ClusterGauge
}

// CompletionFunc receives the outcome of one Invoke call. It runs on the
// owning worker's consumer goroutine and must not block indefinitely
// (documented contract, spec.md §4.8).
type CompletionFunc func(*domain.ResponseObject, error)

// job is one unit of work queued to a worker's consumer goroutine. A zero
// job (both load and invoke nil) is the poison pill used by Stop.
type job struct {
	ctx      context.Context
	load     *domain.CodeObject
	onLoad   func(error)
	invoke   *domain.InvocationRequest
	onInvoke CompletionFunc
}

// workerHandle is the subset of *sandbox.Worker the Dispatcher drives.
// Narrowing to an interface lets tests exercise scheduling, admission,
// and crash-replacement logic against a fake worker without forking a
// real child process.
type workerHandle interface {
	State() sandbox.State
	Load(domain.CodeObject) error
	Invoke(domain.InvocationRequest) (*domain.ResponseObject, error)
	Stop(time.Duration) error
}

// slot owns one worker's lifecycle: its current sandbox.Worker/Listener
// pair (swapped wholesale on crash replacement), its FIFO job queue, a
// queue-length counter used by the least-busy scheduling policy, and a
// circuit breaker that backs off replacement attempts for a worker that
// keeps crashing immediately after respawn.
type slot struct {
	idx int

	mu       sync.Mutex
	worker   workerHandle
	listener *nativefunc.Listener

	queue    chan job
	queueLen atomic.Int64
	breaker  *circuitbreaker.Breaker
}

// Dispatcher queues load/execute requests across a fixed pool of isolated
// worker processes, round-robining load requests to every worker and
// picking the least-busy worker for invocations (spec.md §4.8).
type Dispatcher struct {
	cfg   Config
	slots []*slot

	pending atomic.Int64

	loadedMu sync.Mutex
	loaded   []domain.CodeObject // replayed onto replacement workers, in load order

	stopping atomic.Bool
	wg       sync.WaitGroup
}

// New spawns cfg.NumberOfWorkers workers in parallel (grounded on the
// teacher's errgroup-based parallel VM bring-up) and starts one consumer
// goroutine per worker. Returns an error if any worker fails to come up;
// already-spawned workers are stopped before returning.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.NumberOfWorkers <= 0 {
		return nil, fmt.Errorf("dispatcher: number_of_workers must be > 0")
	}
	if cfg.MaxPendingRequests <= 0 {
		cfg.MaxPendingRequests = cfg.NumberOfWorkers * 4
	}
	if cfg.Table == nil {
		cfg.Table = nativefunc.NewTable(nil)
	}
	if cfg.Store == nil {
		cfg.Store = metadatastore.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Op()
	}

	d := &Dispatcher{cfg: cfg}
	d.slots = make([]*slot, cfg.NumberOfWorkers)
	for i := range d.slots {
		d.slots[i] = &slot{
			idx:   i,
			queue: make(chan job, cfg.MaxPendingRequests),
			breaker: circuitbreaker.New(circuitbreaker.Config{
				ErrorPct:       50,
				WindowDuration: 30 * time.Second,
				OpenDuration:   10 * time.Second,
				HalfOpenProbes: 1,
			}),
		}
	}

	g, gctx := errgroup.WithContext(context.Background())
	for _, s := range d.slots {
		s := s
		g.Go(func() error { return d.bringUp(gctx, s) })
	}
	if err := g.Wait(); err != nil {
		for _, s := range d.slots {
			s.mu.Lock()
			w := s.worker
			s.mu.Unlock()
			if w != nil {
				_ = w.Stop(5 * time.Second)
			}
		}
		return nil, err
	}

	for _, s := range d.slots {
		d.wg.Add(1)
		go d.consume(s)
	}
	metrics.SetActiveWorkers(len(d.slots))
	return d, nil
}

func (d *Dispatcher) bringUp(ctx context.Context, s *slot) error {
	id := fmt.Sprintf("worker-%d", s.idx)
	w := sandbox.NewWorker(id, d.cfg.WorkerOptions, d.cfg.WorkerExecutable, d.cfg.WorkerArgs, d.cfg.Logger)
	if err := w.Init(ctx); err != nil {
		return fmt.Errorf("dispatcher: spawn %s: %w", id, err)
	}
	if err := w.Run(); err != nil {
		return fmt.Errorf("dispatcher: bring up %s: %w", id, err)
	}
	l := nativefunc.NewListener(id, w.CallbackTransport(), d.cfg.Table, d.cfg.Store, d.cfg.Logger)
	go l.Run()

	s.mu.Lock()
	s.worker = w
	s.listener = l
	s.mu.Unlock()
	return nil
}

// LoadCodeObj installs code on every worker (spec.md §4.8: "every worker
// must learn every code version"), delivered one worker at a time via
// each worker's own FIFO queue so a Load never jumps ahead of an
// in-flight Invoke on that worker. onComplete fires once after every
// worker has acknowledged (or the first error encountered).
func (d *Dispatcher) LoadCodeObj(ctx context.Context, code domain.CodeObject, onComplete func(error)) error {
	if d.stopping.Load() {
		return domain.NewRuntimeError(domain.ErrShutdown, "dispatcher is stopping")
	}

	d.loadedMu.Lock()
	d.loaded = append(d.loaded, code)
	d.loadedMu.Unlock()

	remaining := len(d.slots)
	if remaining == 0 {
		if onComplete != nil {
			onComplete(nil)
		}
		return nil
	}

	var (
		mu       sync.Mutex
		firstErr error
		left     = remaining
	)
	done := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		left--
		if left == 0 && onComplete != nil {
			onComplete(firstErr)
		}
	}

	co := code
	for _, s := range d.slots {
		s.queue <- job{ctx: ctx, load: &co, onLoad: done}
	}
	return nil
}

// Invoke admits one InvocationRequest per the §3 pending-budget invariant,
// picks a worker, and enqueues the request. Returns immediately; the
// outcome is delivered to onComplete on the chosen worker's consumer
// goroutine. A non-nil error means the request was rejected and
// onComplete will never be called.
func (d *Dispatcher) Invoke(ctx context.Context, req domain.InvocationRequest, onComplete CompletionFunc) error {
	if d.stopping.Load() {
		return domain.NewRuntimeError(domain.ErrShutdown, "dispatcher is stopping")
	}

	for {
		cur := d.pending.Load()
		if cur >= int64(d.cfg.MaxPendingRequests) {
			metrics.RecordAdmissionResult(req.VersionString, "rejected", "queue-full")
			return domain.NewRuntimeError(domain.ErrQueueFull, "max_pending_requests (%d) reached", d.cfg.MaxPendingRequests)
		}
		if d.pending.CompareAndSwap(cur, cur+1) {
			break
		}
	}
	metrics.IncActiveRequests()

	s := d.pickWorker()
	if s == nil {
		d.pending.Add(-1)
		metrics.DecActiveRequests()
		metrics.RecordAdmissionResult(req.VersionString, "rejected", "no-workers")
		return domain.NewRuntimeError(domain.ErrShutdown, "no workers available")
	}

	entry := &domain.MetadataEntry{RequestUUID: req.UUID, Values: req.Metadata}
	if req.Metadata != nil {
		entry.ConsentToken = req.Metadata["consent_token"]
	}
	d.cfg.Store.Insert(req.UUID, entry)

	metrics.RecordAdmissionResult(req.VersionString, "accepted", "")
	s.queueLen.Add(1)
	metrics.SetQueueDepth(fmt.Sprintf("worker-%d", s.idx), int(s.queueLen.Load()))

	if d.cfg.ClusterGauge != nil {
		if err := d.cfg.ClusterGauge.Publish(ctx, d.pending.Load()); err != nil {
			d.cfg.Logger.Warn("dispatcher: cluster gauge publish failed", "err", err)
		}
	}

	r := req
	s.queue <- job{ctx: ctx, invoke: &r, onInvoke: onComplete}
	return nil
}

// pickWorker implements the §4.8 scheduling policy: any idle (Ready,
// empty-queue) worker wins outright; otherwise the live worker with the
// shortest local queue is chosen, ties broken by lowest worker index
// (guaranteed by iterating slots in index order with a strict <).
func (d *Dispatcher) pickWorker() *slot {
	var best *slot
	bestLen := int64(-1)
	for _, s := range d.slots {
		s.mu.Lock()
		w := s.worker
		s.mu.Unlock()
		if w == nil {
			continue
		}
		switch w.State() {
		case sandbox.StateDead, sandbox.StateDraining, sandbox.StateSpawning:
			continue
		}
		ql := s.queueLen.Load()
		if w.State() == sandbox.StateReady && ql == 0 {
			return s
		}
		if bestLen == -1 || ql < bestLen {
			bestLen = ql
			best = s
		}
	}
	return best
}

// consume runs a worker's serial FIFO processing loop: one job at a time,
// matching the worker's own single-threaded execution model.
func (d *Dispatcher) consume(s *slot) {
	defer d.wg.Done()
	for j := range s.queue {
		if j.load == nil && j.invoke == nil {
			return // poison pill from Stop
		}
		if j.invoke != nil {
			s.queueLen.Add(-1)
			metrics.SetQueueDepth(fmt.Sprintf("worker-%d", s.idx), int(s.queueLen.Load()))
		}
		d.process(s, j)
	}
}

func (d *Dispatcher) process(s *slot, j job) {
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()

	switch {
	case j.load != nil:
		err := w.Load(*j.load)
		if isCrash(err) && !d.stopping.Load() {
			d.handleCrash(s)
		}
		if j.onLoad != nil {
			j.onLoad(err)
		}

	case j.invoke != nil:
		ctx := j.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		spanCtx, span := observability.StartSpan(ctx, "dispatcher.invoke",
			observability.AttrHandler.String(j.invoke.Handler),
			observability.AttrVersion.String(j.invoke.VersionString),
			observability.AttrRequestUUID.String(j.invoke.UUID),
			observability.AttrWorkerID.String(fmt.Sprintf("worker-%d", s.idx)),
		)
		j.invoke.TraceContext = observability.ExtractTraceContext(spanCtx)

		start := time.Now()
		resp, err := w.Invoke(*j.invoke)
		if err != nil {
			observability.SetSpanError(span, err)
		} else {
			observability.SetSpanOK(span)
		}
		span.End()
		metrics.RecordIPCLatency("invoke", float64(time.Since(start).Milliseconds()))

		d.cfg.Store.Remove(j.invoke.UUID)
		d.pending.Add(-1)
		metrics.DecActiveRequests()

		if isCrash(err) && !d.stopping.Load() {
			d.handleCrash(s)
		}
		if j.onInvoke != nil {
			j.onInvoke(resp, err)
		}
	}
}

// handleCrash drains the slot's already-queued work with worker-crash
// (the §8 boundary behavior: an in-flight and a queued request both fail
// on worker death) and kicks off replacement in the background.
func (d *Dispatcher) handleCrash(s *slot) {
	d.drainCrashed(s)
	if s.breaker != nil {
		s.breaker.RecordFailure()
		metrics.SetCircuitBreakerState(fmt.Sprintf("worker-%d", s.idx), int(s.breaker.State()))
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.respawn(s); err != nil {
			d.cfg.Logger.Error("dispatcher: worker replacement failed", "worker", s.idx, "err", err)
		}
	}()
}

// drainCrashed fails every job already buffered in s.queue at the moment
// of the crash with worker-crash, without blocking for new arrivals.
func (d *Dispatcher) drainCrashed(s *slot) {
	for {
		select {
		case j := <-s.queue:
			if j.load == nil && j.invoke == nil {
				return
			}
			d.failJob(j)
		default:
			return
		}
	}
}

func (d *Dispatcher) failJob(j job) {
	cause := domain.NewRuntimeError(domain.ErrWorkerCrash, "worker crashed before request could be served")
	switch {
	case j.load != nil:
		if j.onLoad != nil {
			j.onLoad(cause)
		}
	case j.invoke != nil:
		d.cfg.Store.Remove(j.invoke.UUID)
		d.pending.Add(-1)
		metrics.DecActiveRequests()
		if j.onInvoke != nil {
			j.onInvoke(nil, cause)
		}
	}
}

// respawn replaces a dead worker's sandbox.Worker/Listener, replaying
// every previously loaded CodeObject before the slot serves invocations
// again, retrying with exponential backoff (cenkalti/backoff) so a
// transiently unavailable OS resource doesn't waste the first attempt.
// The per-slot circuit breaker is consulted so a worker that crashes
// immediately after every respawn does not spin the parent in a tight loop.
func (d *Dispatcher) respawn(s *slot) error {
	if s.breaker != nil && !s.breaker.Allow() {
		return fmt.Errorf("dispatcher: worker %d breaker open, deferring replacement", s.idx)
	}

	op := func() error {
		id := fmt.Sprintf("worker-%d", s.idx)
		w := sandbox.NewWorker(id, d.cfg.WorkerOptions, d.cfg.WorkerExecutable, d.cfg.WorkerArgs, d.cfg.Logger)
		if err := w.Init(context.Background()); err != nil {
			return err
		}
		if err := w.Run(); err != nil {
			return err
		}
		l := nativefunc.NewListener(id, w.CallbackTransport(), d.cfg.Table, d.cfg.Store, d.cfg.Logger)
		go l.Run()

		d.loadedMu.Lock()
		loaded := append([]domain.CodeObject(nil), d.loaded...)
		d.loadedMu.Unlock()
		for _, co := range loaded {
			if err := w.Load(co); err != nil {
				l.Stop()
				_ = w.Stop(5 * time.Second)
				return err
			}
		}

		s.mu.Lock()
		s.worker = w
		s.listener = l
		s.mu.Unlock()
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	err := backoff.Retry(op, bo)
	if s.breaker != nil {
		if err != nil {
			s.breaker.RecordFailure()
		} else {
			s.breaker.RecordSuccess()
		}
		metrics.SetCircuitBreakerState(fmt.Sprintf("worker-%d", s.idx), int(s.breaker.State()))
	}
	return err
}

// PendingRequests reports the current in-flight+queued request count for
// this process alone.
func (d *Dispatcher) PendingRequests() int64 {
	return d.pending.Load()
}

// FleetPendingRequests reports the pending count across every Dispatcher
// process sharing this one's ClusterGauge, or just PendingRequests if no
// ClusterGauge is configured.
func (d *Dispatcher) FleetPendingRequests() int64 {
	if d.cfg.ClusterGauge == nil {
		return d.pending.Load()
	}
	return d.cfg.ClusterGauge.FleetTotal(d.pending.Load())
}

// Stop drains and stops every worker, then waits for all consumer and
// listener goroutines to exit. Closing the whole Dispatcher is the only
// supported way to cancel in-flight work (spec.md §5: host-initiated
// per-request cancellation is a non-goal).
func (d *Dispatcher) Stop(timeout time.Duration) {
	if !d.stopping.CompareAndSwap(false, true) {
		return
	}
	for _, s := range d.slots {
		s.mu.Lock()
		w, l := s.worker, s.listener
		s.mu.Unlock()
		if l != nil {
			l.Stop()
		}
		if w != nil {
			_ = w.Stop(timeout)
		}
		s.queue <- job{} // poison pill unblocks consume()
	}
	d.wg.Wait()
	if d.cfg.ClusterGauge != nil {
		_ = d.cfg.ClusterGauge.Close()
	}
}

func isCrash(err error) bool {
	rtErr := domain.AsRuntimeError(err)
	return rtErr != nil && rtErr.Kind == domain.ErrWorkerCrash
}
