package dispatcher

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/romaexec/roma/internal/circuitbreaker"
	"github.com/romaexec/roma/internal/domain"
	"github.com/romaexec/roma/internal/metadatastore"
	"github.com/romaexec/roma/internal/nativefunc"
	"github.com/romaexec/roma/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWorker implements workerHandle without forking a child process, so
// Dispatcher's admission, scheduling, and crash-replacement logic can be
// exercised directly.
type fakeWorker struct {
	mu    sync.Mutex
	state sandbox.State

	invoke func(domain.InvocationRequest) (*domain.ResponseObject, error)
	loads  []domain.CodeObject
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{state: sandbox.StateReady}
}

func (f *fakeWorker) State() sandbox.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeWorker) setState(s sandbox.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeWorker) Load(co domain.CodeObject) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, co)
	return nil
}

func (f *fakeWorker) Invoke(req domain.InvocationRequest) (*domain.ResponseObject, error) {
	if f.invoke != nil {
		return f.invoke(req)
	}
	return &domain.ResponseObject{RequestID: req.RequestID, UUID: req.UUID, Result: "ok"}, nil
}

func (f *fakeWorker) Stop(time.Duration) error {
	f.setState(sandbox.StateDead)
	return nil
}

// newTestDispatcher builds a Dispatcher with n fake workers, bypassing
// New()'s real process spawning entirely.
func newTestDispatcher(t *testing.T, n, maxPending int) (*Dispatcher, []*fakeWorker) {
	t.Helper()
	d := &Dispatcher{
		cfg: Config{
			NumberOfWorkers:    n,
			MaxPendingRequests: maxPending,
			Table:              nativefunc.NewTable(nil),
			Store:              metadatastore.New(),
			Logger:             discardLogger(),
		},
	}
	fakes := make([]*fakeWorker, n)
	d.slots = make([]*slot, n)
	for i := 0; i < n; i++ {
		fw := newFakeWorker()
		fakes[i] = fw
		d.slots[i] = &slot{
			idx:   i,
			queue: make(chan job, maxPending+1),
			// A low error threshold and a long open duration mean the very
			// first simulated crash trips the breaker and keeps it open for
			// the rest of the test, so respawn() short-circuits instead of
			// actually forking a child process against an empty executable
			// path.
			breaker: circuitbreaker.New(circuitbreaker.Config{
				ErrorPct: 1, WindowDuration: time.Minute, OpenDuration: time.Hour, HalfOpenProbes: 1,
			}),
			worker: fw,
		}
	}
	for _, s := range d.slots {
		d.wg.Add(1)
		go d.consume(s)
	}
	t.Cleanup(func() { d.Stop(time.Second) })
	return d, fakes
}

func mustInvoke(t *testing.T, d *Dispatcher, uuid string) (*domain.ResponseObject, error) {
	t.Helper()
	done := make(chan struct{})
	var resp *domain.ResponseObject
	var rerr error
	err := d.Invoke(context.Background(), domain.InvocationRequest{
		RequestID: uuid, UUID: uuid, VersionString: "v1", Handler: "h", Deadline: time.Now().Add(time.Second),
	}, func(r *domain.ResponseObject, e error) {
		resp, rerr = r, e
		close(done)
	})
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	return resp, rerr
}

func TestInvoke_SuccessRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t, 1, 4)
	resp, err := mustInvoke(t, d, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Result)
	assert.Equal(t, int64(0), d.PendingRequests())
}

func TestInvoke_QueueFullAfterMaxPending(t *testing.T) {
	d, fakes := newTestDispatcher(t, 1, 2)
	block := make(chan struct{})
	fakes[0].invoke = func(domain.InvocationRequest) (*domain.ResponseObject, error) {
		<-block
		return &domain.ResponseObject{Result: "ok"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		uuid := "inflight-" + string(rune('a'+i))
		go func() {
			defer wg.Done()
			_, _ = mustInvoke(t, d, uuid)
		}()
	}
	// give the first two a moment to be admitted
	time.Sleep(50 * time.Millisecond)

	err := d.Invoke(context.Background(), domain.InvocationRequest{RequestID: "third", UUID: "third", VersionString: "v1", Handler: "h", Deadline: time.Now().Add(time.Second)}, func(*domain.ResponseObject, error) {})
	require.Error(t, err)
	rtErr := domain.AsRuntimeError(err)
	assert.Equal(t, domain.ErrQueueFull, rtErr.Kind)

	close(block)
	wg.Wait()
}

func TestInvoke_PicksIdleWorkerFirst(t *testing.T) {
	d, fakes := newTestDispatcher(t, 2, 4)
	fakes[0].setState(sandbox.StateBusy) // make worker 1 the only idle one
	fakes[1].invoke = func(req domain.InvocationRequest) (*domain.ResponseObject, error) {
		return &domain.ResponseObject{RequestID: req.RequestID, UUID: req.UUID, Result: "worker-1"}, nil
	}

	resp, err := mustInvoke(t, d, "req-idle")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", resp.Result)
}

func TestInvoke_WorkerCrashSurfacesWorkerCrash(t *testing.T) {
	d, fakes := newTestDispatcher(t, 1, 4)
	fakes[0].invoke = func(req domain.InvocationRequest) (*domain.ResponseObject, error) {
		fakes[0].setState(sandbox.StateDead)
		return nil, domain.NewRuntimeError(domain.ErrWorkerCrash, "simulated crash")
	}

	_, err := mustInvoke(t, d, "req-crash")
	require.Error(t, err)
	assert.Equal(t, domain.ErrWorkerCrash, domain.AsRuntimeError(err).Kind)
}

func TestInvoke_MetadataEntryLifecycle(t *testing.T) {
	d, _ := newTestDispatcher(t, 1, 4)
	uuid := "meta-1"

	done := make(chan struct{})
	err := d.Invoke(context.Background(), domain.InvocationRequest{
		RequestID: uuid, UUID: uuid, VersionString: "v1", Handler: "h",
		Deadline: time.Now().Add(time.Second),
		Metadata: map[string]string{"consent_token": "tok"},
	}, func(*domain.ResponseObject, error) { close(done) })
	require.NoError(t, err)

	reader, ok := d.cfg.Store.ScopedReader(uuid)
	if ok {
		assert.Equal(t, "tok", reader.Value().ConsentToken)
		reader.Release()
	}

	<-done
	_, ok = d.cfg.Store.ScopedReader(uuid)
	assert.False(t, ok, "metadata entry must be removed once the invocation completes")
}

func TestLoadCodeObj_FansOutToEveryWorker(t *testing.T) {
	d, fakes := newTestDispatcher(t, 3, 4)

	done := make(chan error, 1)
	err := d.LoadCodeObj(context.Background(), domain.CodeObject{ID: "c1", VersionString: "v1", Source: "x"}, func(e error) {
		done <- e
	})
	require.NoError(t, err)

	select {
	case e := <-done:
		require.NoError(t, e)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for load completion")
	}

	for _, fw := range fakes {
		fw.mu.Lock()
		assert.Len(t, fw.loads, 1)
		assert.Equal(t, "v1", fw.loads[0].VersionString)
		fw.mu.Unlock()
	}
}

func TestStop_IsIdempotentAndDrainsConsumers(t *testing.T) {
	d, _ := newTestDispatcher(t, 2, 4)
	d.Stop(time.Second)
	d.Stop(time.Second) // must not panic or hang
	d.wg.Wait()
}
