package logsink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/romaexec/roma/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	records []Record
	closed  bool
}

func (r *recordingSink) Log(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

type failingSink struct{ err error }

func (f failingSink) Log(context.Context, Record) error { return f.err }
func (f failingSink) Close() error                       { return f.err }

func TestConsentGate_ForwardsOnlyOnMatchingToken(t *testing.T) {
	inner := &recordingSink{}
	gate := NewConsentGate("secret-token", inner)

	require.NoError(t, gate.LogIfConsented(context.Background(), "wrong", Record{RequestID: "a"}))
	assert.Empty(t, inner.records)

	require.NoError(t, gate.LogIfConsented(context.Background(), "secret-token", Record{RequestID: "b"}))
	require.Len(t, inner.records, 1)
	assert.Equal(t, "b", inner.records[0].RequestID)
}

func TestConsentGate_EmptyServerTokenDisablesLogging(t *testing.T) {
	inner := &recordingSink{}
	gate := NewConsentGate("", inner)

	require.NoError(t, gate.LogIfConsented(context.Background(), "", Record{RequestID: "a"}))
	assert.Empty(t, inner.records)
}

func TestMultiSink_FansOutToAllMembers(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := NewMultiSink(a, b)

	require.NoError(t, m.Log(context.Background(), Record{RequestID: "x"}))
	assert.Len(t, a.records, 1)
	assert.Len(t, b.records, 1)
}

func TestMultiSink_ReturnsFirstErrorButStillCallsAll(t *testing.T) {
	a := failingSink{err: errors.New("boom")}
	b := &recordingSink{}
	m := NewMultiSink(a, b)

	err := m.Log(context.Background(), Record{RequestID: "x"})
	require.Error(t, err)
	assert.Len(t, b.records, 1, "an earlier sink failing must not block later ones from receiving the record")
}

func TestMultiSink_CloseClosesAllMembers(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := NewMultiSink(a, b)
	require.NoError(t, m.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestNoopSink_DiscardsSilently(t *testing.T) {
	var n NoopSink
	require.NoError(t, n.Log(context.Background(), Record{}))
	require.NoError(t, n.Close())
}

func TestFromResponse_CapturesErrorDetails(t *testing.T) {
	req := domain.InvocationRequest{RequestID: "r1", UUID: "u1", VersionString: "v1", Handler: "h"}
	resp := &domain.ResponseObject{
		RequestID: "r1", UUID: "u1",
		Err: domain.NewRuntimeError(domain.ErrGuestRuntimeError, "boom"),
	}

	rec := FromResponse(req, resp, 12*time.Millisecond)
	assert.False(t, rec.Success)
	assert.Equal(t, string(domain.ErrGuestRuntimeError), rec.ErrorKind)
	assert.Equal(t, "boom", rec.ErrorMessage)
	assert.Equal(t, int64(12), rec.DurationMs)
}

func TestFromResponse_SuccessHasNoErrorKind(t *testing.T) {
	req := domain.InvocationRequest{RequestID: "r2", UUID: "u2", VersionString: "v1", Handler: "h"}
	resp := &domain.ResponseObject{RequestID: "r2", UUID: "u2", Result: "ok"}

	rec := FromResponse(req, resp, time.Millisecond)
	assert.True(t, rec.Success)
	assert.Empty(t, rec.ErrorKind)
}
