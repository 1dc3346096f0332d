package grpcapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/romaexec/roma/internal/domain"
)

type fakeRuntime struct {
	loadErr  error
	loaded   []domain.CodeObject
	execResp *domain.ResponseObject
	execErr  error
	executed []domain.InvocationRequest
}

func (f *fakeRuntime) LoadCodeObj(ctx context.Context, code domain.CodeObject, onComplete func(error)) error {
	f.loaded = append(f.loaded, code)
	onComplete(f.loadErr)
	return nil
}

func (f *fakeRuntime) Execute(ctx context.Context, req domain.InvocationRequest, onComplete func(*domain.ResponseObject, error)) error {
	f.executed = append(f.executed, req)
	onComplete(f.execResp, f.execErr)
	return nil
}

func TestServer_LoadCodeObj_RoundTripsThroughStruct(t *testing.T) {
	fr := &fakeRuntime{}
	s := New(fr, nil)

	in, err := structpb.NewStruct(map[string]interface{}{
		"id":             "c1",
		"version_string": "v1",
		"source":         "function h() {}",
	})
	require.NoError(t, err)

	out, err := s.loadCodeObj(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "v1", out.AsMap()["version_string"])
	require.Len(t, fr.loaded, 1)
	assert.Equal(t, "c1", fr.loaded[0].ID)
}

func TestServer_LoadCodeObj_PropagatesError(t *testing.T) {
	fr := &fakeRuntime{loadErr: domain.NewRuntimeError(domain.ErrGuestCompileError, "bad syntax")}
	s := New(fr, nil)

	in, _ := structpb.NewStruct(map[string]interface{}{"version_string": "v1"})
	_, err := s.loadCodeObj(context.Background(), in)
	require.Error(t, err)
}

func TestServer_Execute_SuccessRoundTrip(t *testing.T) {
	fr := &fakeRuntime{execResp: &domain.ResponseObject{RequestID: "r1", UUID: "u1", Result: "42"}}
	s := New(fr, nil)

	in, err := structpb.NewStruct(map[string]interface{}{
		"request_id": "r1", "uuid": "u1", "version_string": "v1", "handler": "h",
	})
	require.NoError(t, err)

	out, err := s.execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "42", out.AsMap()["result"])
}

func TestServer_Execute_FailureEncodesErrorKind(t *testing.T) {
	fr := &fakeRuntime{execErr: domain.NewRuntimeError(domain.ErrDeadlineExceeded, "too slow")}
	s := New(fr, nil)

	in, _ := structpb.NewStruct(map[string]interface{}{"request_id": "r2", "uuid": "u2"})
	out, err := s.execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, string(domain.ErrDeadlineExceeded), out.AsMap()["error_kind"])
}

func TestServer_Execute_DefaultsDeadlineWhenUnset(t *testing.T) {
	fr := &fakeRuntime{execResp: &domain.ResponseObject{RequestID: "r3", UUID: "u3", Result: "ok"}}
	s := New(fr, nil)

	in, _ := structpb.NewStruct(map[string]interface{}{"request_id": "r3", "uuid": "u3"})
	start := time.Now()
	_, err := s.execute(context.Background(), in)
	require.NoError(t, err)
	assert.WithinDuration(t, start, time.Now(), time.Second)
	require.Len(t, fr.executed, 1)
	assert.WithinDuration(t, start.Add(30*time.Second), fr.executed[0].Deadline, time.Second)
}
