package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCodeObjectEngineSelection(t *testing.T) {
	js := &CodeObject{VersionString: "v1", Source: "function hello(){}"}
	assert.Equal(t, EngineJS, js.Engine())

	wasm := &CodeObject{VersionString: "v2", ByteCode: []byte{0x00, 0x61, 0x73, 0x6d}}
	assert.Equal(t, EngineWasm, wasm.Engine())
}

func TestCodeObjectEncrypted(t *testing.T) {
	plain := &CodeObject{VersionString: "v1", Source: "function hello(){}"}
	assert.False(t, plain.Encrypted())

	enc := &CodeObject{VersionString: "v1", KeyID: "k1", Source: "ciphertext"}
	assert.True(t, enc.Encrypted())
}

func TestInvocationRequestTimeRemaining(t *testing.T) {
	now := time.Now()
	req := &InvocationRequest{Deadline: now.Add(100 * time.Millisecond)}
	assert.Greater(t, req.TimeRemaining(now), time.Duration(0))

	expired := &InvocationRequest{Deadline: now.Add(-time.Second)}
	assert.Equal(t, time.Duration(0), expired.TimeRemaining(now))
}

func TestResponseObjectSuccess(t *testing.T) {
	ok := &ResponseObject{Result: "Hello world"}
	assert.True(t, ok.Success())

	failed := &ResponseObject{Err: NewRuntimeError(ErrGuestRuntimeError, "boom")}
	assert.False(t, failed.Success())
}

func TestArgToIOProtoRoundTripsEachShape(t *testing.T) {
	s := "hello"
	cases := []Arg{
		{Str: &s},
		{List: []string{"a", "b"}},
		{Map: map[string]string{"k": "v"}},
		{Bytes: []byte{1, 2, 3}},
	}
	for _, a := range cases {
		io := ArgToIOProto(a)
		switch {
		case a.Str != nil:
			assert.Equal(t, a.Str, io.InputString)
		case a.List != nil:
			assert.Equal(t, a.List, io.InputList)
		case a.Map != nil:
			assert.Equal(t, a.Map, io.InputMap)
		case a.Bytes != nil:
			assert.Equal(t, a.Bytes, io.InputBytes)
		}
	}
}

func TestRpcWrapperFailed(t *testing.T) {
	w := &RpcWrapper{}
	assert.False(t, w.Failed())
	w.Errors = append(w.Errors, "Could not find C++ function by name.")
	assert.True(t, w.Failed())
}

func TestAsRuntimeErrorWrapsPlainErrors(t *testing.T) {
	re := AsRuntimeError(assertErr{})
	assert.Equal(t, ErrWorkerCrash, re.Kind)

	original := NewRuntimeError(ErrDeadlineExceeded, "timed out")
	assert.Same(t, original, AsRuntimeError(original))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
