package wasmengine

import (
	"context"
	"testing"

	"github.com/romaexec/roma/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addModule is the minimal WASM binary for:
//
//	(module
//	  (func $add (param $a i32) (param $b i32) (result i32)
//	    local.get $a
//	    local.get $b
//	    i32.add)
//	  (export "add" (func $add)))
var addModule = []byte{
	0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00, // magic, version
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7F, 0x7F, 0x01, 0x7F, // type section
	0x03, 0x02, 0x01, 0x00, // function section
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00, // export section ("add")
	0x0A, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6A, 0x0B, // code section
}

func TestWasmAdapterLoadAndInvoke(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter(Limits{})
	require.NoError(t, a.Run(ctx))
	defer a.Stop(ctx)

	require.Nil(t, a.LoadVersion(ctx, "v1", addModule))

	result, rtErr := a.Invoke(ctx, "v1", "add", []uint64{2, 3})
	require.Nil(t, rtErr)
	assert.Equal(t, uint64(5), result)
}

func TestWasmAdapterUnknownVersion(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter(Limits{})
	require.NoError(t, a.Run(ctx))
	defer a.Stop(ctx)

	_, rtErr := a.Invoke(ctx, "missing", "add", nil)
	require.NotNil(t, rtErr)
	assert.Equal(t, domain.ErrUnknownVersion, rtErr.Kind)
}

func TestWasmAdapterCompileError(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter(Limits{})
	require.NoError(t, a.Run(ctx))
	defer a.Stop(ctx)

	rtErr := a.LoadVersion(ctx, "bad", []byte{0x00, 0x01, 0x02})
	require.NotNil(t, rtErr)
	assert.Equal(t, domain.ErrGuestCompileError, rtErr.Kind)
}
