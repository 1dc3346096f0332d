package jsengine

import (
	"errors"
	"testing"
	"time"

	"github.com/romaexec/roma/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	callback func(name string, io domain.IOProto) (domain.IOProto, error)
	logs     []string
}

func (f *fakeCaller) Callback(name string, io domain.IOProto, _, _ string) (domain.IOProto, error) {
	if f.callback == nil {
		return domain.IOProto{}, errors.New("Could not find C++ function by name.")
	}
	return f.callback(name, io)
}

func (f *fakeCaller) ConsoleLog(level, line, _, _ string) {
	f.logs = append(f.logs, level+":"+line)
}

func newAdapter(t *testing.T, caller Caller, bindings []string) *Adapter {
	t.Helper()
	a := NewAdapter(caller, HeapLimits{})
	require.NoError(t, a.Run(bindings))
	return a
}

func TestHelloWorldScenario(t *testing.T) {
	a := newAdapter(t, &fakeCaller{}, nil)
	require.Nil(t, a.LoadVersion("v1", "function hello(){return 'Hello world'}"))

	result, _, rtErr := a.Invoke("req-1", "uuid-1", "v1", "hello", nil)
	require.Nil(t, rtErr)
	assert.Equal(t, "Hello world", result)
}

func TestCallbackScenario(t *testing.T) {
	caller := &fakeCaller{
		callback: func(name string, io domain.IOProto) (domain.IOProto, error) {
			s := "I am a callback"
			return domain.IOProto{OutputString: &s}, nil
		},
	}
	a := newAdapter(t, caller, []string{"callback"})
	require.Nil(t, a.LoadVersion("v1", "hello=()=>'Hello world! '+callback()"))

	result, _, rtErr := a.Invoke("req-1", "uuid-1", "v1", "hello", nil)
	require.Nil(t, rtErr)
	assert.Equal(t, "Hello world! I am a callback", result)
}

func TestListArgumentScenario(t *testing.T) {
	a := newAdapter(t, &fakeCaller{}, nil)
	require.Nil(t, a.LoadVersion("v1", "greet=(a)=>'Hi '+a[0]"))

	arg := "Foobar"
	result, _, rtErr := a.Invoke("req-1", "uuid-1", "v1", "greet", []domain.Arg{{List: []string{arg}}})
	require.Nil(t, rtErr)
	assert.Equal(t, "Hi Foobar", result)
}

func TestUnregisteredBindingYieldsGuestRuntimeError(t *testing.T) {
	a := newAdapter(t, &fakeCaller{}, nil)
	require.Nil(t, a.LoadVersion("v1", "run=()=>missing()"))

	_, _, rtErr := a.Invoke("req-1", "uuid-1", "v1", "run", nil)
	require.NotNil(t, rtErr)
	assert.Equal(t, domain.ErrGuestRuntimeError, rtErr.Kind)
	assert.Contains(t, rtErr.Message, "Could not find C++ function by name.")
}

func TestDeadlineExceededViaInterrupt(t *testing.T) {
	a := newAdapter(t, &fakeCaller{}, nil)
	require.Nil(t, a.LoadVersion("v1", "run=()=>{while(true){}}"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		a.Stop()
	}()

	_, _, rtErr := a.Invoke("req-1", "uuid-1", "v1", "run", nil)
	require.NotNil(t, rtErr)
	assert.Equal(t, domain.ErrDeadlineExceeded, rtErr.Kind)
}

func TestRebuildClearsStickyInterruptForSubsequentInvoke(t *testing.T) {
	a := newAdapter(t, &fakeCaller{}, nil)
	require.Nil(t, a.LoadVersion("v1", "run=()=>{while(true){}}"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		a.Stop()
	}()
	_, _, rtErr := a.Invoke("req-1", "uuid-1", "v1", "run", nil)
	require.NotNil(t, rtErr)
	assert.Equal(t, domain.ErrDeadlineExceeded, rtErr.Kind)

	require.NoError(t, a.Rebuild(nil))
	require.Nil(t, a.LoadVersion("v1", "function hello(){return 'Hello world'}"))

	result, _, rtErr := a.Invoke("req-2", "uuid-2", "v1", "hello", nil)
	require.Nil(t, rtErr)
	assert.Equal(t, "Hello world", result)
}

func TestUnknownVersionString(t *testing.T) {
	a := newAdapter(t, &fakeCaller{}, nil)
	_, _, rtErr := a.Invoke("req-1", "uuid-1", "v-missing", "hello", nil)
	require.NotNil(t, rtErr)
	assert.Equal(t, domain.ErrUnknownVersion, rtErr.Kind)
}

func TestGuestCompileError(t *testing.T) {
	a := newAdapter(t, &fakeCaller{}, nil)
	rtErr := a.LoadVersion("v1", "function hello( { not valid js")
	require.NotNil(t, rtErr)
	assert.Equal(t, domain.ErrGuestCompileError, rtErr.Kind)
}
