package ipc

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/romaexec/roma/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeTransports() (*Transport, *Transport) {
	a, b := net.Pipe()
	return New(a), New(b)
}

func TestTransportSendRecvRoundTrip(t *testing.T) {
	client, server := newPipeTransports()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, err := server.Recv()
		require.NoError(t, err)
		assert.Equal(t, MsgInvoke, msg.Type)
		var payload string
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		assert.Equal(t, "hello", payload)
	}()

	payload, err := json.Marshal("hello")
	require.NoError(t, err)
	require.NoError(t, client.Send(&Message{Type: MsgInvoke, Payload: payload}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recv")
	}
}

func TestTransportRecvEOFMarksBroken(t *testing.T) {
	client, server := newPipeTransports()
	defer client.Close()

	go server.Close()

	_, err := client.Recv()
	assert.Error(t, err)
	assert.True(t, client.Broken())

	_, err = client.Recv()
	assert.Equal(t, ErrBroken, err)
}

func TestEncodeDecodeRPCRoundTrip(t *testing.T) {
	s := "world"
	original := &domain.RpcWrapper{
		FunctionName: "callback",
		RequestID:    "req-1",
		RequestUUID:  "uuid-1",
		IOProto:      domain.IOProto{InputString: &s},
	}

	msg, err := EncodeRPC(original)
	require.NoError(t, err)
	assert.Equal(t, MsgRPC, msg.Type)

	decoded, err := DecodeRPC(msg)
	require.NoError(t, err)
	assert.Equal(t, original.FunctionName, decoded.FunctionName)
	assert.Equal(t, *original.IOProto.InputString, *decoded.IOProto.InputString)
}

func TestDecodeRPCRejectsWrongType(t *testing.T) {
	_, err := DecodeRPC(&Message{Type: MsgInit})
	assert.Error(t, err)
}
