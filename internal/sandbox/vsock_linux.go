//go:build linux

package sandbox

import (
	"fmt"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/romaexec/roma/internal/ipc"
)

// DialVsock connects to a worker over AF_VSOCK instead of an inherited
// socketpair fd, for deployments where the child runs in a separate
// microVM reachable only by vsock (the local-socketpair transport
// assumes a shared fd table, which does not cross a VM boundary).
// contextID identifies the guest VM; port distinguishes the main and
// callback channels the same way fd 3/4 do for a local child.
func DialVsock(contextID, port uint32, timeout time.Duration) (*ipc.Transport, error) {
	conn, err := vsock.Dial(contextID, port, nil)
	if err != nil {
		return nil, fmt.Errorf("sandbox: dial vsock cid=%d port=%d: %w", contextID, port, err)
	}
	return ipc.New(conn), nil
}

// ListenVsock accepts exactly one inbound vsock connection on port and
// wraps it as a Transport. Used by a worker running inside a microVM to
// establish its main or callback channel back to the parent.
func ListenVsock(port uint32) (*ipc.Transport, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("sandbox: listen vsock port=%d: %w", port, err)
	}
	defer l.Close()

	conn, err := l.Accept()
	if err != nil {
		return nil, fmt.Errorf("sandbox: accept vsock port=%d: %w", port, err)
	}
	return ipc.New(conn), nil
}
