//go:build !linux

package sandbox

import (
	"errors"
	"time"

	"github.com/romaexec/roma/internal/ipc"
)

var errVsockUnsupported = errors.New("sandbox: vsock transport requires linux")

func DialVsock(contextID, port uint32, timeout time.Duration) (*ipc.Transport, error) {
	return nil, errVsockUnsupported
}

func ListenVsock(port uint32) (*ipc.Transport, error) {
	return nil, errVsockUnsupported
}
