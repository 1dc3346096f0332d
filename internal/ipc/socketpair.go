package ipc

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// NewSocketpair creates a connected, bidirectional pair of Transports
// backed by a unix socketpair: one end for the parent, one to be handed to
// the child process (via ExtraFiles) before fork/exec.
func NewSocketpair() (parent *Transport, childFile *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ipc: socketpair: %w", err)
	}

	parentFile := os.NewFile(uintptr(fds[0]), "roma-ipc-parent")
	childFile = os.NewFile(uintptr(fds[1]), "roma-ipc-child")

	parentConn, err := net.FileConn(parentFile)
	if err != nil {
		parentFile.Close()
		childFile.Close()
		return nil, nil, fmt.Errorf("ipc: wrap parent fd: %w", err)
	}
	// FileConn dup'd the fd; the original *os.File for our end is no
	// longer needed once the net.Conn owns its own descriptor.
	parentFile.Close()

	return New(parentConn), childFile, nil
}

// NewFromFD wraps an inherited file descriptor (e.g. the child's end of a
// socketpair, inherited across exec) as a Transport. Used by the worker
// entrypoint on startup.
func NewFromFD(fd uintptr, name string) (*Transport, error) {
	f := os.NewFile(fd, name)
	conn, err := net.FileConn(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ipc: wrap fd %d: %w", fd, err)
	}
	f.Close()
	return New(conn), nil
}
