package nativefunc

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/romaexec/roma/internal/domain"
	"github.com/romaexec/roma/internal/ipc"
	"github.com/romaexec/roma/internal/metadatastore"
)

// MetadataLookup resolves a request uuid to its pinned MetadataEntry for
// the duration of one callback. Implemented by *metadatastore.Store.
type MetadataLookup interface {
	ScopedReader(uuid string) (*metadatastore.Reader, bool)
}

// Listener runs one loop per worker IPC channel: recv an RpcWrapper,
// resolve metadata, invoke the native-function table, and send the
// (possibly error-annotated) wrapper back. One Listener is single-threaded
// by construction, which is what guarantees callback responses for a given
// worker are returned in the order they were received from that worker.
type Listener struct {
	workerID  string
	transport *ipc.Transport
	table     *Table
	store     MetadataLookup
	log       *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewListener constructs a Listener bound to one worker's transport.
func NewListener(workerID string, transport *ipc.Transport, table *Table, store MetadataLookup, log *slog.Logger) *Listener {
	return &Listener{
		workerID:  workerID,
		transport: transport,
		table:     table,
		store:     store,
		log:       log,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Run blocks, processing callback RPCs until the transport breaks or Stop
// is called. Intended to be run in its own goroutine.
func (l *Listener) Run() {
	defer close(l.doneCh)
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		msg, err := l.transport.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ipc.ErrBroken) {
				l.log.Debug("nativefunc listener: transport closed", "worker", l.workerID)
				return
			}
			l.log.Warn("nativefunc listener: recv error", "worker", l.workerID, "err", err)
			return
		}

		if msg.Type == ipc.MsgShutdown {
			return
		}

		wrapper, err := ipc.DecodeRPC(msg)
		if err != nil {
			l.log.Warn("nativefunc listener: malformed rpc frame", "worker", l.workerID, "err", err)
			continue
		}

		l.handle(wrapper)

		reply, err := ipc.EncodeRPC(wrapper)
		if err != nil {
			l.log.Warn("nativefunc listener: encode reply", "worker", l.workerID, "err", err)
			continue
		}
		if err := l.transport.Send(reply); err != nil {
			l.log.Debug("nativefunc listener: send reply failed, worker likely gone", "worker", l.workerID, "err", err)
			return
		}
	}
}

// handle resolves metadata and invokes the table, annotating wrapper.Errors
// per the §4.4 error-to-payload mapping on any failure. A "console.<level>"
// call from the worker's console bridge is written to the listener's logger
// with its request ids and answered with an empty reply instead.
func (l *Listener) handle(wrapper *domain.RpcWrapper) {
	if wrapper.FunctionName == "" {
		wrapper.Errors = append(wrapper.Errors, "Could not find C++ function by name.")
		return
	}

	if level, ok := strings.CutPrefix(wrapper.FunctionName, "console."); ok {
		line := ""
		if wrapper.IOProto.InputString != nil {
			line = *wrapper.IOProto.InputString
		}
		l.log.Info("guest console", "worker", l.workerID, "level", level,
			"request_id", wrapper.RequestID, "request_uuid", wrapper.RequestUUID, "line", line)
		return
	}

	reader, ok := l.store.ScopedReader(wrapper.RequestUUID)
	if !ok {
		wrapper.Errors = append(wrapper.Errors, "Could not find mutex…")
		return
	}
	defer reader.Release()

	meta := reader.Value()
	if meta == nil {
		wrapper.Errors = append(wrapper.Errors, "Could not find metadata…")
		return
	}

	if err := l.table.Call(wrapper.FunctionName, &wrapper.IOProto, meta); err != nil {
		wrapper.Errors = append(wrapper.Errors, err.Error())
	}
}

// Stop signals Run to exit and waits for it to return. Closing the
// transport unblocks a Recv currently parked on it.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		_ = l.transport.Close()
	})
	<-l.doneCh
}
