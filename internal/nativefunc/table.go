// Package nativefunc implements the host-registered name→handler map
// called from the parent side of the IPC, and the listener pool that
// multiplexes callback RPCs arriving from many workers.
package nativefunc

import (
	"fmt"

	"github.com/romaexec/roma/internal/domain"
)

// Handler is a host-registered function invokable from guest code by
// name. It receives the mutable IOProto (populate Output* fields to reply)
// and a read-only metadata entry for the invocation that triggered the
// callback. A non-nil return is mapped to "Failed to execute the C++
// function." in the wrapper's error list by the Table caller.
type Handler func(io *domain.IOProto, meta *domain.MetadataEntry) error

// Table is an immutable-after-startup name→Handler map.
type Table struct {
	handlers map[string]Handler
}

// NewTable builds a Table from the given bindings. The map is copied so
// callers cannot mutate it after registration; Table is safe for unsynchronized
// concurrent reads once constructed.
func NewTable(bindings map[string]Handler) *Table {
	t := &Table{handlers: make(map[string]Handler, len(bindings))}
	for name, h := range bindings {
		t.handlers[name] = h
	}
	return t
}

// Names returns the registered binding names, used to tell each worker
// which global stubs to install on its isolate at Run time.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	return names
}

// Call invokes the named handler. Returns the §4.4 error-to-payload
// mapping verbatim on failure so the parent-side listener can append it to
// the wrapper's error list without its own switch statement.
func (t *Table) Call(name string, io *domain.IOProto, meta *domain.MetadataEntry) error {
	if name == "" {
		return fmt.Errorf("Could not find C++ function by name.")
	}
	h, ok := t.handlers[name]
	if !ok {
		return fmt.Errorf("Could not find C++ function by name.")
	}
	if err := h(io, meta); err != nil {
		return fmt.Errorf("Failed to execute the C++ function.")
	}
	return nil
}
