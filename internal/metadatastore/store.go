// Package metadatastore implements the per-request metadata map keyed by
// request uuid, with scoped readers that keep an entry alive for the
// duration of a single native-function callback.
//
// Rationale: callbacks from a worker may race with the completion of the
// invocation that spawned them. A per-uuid lock — rather than one global
// map mutex — lets Remove block only on readers of its own entry, and
// scales with the number of in-flight requests rather than serializing
// every callback across every worker.
package metadatastore

import (
	"sync"

	"github.com/romaexec/roma/internal/domain"
)

// entry pairs a MetadataEntry with the RWMutex that arbitrates its
// lifetime: readers (Reader) hold RLock, Remove takes the write lock.
type entry struct {
	mu      sync.RWMutex
	data    *domain.MetadataEntry
	removed bool // set by Remove under the write lock
}

// Store is a concurrent uuid -> MetadataEntry map with scoped-reader leases.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Insert adds a MetadataEntry for uuid. Overwrites any previous entry for
// the same uuid; callers are responsible for exactly-once insertion per
// the invariant that every active uuid maps to exactly one entry.
func (s *Store) Insert(uuid string, data *domain.MetadataEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[uuid] = &entry{data: data}
}

// Remove deletes the entry for uuid, blocking until any outstanding Reader
// for that uuid has been released. Safe to call even if uuid is unknown.
func (s *Store) Remove(uuid string) {
	s.mu.Lock()
	e, ok := s.entries[uuid]
	if ok {
		delete(s.entries, uuid)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	// Block until no Reader holds e.mu, then let it be garbage collected.
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
}

// Reader is a short-lived lease pinning one MetadataEntry for the duration
// of one native-function callback. Must be released exactly once.
type Reader struct {
	e    *entry
	data *domain.MetadataEntry
}

// ScopedReader acquires a read lease on the entry for uuid. Returns
// ok=false if no entry exists for uuid (the "not-found" case of §4.2).
func (s *Store) ScopedReader(uuid string) (*Reader, bool) {
	s.mu.RLock()
	e, ok := s.entries[uuid]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	e.mu.RLock()
	// Re-check under the entry lock that Remove did not race us between
	// the map lookup and acquiring RLock: Remove always deletes from the
	// map before taking the write lock and marks the entry removed under
	// it, so an entry that is not marked is still live (Remove now blocks
	// on our RLock).
	if e.removed {
		e.mu.RUnlock()
		return nil, false
	}
	return &Reader{e: e, data: e.data}, true
}

// Value returns the leased MetadataEntry. Valid only until Release.
func (r *Reader) Value() *domain.MetadataEntry {
	return r.data
}

// Release ends the read lease. Must be called exactly once per Reader,
// on every return path of the callback that acquired it.
func (r *Reader) Release() {
	r.e.mu.RUnlock()
}

// Len reports the number of live entries (for tests and metrics).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
