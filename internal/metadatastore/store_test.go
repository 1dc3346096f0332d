package metadatastore

import (
	"sync"
	"testing"
	"time"

	"github.com/romaexec/roma/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertScopedReaderRemove(t *testing.T) {
	s := New()
	s.Insert("uuid-1", &domain.MetadataEntry{RequestUUID: "uuid-1", Values: map[string]string{"k": "v"}})

	reader, ok := s.ScopedReader("uuid-1")
	require.True(t, ok)
	assert.Equal(t, "v", reader.Value().Values["k"])
	reader.Release()

	s.Remove("uuid-1")
	_, ok = s.ScopedReader("uuid-1")
	assert.False(t, ok)
}

func TestScopedReaderNotFound(t *testing.T) {
	s := New()
	_, ok := s.ScopedReader("missing")
	assert.False(t, ok)
}

func TestRemoveBlocksUntilReaderReleased(t *testing.T) {
	s := New()
	s.Insert("uuid-1", &domain.MetadataEntry{RequestUUID: "uuid-1"})

	reader, ok := s.ScopedReader("uuid-1")
	require.True(t, ok)

	removed := make(chan struct{})
	go func() {
		s.Remove("uuid-1")
		close(removed)
	}()

	select {
	case <-removed:
		t.Fatal("Remove returned before reader released")
	case <-time.After(50 * time.Millisecond):
	}

	reader.Release()

	select {
	case <-removed:
	case <-time.After(time.Second):
		t.Fatal("Remove did not complete after reader released")
	}
}

func TestConcurrentReadersDoNotRace(t *testing.T) {
	s := New()
	s.Insert("uuid-1", &domain.MetadataEntry{RequestUUID: "uuid-1"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reader, ok := s.ScopedReader("uuid-1")
			if !ok {
				return
			}
			_ = reader.Value()
			reader.Release()
		}()
	}
	wg.Wait()
	s.Remove("uuid-1")
	assert.Equal(t, 0, s.Len())
}
