package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps snapshots in memory, mainly for tests.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	saves     int
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]Snapshot)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, session string) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[session]
	if !ok {
		return Snapshot{}, false, nil
	}
	return cloneSnapshot(snap), true, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, session string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[session] = cloneSnapshot(snap)
	s.saves++
	return nil
}

// Saves returns how many snapshots were committed, for test assertions.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
