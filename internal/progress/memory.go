package progress

import (
	"context"
	"sync"
)

// MemoryStore keeps progress in process. It backs single-process runs
// without Redis.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
	puts   int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (m *MemoryStore) Put(_ context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.BookID] = state
	m.puts++
	return nil
}

func (m *MemoryStore) Get(_ context.Context, bookID string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[bookID]
	if !ok {
		return nil, ErrNotFound
	}
	return &state, nil
}

// Writes reports how many snapshots were stored.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}
