package ratelimit

import (
	"context"
	"sync"
)

// MemoryStore keeps windows in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[Key]Window
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[Key]Window)}
}

func (m *MemoryStore) Update(_ context.Context, key Key, fn func(Window) (Window, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := fn(m.windows[key])
	if err != nil {
		return err
	}
	m.windows[key] = next
	return nil
}

// Get returns the stored window for key.
func (m *MemoryStore) Get(key Key) (Window, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	return w, ok
}
