package store

import (
	"errors"
	"fmt"
	"sync"
)

var errDisabled = errors.New("storage disabled")

// MemoryStore keeps slots in process memory. It is used by tests and by
// commands that must not touch the session file.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]string
	disabled bool
}

// NewMemoryStore returns an empty, available store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

// SetAvailable toggles whether operations succeed. A disabled store fails
// every call with ErrUnavailable, like a browser with storage turned off.
func (m *MemoryStore) SetAvailable(ok bool) {
	m.mu.Lock()
	m.disabled = !ok
	m.mu.Unlock()
}

func (m *MemoryStore) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.disabled {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, errDisabled)
	}
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disabled {
		return fmt.Errorf("%w: %w", ErrUnavailable, errDisabled)
	}
	m.data[key] = value
	return nil
}

func (m *MemoryStore) Delete(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disabled {
		return fmt.Errorf("%w: %w", ErrUnavailable, errDisabled)
	}
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}
