package storage

import (
	"context"
	"sync"
)

// MemoryPreferences is an in-process PreferenceStore.
type MemoryPreferences struct {
	mu     sync.RWMutex
	values map[string]map[string]string
}

// NewMemoryPreferences returns an empty MemoryPreferences.
func NewMemoryPreferences() *MemoryPreferences {
	return &MemoryPreferences{values: make(map[string]map[string]string)}
}

func (m *MemoryPreferences) GetString(_ context.Context, scope, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[scope][key]
	return value, ok, nil
}

func (m *MemoryPreferences) SetString(_ context.Context, scope, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[scope] == nil {
		m.values[scope] = make(map[string]string)
	}
	m.values[scope][key] = value
	return nil
}

func (m *MemoryPreferences) Remove(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values[scope], key)
	return nil
}
