// Package realtime mirrors chat state into a push-capable realtime database
// so chat panels update without polling the API.
package realtime

import (
	"context"
	"strings"
	"sync"
)

// Store is the realtime database boundary. Paths are slash separated.
type Store interface {
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
}

// MemoryStore is a flat in-process Store for development and tests.
// Deleting a path removes everything below it.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]any
	// Fail, when set, is consulted before every write.
	Fail func(op, path string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]any{}}
}

func (m *MemoryStore) Set(_ context.Context, path string, value any) error {
	if err := m.fail("set", path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[clean(path)] = value
	return nil
}

func (m *MemoryStore) Update(_ context.Context, path string, fields map[string]any) error {
	if err := m.fail("update", path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	path = clean(path)
	current, ok := m.data[path].(map[string]any)
	if !ok {
		current = map[string]any{}
	}
	merged := make(map[string]any, len(current)+len(fields))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	m.data[path] = merged
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, path string) error {
	if err := m.fail("delete", path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	path = clean(path)
	for k := range m.data {
		if k == path || strings.HasPrefix(k, path+"/") {
			delete(m.data, k)
		}
	}
	// Children written through Update live inside their parent's map.
	if i := strings.LastIndex(path, "/"); i > 0 {
		if parent, ok := m.data[path[:i]].(map[string]any); ok {
			trimmed := make(map[string]any, len(parent))
			for k, v := range parent {
				if k != path[i+1:] {
					trimmed[k] = v
				}
			}
			m.data[path[:i]] = trimmed
		}
	}
	return nil
}

// Get returns the value stored at path.
func (m *MemoryStore) Get(path string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[clean(path)]
	return v, ok
}

// Len is the number of stored paths.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryStore) fail(op, path string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op, clean(path))
}

func clean(path string) string {
	return strings.Trim(path, "/")
}
