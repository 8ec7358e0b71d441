package storage

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

func (it memoryItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// Memory implements Storage using an in-process map. It honors TTL hints.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the clock used for TTL hints.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get retrieves a value from the backend.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.items[key]
	if !ok || it.expired(m.now()) {
		return nil, false, nil
	}
	return slices.Clone(it.value), true, nil
}

// Set stores a value with the hinted TTL.
func (m *Memory) Set(_ context.Context, key string, value []byte, opts SetOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = memoryItem{value: slices.Clone(value), expiresAt: opts.ExpiresAt(m.now())}
	return nil
}

// SetMany stores all items under one lock.
func (m *Memory) SetMany(_ context.Context, items []Item, opts SetOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiresAt := opts.ExpiresAt(m.now())
	for _, it := range items {
		m.items[it.Key] = memoryItem{value: slices.Clone(it.Value), expiresAt: expiresAt}
	}
	return nil
}

// Delete removes a value.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, key)
	return nil
}

// Keys returns the live keys under prefix, sorted.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var keys []string
	for k, it := range m.items {
		if strings.HasPrefix(k, prefix) && !it.expired(now) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Len returns the number of stored items (including expired).
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.items)
}

// Clear removes all items.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]memoryItem)
}

// Cleanup removes expired items.
func (m *Memory) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, it := range m.items {
		if it.expired(now) {
			delete(m.items, key)
		}
	}
}

// Ensure Memory implements Storage and BatchSetter.
var (
	_ Storage     = (*Memory)(nil)
	_ BatchSetter = (*Memory)(nil)
)
