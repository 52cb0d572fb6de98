package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryUsageStore is an in-process usage store used in tests and when
// Redis is disabled. Counters expire lazily on access.
type MemoryUsageStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	value     int64
	expiresAt time.Time
}

// NewMemoryUsageStore creates a new in-memory usage store
func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{entries: make(map[string]*memoryEntry)}
}

// Increment adds amount to a counter and returns the new total.
func (s *MemoryUsageStore) Increment(_ context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.get(key)
	if entry == nil {
		entry = &memoryEntry{}
		s.entries[key] = entry
	}
	entry.value += amount
	entry.expiresAt = time.Now().Add(ttl)
	return entry.value, nil
}

// GetCount returns the current value of a counter.
func (s *MemoryUsageStore) GetCount(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.get(key)
	if entry == nil {
		return 0, nil
	}
	return entry.value, nil
}

// MarkOnce sets a debounce flag and reports whether this caller won.
func (s *MemoryUsageStore) MarkOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.get(key) != nil {
		return false, nil
	}
	s.entries[key] = &memoryEntry{value: 1, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

// get returns a live entry, dropping it when expired. Caller holds the lock.
func (s *MemoryUsageStore) get(key string) *memoryEntry {
	entry, ok := s.entries[key]
	if !ok {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return entry
}
