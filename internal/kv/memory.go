package kv

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	n         int64
	expiresAt time.Time
}

// MemoryStore is a thread-safe in-process Store. It is meant for tests and
// single-process local runs; it does not coordinate across processes.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
	down    bool
}

// NewMemoryStore creates an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// SetDown makes every operation fail with ErrUnavailable while down is true.
func (m *MemoryStore) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, ErrUnavailable
	}
	now := m.now()
	e, ok := m.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		e = entry{expiresAt: now.Add(ttl)}
	}
	e.n++
	m.entries[key] = e
	return e.n, nil
}

func (m *MemoryStore) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, ErrUnavailable
	}
	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	m.entries[key] = entry{n: 1, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	return nil
}

// Evict removes expired entries and returns how many were dropped.
func (m *MemoryStore) Evict() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	dropped := 0
	for key, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, key)
			dropped++
		}
	}
	return dropped
}
