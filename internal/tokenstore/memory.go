package tokenstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// cleanupInterval controls how often expired entries are reaped.
const cleanupInterval = time.Minute

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Store. All state is lost on restart.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
	stopGC  chan struct{}
	once    sync.Once
}

// NewMemory creates an empty store and starts a background goroutine
// that periodically removes expired entries. Call Close to stop it.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
		stopGC:  make(chan struct{}),
	}
	go m.gcLoop()

	return m
}

func (m *Memory) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopGC:
			return
		}
	}
}

// cleanup removes all expired entries.
func (m *Memory) cleanup() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}

// Put stores value under key for ttl.
func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("put %q: ttl must be positive", key)
	}

	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	m.entries[key] = memoryEntry{value: v, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()

	return nil
}

// Get returns the value for key. Expired entries are treated as absent
// even before the gc loop reaps them.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || !m.now().Before(e.expiresAt) {
		return nil, ErrNotFound
	}

	return e.value, nil
}

// Take returns and deletes the value for key under a single lock, so two
// concurrent callers can never both observe the same entry.
func (m *Memory) Take(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}

	delete(m.entries, key)

	if !m.now().Before(e.expiresAt) {
		return nil, ErrNotFound
	}

	return e.value, nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()

	return nil
}

// Len returns the number of entries, including expired ones not yet reaped.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}

// Close terminates the background cleanup goroutine.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stopGC) })
	return nil
}

var _ Store = (*Memory)(nil)
