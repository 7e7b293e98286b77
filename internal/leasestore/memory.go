package leasestore

import (
	"context"
	"sync"
	"time"

	"github.com/example/twin-collab/internal/clock"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// Memory is an in-process Store used by tests and single-node runs.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memoryEntry
}

// NewMemory constructs an in-memory lease store evaluating expiry with clk.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Memory{clock: clk, entries: make(map[string]memoryEntry)}
}

func (m *Memory) live(key string) (memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !m.clock.Now().Before(entry.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

// TryPut implements Store.
func (m *Memory) TryPut(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: m.clock.Now().Add(ttl)}
	return true, nil
}

// Extend implements Store.
func (m *Memory) Extend(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(key)
	if !ok || entry.value != value {
		return false, nil
	}
	entry.expiresAt = m.clock.Now().Add(ttl)
	m.entries[key] = entry
	return true, nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(key)
	return entry.value, ok, nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(key)
	if !ok || (value != "" && entry.value != value) {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}
