package mirror

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostdev-ops/pma-realtime-go/internal/delivery"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is a process-local mirror. It survives nothing but is useful for
// single-node deployments and tests.
type Memory struct {
	mu    sync.RWMutex
	data  map[string]memoryEntry
	bytes int
	now   func() time.Time
	ops   atomic.Uint64
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.ops.Add(1)
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[key]; ok {
		m.bytes -= len(old.value)
	}
	m.data[key] = entry
	m.bytes += len(entry.value)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.ops.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.data[key]
	if !ok || entry.expired(m.now()) {
		return nil, delivery.ErrMirrorMiss
	}
	return append([]byte(nil), entry.value...), nil
}

func (m *Memory) List(_ context.Context, prefix string) (map[string][]byte, error) {
	m.ops.Add(1)
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte)
	for key, entry := range m.data {
		if strings.HasPrefix(key, prefix) && !entry.expired(now) {
			out[key] = append([]byte(nil), entry.value...)
		}
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) (int64, error) {
	m.ops.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if entry, ok := m.data[key]; ok {
			m.bytes -= len(entry.value)
			delete(m.data, key)
			removed++
		}
	}
	return removed, nil
}

// Compact removes expired entries
func (m *Memory) Compact(_ context.Context) (int64, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for key, entry := range m.data {
		if entry.expired(now) {
			m.bytes -= len(entry.value)
			delete(m.data, key)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Stats(_ context.Context) (delivery.ExternalStoreMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return delivery.ExternalStoreMetrics{
		Connections: 1,
		Memory:      uint64(m.bytes),
		Operations:  m.ops.Load(),
	}, nil
}

func (m *Memory) Close() error { return nil }
