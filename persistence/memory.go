package persistence

import (
	"context"
	"sync"
	"time"
)

const (
	defaultMemorySize = 1000
	defaultMemoryTTL  = 24 * time.Hour
)

// Memory is a FIFO-sized in-memory backend. When the store exceeds its size
// the oldest record is evicted, and records older than the TTL are dropped
// lazily on access.
type Memory struct {
	mu   sync.Mutex
	recs []Record
	size int
	ttl  time.Duration
	now  func() time.Time
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithMemorySize bounds the number of retained records. Default 1000.
func WithMemorySize(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.size = n
		}
	}
}

// WithMemoryTTL bounds record age. Default 24h.
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// NewMemory creates an in-memory backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		size: defaultMemorySize,
		ttl:  defaultMemoryTTL,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Store(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()
	for len(m.recs) >= m.size {
		m.recs = m.recs[1:]
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *Memory) MarkStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recs {
		if m.recs[i].ID == id {
			m.recs[i].Status = status
			break
		}
	}
	return nil
}

func (m *Memory) Pending(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()
	var out []Record
	for _, rec := range m.recs {
		if rec.Status == StatusPending || rec.Status == StatusSent {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) evictLocked() {
	cutoff := m.now().Add(-m.ttl)
	i := 0
	for i < len(m.recs) && m.recs[i].StoredAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.recs = m.recs[i:]
	}
}
