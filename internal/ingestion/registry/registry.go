// Package registry publishes the status of running ingestion sessions so
// other daemons and operators can discover them.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExists   = errors.New("session already registered")
	ErrClosed   = errors.New("registry is closed")
)

// Registry stores session records.
type Registry interface {
	// Register adds a record. Re-registering the same ID refreshes it and
	// keeps the original CreatedAt.
	Register(ctx context.Context, rec *Record) error

	// Update replaces an existing record and refreshes its heartbeat.
	Update(ctx context.Context, rec *Record) error

	// Heartbeat extends the record's lifetime without changing it.
	Heartbeat(ctx context.Context, id string) error

	Get(ctx context.Context, id string) (*Record, error)

	// List returns every live record ordered by ID.
	List(ctx context.Context) ([]*Record, error)

	Unregister(ctx context.Context, id string) error
	Close() error
}

// Memory is an in-process Registry used when Redis is disabled.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
	closed  bool
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record), now: time.Now}
}

func (m *Memory) Register(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	now := m.now()
	c := rec.clone()
	c.CreatedAt = now
	if old, ok := m.records[rec.ID]; ok {
		c.CreatedAt = old.CreatedAt
	}
	c.LastHeartbeat = now
	m.records[rec.ID] = c
	rec.CreatedAt, rec.LastHeartbeat = c.CreatedAt, c.LastHeartbeat
	return nil
}

func (m *Memory) Update(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	old, ok := m.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	c := rec.clone()
	c.CreatedAt = old.CreatedAt
	c.LastHeartbeat = m.now()
	m.records[rec.ID] = c
	return nil
}

func (m *Memory) Heartbeat(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.LastHeartbeat = m.now()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (m *Memory) List(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.clone())
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) Unregister(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = nil
	return nil
}

func sortRecords(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}

var _ Registry = (*Memory)(nil)
