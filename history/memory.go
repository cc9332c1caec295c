package history

import (
	"context"
	"sync"
	"time"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/id"
)

// Memory is a bounded in-process Store. When the bound is reached the
// oldest entry is dropped to admit the new one.
type Memory struct {
	mu      sync.Mutex
	entries []*Entry
	byID    map[string]*Entry
	limit   int
}

var _ Store = (*Memory)(nil)

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithLimit bounds the number of retained entries.
func WithLimit(n int) MemoryOption {
	return func(m *Memory) { m.limit = n }
}

// NewMemory creates a bounded in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		byID:  make(map[string]*Entry),
		limit: defaultMemoryLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.limit < 1 {
		m.limit = 1
	}
	return m
}

// Append records an entry, evicting the oldest when full.
func (m *Memory) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= m.limit {
		evicted := m.entries[0]
		m.entries = m.entries[1:]
		delete(m.byID, evicted.ID.String())
	}
	cp := *e
	m.entries = append(m.entries, &cp)
	m.byID[e.ID.String()] = &cp
	return nil
}

// List returns entries matching opts, oldest first.
func (m *Memory) List(_ context.Context, opts ListOpts) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if opts.TaskType != "" && e.Task.Type != opts.TaskType {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Get retrieves one entry by ID.
func (m *Memory) Get(_ context.Context, entryID id.HistoryID) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[entryID.String()]
	if !ok {
		return nil, fabric.ErrHistoryNotFound
	}
	cp := *e
	return &cp, nil
}

// MarkReplayed stamps an entry's ReplayedAt.
func (m *Memory) MarkReplayed(_ context.Context, entryID id.HistoryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[entryID.String()]
	if !ok {
		return fabric.ErrHistoryNotFound
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	return nil
}

// Purge removes entries recorded before the given time.
func (m *Memory) Purge(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	purged := 0
	for _, e := range m.entries {
		if e.RecordedAt.Before(before) {
			delete(m.byID, e.ID.String())
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return purged, nil
}

// Count returns the number of stored entries.
func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}
