package archive

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"relay/internal/relay"
)

// Memory is an in-process relay.Archive. It survives hub restarts within one
// process, which is what tests and single-node development need.
type Memory struct {
	mu      sync.RWMutex
	events  []relay.Event
	last     uint64
	reserved uint64
	cursors map[string]uint64
}

func NewMemory() *Memory {
	return &Memory{cursors: make(map[string]uint64)}
}

func (m *Memory) StoreEvent(_ context.Context, e relay.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, found := slices.BinarySearchFunc(m.events, e.Sequence, func(x relay.Event, seq uint64) int {
		return cmp.Compare(x.Sequence, seq)
	})
	if !found {
		m.events = slices.Insert(m.events, i, e)
	}
	m.last = max(m.last, e.Sequence)

	return nil
}

func (m *Memory) LoadEvents(_ context.Context, after uint64, limit int) ([]relay.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, _ := slices.BinarySearchFunc(m.events, after+1, func(x relay.Event, seq uint64) int {
		return cmp.Compare(x.Sequence, seq)
	})
	out := m.events[i:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return slices.Clone(out), nil
}

func (m *Memory) LastSequence(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.last, nil
}

func (m *Memory) ReserveSequences(_ context.Context, upTo uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reserved = max(m.reserved, upTo)

	return nil
}

func (m *Memory) ReservedSequence(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.reserved, nil
}

func (m *Memory) GetCursor(_ context.Context, subscriberID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur, ok := m.cursors[subscriberID]
	if !ok {
		return 0, relay.ErrNotFound
	}

	return cur, nil
}

func (m *Memory) CommitCursor(_ context.Context, subscriberID string, cursor uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.cursors[subscriberID]; ok && cursor <= cur {
		return nil
	}
	m.cursors[subscriberID] = cursor

	return nil
}
