package store

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/roach88/evgraph/internal/event"
)

// Memory is an in-process EventStore for deterministic unit tests.
// Events are held in canonical encoded form so callers cannot mutate
// stored content through a returned slice.
type Memory struct {
	mu     sync.RWMutex
	events map[event.Hash]memRecord
	state  RotationState
}

type memRecord struct {
	timestamp uint64
	raw       []byte
}

var _ EventStore = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{events: make(map[event.Hash]memRecord)}
}

func (m *Memory) Get(_ context.Context, id event.Hash) (event.Event, bool, error) {
	m.mu.RLock()
	rec, ok := m.events[id]
	m.mu.RUnlock()
	if !ok {
		return event.Event{}, false, nil
	}
	e, err := event.Unmarshal(rec.raw)
	if err != nil {
		return event.Event{}, false, wrap("get", err)
	}
	return e, true, nil
}

func (m *Memory) Insert(_ context.Context, e event.Event) error {
	id := e.ID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[id]; ok {
		return nil
	}
	m.events[id] = memRecord{timestamp: e.Header.Timestamp, raw: e.Marshal()}
	return nil
}

func (m *Memory) Contains(_ context.Context, id event.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.events[id]
	return ok, nil
}

// IterIDs yields a sorted snapshot of the ids present when iteration starts.
func (m *Memory) IterIDs(ctx context.Context) iter.Seq2[event.Hash, error] {
	return func(yield func(event.Hash, error) bool) {
		m.mu.RLock()
		ids := make([]event.Hash, 0, len(m.events))
		for id := range m.events {
			ids = append(ids, id)
		}
		m.mu.RUnlock()

		slices.SortFunc(ids, event.Hash.Compare)
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(event.NullID, wrap("iterate", err))
				return
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events), nil
}

func (m *Memory) Rotate(_ context.Context, genesis event.Event, epoch int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, rec := range m.events {
		if rec.timestamp < genesis.Header.Timestamp {
			delete(m.events, id)
			removed++
		}
	}
	id := genesis.ID()
	if _, ok := m.events[id]; !ok {
		m.events[id] = memRecord{timestamp: genesis.Header.Timestamp, raw: genesis.Marshal()}
	}
	m.state = RotationState{Genesis: id, Boundary: genesis.Header.Timestamp, Epoch: epoch}
	return removed, nil
}

func (m *Memory) State(_ context.Context) (RotationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, nil
}

func (m *Memory) Close() error {
	return nil
}
