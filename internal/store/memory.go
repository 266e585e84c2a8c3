package store

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/erc721-indexer/internal/model"
)

// MemoryStore keeps entities in process memory. It backs tests and dry runs.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[model.Kind]map[string]model.Entity
	// order records first-write order per kind for deterministic listing.
	order map[model.Kind][]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		data:  make(map[model.Kind]map[string]model.Entity),
		order: make(map[model.Kind][]string),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) Get(_ context.Context, kind model.Kind, id string) (model.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[kind][id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: %s %s", kind, id)
	}
	return e, nil
}

func (m *MemoryStore) Insert(_ context.Context, kind model.Kind, entities []model.Entity) error {
	if err := checkKind(kind, entities); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(entities))
	for _, e := range entities {
		if _, ok := m.data[kind][e.EntityID()]; ok || seen[e.EntityID()] {
			return eris.Wrapf(ErrDuplicate, "memory: insert %s %s", kind, e.EntityID())
		}
		seen[e.EntityID()] = true
	}
	m.put(kind, entities)
	return nil
}

func (m *MemoryStore) Save(_ context.Context, kind model.Kind, entities []model.Entity) error {
	if err := checkKind(kind, entities); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(kind, entities)
	return nil
}

func (m *MemoryStore) put(kind model.Kind, entities []model.Entity) {
	byID := m.data[kind]
	if byID == nil {
		byID = make(map[string]model.Entity)
		m.data[kind] = byID
	}
	for _, e := range entities {
		if _, ok := byID[e.EntityID()]; !ok {
			m.order[kind] = append(m.order[kind], e.EntityID())
		}
		byID[e.EntityID()] = e
	}
}

// All returns every stored entity of kind in first-write order.
func (m *MemoryStore) All(kind model.Kind) []model.Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Entity, 0, len(m.order[kind]))
	for _, id := range m.order[kind] {
		out = append(out, m.data[kind][id])
	}
	return out
}

// Count returns the number of stored entities of kind.
func (m *MemoryStore) Count(kind model.Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[kind])
}
