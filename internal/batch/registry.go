package batch

import (
	"github.com/sells-group/erc721-indexer/internal/model"
)

type kindEntries struct {
	byID  map[string]int
	items []model.Entity
}

// Registry maps each entity kind to the instances generated for it in the
// current batch, keyed by id.
type Registry struct {
	kinds map[model.Kind]*kindEntries
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[model.Kind]*kindEntries)}
}

// Register stores e under (kind, id). A second registration of the same id
// replaces the instance but keeps the position of the first one.
func (r *Registry) Register(e model.Entity) {
	k := r.kinds[e.Kind()]
	if k == nil {
		k = &kindEntries{byID: make(map[string]int)}
		r.kinds[e.Kind()] = k
	}
	if i, ok := k.byID[e.EntityID()]; ok {
		k.items[i] = e
		return
	}
	k.byID[e.EntityID()] = len(k.items)
	k.items = append(k.items, e)
}

// All returns the deduplicated instances of kind in registration order.
func (r *Registry) All(kind model.Kind) []model.Entity {
	k := r.kinds[kind]
	if k == nil {
		return nil
	}
	out := make([]model.Entity, len(k.items))
	copy(out, k.items)
	return out
}

// Lookup returns the registered instance of kind with the given id.
func (r *Registry) Lookup(kind model.Kind, id string) (model.Entity, bool) {
	k := r.kinds[kind]
	if k == nil {
		return nil, false
	}
	i, ok := k.byID[id]
	if !ok {
		return nil, false
	}
	return k.items[i], true
}

// Owner returns the registered Owner with the given id.
func (r *Registry) Owner(id string) (*model.Owner, bool) {
	e, ok := r.Lookup(model.KindOwner, id)
	if !ok {
		return nil, false
	}
	o, ok := e.(*model.Owner)
	return o, ok
}

// Token returns the registered Token with the given id.
func (r *Registry) Token(id string) (*model.Token, bool) {
	e, ok := r.Lookup(model.KindToken, id)
	if !ok {
		return nil, false
	}
	t, ok := e.(*model.Token)
	return t, ok
}

// Len returns the number of distinct ids registered for kind.
func (r *Registry) Len(kind model.Kind) int {
	k := r.kinds[kind]
	if k == nil {
		return 0
	}
	return len(k.items)
}

// Clear removes every registered instance.
func (r *Registry) Clear() {
	clear(r.kinds)
}
