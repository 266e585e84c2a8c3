package entitygen

import (
	"context"
	"fmt"
	"maps"

	"github.com/rotisserie/eris"

	"github.com/sells-group/erc721-indexer/internal/batch"
	"github.com/sells-group/erc721-indexer/internal/model"
	"github.com/sells-group/erc721-indexer/internal/store"
)

// Record is the loosely typed field set a generator or extender produces for
// one entity. Keys are the model.Field* names.
type Record map[string]any

// ID returns the record's correlation id.
func (r Record) ID() (string, bool) {
	id, ok := r[model.FieldID].(string)
	return id, ok && id != ""
}

// PersistMode selects the store write used for a step's entities.
type PersistMode int

const (
	// Insert is for append-only kinds. Existing ids fail the batch.
	Insert PersistMode = iota + 1
	// Upsert is for mutable or cross-batch kinds.
	Upsert
)

func (m PersistMode) String() string {
	switch m {
	case Insert:
		return "insert"
	case Upsert:
		return "upsert"
	default:
		return fmt.Sprintf("PersistMode(%d)", int(m))
	}
}

// GenerateFunc derives partial records from staged facts, entities registered
// by earlier steps, and entities persisted by earlier batches.
type GenerateFunc func(ctx context.Context, st *batch.State, r store.Reader) ([]Record, error)

// ExtendFunc enriches partial records. It must return exactly one record per
// distinct partial id; order does not matter.
type ExtendFunc func(ctx context.Context, st *batch.State, partials []Record) ([]Record, error)

// Step produces one entity kind.
type Step struct {
	Kind     model.Kind
	Generate GenerateFunc
	Extend   ExtendFunc // optional
	Persist  PersistMode
}

func (s Step) validate() error {
	if !s.Kind.Valid() {
		return eris.Errorf("entitygen: step has unknown kind %d", int(s.Kind))
	}
	if s.Generate == nil {
		return eris.Errorf("entitygen: %s step has no generator", s.Kind)
	}
	if s.Persist != Insert && s.Persist != Upsert {
		return eris.Errorf("entitygen: %s step has invalid persist mode %s", s.Kind, s.Persist)
	}
	return nil
}

// Merge joins extender output onto generator output by record id. Extended
// fields win on key collision. Every partial must find its extended record
// and every extended record must belong to a partial.
func Merge(partials, extended []Record) ([]Record, error) {
	byID := make(map[string]Record, len(extended))
	for i, e := range extended {
		id, ok := e.ID()
		if !ok {
			return nil, eris.Errorf("entitygen: merge: extended record %d has no id", i)
		}
		if _, dup := byID[id]; dup {
			return nil, eris.Errorf("entitygen: merge: extender returned id %q twice", id)
		}
		byID[id] = e
	}

	out := make([]Record, len(partials))
	matched := make(map[string]bool, len(byID))
	for i, p := range partials {
		id, ok := p.ID()
		if !ok {
			return nil, eris.Errorf("entitygen: merge: partial record %d has no id", i)
		}
		e, ok := byID[id]
		if !ok {
			return nil, eris.Errorf("entitygen: merge: extender returned no record for id %q", id)
		}
		merged := maps.Clone(p)
		maps.Copy(merged, e)
		out[i] = merged
		matched[id] = true
	}
	if len(matched) != len(byID) {
		return nil, eris.Errorf("entitygen: merge: extender returned %d records for %d partial ids",
			len(byID), len(matched))
	}
	return out, nil
}
