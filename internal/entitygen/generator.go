// Package entitygen turns one batch of staged facts into persisted entities
// by running an ordered list of generation steps.
package entitygen

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/erc721-indexer/internal/batch"
	"github.com/sells-group/erc721-indexer/internal/metrics"
	"github.com/sells-group/erc721-indexer/internal/model"
	"github.com/sells-group/erc721-indexer/internal/store"
)

// ErrBusy is returned when GenerateAll is entered while a batch is running.
var ErrBusy = errors.New("entitygen: a batch is already running")

// Generator runs generation steps in caller-declared order. The order is not
// checked for reference dependencies: a step that resolves another kind must
// come after it.
type Generator struct {
	steps   []Step
	running atomic.Bool
}

// New returns a Generator with no steps.
func New() *Generator {
	return &Generator{}
}

// SetGenerationOrder installs the step order. It is called once at startup.
func (g *Generator) SetGenerationOrder(steps ...Step) error {
	if g.steps != nil {
		return eris.New("entitygen: generation order already set")
	}
	if len(steps) == 0 {
		return eris.New("entitygen: empty generation order")
	}
	seen := make(map[model.Kind]bool, len(steps))
	for _, s := range steps {
		if err := s.validate(); err != nil {
			return err
		}
		if seen[s.Kind] {
			return eris.Errorf("entitygen: %s appears twice in generation order", s.Kind)
		}
		seen[s.Kind] = true
	}
	g.steps = append([]Step(nil), steps...)
	return nil
}

// Order returns the declared kinds in execution order.
func (g *Generator) Order() []model.Kind {
	kinds := make([]model.Kind, len(g.steps))
	for i, s := range g.steps {
		kinds[i] = s.Kind
	}
	return kinds
}

// GenerateAll drives one batch through every step. Step N+1 starts only after
// step N has persisted. Any error aborts the batch and leaves st as it was at
// the failure point; callers clear it before retrying.
func (g *Generator) GenerateAll(ctx context.Context, st *batch.State, s store.Store) error {
	if len(g.steps) == 0 {
		return eris.New("entitygen: generation order not set")
	}
	if !g.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer g.running.Store(false)

	for _, step := range g.steps {
		if err := runStep(ctx, step, st, s); err != nil {
			metrics.StepFailures.WithLabelValues(step.Kind.String()).Inc()
			return err
		}
	}
	return nil
}

func runStep(ctx context.Context, step Step, st *batch.State, s store.Store) error {
	log := zap.L().With(
		zap.String("component", "entitygen"),
		zap.String("kind", step.Kind.String()),
	)
	start := time.Now()

	records, err := step.Generate(ctx, st, s)
	if err != nil {
		return eris.Wrapf(err, "entitygen: %s step: generate", step.Kind)
	}

	if step.Extend != nil && len(records) > 0 {
		extended, err := step.Extend(ctx, st, records)
		if err != nil {
			return eris.Wrapf(err, "entitygen: %s step: extend", step.Kind)
		}
		records, err = Merge(records, extended)
		if err != nil {
			return eris.Wrapf(err, "entitygen: %s step", step.Kind)
		}
	}

	for _, rec := range records {
		e, err := model.Build(step.Kind, rec)
		if err != nil {
			return eris.Wrapf(err, "entitygen: %s step: build", step.Kind)
		}
		st.Entities.Register(e)
	}

	entities := st.Entities.All(step.Kind)
	if len(entities) > 0 {
		switch step.Persist {
		case Insert:
			err = s.Insert(ctx, step.Kind, entities)
		case Upsert:
			err = s.Save(ctx, step.Kind, entities)
		}
		if err != nil {
			return eris.Wrapf(err, "entitygen: %s step: %s", step.Kind, step.Persist)
		}
		metrics.EntitiesPersisted.WithLabelValues(step.Kind.String(), step.Persist.String()).
			Add(float64(len(entities)))
	}

	elapsed := time.Since(start)
	metrics.StepDuration.WithLabelValues(step.Kind.String()).Observe(elapsed.Seconds())
	log.Debug("step complete",
		zap.Int("records", len(records)),
		zap.Int("persisted", len(entities)),
		zap.String("mode", step.Persist.String()),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

// ClearBatchState empties the staged facts and the entity registry. Call it
// once per batch after GenerateAll succeeds.
func ClearBatchState(st *batch.State) {
	st.Clear()
}
