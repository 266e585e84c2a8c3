// Package indexer drives decoded logs through the entity pipeline one block
// range at a time.
package indexer

import (
	"context"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/erc721-indexer/internal/batch"
	"github.com/sells-group/erc721-indexer/internal/entitygen"
	"github.com/sells-group/erc721-indexer/internal/fetcher"
	"github.com/sells-group/erc721-indexer/internal/metrics"
	"github.com/sells-group/erc721-indexer/internal/model"
	"github.com/sells-group/erc721-indexer/internal/resilience"
	"github.com/sells-group/erc721-indexer/internal/store"
)

// Parser stages the facts carried by one decoded log.
type Parser interface {
	Parse(st *batch.State, l model.DecodedLog) bool
}

// Generator runs the configured generation steps over a batch.
type Generator interface {
	GenerateAll(ctx context.Context, st *batch.State, s store.Store) error
}

// Config controls batching and batch retries.
type Config struct {
	// BatchBlocks is the number of consecutive blocks per batch. Default 100.
	BatchBlocks uint64
	// Retry governs re-running a failed batch. Only transient errors retry.
	Retry resilience.RetryConfig
}

// Summary reports what a Run processed.
type Summary struct {
	Batches   int            `json:"batches" yaml:"batches"`
	Logs      int            `json:"logs" yaml:"logs"`
	Accepted  int            `json:"accepted" yaml:"accepted"`
	LastBlock uint64         `json:"last_block" yaml:"last_block"`
	Entities  map[string]int `json:"entities" yaml:"entities"`
}

// Indexer owns the batch state and feeds it from a log stream.
type Indexer struct {
	parser Parser
	gen    Generator
	store  store.Store
	log    BatchLog
	cfg    Config
	state  *batch.State
}

// New returns an Indexer. A nil batch log records nothing durable.
func New(parser Parser, gen Generator, s store.Store, bl BatchLog, cfg Config) *Indexer {
	if cfg.BatchBlocks == 0 {
		cfg.BatchBlocks = 100
	}
	if bl == nil {
		bl = NewMemoryBatchLog()
	}
	return &Indexer{
		parser: parser,
		gen:    gen,
		store:  s,
		log:    bl,
		cfg:    cfg,
		state:  batch.NewState(),
	}
}

// State exposes the batch state, e.g. to inspect it after a failure.
func (ix *Indexer) State() *batch.State {
	return ix.state
}

// RunReader decodes a JSON array of logs from r and runs it.
func (ix *Indexer) RunReader(ctx context.Context, r io.Reader) (Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logs, errc := fetcher.DecodeJSONArray[model.DecodedLog](ctx, r)
	return ix.Run(ctx, logs, errc)
}

// Run groups logs into batches of BatchBlocks blocks, starting a new batch
// whenever a log falls outside the current range, and processes each in
// order. Logs must arrive in block order. The first failed batch stops the run.
func (ix *Indexer) Run(ctx context.Context, logs <-chan model.DecodedLog, errc <-chan error) (Summary, error) {
	sum := Summary{Entities: make(map[string]int)}
	var (
		pending []model.DecodedLog
		from    uint64
	)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		to := pending[len(pending)-1].Block.Height
		counts, accepted, err := ix.ProcessBatch(ctx, from, to, pending)
		if err != nil {
			return err
		}
		sum.Batches++
		sum.Accepted += accepted
		sum.LastBlock = to
		for k, n := range counts {
			sum.Entities[k] += n
		}
		pending = pending[:0]
		return nil
	}

	for l := range logs {
		sum.Logs++
		if len(pending) > 0 && l.Block.Height >= from+ix.cfg.BatchBlocks {
			if err := flush(); err != nil {
				return sum, err
			}
		}
		if len(pending) == 0 {
			from = l.Block.Height
		}
		pending = append(pending, l)
	}
	if errc != nil {
		if err := <-errc; err != nil {
			return sum, eris.Wrap(err, "indexer: read logs")
		}
	}
	if err := flush(); err != nil {
		return sum, err
	}
	return sum, nil
}

// ProcessBatch runs one batch: clear, parse, generate and persist, clear.
// Transient failures re-run the whole batch from a cleared state. On final
// failure the state is left as the failing attempt left it.
func (ix *Indexer) ProcessBatch(ctx context.Context, from, to uint64, logs []model.DecodedLog) (map[string]int, int, error) {
	log := zap.L().With(
		zap.String("component", "indexer"),
		zap.Uint64("from_block", from),
		zap.Uint64("to_block", to),
	)

	id, err := ix.log.Start(ctx, from, to)
	if err != nil {
		return nil, 0, err
	}

	retry := ix.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("indexer", "process batch")
	}

	var attempts, accepted int
	err = resilience.Do(ctx, retry, func(ctx context.Context) error {
		attempts++
		ix.state.Clear()
		accepted = 0
		for _, l := range logs {
			if ix.parser.Parse(ix.state, l) {
				accepted++
			}
		}
		return ix.gen.GenerateAll(ctx, ix.state, ix.store)
	})
	if err != nil {
		metrics.Batches.WithLabelValues(StatusFailed).Inc()
		if ferr := ix.log.Fail(context.WithoutCancel(ctx), id, attempts, err.Error()); ferr != nil {
			log.Warn("failed to record batch failure", zap.Error(ferr))
		}
		return nil, accepted, eris.Wrapf(err, "indexer: batch %d-%d", from, to)
	}

	counts := make(map[string]int, len(model.Kinds))
	for _, k := range model.Kinds {
		counts[k.String()] = ix.state.Entities.Len(k)
	}
	entitygen.ClearBatchState(ix.state)

	if err := ix.log.Complete(ctx, id, attempts, counts); err != nil {
		return counts, accepted, err
	}
	metrics.Batches.WithLabelValues(StatusComplete).Inc()
	metrics.LastBlock.Set(float64(to))

	log.Info("batch complete",
		zap.Int("logs", len(logs)),
		zap.Int("accepted", accepted),
		zap.Int("attempts", attempts),
		zap.Any("entities", counts),
	)
	return counts, accepted, nil
}
