package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/erc721-indexer/internal/db"
)

// Batch statuses recorded in the batch log.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// BatchEntry is one row of the batch log.
type BatchEntry struct {
	ID          string         `json:"id" yaml:"id"`
	FromBlock   uint64         `json:"from_block" yaml:"from_block"`
	ToBlock     uint64         `json:"to_block" yaml:"to_block"`
	Status      string         `json:"status" yaml:"status"`
	Attempts    int            `json:"attempts" yaml:"attempts"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Entities    map[string]int `json:"entities,omitempty" yaml:"entities,omitempty"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// BatchLog records the outcome of every batch.
type BatchLog interface {
	Start(ctx context.Context, fromBlock, toBlock uint64) (string, error)
	Complete(ctx context.Context, id string, attempts int, entities map[string]int) error
	Fail(ctx context.Context, id string, attempts int, errMsg string) error
	ListRecent(ctx context.Context, limit int) ([]BatchEntry, error)
	// LastComplete returns the most recently completed batch, or nil.
	LastComplete(ctx context.Context) (*BatchEntry, error)
}

// PostgresBatchLog stores entries in the indexer_batches table.
type PostgresBatchLog struct {
	pool  db.Pool
	newID func() string
}

// NewPostgresBatchLog returns a batch log backed by pool.
func NewPostgresBatchLog(pool db.Pool) *PostgresBatchLog {
	return &PostgresBatchLog{pool: pool, newID: uuid.NewString}
}

func (l *PostgresBatchLog) Start(ctx context.Context, fromBlock, toBlock uint64) (string, error) {
	id := l.newID()
	_, err := l.pool.Exec(ctx,
		`INSERT INTO indexer_batches (id, from_block, to_block, status, started_at)
		 VALUES ($1, $2, $3, 'running', now())`,
		id, int64(fromBlock), int64(toBlock),
	)
	if err != nil {
		return "", eris.Wrapf(err, "batchlog: start batch %d-%d", fromBlock, toBlock)
	}
	return id, nil
}

func (l *PostgresBatchLog) Complete(ctx context.Context, id string, attempts int, entities map[string]int) error {
	var countsJSON []byte
	if entities != nil {
		var err error
		countsJSON, err = json.Marshal(entities)
		if err != nil {
			return eris.Wrap(err, "batchlog: marshal entity counts")
		}
	}
	_, err := l.pool.Exec(ctx,
		`UPDATE indexer_batches
		 SET status = 'complete', completed_at = now(), attempts = $1, entities = $2
		 WHERE id = $3`,
		attempts, countsJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "batchlog: complete batch %s", id)
	}
	return nil
}

func (l *PostgresBatchLog) Fail(ctx context.Context, id string, attempts int, errMsg string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE indexer_batches
		 SET status = 'failed', completed_at = now(), attempts = $1, error = $2
		 WHERE id = $3`,
		attempts, errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "batchlog: fail batch %s", id)
	}
	return nil
}

const batchColumns = `id, from_block, to_block, status, attempts, started_at, completed_at, entities, error`

func (l *PostgresBatchLog) ListRecent(ctx context.Context, limit int) ([]BatchEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.pool.Query(ctx,
		`SELECT `+batchColumns+` FROM indexer_batches ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "batchlog: list recent")
	}
	defer rows.Close()

	var entries []BatchEntry
	for rows.Next() {
		e, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (l *PostgresBatchLog) LastComplete(ctx context.Context) (*BatchEntry, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM indexer_batches
		 WHERE status = 'complete' ORDER BY to_block DESC LIMIT 1`,
	)
	e, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanBatch(row pgx.Row) (BatchEntry, error) {
	var (
		e             BatchEntry
		fromBlock, to int64
		errStr        *string
		countsJSON    []byte
	)
	if err := row.Scan(&e.ID, &fromBlock, &to, &e.Status, &e.Attempts, &e.StartedAt, &e.CompletedAt, &countsJSON, &errStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, err
		}
		return e, eris.Wrap(err, "batchlog: scan entry")
	}
	e.FromBlock, e.ToBlock = uint64(fromBlock), uint64(to)
	if errStr != nil {
		e.Error = *errStr
	}
	if countsJSON != nil {
		_ = json.Unmarshal(countsJSON, &e.Entities)
	}
	return e, nil
}

// MemoryBatchLog keeps entries in memory for non-Postgres stores and tests.
type MemoryBatchLog struct {
	mu      sync.Mutex
	entries map[string]*BatchEntry
	now     func() time.Time
}

// NewMemoryBatchLog returns an empty in-memory batch log.
func NewMemoryBatchLog() *MemoryBatchLog {
	return &MemoryBatchLog{entries: make(map[string]*BatchEntry), now: time.Now}
}

func (l *MemoryBatchLog) Start(_ context.Context, fromBlock, toBlock uint64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := uuid.NewString()
	l.entries[id] = &BatchEntry{
		ID:        id,
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Status:    StatusRunning,
		Attempts:  1,
		StartedAt: l.now(),
	}
	return id, nil
}

func (l *MemoryBatchLog) finish(id, status string, attempts int, update func(*BatchEntry)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return eris.Errorf("batchlog: unknown batch %s", id)
	}
	now := l.now()
	e.Status, e.Attempts, e.CompletedAt = status, attempts, &now
	update(e)
	return nil
}

func (l *MemoryBatchLog) Complete(_ context.Context, id string, attempts int, entities map[string]int) error {
	return l.finish(id, StatusComplete, attempts, func(e *BatchEntry) { e.Entities = entities })
}

func (l *MemoryBatchLog) Fail(_ context.Context, id string, attempts int, errMsg string) error {
	return l.finish(id, StatusFailed, attempts, func(e *BatchEntry) { e.Error = errMsg })
}

func (l *MemoryBatchLog) ListRecent(_ context.Context, limit int) ([]BatchEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]BatchEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].FromBlock > out[j].FromBlock
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryBatchLog) LastComplete(ctx context.Context) (*BatchEntry, error) {
	entries, _ := l.ListRecent(ctx, 0)
	var last *BatchEntry
	for i := range entries {
		if entries[i].Status == StatusComplete && (last == nil || entries[i].ToBlock > last.ToBlock) {
			last = &entries[i]
		}
	}
	return last, nil
}
