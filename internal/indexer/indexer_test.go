package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/erc721-indexer/internal/batch"
	"github.com/sells-group/erc721-indexer/internal/entitygen"
	"github.com/sells-group/erc721-indexer/internal/erc721"
	"github.com/sells-group/erc721-indexer/internal/model"
	"github.com/sells-group/erc721-indexer/internal/resilience"
	"github.com/sells-group/erc721-indexer/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func transferAt(height uint64, id, from, to, tokenID string) model.DecodedLog {
	return model.DecodedLog{
		ID:              id,
		Address:         erc721.DefaultContract,
		Event:           erc721.EventTransfer,
		Args:            map[string]string{"from": from, "to": to, "tokenId": tokenID},
		TransactionHash: "0x" + id,
		Block: model.BlockHeader{
			Height:    height,
			Hash:      fmt.Sprintf("0xblock%d", height),
			Timestamp: time.Unix(int64(1_600_000_000+height*12), 0).UTC(),
		},
	}
}

func newERC721Indexer(t *testing.T, s store.Store, bl BatchLog, cfg Config) *Indexer {
	t.Helper()
	g := entitygen.New()
	require.NoError(t, g.SetGenerationOrder(erc721.Steps(erc721.Options{})...))
	return New(erc721.NewParser(erc721.DefaultContract), g, s, bl, cfg)
}

func feed(logs ...model.DecodedLog) (<-chan model.DecodedLog, <-chan error) {
	ch := make(chan model.DecodedLog, len(logs))
	for _, l := range logs {
		ch <- l
	}
	close(ch)
	errc := make(chan error)
	close(errc)
	return ch, errc
}

// genFunc adapts a function to Generator.
type genFunc func(ctx context.Context, st *batch.State, s store.Store) error

func (f genFunc) GenerateAll(ctx context.Context, st *batch.State, s store.Store) error {
	return f(ctx, st, s)
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestRun_GroupsByBlockRange(t *testing.T) {
	s := store.NewMemory()
	bl := NewMemoryBatchLog()
	ix := newERC721Indexer(t, s, bl, Config{BatchBlocks: 10})

	logs, errc := feed(
		transferAt(1, "t1", "A", "B", "1"),
		transferAt(2, "t2", "B", "C", "1"),
		transferAt(5, "t3", "C", "D", "2"),
		transferAt(11, "t4", "D", "E", "2"),
		transferAt(12, "t5", "E", "A", "3"),
	)
	sum, err := ix.Run(context.Background(), logs, errc)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Batches)
	assert.Equal(t, 5, sum.Logs)
	assert.Equal(t, 5, sum.Accepted)
	assert.Equal(t, uint64(12), sum.LastBlock)
	assert.Equal(t, 5, sum.Entities["Transfer"])

	entries, err := bl.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, StatusComplete, e.Status)
		assert.Equal(t, 1, e.Attempts)
	}

	last, err := bl.LastComplete(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, uint64(11), last.FromBlock)
	assert.Equal(t, uint64(12), last.ToBlock)
	assert.Equal(t, map[string]int{"Owner": 3, "Token": 2, "Transfer": 2}, last.Entities)

	assert.Equal(t, 5, s.Count(model.KindOwner))
	assert.Equal(t, 3, s.Count(model.KindToken))
	assert.Equal(t, 5, s.Count(model.KindTransfer))
	assert.True(t, ix.State().Empty())
}

func TestRun_TokenOwnerCarriedAcrossBatches(t *testing.T) {
	s := store.NewMemory()
	ix := newERC721Indexer(t, s, nil, Config{BatchBlocks: 1})

	logs, errc := feed(
		transferAt(1, "t1", "A", "B", "1"),
		transferAt(2, "t2", "B", "C", "1"),
	)
	_, err := ix.Run(context.Background(), logs, errc)
	require.NoError(t, err)

	e, err := s.Get(context.Background(), model.KindToken, "1")
	require.NoError(t, err)
	assert.Equal(t, "c", e.(*model.Token).Owner.ID)
}

func TestProcessBatch_RetriesTransientFromCleanState(t *testing.T) {
	var calls int
	var seen []int
	gen := genFunc(func(_ context.Context, st *batch.State, _ store.Store) error {
		calls++
		events, err := batch.Vector[model.TransferEvent](st.Facts, erc721.FactTransferEvents)
		require.NoError(t, err)
		seen = append(seen, len(events))
		if calls == 1 {
			return resilience.NewTransientError(errors.New("connection reset"), 0)
		}
		return nil
	})
	bl := NewMemoryBatchLog()
	ix := New(erc721.NewParser(erc721.DefaultContract), gen, store.NewMemory(), bl, Config{Retry: fastRetry()})

	logs := []model.DecodedLog{transferAt(1, "t1", "A", "B", "1"), transferAt(1, "t2", "B", "A", "1")}
	_, accepted, err := ix.ProcessBatch(context.Background(), 1, 1, logs)
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)
	assert.Equal(t, []int{2, 2}, seen)

	entries, _ := bl.ListRecent(context.Background(), 1)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Equal(t, StatusComplete, entries[0].Status)
}

func TestProcessBatch_PermanentFailureKeepsState(t *testing.T) {
	var calls int
	gen := genFunc(func(context.Context, *batch.State, store.Store) error {
		calls++
		return errors.New("entitygen: Token step: build")
	})
	bl := NewMemoryBatchLog()
	ix := New(erc721.NewParser(erc721.DefaultContract), gen, store.NewMemory(), bl, Config{Retry: fastRetry()})

	_, _, err := ix.ProcessBatch(context.Background(), 7, 9, []model.DecodedLog{transferAt(7, "t1", "A", "B", "1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "indexer: batch 7-9")
	assert.Equal(t, 1, calls)
	assert.False(t, ix.State().Empty())

	entries, _ := bl.ListRecent(context.Background(), 1)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusFailed, entries[0].Status)
	assert.Contains(t, entries[0].Error, "Token step")
}

func TestRun_StopsAtFailedBatch(t *testing.T) {
	var batches int
	gen := genFunc(func(context.Context, *batch.State, store.Store) error {
		batches++
		if batches == 2 {
			return errors.New("boom")
		}
		return nil
	})
	ix := New(erc721.NewParser(erc721.DefaultContract), gen, store.NewMemory(), nil, Config{BatchBlocks: 1, Retry: fastRetry()})

	logs, errc := feed(
		transferAt(1, "t1", "A", "B", "1"),
		transferAt(2, "t2", "A", "B", "2"),
		transferAt(3, "t3", "A", "B", "3"),
	)
	sum, err := ix.Run(context.Background(), logs, errc)
	require.Error(t, err)
	assert.Equal(t, 1, sum.Batches)
	assert.Equal(t, uint64(1), sum.LastBlock)
	assert.Equal(t, 2, batches)
}

func TestRunReader(t *testing.T) {
	s := store.NewMemory()
	ix := newERC721Indexer(t, s, nil, Config{})

	input := `[
		{"id":"t1","address":"0xBC4CA0EDA7647A8AB7C2061C2E118A18A936F13D","event":"Transfer",
		 "args":{"from":"0x0000000000000000000000000000000000000000","to":"0xabc","tokenId":"0"},
		 "transaction_hash":"0xtx1","block":{"height":12287507,"hash":"0xb1","timestamp":"2021-04-22T23:13:40Z"}},
		{"id":"t2","address":"0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d","event":"Approval",
		 "args":{},"transaction_hash":"0xtx2","block":{"height":12287508,"hash":"0xb2","timestamp":"2021-04-22T23:13:52Z"}}
	]`
	sum, err := ix.RunReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Batches)
	assert.Equal(t, 2, sum.Accepted)

	e, err := s.Get(context.Background(), model.KindTransfer, "t1")
	require.NoError(t, err)
	tr := e.(*model.Transfer)
	assert.Equal(t, "0x0000000000000000000000000000000000000000", tr.From.ID)
	assert.Equal(t, time.Date(2021, 4, 22, 23, 13, 40, 0, time.UTC), tr.Timestamp)
}

func TestRunReader_DecodeError(t *testing.T) {
	ix := newERC721Indexer(t, store.NewMemory(), nil, Config{})
	_, err := ix.RunReader(context.Background(), strings.NewReader(`{"not":"an array"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "indexer: read logs")
}

func TestRun_Empty(t *testing.T) {
	ix := newERC721Indexer(t, store.NewMemory(), nil, Config{})
	logs, errc := feed()
	sum, err := ix.Run(context.Background(), logs, errc)
	require.NoError(t, err)
	assert.Zero(t, sum.Batches)
}
