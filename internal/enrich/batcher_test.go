package enrich

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// recordingSleep captures requested delays instead of sleeping.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func TestChunks(t *testing.T) {
	items := make([]int, 250)
	chunks := Chunks(items, 100)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 100)
	assert.Len(t, chunks[1], 100)
	assert.Len(t, chunks[2], 50)

	assert.Len(t, Chunks([]int{1, 2, 3}, 3), 1)
	assert.Len(t, Chunks([]int{1, 2, 3}, 5), 1)
	assert.Nil(t, Chunks([]int{}, 5))
	assert.Nil(t, Chunks([]int{1}, 0))
}

func TestChunks_DoNotAlias(t *testing.T) {
	items := []int{1, 2, 3, 4}
	chunks := Chunks(items, 2)
	chunks[0] = append(chunks[0], 99)
	assert.Equal(t, []int{1, 2, 3, 4}, items)
}

func TestOffsets_OnePerSecond(t *testing.T) {
	offsets := Offsets(50, 1)
	require.Len(t, offsets, 50)
	for i, d := range offsets {
		assert.Equal(t, time.Duration(i+1)*time.Second, d, "item %d", i)
	}
}

func TestOffsets_MatchesCeilFormula(t *testing.T) {
	for _, perSec := range []float64{1, 3, 7, 10, 100} {
		offsets := Offsets(25, perSec)
		for i, d := range offsets {
			wantMS := int64(1000*float64(i+1)/perSec + 0.999999)
			assert.InDelta(t, wantMS, d.Milliseconds(), 1, "rate %v item %d", perSec, i)
		}
	}
	assert.Equal(t, 334*time.Millisecond, Offsets(1, 3)[0])
}

func TestOffsets_Unlimited(t *testing.T) {
	for _, d := range Offsets(5, 0) {
		assert.Zero(t, d)
	}
}

func TestRun_PreservesOrder(t *testing.T) {
	rs := &recordingSleep{}
	b := &Batcher{ChunkSize: 4, MaxPerSecond: 100, sleep: rs.sleep}

	inputs := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	out, err := Run(context.Background(), b, inputs, func(_ context.Context, n int) (string, error) {
		return fmt.Sprintf("v%d", n), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2", "v3", "v4", "v5", "v6", "v7", "v8", "v9", "v10"}, out)
	assert.Len(t, rs.delays, 10)
}

func TestRun_250Items_ChunkedAndStaggered(t *testing.T) {
	// A chunk's sleeps all happen before the next chunk starts, so call order
	// partitions the recorded delays by chunk.
	rs := &recordingSleep{}
	b := &Batcher{ChunkSize: 100, MaxPerSecond: 1, sleep: rs.sleep}

	inputs := make([]int, 250)
	for i := range inputs {
		inputs[i] = i
	}
	var inFlight, maxInFlight atomic.Int32
	out, err := Run(context.Background(), b, inputs, func(_ context.Context, n int) (int, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if cur <= m || maxInFlight.CompareAndSwap(m, cur) {
				break
			}
		}
		return n * 2, nil
	})
	require.NoError(t, err)
	require.Len(t, out, 250)
	assert.Equal(t, 498, out[249])
	assert.LessOrEqual(t, maxInFlight.Load(), int32(100))

	require.Len(t, rs.delays, 250)
	chunks := [][]time.Duration{rs.delays[:100], rs.delays[100:200], rs.delays[200:]}

	var total time.Duration
	for _, c := range chunks {
		total += maxDuration(c)
	}
	assert.Equal(t, 100*time.Second, maxDuration(chunks[0]))
	assert.Equal(t, 100*time.Second, maxDuration(chunks[1]))

	last := append([]time.Duration(nil), chunks[2]...)
	slices.Sort(last)
	for i, d := range last {
		assert.Equal(t, time.Duration(i+1)*time.Second, d, "last chunk item %d", i)
	}
	assert.GreaterOrEqual(t, total, 50*time.Second)
}

func maxDuration(ds []time.Duration) time.Duration {
	var m time.Duration
	for _, d := range ds {
		m = max(m, d)
	}
	return m
}

func TestRun_ItemFailureIdentifiesInput(t *testing.T) {
	var issued sync.Map
	// 10/s spaces starts 100ms apart, so items 1-6 are issued well before item 7.
	b := &Batcher{ChunkSize: 10, MaxPerSecond: 10}

	inputs := make([]string, 10)
	for i := range inputs {
		inputs[i] = fmt.Sprintf("ipfs://cid/%d", i+1)
	}
	out, err := Run(context.Background(), b, inputs, func(_ context.Context, uri string) (string, error) {
		issued.Store(uri, true)
		if uri == "ipfs://cid/7" {
			return "", errors.New("bad gateway")
		}
		return uri, nil
	})
	require.Error(t, err)
	assert.Nil(t, out)

	var itemErr *ItemError
	require.ErrorAs(t, err, &itemErr)
	assert.Equal(t, 6, itemErr.Index)
	assert.Equal(t, "ipfs://cid/7", itemErr.Input)
	assert.Contains(t, err.Error(), "ipfs://cid/7")
	assert.Contains(t, err.Error(), "bad gateway")

	// Items 1-6 start before item 7 and are not rolled back.
	for i := 1; i <= 6; i++ {
		_, ok := issued.Load(fmt.Sprintf("ipfs://cid/%d", i))
		assert.True(t, ok, "item %d issued", i)
	}
}

func TestRun_FailureStopsLaterChunks(t *testing.T) {
	var calls atomic.Int32
	rs := &recordingSleep{}
	b := &Batcher{ChunkSize: 2, sleep: rs.sleep}

	_, err := Run(context.Background(), b, []int{1, 2, 3, 4, 5}, func(_ context.Context, n int) (int, error) {
		calls.Add(1)
		if n == 2 {
			return 0, errors.New("nope")
		}
		return n, nil
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls.Load(), int32(2))
}

func TestRun_ItemTimeout(t *testing.T) {
	b := &Batcher{ChunkSize: 2, ItemTimeout: 10 * time.Millisecond}

	_, err := Run(context.Background(), b, []string{"slow"}, func(ctx context.Context, s string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.Error(t, err)
	var itemErr *ItemError
	require.ErrorAs(t, err, &itemErr)
	assert.Equal(t, "slow", itemErr.Input)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_AbsentResultsPassThrough(t *testing.T) {
	b := &Batcher{ChunkSize: 3}
	out, err := Run(context.Background(), b, []int{1, 2, 3}, func(_ context.Context, n int) (*int, error) {
		if n == 2 {
			return nil, nil
		}
		return &n, nil
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 1, *out[0])
	assert.Nil(t, out[1])
	assert.Equal(t, 3, *out[2])
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := &Batcher{ChunkSize: 2, MaxPerSecond: 1}
	_, err := Run(ctx, b, []int{1, 2}, func(context.Context, int) (int, error) {
		t.Fatal("fetch must not run after cancellation")
		return 0, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_EmptyAndInvalid(t *testing.T) {
	out, err := Run(context.Background(), &Batcher{ChunkSize: 1}, []int(nil), func(context.Context, int) (int, error) {
		return 0, nil
	})
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = Run(context.Background(), &Batcher{}, []int{1}, func(context.Context, int) (int, error) {
		return 0, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk size must be positive")
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), 0))
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
