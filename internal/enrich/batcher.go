// Package enrich runs slow external lookups under a concurrency bound and a
// requests-per-second ceiling.
package enrich

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/erc721-indexer/internal/metrics"
)

// Batcher splits inputs into chunks of at most ChunkSize and runs each chunk
// on a worker pool of the same size. Within a chunk, item i starts
// ceil(1000*(i+1)/MaxPerSecond) ms after the chunk starts, so a chunk no
// larger than MaxPerSecond finishes in about one second. The next chunk
// starts once every item of the current one has returned.
type Batcher struct {
	ChunkSize    int
	MaxPerSecond float64       // <= 0 disables staggering
	ItemTimeout  time.Duration // 0 means no per-item deadline

	sleep func(ctx context.Context, d time.Duration) error
}

// FetchFunc performs one enrichment request.
type FetchFunc[In, Out any] func(ctx context.Context, in In) (Out, error)

// ItemError reports the input whose fetch failed.
type ItemError struct {
	Index int
	Input any
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("enrich: item %d (%v): %v", e.Index, e.Input, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

func (b *Batcher) validate() error {
	if b == nil {
		return eris.New("enrich: nil batcher")
	}
	if b.ChunkSize <= 0 {
		return eris.Errorf("enrich: chunk size must be positive, got %d", b.ChunkSize)
	}
	return nil
}

// Run fetches every input and returns the results in input order. The first
// failing item aborts the run: pending items in its chunk are cancelled,
// requests already issued are not undone, and no later chunk starts.
// Failures are not retried here.
func Run[In, Out any](ctx context.Context, b *Batcher, inputs []In, fetch FetchFunc[In, Out]) ([]Out, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	sleep := b.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	log := zap.L().With(zap.String("component", "enrich"))

	out := make([]Out, len(inputs))
	for ci, chunk := range Chunks(inputs, b.ChunkSize) {
		base := ci * b.ChunkSize
		offsets := Offsets(len(chunk), b.MaxPerSecond)
		start := time.Now()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.ChunkSize)
		for i, in := range chunk {
			idx := base + i
			g.Go(func() error {
				if err := sleep(gctx, offsets[i]); err != nil {
					return err
				}
				fctx := gctx
				if b.ItemTimeout > 0 {
					var cancel context.CancelFunc
					fctx, cancel = context.WithTimeout(gctx, b.ItemTimeout)
					defer cancel()
				}
				v, err := fetch(fctx, in)
				if err != nil {
					metrics.EnrichRequests.WithLabelValues("error").Inc()
					return &ItemError{Index: idx, Input: in, Err: err}
				}
				metrics.EnrichRequests.WithLabelValues("ok").Inc()
				out[idx] = v
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, eris.Wrapf(err, "enrich: chunk %d", ci)
		}
		log.Debug("chunk complete",
			zap.Int("chunk", ci),
			zap.Int("items", len(chunk)),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return out, nil
}

// Chunks partitions items into consecutive slices of at most size elements.
func Chunks[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for len(items) > size {
		chunks = append(chunks, items[:size:size])
		items = items[size:]
	}
	return append(chunks, items)
}

// Offsets returns the start delay of each of n items in a chunk, measured from
// the chunk start. A token bucket with burst 1 is drained at the chunk start,
// so reservation i waits (i+1)/perSecond; the result is rounded up to the
// millisecond.
func Offsets(n int, perSecond float64) []time.Duration {
	offsets := make([]time.Duration, n)
	if perSecond <= 0 {
		return offsets
	}
	lim := rate.NewLimiter(rate.Limit(perSecond), 1)
	t0 := time.Now()
	lim.ReserveN(t0, 1)
	for i := range offsets {
		d := lim.ReserveN(t0, 1).DelayFrom(t0)
		offsets[i] = time.Duration(math.Ceil(float64(d)/float64(time.Millisecond))) * time.Millisecond
	}
	return offsets
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
