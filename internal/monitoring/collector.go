// Package monitoring watches batch history and breaker state and raises
// webhook alerts when the indexer looks unhealthy.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/erc721-indexer/internal/indexer"
	"github.com/sells-group/erc721-indexer/internal/resilience"
)

// collectLimit caps the batches read per collection.
const collectLimit = 1000

// Snapshot holds a point-in-time view of indexer health.
type Snapshot struct {
	// Batch metrics (within lookback window).
	BatchesTotal    int     `json:"batches_total"`
	BatchesComplete int     `json:"batches_complete"`
	BatchesFailed   int     `json:"batches_failed"`
	BatchesRunning  int     `json:"batches_running"`
	FailRate        float64 `json:"fail_rate"`
	// Stalled counts running batches older than the stall threshold.
	Stalled   int    `json:"stalled"`
	LastBlock uint64 `json:"last_block"`

	OpenBreakers []string `json:"open_breakers,omitempty"`

	Lookback    time.Duration `json:"lookback"`
	CollectedAt time.Time     `json:"collected_at"`
}

// BatchLister abstracts the batch log reads the collector needs.
type BatchLister interface {
	ListRecent(ctx context.Context, limit int) ([]indexer.BatchEntry, error)
}

// Collector gathers a Snapshot from the batch log and the metadata breakers.
type Collector struct {
	batches  BatchLister
	breakers func() map[string]resilience.CircuitState
	stall    time.Duration
	now      func() time.Time
}

// NewCollector creates a collector. breakers may be nil.
func NewCollector(batches BatchLister, breakers func() map[string]resilience.CircuitState, stall time.Duration) *Collector {
	if stall <= 0 {
		stall = 15 * time.Minute
	}
	return &Collector{batches: batches, breakers: breakers, stall: stall, now: time.Now}
}

// Collect summarizes the batches started within lookback.
func (c *Collector) Collect(ctx context.Context, lookback time.Duration) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{Lookback: lookback, CollectedAt: now}
	cutoff := now.Add(-lookback)

	entries, err := c.batches.ListRecent(ctx, collectLimit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list batches")
	}
	for _, e := range entries {
		if e.StartedAt.Before(cutoff) {
			continue
		}
		snap.BatchesTotal++
		switch e.Status {
		case indexer.StatusComplete:
			snap.BatchesComplete++
			snap.LastBlock = max(snap.LastBlock, e.ToBlock)
		case indexer.StatusFailed:
			snap.BatchesFailed++
		case indexer.StatusRunning:
			snap.BatchesRunning++
			if now.Sub(e.StartedAt) > c.stall {
				snap.Stalled++
			}
		}
	}
	if finished := snap.BatchesComplete + snap.BatchesFailed; finished > 0 {
		snap.FailRate = float64(snap.BatchesFailed) / float64(finished)
	}

	if c.breakers != nil {
		for name, st := range c.breakers() {
			if st == resilience.CircuitOpen {
				snap.OpenBreakers = append(snap.OpenBreakers, name)
			}
		}
		sort.Strings(snap.OpenBreakers)
	}
	return snap, nil
}
