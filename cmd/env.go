package main

import (
	"context"
	"net/url"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/erc721-indexer/internal/config"
	"github.com/sells-group/erc721-indexer/internal/enrich"
	"github.com/sells-group/erc721-indexer/internal/entitygen"
	"github.com/sells-group/erc721-indexer/internal/erc721"
	"github.com/sells-group/erc721-indexer/internal/fetcher"
	"github.com/sells-group/erc721-indexer/internal/indexer"
	"github.com/sells-group/erc721-indexer/internal/metadata"
	"github.com/sells-group/erc721-indexer/internal/monitoring"
	"github.com/sells-group/erc721-indexer/internal/resilience"
	"github.com/sells-group/erc721-indexer/internal/store"
)

// pipeline bundles the components an ingest run shares.
type pipeline struct {
	Store    store.Store
	Batches  indexer.BatchLog
	Fetcher  *fetcher.HTTPFetcher
	Metadata *metadata.Client
	Indexer  *indexer.Indexer
}

// Close releases the store.
func (p *pipeline) Close() {
	if err := p.Store.Close(); err != nil {
		zap.L().Warn("failed to close store", zap.Error(err))
	}
}

func storeConfig(c *config.Config) store.Config {
	return store.Config{
		Driver:      c.Store.Driver,
		DatabaseURL: c.Store.DatabaseURL,
		MaxConns:    c.Store.MaxConns,
		MinConns:    c.Store.MinConns,
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	st, err := store.Open(ctx, storeConfig(c))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initBatchLog shares the Postgres pool when there is one. Other drivers keep
// the batch history in memory for the life of the process.
func initBatchLog(st store.Store) indexer.BatchLog {
	if pg, ok := st.(*store.PostgresStore); ok {
		return indexer.NewPostgresBatchLog(pg.Pool())
	}
	return indexer.NewMemoryBatchLog()
}

// buildPipeline wires the parser, generation steps and indexer around st.
func buildPipeline(c *config.Config, st store.Store, bl indexer.BatchLog) (*pipeline, error) {
	// The batcher's rate ceiling governs the gateway when enrichment runs.
	var unthrottled []string
	if c.Enrich.Enabled {
		if host := gatewayHost(c.Metadata.Gateway); host != "" {
			unthrottled = append(unthrottled, host)
		}
	}
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    c.Metadata.UserAgent,
		Timeout:      c.Metadata.Timeout,
		MaxRetries:   c.Metadata.MaxRetries,
		RateLimiters: fetcher.DefaultRateLimiters(),
		Unthrottled:  unthrottled,
	})
	meta := metadata.New(f, metadata.Options{
		Gateway: c.Metadata.Gateway,
		Breaker: resilience.FromCircuitConfig(c.Metadata.BreakerThreshold, c.Metadata.BreakerReset),
	})

	var opts erc721.Options
	if c.Enrich.Enabled {
		opts = erc721.Options{
			Resolver: erc721.BaseURIResolver{BaseURI: c.Contract.BaseURI},
			Metadata: meta,
			Batcher: &enrich.Batcher{
				ChunkSize:    c.Enrich.ChunkSize,
				MaxPerSecond: c.Enrich.MaxPerSecond,
				ItemTimeout:  c.Enrich.ItemTimeout,
			},
		}
		if c.Enrich.MaxAttempts > 1 {
			retry := resilience.FromRetryConfig(c.Enrich.MaxAttempts, 0, 0)
			opts.Retry = &retry
		}
	}

	gen := entitygen.New()
	if err := gen.SetGenerationOrder(erc721.Steps(opts)...); err != nil {
		return nil, eris.Wrap(err, "configure generation order")
	}

	ix := indexer.New(erc721.NewParser(c.Contract.Address), gen, st, bl, indexer.Config{
		BatchBlocks: c.Indexer.BatchBlocks,
		Retry:       resilience.FromRetryConfig(c.Indexer.MaxAttempts, c.Indexer.InitialBackoff, c.Indexer.MaxBackoff),
	})

	return &pipeline{
		Store:    st,
		Batches:  bl,
		Fetcher:  f,
		Metadata: meta,
		Indexer:  ix,
	}, nil
}

func gatewayHost(gateway string) string {
	if gateway == "" {
		gateway = metadata.DefaultGateway
	}
	u, err := url.Parse(gateway)
	if err != nil {
		return ""
	}
	return u.Host
}

// startMonitor runs the batch health checker until ctx ends. It does nothing
// without a webhook URL.
func startMonitor(ctx context.Context, c *config.Config, bl indexer.BatchLog, breakers func() map[string]resilience.CircuitState) {
	if c.Monitoring.WebhookURL == "" {
		return
	}
	collector := monitoring.NewCollector(bl, breakers, c.Monitoring.StallThreshold)
	checker := monitoring.NewChecker(collector, monitoring.NewAlerter(c.Monitoring), c.Monitoring)
	go checker.Run(ctx)
}
