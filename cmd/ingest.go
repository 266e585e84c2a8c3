package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/erc721-indexer/internal/api"
	"github.com/sells-group/erc721-indexer/internal/config"
	"github.com/sells-group/erc721-indexer/internal/fetcher"
	"github.com/sells-group/erc721-indexer/internal/indexer"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Index a stream of decoded logs",
	Long:  "Reads a JSON array of decoded logs from a file or URL, in block order, and persists the derived entities batch by batch.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		source, _ := cmd.Flags().GetString("source")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		batchBlocks, _ := cmd.Flags().GetUint64("batch-blocks")

		if source != "" {
			cfg.Indexer.Source = source
		}
		if cfg.Indexer.Source == "" {
			return eris.New("ingest: --source or indexer.source is required")
		}
		if dryRun {
			cfg.Store = config.StoreConfig{Driver: "memory"}
		}
		if batchBlocks > 0 {
			cfg.Indexer.BatchBlocks = batchBlocks
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		p, err := buildPipeline(cfg, st, initBatchLog(st))
		if err != nil {
			st.Close() //nolint:errcheck
			return err
		}
		defer p.Close()

		startMonitor(ctx, cfg, p.Batches, p.Metadata.Breakers().States)

		if metricsAddr != "" {
			srv := &http.Server{
				Addr: metricsAddr,
				Handler: api.NewRouter(api.Deps{
					Entities: p.Store,
					Batches:  p.Batches,
					Breakers: p.Metadata.Breakers().States,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				zap.L().Info("serving metrics", zap.String("addr", metricsAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					zap.L().Error("metrics server failed", zap.Error(err))
				}
			}()
			defer func() {
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx) //nolint:errcheck
			}()
		}

		sum, err := runIngest(ctx, p, cfg.Indexer.Source)
		zap.L().Info("ingest finished",
			zap.String("source", cfg.Indexer.Source),
			zap.Bool("dry_run", dryRun),
			zap.Int("batches", sum.Batches),
			zap.Int("logs", sum.Logs),
			zap.Int("accepted", sum.Accepted),
			zap.Uint64("last_block", sum.LastBlock),
			zap.Any("entities", sum.Entities),
		)
		return err
	},
}

// runIngest streams the logs at source through the pipeline's indexer.
func runIngest(ctx context.Context, p *pipeline, source string) (indexer.Summary, error) {
	rc, err := fetcher.Open(ctx, p.Fetcher, source)
	if err != nil {
		return indexer.Summary{}, eris.Wrapf(err, "ingest: open %s", source)
	}
	defer rc.Close() //nolint:errcheck

	return p.Indexer.RunReader(ctx, rc)
}

func init() {
	ingestCmd.Flags().String("source", "", "path or URL of a JSON array of decoded logs (default from config)")
	ingestCmd.Flags().Bool("dry-run", false, "index into an in-memory store")
	ingestCmd.Flags().String("metrics-addr", "", "serve the HTTP API and /metrics on this address while ingesting")
	ingestCmd.Flags().Uint64("batch-blocks", 0, "blocks per batch (default from config)")
	rootCmd.AddCommand(ingestCmd)
}
