package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/erc721-indexer/internal/indexer"
	"github.com/sells-group/erc721-indexer/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent batches",
	Long:  "Lists the most recent batches recorded by the indexer. Batch history is durable only with the postgres driver.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if _, ok := st.(*store.PostgresStore); !ok {
			return eris.Errorf("status: batch history requires the postgres driver, got %q", cfg.Store.Driver)
		}

		entries, err := initBatchLog(st).ListRecent(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		return writeBatches(cmd.OutOrStdout(), format, entries)
	},
}

// writeBatches renders entries as a table, YAML or JSON.
func writeBatches(w io.Writer, format string, entries []indexer.BatchEntry) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return eris.Wrap(err, "status: encode yaml")
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(entries), "status: encode json")
	case "table", "":
	default:
		return eris.Errorf("status: unknown format %q (valid: table, yaml, json)", format)
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "No batches recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBLOCKS\tSTATUS\tATTEMPTS\tSTARTED\tDURATION\tERROR")
	for _, e := range entries {
		duration := "-"
		if e.CompletedAt != nil {
			duration = e.CompletedAt.Sub(e.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%d-%d\t%s\t%d\t%s\t%s\t%s\n",
			shortID(e.ID),
			e.FromBlock, e.ToBlock,
			e.Status,
			e.Attempts,
			e.StartedAt.UTC().Format(time.RFC3339),
			duration,
			truncate(e.Error, 60),
		)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	statusCmd.Flags().Int("limit", 20, "number of batches to show")
	statusCmd.Flags().String("format", "table", "output format: table, yaml or json")
	rootCmd.AddCommand(statusCmd)
}
