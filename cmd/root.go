package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/erc721-indexer/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "erc721-indexer",
	Short: "Index ERC-721 transfers into owner, token and transfer entities",
	Long:  "Reads decoded contract logs in block order, derives owners, tokens and transfers per batch, enriches tokens with off-chain metadata and persists them.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
