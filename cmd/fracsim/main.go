package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fracflow.ai/internal/sim"
)

var (
	// Global flags
	verbose bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fracsim",
	Short: "Coupled fracture / fluid-invasion avalanche simulator",
	Long: `fracsim grows a fluid-invaded region on an unbounded square lattice of
rock sites and records every rupture avalanche the advancing fluid pressure
triggers.

Each iteration resolves failures (a global scan when the fluid reached a new
shell, otherwise a check of the last invaded site) and then invades exactly
one frontier edge. Avalanches are written as TSV rows, a JSONL+zstd log that
"fracsim verify" can replay, and optionally a SQLite index.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logger != nil {
			return nil
		}
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(schemaCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, sim.ErrInvariant) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}
