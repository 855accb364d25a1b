package main

import (
	"context"
	"fmt"
	"runtime"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	persistlog "fracflow.ai/internal/persistence/log"
	"fracflow.ai/internal/sim/model"
	"fracflow.ai/internal/sim/recorder"
	"fracflow.ai/internal/sim/rng"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <log-dir>...",
	Short: "Re-run the configuration recorded in avalanche logs and compare every avalanche",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		counts, err := verifyLogs(cmd.Context(), args)
		if err != nil {
			return err
		}
		for i, dir := range args {
			fmt.Fprintf(cmd.OutOrStdout(), "verify ok: %s checked=%d avalanches\n", dir, counts[i])
		}
		return nil
	},
}

// verifyLogs checks independent logs concurrently; the first failure cancels
// the rest.
func verifyLogs(ctx context.Context, dirs []string) ([]int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	counts := make([]int, len(dirs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, dir := range dirs {
		g.Go(func() error {
			n, err := verifyLog(gctx, dir)
			if err != nil {
				return fmt.Errorf("%s: %w", dir, err)
			}
			counts[i] = n
			return nil
		})
	}
	return counts, g.Wait()
}

// verifyLog replays the run described by the log header. A log cut short by an
// interrupted run is checked up to its last avalanche.
func verifyLog(ctx context.Context, dir string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	head, want, err := persistlog.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read log: %w", err)
	}
	if len(want) == 0 {
		return 0, fmt.Errorf("log in %s holds no avalanches", dir)
	}
	run := head.Run
	if len(want) > run.Iterations {
		return 0, fmt.Errorf("log holds %d avalanches, run target was %d", len(want), run.Iterations)
	}
	cfg := run.ModelConfig()
	cfg.Iterations = len(want)

	logger.Info("verifying", zap.String("dir", dir), zap.Int("avalanches", len(want)), zap.Uint64("seed", run.Seed))

	mem := &recorder.Memory{}
	m, err := model.New(cfg, rng.New(run.Seed), mem)
	if err != nil {
		return 0, err
	}
	if err := m.Run(ctx); err != nil {
		return 0, fmt.Errorf("replay: %w", err)
	}
	got := mem.Rows()
	if len(got) != len(want) {
		return 0, fmt.Errorf("replay produced %d avalanches, log has %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			return i, fmt.Errorf("avalanche %d differs (-log +replay):\n%s", want[i].Seq, cmp.Diff(want[i], got[i]))
		}
	}
	return len(want), nil
}
