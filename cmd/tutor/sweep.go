package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"repetitor/internal/config"
)

func newSweepCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep and print what was removed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runSweep(ctx, cmd, cfg)
		},
	}
}

func runSweep(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	store, err := openStore(ctx, cfg, cfg.DB.AutoMigrate)
	if err != nil {
		return err
	}
	defer store.Close()

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	report, sweepErr := newSweeper(cfg, store, rdb).Sweep(ctx)
	if report.StartedAt.IsZero() {
		// The lock was not acquired; nothing ran.
		return sweepErr
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "cutoff %s (tickets %s)\n", report.Cutoff.Format("2006-01-02"), report.AnonymizeCutoff.Format("2006-01-02"))
	for _, step := range report.Steps {
		if step.Error != "" {
			fmt.Fprintf(out, "  %-28s FAILED: %s\n", step.Category, step.Error)
			continue
		}
		fmt.Fprintf(out, "  %-28s %d\n", step.Category, step.Rows)
	}
	return sweepErr
}
