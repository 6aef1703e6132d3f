package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"repetitor/internal/config"
	"repetitor/internal/storage"
)

func newMigrateCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			store, err := storage.Open(cmd.Context(), cfg.DB.Driver, cfg.DB.DSN, false)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
