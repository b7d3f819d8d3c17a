package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untibullet/landkid/internal/config"
	"github.com/untibullet/landkid/internal/repository"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.config()
			if err != nil {
				return err
			}

			switch cfg.Database.Driver {
			case config.DriverPostgres:
				applied, err := repository.MigratePostgres(cmd.Context(), cfg.Database.GetDSN())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s)\n", applied)
			case config.DriverSQLite:
				// Миграции применяются при открытии базы
				store, err := repository.OpenSQLite(cmd.Context(), cfg.Database.Path)
				if err != nil {
					return err
				}
				if err := store.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date\n", cfg.Database.Path)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "Driver %s has no migrations\n", cfg.Database.Driver)
			}
			return nil
		},
	}
}
