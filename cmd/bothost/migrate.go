package main

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/splax/bothost/internal/app/migrate"
	"github.com/splax/bothost/internal/config"
	"github.com/splax/bothost/internal/logger"
)

func newMigrateCommand() *cobra.Command {
	var (
		timeout time.Duration
		target  int64
	)
	cmd := &cobra.Command{
		Use:       "migrate {up|status|down}",
		Short:     "Manage the deployment store schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "status", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			log := logger.New("bothost-migrate", logger.ParseLevel(cfg.LogLevel))
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
			if err != nil {
				pool.Close()
				return err
			}
			defer runner.Close()
			log.Info("migration source", "source", runner.Source())

			switch args[0] {
			case "up":
				return runner.Ensure(ctx)
			case "status":
				return runner.Status(ctx)
			default:
				return runner.Down(ctx, target)
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "command timeout")
	cmd.Flags().Int64Var(&target, "target", 0, "target version for down (0 rolls back one step)")
	return cmd
}
