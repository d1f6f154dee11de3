package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"session_service/internal/config"
	"session_service/internal/logging"
	"session_service/internal/storage"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

const defaultMigrateTimeout = time.Minute

func NewMigrateCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			return runMigrate(ctx)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", defaultMigrateTimeout, "timeout for applying migrations")

	return cmd
}

func runMigrate(ctx context.Context) error {
	const op = "main.runMigrate"

	if configPath == "" {
		return fmt.Errorf("%s: config path is required", op)
	}

	cfg := config.MustLoadConfig(configPath)
	lgr := logging.Setup(cfg.Env, os.Stdout)

	pool, err := storage.NewPostgresPool(ctx, cfg.DbURL)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer pool.Close()

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := storage.Migrate(ctx, db); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	lgr.Info("migrations applied", slog.String("op", op))

	return nil
}
