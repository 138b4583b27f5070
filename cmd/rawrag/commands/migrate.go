package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"rawrag/internal/config"
	mysqlClient "rawrag/internal/platform/mysql"
	"rawrag/internal/vectorstore/postgres"
)

func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update database tables",
		Long: `Create or update the conversation and message tables in MySQL.

With the pgvector backend the vector extension, the chunk table and its
indexes are created in Postgres as well. The sqlite backend creates its
schema on open and needs no migration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			if err := migrate(ctx, cfg, logger); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func migrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := mysqlClient.New(ctx, cfg.MySQLDSN())
	if err != nil {
		return err
	}
	defer func() { _ = mysqlClient.Close(db) }()
	if err := mysqlClient.Migrate(ctx, db); err != nil {
		return err
	}
	logger.Info("mysql schema ready")

	if cfg.VectorStore.Backend != "pgvector" {
		return nil
	}
	store, err := postgres.New(ctx, cfg.Postgres.URL, int32(cfg.Postgres.MaxConns), cfg.Embedding.Dimension)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	logger.Info("pgvector schema ready", "dimension", cfg.Embedding.Dimension)
	return nil
}
