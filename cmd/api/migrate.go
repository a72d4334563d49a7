package main

import (
	"fmt"

	"github.com/mcclellann/microlend/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Long: `Open the configured database and apply the schema. Statements are
idempotent, so running migrate against an up-to-date database is a no-op.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Store.Driver == config.DriverMemory {
		return fmt.Errorf("the memory driver has no schema to migrate")
	}
	storage, err := openStorage(cmd.Context(), cfg.Store, logger)
	if err != nil {
		return err
	}
	logger.Info("schema is up to date", zap.String("store", cfg.Store.Driver))
	return storage.Close()
}
