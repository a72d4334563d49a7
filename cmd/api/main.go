package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mcclellann/microlend/pkg/config"
	"github.com/mcclellann/microlend/pkg/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "microlend",
	Short: "Loan ledger, wallet and disbursement service",
	Long: `microlend keeps the books for a micro-lending product: loan applications,
approval and disbursement into borrower wallets, and interest-first
repayment allocation.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads the configuration and builds the process logger.
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, logger, nil
}

// openStorage opens the configured backend. SQL backends apply their schema
// on open.
func openStorage(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Storage, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return store.NewSQLiteStore(cfg.SQLite.Path)
	case config.DriverPostgres:
		return store.NewPostgresStore(ctx, store.PostgresConfig{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			MaxConnIdleTime: cfg.Postgres.MaxConnIdleTime,
			ConnectRetries:  cfg.Postgres.ConnectRetries,
		}, logger)
	case config.DriverMemory:
		logger.Warn("using in-memory storage; all data is lost on exit")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
