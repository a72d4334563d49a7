package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/mcclellann/microlend/pkg/api"
	"github.com/mcclellann/microlend/pkg/config"
	"github.com/mcclellann/microlend/pkg/ledger"
	"github.com/mcclellann/microlend/pkg/metrics"
	"github.com/mcclellann/microlend/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, err := openStorage(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer storage.Close()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newHandler(cfg, storage, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Server.Addr), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newHandler wires the ledger, metrics registry and API server together.
func newHandler(cfg *config.Config, storage store.Storage, logger *zap.Logger) http.Handler {
	opts := []ledger.Option{ledger.WithLogger(logger.Named("ledger"))}
	apiOpts := []api.Option{
		api.WithLogger(logger.Named("api")),
		api.WithIntakePolicy(api.IntakePolicy{
			MinAmount:     cfg.Lending.MinAmount,
			MaxAmount:     cfg.Lending.MaxAmount,
			MinTermMonths: cfg.Lending.MinTermMonths,
			MaxTermMonths: cfg.Lending.MaxTermMonths,
			AnnualRate:    cfg.Lending.AnnualRate,
		}),
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, ledger.WithMetrics(metrics.New(reg)))
		apiOpts = append(apiOpts, api.WithMetricsHandler(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	l := ledger.NewLedger(storage, opts...)
	verifier := api.NewVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	return api.NewServer(l, verifier, apiOpts...)
}
