package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/analyzer"
	"github.com/ineyio/creditgate/server"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API together with the background sweep that refunds
abandoned reservations.

Examples:
  # Serve with defaults (memory ledger, :5000)
  creditgate serve

  # Serve with a config file
  creditgate serve --config creditgate.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := initDependencies(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	if d.pgStore != nil {
		if err := d.pgStore.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	if len(d.cfg.Analyzer.Providers) == 0 {
		return fmt.Errorf("no analyzer providers configured")
	}
	an, err := initAnalyzer(ctx, d.cfg.Analyzer, d.logger)
	if err != nil {
		return err
	}

	gate := creditgate.NewGate[analyzer.AnalysisResult](d.quota,
		creditgate.WithOperationTimeout(d.cfg.Quota.OperationTimeout),
		creditgate.WithGateMeter(d.meter),
	)

	srv, err := server.NewServer(d.quota, gate, an, creditgate.NewResolverFromConfig(d.cfg.Auth), d.logger, &server.Config{
		Addr:        d.cfg.Server.Addr,
		CORSOrigins: d.cfg.Server.CORSOrigins,
		BodyLimit:   d.cfg.Server.BodyLimit,
		Registry:    d.registry,
	})
	if err != nil {
		return err
	}

	sweepCtx, stopSweep := context.WithCancel(context.WithoutCancel(ctx))
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		d.quota.RunSweeper(sweepCtx, d.cfg.Quota.SweepInterval, func(err error) {
			d.logger.Warn("sweep failed", zap.Error(err))
		})
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		d.logger.Info("shutdown signal received", zap.Duration("shutdown_timeout", shutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		err = srv.Shutdown(shutdownCtx)
		cancel()
		if startErr := <-errCh; startErr != nil {
			err = errors.Join(err, startErr)
		}
	}

	// In-flight requests have settled; one last pass picks up anything they abandoned.
	stopSweep()
	<-sweepDone
	if n, serr := d.quota.SweepAbandoned(context.WithoutCancel(ctx), d.quota.ReservationTimeout()); serr != nil {
		d.logger.Warn("final sweep failed", zap.Error(serr))
	} else if n > 0 {
		d.logger.Info("final sweep refunded reservations", zap.Int("count", n))
	}

	return err
}
