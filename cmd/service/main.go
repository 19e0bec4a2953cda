package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/hotel-pricing-service/internal/config"
	httphandler "github.com/kjstillabower/hotel-pricing-service/internal/http"
	"github.com/kjstillabower/hotel-pricing-service/internal/observability"
)

var configDir string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "hotel-pricing-service",
		Short:         "Hotel search and detail API backed by a cached, budgeted pricing provider",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	rootCmd.PersistentFlags().StringVarP(&configDir, "config-dir", "c", "", "Directory holding {ENV_NAME}.yaml (default ./config)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and background refresh scheduler",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Run one refresh sweep against the configured mirror and exit",
			RunE:  runSweep,
		},
	)
	return rootCmd
}

func loadConfig() (*config.Config, error) {
	if configDir != "" {
		return config.LoadFrom(configDir)
	}
	return config.Load()
}

// setup loads config and builds the logger. Failures go to stderr since no
// logger exists yet.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return nil, nil, err
	}
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}

	if cfg.SchedulerEnabled {
		if err := a.scheduler.Start(ctx); err != nil {
			logger.Error("scheduler start", zap.Error(err))
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	inFlight := &httphandler.InFlightTracker{}
	handler := httphandler.NewHandler(a.pricing, a.tracker, httphandler.HandlerConfig{
		MaxNights:       cfg.MaxNights,
		DefaultPageSize: cfg.DefaultPageSize,
		MaxPageSize:     cfg.MaxPageSize,
		MirrorPing:      a.mirrorPing(),
		Budget:          a.budget,
	}, logger)
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		InFlight:       inFlight,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("graceful shutdown triggered")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server", zap.Error(err))
			a.close()
			return err
		}
	}
	stop()

	a.tracker.SetShuttingDown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight.Count()), zap.Int64("peak", inFlight.Peak()))
	if remaining, err := inFlight.Drain(shutdownCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", remaining))
	}

	a.waitForFetches(shutdownCtx)
	a.close()

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// runSweep hydrates from the mirror, refreshes once and exits. Useful as a
// cron job that keeps a shared mirror warm without running the API.
func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.close()

	restored := a.scheduler.Hydrate(ctx)
	report := a.scheduler.RunOnce(ctx)

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	a.waitForFetches(waitCtx)

	fmt.Fprintf(cmd.OutOrStdout(), "restored=%d candidates=%d refreshed=%d failed=%d denied=%d skipped=%d evicted=%d duration=%s\n",
		restored, report.Candidates, report.Refreshed, report.Failed, report.Denied, report.Skipped, report.Evicted, report.Duration)
	if report.Candidates > 0 && report.Refreshed == 0 && report.Failed > 0 {
		return fmt.Errorf("sweep refreshed nothing: %d keys failed", report.Failed)
	}
	return nil
}
