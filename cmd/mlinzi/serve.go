package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/mlinzi/internal/config"
	"github.com/jkaninda/mlinzi/internal/gateway/httpapi"
	pgstore "github.com/jkaninda/mlinzi/internal/storage/postgres"
)

var (
	serveConfigPath string
	servePort       int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control-plane HTTP server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `mlinzi --config path` and `mlinzi serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file (JSON or YAML)")
		cmd.Flags().IntVar(&servePort, "port", 0, "override HTTP listen port")
	}
}

// runServe starts mlinzi in server mode: HTTP gateway, budget guard
// sweep, and the websocket event stream.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("MLINZI_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	logger.Info("starting in server mode", slog.String("addr", cfg.Server.Addr()))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start the budget guard sweep (optional).
	if sc.Guard != nil {
		if err := sc.Guard.Start(); err != nil {
			return err
		}
		defer sc.Guard.Stop()
		logger.Debug("budget guard started")
	}

	// Readiness checks against the backing store.
	if sc.Obs != nil && sc.Obs.Health != nil {
		if repo, ok := sc.Store.(*pgstore.Repo); ok {
			sc.Obs.Health.AddCheck("storage", repo.Ping)
		}
	}

	httpCfg := httpapi.Config{
		ListenAddr:   cfg.Server.Addr(),
		AuthToken:    cfg.Server.AuthToken,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutS) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutS) * time.Second,
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	gw := httpapi.NewGateway(httpCfg, sc.Lifecycle, sc.Admission, sc.Runner, sc.Bus, sc.Registry, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("server exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping server", slog.String("error", err.Error()))
	}
	return nil
}
