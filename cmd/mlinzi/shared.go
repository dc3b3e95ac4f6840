package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/mlinzi/internal/admission"
	"github.com/jkaninda/mlinzi/internal/bus"
	"github.com/jkaninda/mlinzi/internal/config"
	"github.com/jkaninda/mlinzi/internal/guard"
	"github.com/jkaninda/mlinzi/internal/lifecycle"
	"github.com/jkaninda/mlinzi/internal/observability"
	"github.com/jkaninda/mlinzi/internal/ratelimit"
	"github.com/jkaninda/mlinzi/internal/runner"
	"github.com/jkaninda/mlinzi/internal/schema"
	"github.com/jkaninda/mlinzi/internal/storage"
	"github.com/jkaninda/mlinzi/internal/storage/memory"
	pgstore "github.com/jkaninda/mlinzi/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/mlinzi/internal/storage/sqlite"
)

// SharedComponents holds everything both the HTTP server and the MCP
// server need: store, registry, bus, lifecycle, admission, and the
// gated tool runner.
type SharedComponents struct {
	Cfg       *config.Config
	Logger    *slog.Logger
	Obs       *observability.Observability
	Store     storage.Store
	Registry  *schema.Registry
	Bus       *bus.Bus
	Lifecycle *lifecycle.Manager
	Admission *admission.Controller
	Guard     *guard.Guard
	Runner    *runner.Runner
}

// initShared builds the component graph bottom-up: storage, schema
// registry, bus, lifecycle manager, admission controller, budget guard,
// tool runner. The guard is created but not started; server mode starts
// its cron sweep.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		obs.Shutdown(context.Background())
		return nil, err
	}
	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		_ = store.Close()
		obs.Shutdown(context.Background())
		return nil, fmt.Errorf("migrating storage: %w", err)
	}
	logger.Info("storage initialized", slog.String("driver", store.Driver()))

	registry := schema.NewRegistry(logger)
	if err := seedSchemas(registry, cfg.Topics); err != nil {
		_ = store.Close()
		obs.Shutdown(context.Background())
		return nil, err
	}

	metrics := obs.MetricsOrNil()

	queueSize := cfg.Bus.SubscriberQueueSize
	if queueSize <= 0 {
		queueSize = bus.DefaultQueueSize
	}
	eventBus := bus.New(store, registry, metrics, logger, queueSize)

	lm := lifecycle.NewManager(store, eventBus, metrics, logger)

	var tracer trace.Tracer
	if ts := obs.TracerOrNil(); ts != nil {
		tracer = ts.Tracer()
	}
	ac := admission.NewController(store, metrics, tracer, logger)

	var budgetGuard *guard.Guard
	if cfg.Guard != nil && cfg.Guard.Enabled {
		budgetGuard = guard.New(guardConfig(cfg.Guard), lm, eventBus, metrics, logger)
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimit)
	}

	toolReg := runner.NewRegistry()
	toolReg.Register(runner.EchoTool{})
	toolReg.Register(runner.SleepTool{})

	var spend runner.SpendRecorder
	if budgetGuard != nil {
		spend = budgetGuard
	}
	rn := runner.New(toolReg, ac, limiter, spend, metrics, logger)

	return &SharedComponents{
		Cfg:       cfg,
		Logger:    logger,
		Obs:       obs,
		Store:     store,
		Registry:  registry,
		Bus:       eventBus,
		Lifecycle: lm,
		Admission: ac,
		Guard:     budgetGuard,
		Runner:    rn,
	}, nil
}

// Cleanup tears shared components down in reverse order of construction.
func (sc *SharedComponents) Cleanup() {
	sc.Bus.Close()
	if err := sc.Store.Close(); err != nil {
		sc.Logger.Error("closing storage", slog.String("error", err.Error()))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sc.Obs.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	retention := cfg.Storage.Retention()
	switch driver := cfg.Driver(); driver {
	case storage.DriverMemory:
		return memory.New(retention), nil
	case storage.DriverSQLite:
		return sqlitestore.Open(cfg.Storage.Sqlite, retention, logger)
	case storage.DriverPostgres:
		return pgstore.Open(cfg.Storage.Postgres, retention, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// seedSchemas registers the built-in topic contracts and any topics
// declared in config. Lifecycle and budget topics come first so config
// cannot shadow them with an incompatible shape.
func seedSchemas(registry *schema.Registry, topics []config.TopicConfig) error {
	if _, err := registry.Register(lifecycle.TopicLifecycle, lifecycle.LifecycleSchema(), schema.CompatBackward); err != nil {
		return fmt.Errorf("registering lifecycle schema: %w", err)
	}
	if _, err := registry.Register(guard.TopicBudget, guard.BudgetSchema(), schema.CompatBackward); err != nil {
		return fmt.Errorf("registering budget schema: %w", err)
	}
	for _, t := range topics {
		if _, err := registry.Register(t.Name, t.Schema(), t.Mode()); err != nil {
			return fmt.Errorf("registering topic %s: %w", t.Name, err)
		}
	}
	return nil
}

func guardConfig(g *config.GuardConfig) guard.Config {
	return guard.Config{
		Enabled:          g.Enabled,
		CostThresholdUSD: g.CostThresholdUSD,
		WarningPercent:   g.WarningPercent,
		CheckSchedule:    g.CheckSchedule,
		WindowHours:      g.WindowHours,
		RealertAfter:     g.RealertAfter(),
		AutoPause:        g.AutoPause,
	}
}
