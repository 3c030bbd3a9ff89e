// Package app assembles the automation services from configuration. Both the
// API and worker processes build on it.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/catalog"
	"github.com/alexnthnz/tutoring-automation/internal/channels"
	"github.com/alexnthnz/tutoring-automation/internal/config"
	"github.com/alexnthnz/tutoring-automation/internal/database"
	"github.com/alexnthnz/tutoring-automation/internal/monitoring"
)

// Store is everything the services need from the primary store
type Store interface {
	catalog.Store
	automation.LedgerStore
	automation.OccurrenceGuard
	automation.ClaimPruner
}

var (
	_ Store = (*database.MemoryStore)(nil)
	_ Store = (*database.SQLStore)(nil)
)

// App holds the wired services of one process
type App struct {
	Config       *config.Config
	Store        Store
	Catalog      *catalog.Service
	Channels     *channels.Registry
	Dispatcher   *automation.Dispatcher
	Orchestrator *automation.Orchestrator
	Ledger       *automation.Ledger
	Deferred     automation.IntentQueue
	Poller       *automation.Poller
	Metrics      *monitoring.Metrics

	closers []func() error
	logger  *zap.Logger
}

// New connects the stores and builds every service described by cfg
func New(ctx context.Context, cfg *config.Config, metrics *monitoring.Metrics, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Metrics: metrics, logger: logger}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	var redisClient *database.RedisClient
	if cfg.Automation.GuardBackend == "redis" || cfg.Automation.QueueBackend == "redis" {
		client, err := database.NewRedisClient(cfg.Redis)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		redisClient = client
		a.closers = append(a.closers, client.Close)
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	sqlStore, durableStore := a.Store.(*database.SQLStore)

	var guard automation.OccurrenceGuard = a.Store
	var pruner automation.ClaimPruner = a.Store
	durableGuard := durableStore
	switch cfg.Automation.GuardBackend {
	case "", "ledger":
	case "redis":
		// keys expire on their own
		guard = database.NewRedisGuard(redisClient.Client, 2*cfg.Automation.Horizon)
		pruner = nil
		durableGuard = true
	default:
		a.Close()
		return nil, fmt.Errorf("unsupported guard backend %q", cfg.Automation.GuardBackend)
	}

	durableQueue := false
	switch cfg.Automation.QueueBackend {
	case "", "ledger":
		if durableStore {
			a.Deferred = sqlStore.IntentQueue(logger.Named("deferred"))
			durableQueue = true
		} else {
			a.Deferred = database.NewMemoryIntentQueue()
		}
	case "memory":
		a.Deferred = database.NewMemoryIntentQueue()
	case "redis":
		a.Deferred = database.NewRedisIntentQueue(redisClient.Client, "", logger.Named("deferred"))
		durableQueue = true
	default:
		a.Close()
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Automation.QueueBackend)
	}

	// A claim that outlives its intent would mark the occurrence as handled
	// after a restart although nothing was ever dispatched.
	if durableGuard && !durableQueue {
		a.Close()
		return nil, fmt.Errorf("queue backend %q loses deferred intents on restart while the %s guard keeps their claims; use ledger or redis",
			cfg.Automation.QueueBackend, guardName(cfg.Automation.GuardBackend))
	}

	loc, err := cfg.Automation.Location()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}

	a.Catalog = catalog.NewService(a.Store, logger.Named("catalog"))
	if cfg.Automation.SeedFile != "" {
		res, err := a.Catalog.LoadSeedFile(ctx, cfg.Automation.SeedFile)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to load seed catalog: %w", err)
		}
		logger.Info("Seed catalog loaded", zap.String("file", cfg.Automation.SeedFile), zap.Stringer("result", res))
	}

	registry, timeouts := channels.Build(ctx, cfg.Channels, logger.Named("channels"))
	a.Channels = registry

	opts := []automation.DispatcherOption{automation.WithDispatcherMetrics(metrics)}
	for ch, d := range timeouts {
		opts = append(opts, automation.WithChannelTimeout(ch, d))
	}
	a.Dispatcher = automation.NewDispatcher(registry, a.Store, logger.Named("dispatcher"), opts...)

	scheduler := automation.NewScheduler(guard, logger.Named("scheduler"),
		automation.WithHorizon(cfg.Automation.Horizon),
		automation.WithLocation(loc),
		automation.WithSchedulerMetrics(metrics),
	)

	a.Orchestrator, err = automation.NewOrchestrator(automation.OrchestratorConfig{
		Catalog:     a.Catalog,
		Scheduler:   scheduler,
		Dispatcher:  a.Dispatcher,
		Ledger:      a.Store,
		Deferred:    a.Deferred,
		Guard:       guard,
		Concurrency: cfg.Automation.DispatchConcurrency,
		Metrics:     metrics,
		Logger:      logger.Named("orchestrator"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Ledger = automation.NewLedger(automation.LedgerConfig{
		Store:       a.Store,
		Redeliverer: a.Dispatcher,
		Catalog:     a.Catalog,
		Templates:   a.Catalog,
		Concurrency: cfg.Automation.DispatchConcurrency,
		Metrics:     metrics,
		Logger:      logger.Named("ledger"),
	})

	a.Poller, err = automation.NewPoller(automation.PollerConfig{
		Queue:          a.Deferred,
		Catalog:        a.Catalog,
		Dispatcher:     a.Dispatcher,
		Interval:       cfg.Automation.PollInterval,
		BatchSize:      cfg.Automation.PollBatchSize,
		Concurrency:    cfg.Automation.DispatchConcurrency,
		Metrics:        metrics,
		Logger:         logger.Named("poller"),
		Pruner:         pruner,
		ClaimRetention: 2 * cfg.Automation.Horizon,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func guardName(backend string) string {
	if backend == "" {
		return "ledger"
	}
	return backend
}

func (a *App) openStore(ctx context.Context) error {
	if a.Config.Database.Driver == "memory" {
		a.Store = database.NewMemoryStore()
		a.logger.Warn("Using in-memory store; history is lost on exit")
		return nil
	}

	store, err := database.NewSQLStore(a.Config.Database)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", a.Config.Database.Driver, err)
	}
	a.closers = append(a.closers, store.Close)

	if err := store.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}
	a.Store = store
	a.logger.Info("Database connected and schema initialized", zap.String("driver", a.Config.Database.Driver))
	return nil
}

// Close releases store connections in reverse order of opening
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
