package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/example/capture-scheduler/internal/application"
	"github.com/example/capture-scheduler/internal/config"
	"github.com/example/capture-scheduler/internal/metrics"
	"github.com/example/capture-scheduler/internal/notify"
	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/persistence/memory"
	"github.com/example/capture-scheduler/internal/persistence/sqlite"
	"github.com/example/capture-scheduler/internal/persistence/sqlite/migration"
	"github.com/example/capture-scheduler/internal/registry"
	"github.com/example/capture-scheduler/internal/scheduler"
)

// app holds the wired services shared by serve and run.
type app struct {
	cfg        config.Config
	store      persistence.Store
	dispatcher *notify.Dispatcher
	reconciler *application.Reconciler
	logger     *slog.Logger
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (persistence.Store, error) {
	switch cfg.StorageDriver {
	case config.DriverMemory:
		store, err := memory.Open()
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, migration.DefaultSQLiteConfig(cfg.SQLitePath), logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func schedulerPolicy(cfg config.Config) scheduler.Policy {
	policy := scheduler.DefaultPolicy()
	policy.AttemptTimeout = cfg.CallTimeout
	policy.MaxAttempts = cfg.RetryAttempts
	policy.MaxBackoff = cfg.MaxBackoff
	policy.RequestsPerSecond = cfg.RequestsPerSecond
	if cfg.RequestsPerSecond > 0 {
		policy.Burst = int(math.Ceil(cfg.RequestsPerSecond))
	}
	return policy
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	client, err := scheduler.NewHTTPClient(cfg.SchedulerURL, cfg.SchedulerToken, &http.Client{})
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	now := time.Now
	dispatcher := notify.NewDispatcher(cfg.Templates, notify.NewLogSink(logger))
	queue := application.NewChangeQueue(store, uuid.NewString, now, logger)
	alerter := application.NewAlerter(dispatcher, cfg.AlertWindow, now, logger)
	applier := application.NewApplier(application.ApplierDeps{
		Store:       store,
		Queue:       queue,
		Scheduler:   scheduler.NewResilient(client, schedulerPolicy(cfg), metrics.SchedulerObserver{}),
		Notifier:    dispatcher,
		Alerter:     alerter,
		Rooms:       cfg.Rooms,
		IDGenerator: uuid.NewString,
		Now:         now,
		Logger:      logger,
	})
	reconciler := application.NewReconciler(application.ReconcilerDeps{
		Store:         store,
		Registry:      registry.NewFileRegistry(cfg.RegistryDir),
		Queue:         queue,
		CrossListings: application.NewCrossListingService(store, store, logger),
		Quorum:        application.NewQuorumService(store, now, logger),
		Applier:       applier,
		Alerter:       alerter,
		Terms:         cfg.Terms,
		Now:           now,
		Logger:        logger,
	})

	return &app{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		reconciler: reconciler,
		logger:     logger,
	}, nil
}

// Close flushes pending notifications and closes the store.
func (a *app) Close() error {
	return errors.Join(a.dispatcher.Close(), a.store.Close())
}

// runAll runs one pass per configured term, or only termID when set.
func (a *app) runAll(ctx context.Context, termID string, report func(application.PassReport) error) error {
	terms := a.reconciler.Terms()
	if termID != "" {
		terms = []string{termID}
	}
	var errs []error
	for _, id := range terms {
		result, err := a.reconciler.Run(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("term %s: %w", id, err))
			continue
		}
		if report != nil {
			if err := report(result); err != nil {
				return err
			}
		}
	}
	return errors.Join(errs...)
}
