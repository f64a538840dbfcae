package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/cloudphone/txcore/internal/app"
	"github.com/cloudphone/txcore/internal/cron"
	"github.com/cloudphone/txcore/pkg/config"
	"github.com/cloudphone/txcore/pkg/db"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/metrics"
	"github.com/cloudphone/txcore/pkg/migrate"
	"github.com/cloudphone/txcore/pkg/redis"
	"github.com/cloudphone/txcore/pkg/tracing"
)


func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	tracing.Setup()

	dbClient, err := db.New(context.Background(), cfg.DB, cfg.FeatureFlags.UseSQLite, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	comps, err := app.Build(cfg, logg, dbClient, prometheus.DefaultRegisterer)
	if err != nil {
		logg.Error(context.Background(), "failed to build services", err)
		os.Exit(1)
	}

	jobMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	sweeps, err := newSweepService(cfg, logg, comps, jobMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to create saga sweep service", err)
		os.Exit(1)
	}
	maintenance, err := newMaintenanceService(cfg, logg, comps, dbClient, redisClient, jobMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to create maintenance service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return sweeps.Run(groupCtx) })
	group.Go(func() error { return maintenance.Run(groupCtx) })

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

// newSweepService runs the saga sweeps on every replica. Their updates are
// guarded by the saga row version, so no lock is taken.
func newSweepService(cfg *config.Config, logg *logger.Logger, comps *app.Components, jobMetrics *metrics.CronJobMetrics) (*cron.Service, error) {
	timeoutJob, err := cron.NewSagaTimeoutJob(comps.Orchestrator, logg)
	if err != nil {
		return nil, err
	}
	reconcileJob, err := cron.NewSagaReconcileJob(comps.Orchestrator, logg)
	if err != nil {
		return nil, err
	}
	interval := cfg.Saga.TimeoutSweepInterval
	if cfg.Saga.ReconcileInterval > 0 && cfg.Saga.ReconcileInterval < interval {
		interval = cfg.Saga.ReconcileInterval
	}
	return cron.NewService(cron.ServiceParams{
		Name:     "saga-sweeps",
		Logger:   logg,
		Registry: cron.NewRegistry(timeoutJob, reconcileJob),
		Lock:     cron.NoopLock{},
		Metrics:  jobMetrics,
		Interval: interval,
	})
}

func newMaintenanceService(
	cfg *config.Config,
	logg *logger.Logger,
	comps *app.Components,
	dbClient *db.Client,
	redisClient *redis.Client,
	jobMetrics *metrics.CronJobMetrics,
) (*cron.Service, error) {
	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: comps.OutboxRepo,
		Retention:  cfg.Outbox.RetentionDays,
		BatchSize:  cfg.Outbox.BatchSize * 10,
	})
	if err != nil {
		return nil, err
	}
	maintainer, err := comps.SnapshotMaintainer(cfg.Snapshots.MinEvents)
	if err != nil {
		return nil, err
	}
	snapshotJob, err := cron.NewSnapshotRefreshJob(cron.SnapshotRefreshJobParams{
		Logger:     logg,
		Maintainer: maintainer,
		Lookback:   cfg.Snapshots.Lookback,
		Batch:      cfg.Snapshots.Batch,
	})
	if err != nil {
		return nil, err
	}
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("cron-maintenance", cfg.App.Env), cron.TTLFor(cfg.Snapshots.RefreshInterval))
	if err != nil {
		return nil, fmt.Errorf("create cron lock: %w", err)
	}
	return cron.NewService(cron.ServiceParams{
		Name:     "maintenance",
		Logger:   logg,
		Registry: cron.NewRegistry(retentionJob, snapshotJob),
		Lock:     lock,
		Metrics:  jobMetrics,
		Interval: cfg.Snapshots.RefreshInterval,
	})
}
