package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/novamart-backend/internal/cron"
	"github.com/angelmondragon/novamart-backend/internal/escrow"
	"github.com/angelmondragon/novamart-backend/internal/ledger"
	"github.com/angelmondragon/novamart-backend/internal/orders"
	"github.com/angelmondragon/novamart-backend/internal/settlement"
	"github.com/angelmondragon/novamart-backend/pkg/bigquery"
	"github.com/angelmondragon/novamart-backend/pkg/config"
	"github.com/angelmondragon/novamart-backend/pkg/db"
	"github.com/angelmondragon/novamart-backend/pkg/instance"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/metrics"
	"github.com/angelmondragon/novamart-backend/pkg/migrate"
	"github.com/angelmondragon/novamart-backend/pkg/outbox"
	"github.com/angelmondragon/novamart-backend/pkg/redis"
)

const (
	maintenanceInterval = time.Hour
	maintenanceLockTTL  = 2 * time.Hour
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
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
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

	var warehouse *bigquery.Warehouse
	if strings.TrimSpace(cfg.GCP.ProjectID) != "" {
		warehouse, err = bigquery.NewWarehouse(context.Background(), cfg.GCP, cfg.BigQuery, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap bigquery", err)
			os.Exit(1)
		}
		defer func() {
			if err := warehouse.Close(); err != nil {
				logg.Error(context.Background(), "error closing bigquery", err)
			}
		}()
	} else {
		logg.Warn(context.Background(), "gcp project not configured, ledger export disabled")
	}

	emitter := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)
	orderSvc, err := orders.NewService(orders.NewRepository(dbClient.DB()), dbClient, emitter)
	requireResource(logg, "order service", err)
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(dbClient.DB()))
	requireResource(logg, "ledger service", err)
	escrowSvc, err := escrow.NewService(escrow.Deps{
		Repo:    escrow.NewRepository(dbClient.DB()),
		Tx:      dbClient,
		Orders:  orderSvc,
		Ledger:  ledgerSvc,
		Outbox:  emitter,
		Logger:  logg,
		Metrics: metrics.NewEscrowMetrics(prometheus.DefaultRegisterer),
	})
	requireResource(logg, "escrow service", err)
	settlementSvc, err := settlement.NewService(settlement.Deps{
		Repo:    settlement.NewRepository(dbClient.DB()),
		Tx:      dbClient,
		Orders:  orderSvc,
		Escrow:  escrowSvc,
		Logger:  logg,
		Metrics: metrics.NewSettlementMetrics(prometheus.DefaultRegisterer),
		Options: settlement.Options{
			ClaimTTL:       cfg.Settlement.ClaimTTL,
			BatchSize:      cfg.Settlement.BatchSize,
			MaxConcurrency: cfg.Settlement.MaxConcurrency,
			MaxAttempts:    cfg.Settlement.MaxAttempts,
		},
	})
	requireResource(logg, "settlement service", err)

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)

	sweepJob, err := cron.NewSettlementSweepJob(cron.SettlementSweepJobParams{Logger: logg, Scheduler: settlementSvc})
	requireResource(logg, "settlement sweep job", err)
	sweeper := newCronService(logg, redisClient, metricsCollector, cfg.App.Env, "settlement", cfg.Settlement.SweepInterval, cfg.Settlement.ClaimTTL, sweepJob)

	reconcileJob, err := cron.NewEscrowReconcileJob(cron.EscrowReconcileJobParams{Logger: logg, Escrow: escrowSvc})
	requireResource(logg, "escrow reconcile job", err)
	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: outbox.NewRepository(dbClient.DB()),
		Retention:  cfg.Outbox.Retention,
	})
	requireResource(logg, "outbox retention job", err)
	maintenanceJobs := []cron.Job{reconcileJob, retentionJob}
	if warehouse != nil {
		exportJob, err := cron.NewLedgerExportJob(cron.LedgerExportJobParams{
			Logger:      logg,
			Ledger:      ledgerSvc,
			Sink:        warehouse,
			Checkpoints: ledger.NewCheckpointRepository(dbClient.DB()),
			BatchSize:   cfg.BigQuery.ExportBatchSize,
		})
		requireResource(logg, "ledger export job", err)
		maintenanceJobs = append(maintenanceJobs, exportJob)
	}
	maintenance := newCronService(logg, redisClient, metricsCollector, cfg.App.Env, "maintenance", maintenanceInterval, maintenanceLockTTL, maintenanceJobs...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
	})
	logg.Info(ctx, "starting cron worker")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return maintenance.Run(gctx) })
	g.Go(func() error { return metrics.Serve(gctx, cfg.App.MetricsAddr, prometheus.DefaultGatherer, logg) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func newCronService(logg *logger.Logger, redisClient *redis.Client, collector *metrics.CronJobMetrics, env, name string, interval, lockTTL time.Duration, jobs ...cron.Job) *cron.Service {
	if env == "" {
		env = "local"
	}
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("cron:"+env+":"+name), instance.GetID(), lockTTL)
	requireResource(logg, name+" cron lock", err)

	registry, err := cron.NewRegistry(jobs...)
	requireResource(logg, name+" cron registry", err)

	service, err := cron.NewService(cron.ServiceParams{
		Name:     name,
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  collector,
		Interval: interval,
	})
	requireResource(logg, name+" cron service", err)
	return service
}

func requireResource(logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(context.Background(), fmt.Sprintf("failed to create %s", resource), err)
	os.Exit(1)
}
