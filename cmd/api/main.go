package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/novamart-backend/api/controllers"
	"github.com/angelmondragon/novamart-backend/api/routes"
	"github.com/angelmondragon/novamart-backend/internal/disputes"
	"github.com/angelmondragon/novamart-backend/internal/escrow"
	"github.com/angelmondragon/novamart-backend/internal/fulfillment"
	"github.com/angelmondragon/novamart-backend/internal/ledger"
	"github.com/angelmondragon/novamart-backend/internal/orders"
	"github.com/angelmondragon/novamart-backend/internal/payments"
	"github.com/angelmondragon/novamart-backend/internal/settlement"
	"github.com/angelmondragon/novamart-backend/pkg/config"
	"github.com/angelmondragon/novamart-backend/pkg/db"
	"github.com/angelmondragon/novamart-backend/pkg/instance"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/metrics"
	"github.com/angelmondragon/novamart-backend/pkg/migrate"
	"github.com/angelmondragon/novamart-backend/pkg/outbox"
	"github.com/angelmondragon/novamart-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/novamart-backend/pkg/redis"
	"github.com/angelmondragon/novamart-backend/pkg/square"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
	webhookDedupeTTL  = 72 * time.Hour
	webhookScope      = "payments-webhook"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	deps, err := buildDeps(context.Background(), cfg, logg, dbClient, redisClient)
	if err != nil {
		logg.Error(context.Background(), "failed to wire services", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
		"payments": deps.Payments != nil,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "api server shutdown failed", err)
		}
		logg.Info(shutdownCtx, "api server shut down gracefully")
	}
}

func buildDeps(ctx context.Context, cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client) (routes.Deps, error) {
	emitter := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	orderSvc, err := orders.NewService(orders.NewRepository(dbClient.DB()), dbClient, emitter)
	if err != nil {
		return routes.Deps{}, err
	}
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(dbClient.DB()))
	if err != nil {
		return routes.Deps{}, err
	}
	escrowSvc, err := escrow.NewService(escrow.Deps{
		Repo:    escrow.NewRepository(dbClient.DB()),
		Tx:      dbClient,
		Orders:  orderSvc,
		Ledger:  ledgerSvc,
		Outbox:  emitter,
		Logger:  logg,
		Metrics: metrics.NewEscrowMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		return routes.Deps{}, err
	}
	settlementSvc, err := settlement.NewService(settlement.Deps{
		Repo:    settlement.NewRepository(dbClient.DB()),
		Tx:      dbClient,
		Orders:  orderSvc,
		Escrow:  escrowSvc,
		Logger:  logg,
		Metrics: metrics.NewSettlementMetrics(prometheus.DefaultRegisterer),
		Options: settlementOptions(cfg.Settlement),
	})
	if err != nil {
		return routes.Deps{}, err
	}
	fulfillmentSvc, err := fulfillment.NewService(fulfillment.Deps{
		Tx:          dbClient,
		Orders:      orderSvc,
		Settlement:  settlementSvc,
		Logger:      logg,
		GraceWindow: cfg.Settlement.GraceWindow,
	})
	if err != nil {
		return routes.Deps{}, err
	}
	disputeSvc, err := disputes.NewService(disputes.Deps{
		Repo:       disputes.NewRepository(dbClient.DB()),
		Tx:         dbClient,
		Orders:     orderSvc,
		Escrow:     escrowSvc,
		Settlement: settlementSvc,
		Outbox:     emitter,
		Logger:     logg,
	})
	if err != nil {
		return routes.Deps{}, err
	}

	deps := routes.Deps{
		Config:           cfg,
		Logger:           logg,
		IdempotencyStore: redisClient,
		Readiness: []controllers.ReadinessCheck{
			{Name: "db", Pinger: dbClient},
			{Name: "redis", Pinger: redisClient},
		},
		Metrics:     promhttp.Handler(),
		Orders:      orderSvc,
		Fulfillment: fulfillmentSvc,
		Escrow:      escrowSvc,
		Ledger:      ledgerSvc,
		Disputes:    disputeSvc,
		Settlement:  settlementSvc,
	}

	if !cfg.Square.Enabled() {
		logg.Warn(ctx, "square credentials missing, payment capture and webhooks disabled")
		return deps, nil
	}

	squareClient, err := square.NewClient(ctx, cfg.Square, logg)
	if err != nil {
		return routes.Deps{}, err
	}
	gateway, err := payments.NewSquareGateway(squareClient)
	if err != nil {
		return routes.Deps{}, err
	}
	paymentSvc, err := payments.NewService(payments.Deps{
		Gateway: gateway,
		Tx:      dbClient,
		Orders:  orderSvc,
		Escrow:  escrowSvc,
		Logger:  logg,
	})
	if err != nil {
		return routes.Deps{}, err
	}
	guard, err := idempotency.NewGuard(redisClient, webhookScope, webhookDedupeTTL)
	if err != nil {
		return routes.Deps{}, err
	}

	deps.Payments = paymentSvc
	deps.PaymentEvents = paymentSvc
	deps.WebhookSigner = squareClient
	deps.WebhookGuard = guard
	return deps, nil
}

func settlementOptions(cfg config.SettlementConfig) settlement.Options {
	return settlement.Options{
		ClaimTTL:       cfg.ClaimTTL,
		BatchSize:      cfg.BatchSize,
		MaxConcurrency: cfg.MaxConcurrency,
		MaxAttempts:    cfg.MaxAttempts,
	}
}
