package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/novamart-backend/pkg/config"
	"github.com/angelmondragon/novamart-backend/pkg/db"
	"github.com/angelmondragon/novamart-backend/pkg/instance"
	"github.com/angelmondragon/novamart-backend/pkg/kafka"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/metrics"
	"github.com/angelmondragon/novamart-backend/pkg/migrate"
	"github.com/angelmondragon/novamart-backend/pkg/outbox"
	"github.com/angelmondragon/novamart-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/novamart-backend/pkg/outbox/registry"
	"github.com/angelmondragon/novamart-backend/pkg/pubsub"
	"github.com/angelmondragon/novamart-backend/pkg/redis"
)

const serviceName = "outbox-publisher"

func main() {
	boot := logger.New(logger.Options{ServiceName: serviceName})
	if err := godotenv.Load(); err != nil {
		boot.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		boot.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = serviceName

	logg := logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox publisher stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "outbox publisher shut down")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) error {
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("bootstrap database: %w", err)
	}
	defer closeLogged(logg, "database", dbClient)

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return fmt.Errorf("dev migrations: %w", err)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return fmt.Errorf("bootstrap redis: %w", err)
	}
	defer closeLogged(logg, "redis", redisClient)

	guard, err := idempotency.NewGuard(redisClient, serviceName, cfg.Eventing.OutboxIdempotencyTTL)
	if err != nil {
		return fmt.Errorf("delivery guard: %w", err)
	}

	eventTransport, eventRegistry, conn, err := openTransport(ctx, cfg, logg)
	if err != nil {
		return err
	}
	defer closeLogged(logg, eventTransport.Name(), conn)

	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		Transport:     eventTransport,
		Repository:    outbox.NewRepository(dbClient.DB()),
		Registry:      eventRegistry,
		DLQRepository: outbox.NewDLQRepository(dbClient.DB()),
		Guard:         guard,
		Metrics:       metrics.NewOutboxMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		return fmt.Errorf("create outbox publisher: %w", err)
	}

	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"transport":   eventTransport.Name(),
		"instance":    instance.GetID(),
	})
	logg.Info(ctx, "starting outbox publisher")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return service.Run(gctx) })
	g.Go(func() error { return metrics.Serve(gctx, cfg.App.MetricsAddr, prometheus.DefaultGatherer, logg) })
	return g.Wait()
}

// openTransport connects the configured broker and binds the event registry
// to its topics. The returned closer owns the broker connection.
func openTransport(ctx context.Context, cfg *config.Config, logg *logger.Logger) (transport, *registry.EventRegistry, io.Closer, error) {
	if cfg.Eventing.UsesKafka() {
		writer, err := kafka.NewWriter(cfg.Kafka, logg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
		reg, err := registry.NewEventRegistry(writer.DomainTopic(), writer.DisputeTopic())
		if err != nil {
			_ = writer.Close()
			return nil, nil, nil, fmt.Errorf("event registry: %w", err)
		}
		return &kafkaTransport{writer: writer}, reg, writer, nil
	}

	client, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("bootstrap pubsub: %w", err)
	}
	reg, err := registry.NewEventRegistry(client.DomainTopic(), client.DisputeTopic())
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("event registry: %w", err)
	}
	return newPubSubTransport(client), reg, client, nil
}

func closeLogged(logg *logger.Logger, what string, c io.Closer) {
	if err := c.Close(); err != nil {
		logg.Error(context.Background(), "error closing "+what, err)
	}
}
