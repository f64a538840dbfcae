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

	"github.com/cloudphone/txcore/pkg/config"
	"github.com/cloudphone/txcore/pkg/db"
	"github.com/cloudphone/txcore/pkg/instance"
	pkgkafka "github.com/cloudphone/txcore/pkg/kafka"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/metrics"
	"github.com/cloudphone/txcore/pkg/migrate"
	"github.com/cloudphone/txcore/pkg/outbox"
	"github.com/cloudphone/txcore/pkg/outbox/registry"
	"github.com/cloudphone/txcore/pkg/pubsub"
	"github.com/cloudphone/txcore/pkg/tracing"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "outbox-publisher"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "outbox-publisher"

	logg = logger.New(logger.Options{
		ServiceName: "outbox-publisher",
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

	transport, err := newTransport(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap outbox transport", err)
		os.Exit(1)
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logg.Error(context.Background(), "error closing outbox transport", err)
		}
	}()

	eventRegistry, err := registry.NewEventRegistry(cfg.PubSub)
	if err != nil {
		logg.Error(context.Background(), "failed to build event registry", err)
		os.Exit(1)
	}
	outboxRepo := outbox.NewRepository(dbClient.DB())
	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		Transport:     transport,
		Repository:    outboxRepo,
		Registry:      eventRegistry,
		DLQRepository: outbox.NewDLQRepository(dbClient.DB(), outboxRepo),
		Metrics:       metrics.NewOutboxMetrics(prometheus.DefaultRegisterer),
		Owner:         instance.Owner(),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox publisher", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "outbox-publisher",
		"transport":   cfg.Outbox.TransportName(),
	})
	logg.Info(ctx, "starting outbox publisher")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox publisher stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "outbox publisher shutting down gracefully")
}

func newTransport(ctx context.Context, cfg *config.Config, logg *logger.Logger) (Transport, error) {
	switch cfg.Outbox.TransportName() {
	case config.TransportKafka:
		writer, err := pkgkafka.NewWriter(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		return newBreakerTransport("outbox-kafka", newKafkaTransport(writer, pkgkafka.ReadyCheck(cfg.Kafka.Brokers)), logg), nil
	case config.TransportPubSub:
		client, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			return nil, err
		}
		return newBreakerTransport("outbox-pubsub", &closingPubSubTransport{pubsubTransport: newPubSubTransport(client), client: client}, logg), nil
	default:
		return nil, fmt.Errorf("unsupported outbox transport %q", cfg.Outbox.Transport)
	}
}

// closingPubSubTransport also closes the client once its publishers stop.
type closingPubSubTransport struct {
	*pubsubTransport
	client *pubsub.Client
}

func (t *closingPubSubTransport) Close() error {
	return errors.Join(t.pubsubTransport.Close(), t.client.Close())
}
