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

	"github.com/cloudphone/txcore/internal/app"
	"github.com/cloudphone/txcore/internal/consumers"
	"github.com/cloudphone/txcore/pkg/config"
	"github.com/cloudphone/txcore/pkg/db"
	"github.com/cloudphone/txcore/pkg/instance"
	pkgkafka "github.com/cloudphone/txcore/pkg/kafka"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/migrate"
	"github.com/cloudphone/txcore/pkg/outbox/idempotency"
	"github.com/cloudphone/txcore/pkg/pubsub"
	"github.com/cloudphone/txcore/pkg/redis"
	"github.com/cloudphone/txcore/pkg/tracing"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
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

	guard, err := idempotency.NewManager(redisClient, cfg.Eventing.IdempotencyTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency manager", err)
		os.Exit(1)
	}

	comps, err := app.Build(cfg, logg, dbClient, prometheus.DefaultRegisterer)
	if err != nil {
		logg.Error(context.Background(), "failed to build services", err)
		os.Exit(1)
	}

	deps := map[string]pinger{"database": dbClient, "redis": redisClient}
	var sources SourceFactory
	switch cfg.Outbox.TransportName() {
	case config.TransportKafka:
		deps["kafka"] = pingFunc(pkgkafka.ReadyCheck(cfg.Kafka.Brokers))
		sources = kafkaSources(cfg, logg)
	default:
		pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg, subscriptionsFor(cfg)...)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap pubsub", err)
			os.Exit(1)
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub client", err)
			}
		}()
		deps["pubsub"] = pubsubClient
		sources = pubsubSources(cfg, pubsubClient)
	}

	service, err := NewService(ServiceParams{
		Config:       cfg,
		Logger:       logg,
		Components:   comps,
		Guard:        guard,
		Sources:      sources,
		Dependencies: deps,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
		"transport":   cfg.Outbox.TransportName(),
		"roles":       service.Roles(),
	})
	logg.Info(ctx, "starting worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}

// subscriptionFor names the Pub/Sub subscription of a role.
func subscriptionFor(cfg *config.Config, role string) string {
	switch role {
	case roleReplies:
		return cfg.PubSub.SagaRepliesSubscription
	case roleBilling:
		return cfg.PubSub.BillingCommandsSubscription
	case roleDevices:
		return cfg.PubSub.DeviceCommandsSubscription
	case roleUsers:
		return cfg.PubSub.UserCommandsSubscription
	}
	return ""
}

// topicFor names the topic a role reads; Kafka consumers use it directly.
func topicFor(cfg *config.Config, role string) string {
	switch role {
	case roleReplies:
		return cfg.PubSub.SagaRepliesTopic
	case roleBilling:
		return cfg.PubSub.BillingCommandsTopic
	case roleDevices:
		return cfg.PubSub.DeviceCommandsTopic
	case roleUsers:
		return cfg.PubSub.UserCommandsTopic
	}
	return ""
}

func subscriptionsFor(cfg *config.Config) []string {
	var subs []string
	for _, role := range cfg.Worker.Roles {
		if name := subscriptionFor(cfg, role); name != "" {
			subs = append(subs, name)
		}
	}
	return subs
}

func pubsubSources(cfg *config.Config, client *pubsub.Client) SourceFactory {
	return func(role string) (consumers.Source, error) {
		name := subscriptionFor(cfg, role)
		if name == "" {
			return nil, fmt.Errorf("no pubsub subscription configured for role %q", role)
		}
		return consumers.NewPubSubSource(client.Subscription(name))
	}
}

func kafkaSources(cfg *config.Config, logg *logger.Logger) SourceFactory {
	return func(role string) (consumers.Source, error) {
		topic := topicFor(cfg, role)
		if topic == "" {
			return nil, fmt.Errorf("no topic configured for role %q", role)
		}
		return consumers.NewKafkaSource(cfg.Kafka, topic, cfg.Kafka.GroupID+"-"+role, logg)
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
