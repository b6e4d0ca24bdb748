package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/immsbatch/internal/ack"
	"github.com/angelmondragon/immsbatch/internal/artifact"
	"github.com/angelmondragon/immsbatch/internal/ledger"
	"github.com/angelmondragon/immsbatch/internal/reporting"
	"github.com/angelmondragon/immsbatch/pkg/bigquery"
	"github.com/angelmondragon/immsbatch/pkg/config"
	"github.com/angelmondragon/immsbatch/pkg/idempotency"
	"github.com/angelmondragon/immsbatch/pkg/logger"
	"github.com/angelmondragon/immsbatch/pkg/metrics"
	"github.com/angelmondragon/immsbatch/pkg/pubsub"
	"github.com/angelmondragon/immsbatch/pkg/redis"
)

var reportRetry = reporting.RetryPolicy{
	MaxAttempts:    5,
	InitialBackoff: 200 * time.Millisecond,
	MaximumBackoff: 5 * time.Second,
}

func main() {
	logg := logger.New(logger.Options{ServiceName: "ack-worker"})

	_ = godotenv.Load()

	cfg, err := config.Load()
	requireResource(context.Background(), logg, "config", err)

	cfg.Service.Kind = "ack-worker"

	logg = logger.New(logger.Options{
		ServiceName: "ack-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Version:     cfg.App.Version,
		Console:     cfg.App.ConsoleLogs(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})

	ledgerBackend, err := ledger.NewBackend(ctx, cfg, logg)
	requireResource(ctx, logg, "ledger", err)
	defer closeResource(ctx, logg, "ledger", ledgerBackend.Close)

	artifacts, err := artifact.NewBackend(ctx, cfg, logg)
	requireResource(ctx, logg, "artifact store", err)
	defer closeResource(ctx, logg, "artifact store", artifacts.Close)

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	requireResource(ctx, logg, "redis", err)
	defer closeResource(ctx, logg, "redis", redisClient.Close)

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg, cfg.PubSub.OutcomeSubscription)
	requireResource(ctx, logg, "pubsub", err)
	defer closeResource(ctx, logg, "pubsub", pubsubClient.Close)

	subscription := pubsubClient.OutcomeSubscription()
	if subscription == nil {
		requireResource(ctx, logg, "outcome subscription", errors.New("subscription not configured"))
	}

	deps := map[string]func(context.Context) error{
		"ledger":    ledgerBackend.Ping,
		"artifacts": artifacts.Ping,
		"redis":     redisClient.Ping,
		"pubsub":    pubsubClient.Ping,
	}

	params := ack.AggregatorParams{
		Ledger:  ledgerBackend.Store,
		Store:   artifacts.Store,
		Layout:  artifacts.Layout,
		Metrics: metrics.NewPipelineMetrics(prometheus.DefaultRegisterer),
		Logger:  logg,
	}
	if cfg.BigQuery.Enabled() {
		bqClient, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg, reporting.CompletionColumns...)
		requireResource(ctx, logg, "bigquery client", err)
		defer closeResource(ctx, logg, "bigquery client", bqClient.Close)

		reporter, err := reporting.NewBigQueryReporter(bqClient, reportRetry)
		requireResource(ctx, logg, "completion reporter", err)
		params.Reporter = reporter
		deps["bigquery"] = bqClient.Ping
	} else {
		logg.Info(ctx, "bigquery dataset not configured; completion reporting disabled")
	}

	aggregator, err := ack.NewAggregator(params)
	requireResource(ctx, logg, "ack aggregator", err)

	guard, err := idempotency.NewGuard(redisClient, cfg.Eventing.IdempotencyTTL)
	requireResource(ctx, logg, "idempotency guard", err)

	consumer, err := ack.NewConsumer(aggregator, subscription, guard, logg, cfg.Worker.InvocationTimeout)
	requireResource(ctx, logg, "ack consumer", err)

	for name, ping := range deps {
		if err := ping(ctx); err != nil {
			requireResource(ctx, logg, name, fmt.Errorf("%s ping failed: %w", name, err))
		}
	}

	logg.Info(ctx, "starting ack worker")
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "ack worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "ack worker shutting down gracefully")
}

func requireResource(ctx context.Context, logg *logger.Logger, name string, err error) {
	if err != nil {
		logg.Error(ctx, "failed to initialize "+name, err)
		os.Exit(1)
	}
}

func closeResource(ctx context.Context, logg *logger.Logger, name string, fn func() error) {
	if err := fn(); err != nil {
		logg.Error(ctx, "error closing "+name, err)
	}
}
