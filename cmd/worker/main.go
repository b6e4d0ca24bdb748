package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/immsbatch/internal/ack"
	"github.com/angelmondragon/immsbatch/internal/admission"
	"github.com/angelmondragon/immsbatch/internal/artifact"
	"github.com/angelmondragon/immsbatch/internal/filekey"
	"github.com/angelmondragon/immsbatch/internal/forwarder"
	"github.com/angelmondragon/immsbatch/internal/ledger"
	"github.com/angelmondragon/immsbatch/pkg/config"
	"github.com/angelmondragon/immsbatch/pkg/kafka"
	"github.com/angelmondragon/immsbatch/pkg/logger"
	"github.com/angelmondragon/immsbatch/pkg/metrics"
	pkgpubsub "github.com/angelmondragon/immsbatch/pkg/pubsub"
	"github.com/angelmondragon/immsbatch/pkg/redis"
)

const publishTimeout = 30 * time.Second

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

	pubsubClient, err := pkgpubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg,
		cfg.PubSub.FileEventsSubscription,
		cfg.PubSub.AdmissionSubscription,
	)
	requireResource(ctx, logg, "pubsub", err)
	defer closeResource(ctx, logg, "pubsub", pubsubClient.Close)

	registry, err := filekey.LoadRegistry(cfg.Suppliers.RegistryPath)
	requireResource(ctx, logg, "supplier registry", err)
	permissions, err := filekey.NewCachedPermissions(registry, redisClient, cfg.Suppliers.PermissionsCacheTTL, logg)
	requireResource(ctx, logg, "permissions cache", err)
	validator, err := filekey.NewValidator(registry, permissions)
	requireResource(ctx, logg, "file validator", err)

	pipelineMetrics := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer)

	failures, err := ack.NewFailureWriter(artifacts.Store, artifacts.Layout)
	requireResource(ctx, logg, "failure writer", err)

	controller, err := admission.NewController(admission.ControllerParams{
		Ledger:         ledgerBackend.Store,
		Failures:       failures,
		Metrics:        pipelineMetrics,
		Logger:         logg,
		Retention:      cfg.Ledger.Retention,
		FailedBlockTTL: cfg.Admission.FailedBlockTTL,
	})
	requireResource(ctx, logg, "admission controller", err)

	admissionPublisher, err := pkgpubsub.NewPublisher(pubsubClient.OrderedPublisher(cfg.PubSub.AdmissionTopic), publishTimeout)
	requireResource(ctx, logg, "admission publisher", err)
	outcomePublisher, err := pkgpubsub.NewPublisher(pubsubClient.OrderedPublisher(cfg.PubSub.OutcomeTopic), publishTimeout)
	requireResource(ctx, logg, "outcome publisher", err)

	sink, closeSink, err := buildSink(cfg, pubsubClient)
	requireResource(ctx, logg, "downstream sink", err)
	defer closeResource(ctx, logg, "downstream sink", closeSink)

	fwd, err := forwarder.New(forwarder.Params{
		Ledger:        ledgerBackend.Store,
		Store:         artifacts.Store,
		Sink:          sink,
		Outcomes:      outcomePublisher,
		Failures:      failures,
		Metrics:       pipelineMetrics,
		Logger:        logg,
		BatchSize:     cfg.Worker.OutcomeBatchSize,
		ReportSuccess: !cfg.Downstream.ReportsOutcomes,
	})
	requireResource(ctx, logg, "forwarder", err)

	intake, err := admission.NewIntakeConsumer(admission.IntakeParams{
		Subscription: pubsubClient.FileEventsSubscription(),
		Validator:    validator,
		Rejecter:     controller,
		Publisher:    admissionPublisher,
		Logger:       logg,
		SourceBucket: artifacts.Layout.SourceBucket,
		SourcePrefix: cfg.Admission.SourcePrefix,
		IgnorePrefixes: []string{
			cfg.Ack.TempPrefix,
			cfg.Ack.FinalPrefix,
			cfg.Ack.FailurePrefix,
			cfg.Ack.ArchivePrefix,
		},
		Timeout: cfg.Worker.InvocationTimeout,
	})
	requireResource(ctx, logg, "intake consumer", err)

	admissionConsumer, err := admission.NewConsumer(controller, fwd, pubsubClient.AdmissionSubscription(), logg, cfg.Worker.InvocationTimeout)
	requireResource(ctx, logg, "admission consumer", err)

	service, err := NewService(ServiceParams{
		Config:    cfg,
		Logger:    logg,
		Ledger:    ledgerBackend,
		Artifacts: artifacts,
		Redis:     redisClient,
		PubSub:    pubsubClient,
		Intake:    intake,
		Admission: admissionConsumer,
	})
	requireResource(ctx, logg, "worker service", err)

	logg.Info(ctx, "starting worker")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "worker shutting down gracefully")
}

func buildSink(cfg *config.Config, client *pkgpubsub.Client) (forwarder.Sink, func() error, error) {
	if strings.EqualFold(strings.TrimSpace(cfg.Downstream.Sink), config.DownstreamSinkKafka) {
		producer, err := kafka.NewProducer(cfg.Kafka)
		if err != nil {
			return nil, nil, err
		}
		sink, err := forwarder.NewKafkaSink(producer)
		if err != nil {
			_ = producer.Close()
			return nil, nil, err
		}
		return sink, producer.Close, nil
	}
	publisher, err := pkgpubsub.NewPublisher(client.OrderedPublisher(cfg.PubSub.DownstreamTopic), publishTimeout)
	if err != nil {
		return nil, nil, err
	}
	sink, err := forwarder.NewPubSubSink(publisher)
	if err != nil {
		return nil, nil, err
	}
	return sink, func() error { return nil }, nil
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
