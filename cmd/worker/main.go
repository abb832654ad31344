// Command worker consumes dispatched job ids and executes the
// registered handlers against the durable ledger.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/ops-orchestrator/internal/adapter/crm"
	"github.com/fairyhunter13/ops-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ops-orchestrator/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ops-orchestrator/internal/adapter/repo/postgres"
	tikaext "github.com/fairyhunter13/ops-orchestrator/internal/adapter/textextractor/tika"
	"github.com/fairyhunter13/ops-orchestrator/internal/app"
	"github.com/fairyhunter13/ops-orchestrator/internal/config"
	"github.com/fairyhunter13/ops-orchestrator/internal/worker"
)

// consumerGroup is shared by every worker instance so partitions are
// balanced across them.
const consumerGroup = "ops-orchestrator-workers"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv), slog.String("name", cfg.WorkerName))

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	peopleRepo := postgres.NewPersonRepo(pool)
	runsRepo := postgres.NewRunRepo(pool)

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.WorkerQueueNames...)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = producer.Close() }()

	registry := worker.NewRegistry()
	deps := worker.BuiltinDeps{
		People:           peopleRepo,
		Runs:             runsRepo,
		Extractor:        tikaext.New(cfg.TikaURL),
		ExtractorVersion: cfg.ExtractorVersion,
		ModelName:        cfg.ModelName,
	}
	if cfg.CRMEnabled() {
		deps.CRM = crm.New(cfg.CRMBaseURL, cfg.CRMAPIKey)
	} else {
		slog.Warn("crm not configured; crm and resume handlers not registered")
	}
	worker.RegisterBuiltins(registry, deps)
	slog.Info("handlers registered", slog.Any("types", registry.Types()))

	runner := worker.NewRunner(jobRepo, producer, registry, worker.RunnerConfig{
		WorkerName: cfg.WorkerName,
		RetryBase:  cfg.JobRetryBase,
		RetryMax:   cfg.JobRetryMax,
		JobTimeout: cfg.JobTimeout,
	})

	topics := append([]string{cfg.KafkaTopic}, cfg.WorkerQueueNames...)
	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, consumerGroup, topics, cfg.WorkerConcurrency,
		func(ctx context.Context, jobID string) error {
			return runner.Run(ctx, jobID)
		})
	if err != nil {
		slog.Error("consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = consumer.Close() }()

	// The worker also sweeps: a single process deployment still recovers
	// lost dispatches.
	sweeper := app.NewSweeper(jobRepo, producer, cfg.SweepInterval, cfg.SweepGrace, cfg.SweepStuckAfter, cfg.SweepBatch)
	go sweeper.Run(ctx)

	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("consumer stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
