// Command server starts the orchestrator HTTP API: job ingest, webhook
// intake, admin SSO, and the audit surface, plus the sweeper and the
// interval scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ops-orchestrator/internal/adapter/authstore"
	httpserver "github.com/fairyhunter13/ops-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ops-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ops-orchestrator/internal/adapter/oidc"
	"github.com/fairyhunter13/ops-orchestrator/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ops-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ops-orchestrator/internal/app"
	"github.com/fairyhunter13/ops-orchestrator/internal/config"
	"github.com/fairyhunter13/ops-orchestrator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

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

	if err := postgres.Migrate(cfg.DBURL); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	peopleRepo := postgres.NewPersonRepo(pool)
	auditRepo := postgres.NewAuditRepo(pool)

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.WorkerQueueNames...)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = producer.Close() }()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	enqueueSvc := usecase.NewEnqueueService(jobRepo, producer, cfg.JobMaxAttempts)
	auditSvc := usecase.NewAuditService(auditRepo, cfg.AuditBuffer)
	defer auditSvc.Close()

	var authSvc *usecase.AuthService
	if cfg.AuthEnabled() {
		provider := oidc.New(cfg.OIDCIssuer, cfg.OIDCClientID, cfg.OIDCClientSecret)
		authSvc = usecase.NewAuthService(provider, authstore.New(rdb), peopleRepo, auditSvc, usecase.AuthConfig{
			RedirectURL: cfg.OIDCRedirectURL,
			Scopes:      cfg.OIDCScopes,
			SessionTTL:  cfg.SessionTTL,
			StateTTL:    cfg.AuthStateTTL,
			DeepLinkTTL: cfg.DeepLinkTTL,
			AdminRoles:  cfg.AdminRoles,
		})
		slog.Info("admin sso enabled", slog.String("issuer", cfg.OIDCIssuer))
	} else {
		slog.Info("admin sso disabled; auth routes not mounted")
	}

	checks := app.BuildReadinessChecks(pool, producer, rdb)
	srv := httpserver.NewServer(cfg, enqueueSvc, jobRepo, auditSvc, authSvc, checks...)
	handler := app.BuildRouter(cfg, srv)

	sweeper := app.NewSweeper(jobRepo, producer, cfg.SweepInterval, cfg.SweepGrace, cfg.SweepStuckAfter, cfg.SweepBatch)
	go sweeper.Run(ctx)

	schedules, err := config.LoadSchedules(cfg.ScheduleFile)
	if err != nil {
		slog.Error("schedule file load failed", slog.Any("error", err))
		os.Exit(1)
	}
	scheduler := app.NewScheduler(enqueueSvc, schedules)
	go scheduler.Run(ctx)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	go func() {
		slog.Info("server listening", slog.Int("port", cfg.Port))
		if err := srvHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srvHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", slog.Any("error", err))
	}
}
