package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-grader/internal/bootstrap"
	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/queue"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := bootstrap.NewLogger(cfg, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectPostgres(cfg.DatabaseURL, cfg.QueueWorkers*2)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	redisClient, err := database.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName+" worker", logger)
	if err != nil {
		logger.Warn().Err(err).Msg("nats unavailable, publishing events over redis only")
	}
	if natsConn != nil {
		defer natsConn.Drain()
	}

	gateway, err := bootstrap.NewGateway(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create execution gateway")
	}

	jobQueue := queue.NewRedisQueue(redisClient, cfg.QueueName)
	events := service.NewSubmissionEvents(redisClient, natsConn, cfg.EventsChannel, logger)

	evaluator := service.NewTestEvaluator(gateway, bootstrap.EvaluatorConfig(cfg), logger)
	orchestrator := service.NewOrchestrator(repository.NewSubmissionRepository(db), evaluator, bootstrap.FeedbackFactory(cfg, logger), jobQueue, events, logger)

	runner := queue.NewRunner(jobQueue, cfg.QueueWorkers, logger)
	service.RegisterJobs(runner, orchestrator, bootstrap.JobPolicies(cfg))

	observability.RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddress(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info().Int("workers", cfg.QueueWorkers).Str("queue", cfg.QueueName).Msg("grader worker started")
		return runner.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info().Str("addr", metricsServer.Addr).Msg("worker metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("worker stopped")
}
