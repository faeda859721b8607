package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/bootstrap"
	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/queue"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := bootstrap.NewLogger(cfg, "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectPostgres(cfg.DatabaseURL, 20)
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

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName+" api", logger)
	if err != nil {
		logger.Warn().Err(err).Msg("nats unavailable, using redis pub/sub for events")
	}
	if natsConn != nil {
		defer natsConn.Drain()
	}

	gateway, err := bootstrap.NewGateway(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create execution gateway")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	jobQueue := queue.NewRedisQueue(redisClient, cfg.QueueName)

	events := service.NewSubmissionEvents(redisClient, natsConn, cfg.EventsChannel, logger)
	events.Start(ctx)

	submissionRepo := repository.NewSubmissionRepository(db)
	activityRepo := repository.NewActivityRepository(db)
	studentRepo := repository.NewStudentRepository(db)

	evaluator := service.NewTestEvaluator(gateway, bootstrap.EvaluatorConfig(cfg), logger)
	orchestrator := service.NewOrchestrator(submissionRepo, evaluator, bootstrap.FeedbackFactory(cfg, logger), jobQueue, events, logger)
	submissionService := service.NewSubmissionService(submissionRepo, activityRepo, studentRepo, orchestrator, evaluator, jobQueue, validate, logger)

	submissionHandler := handler.NewSubmissionHandler(submissionService, events, validate, logger, cfg.StreamIdleTimeout)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		ReadTimeout:  90 * time.Second,
		WriteTimeout: 90 * time.Second,
	})

	middleware.Register(app, middleware.Config{Logger: logger})
	router.Register(app, cfg, router.Dependencies{
		SubmissionHandler: submissionHandler,
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
		ExecutionLimiter:  middleware.RateLimit("execute", cfg.ExecutionRateLimit, cfg.ExecutionRateWindow),
	})

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddress()).Str("provider", cfg.ExecutionProvider).Msg("grader api listening")
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(ctx, app, logger)
}

func waitForShutdown(ctx context.Context, app *fiber.App, logger zerolog.Logger) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
