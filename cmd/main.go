/**
 * @description
 * This is the main entry point for the wallet service. It initializes
 * configuration, the database pool, the RabbitMQ producer, the Redis client,
 * the payment gateway client, the application services and the cron
 * scheduler, wires everything together, and runs the HTTP server until a
 * termination signal arrives.
 */

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/Techori/Gateman-sub001/internal/api"
	"github.com/Techori/Gateman-sub001/internal/app"
	"github.com/Techori/Gateman-sub001/internal/config"
	"github.com/Techori/Gateman-sub001/internal/store"
	"github.com/Techori/Gateman-sub001/pkg/gateway"
	"github.com/Techori/Gateman-sub001/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("starting wallet service", "port", cfg.ServerPort)

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	// Events are best-effort: a missing broker downgrades to a no-op
	// publisher rather than blocking money movement.
	var publisher rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
		publisher = rabbitmq.NewNoopProducer(logger)
	} else {
		defer producer.Close()
		publisher = producer
		logger.Info("rabbitmq producer connected")
	}

	// Redis backs the batch lease. It is optional: without it the scheduler
	// runs unleased, which is safe in single-replica deployments.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			logger.Warn("redis url parse failed; batch lease disabled", "error", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				logger.Warn("redis ping failed; batch lease disabled", "error", pingErr)
				redisClient = nil
			}
			cancelPing()
		}
	}

	gatewayClient := gateway.NewClient(cfg.GatewayAPIBaseURL, cfg.GatewayAPIKey)

	repository := store.NewPostgresRepository(dbpool)
	walletService := app.NewWalletService(repository, gatewayClient, publisher, logger)
	mandateService := app.NewMandateService(repository, logger)
	processor := app.NewMandateProcessor(repository, publisher, logger)

	var lockClient redis.UniversalClient
	if redisClient != nil {
		lockClient = redisClient
	}
	batchLock := app.NewRedisBatchLock(lockClient, cfg.BatchLockPrefix)
	jobs := app.NewJobs(processor, walletService, repository, batchLock, logger, cfg)
	scheduler := app.NewScheduler(jobs, logger, cfg)

	scheduler.Start()
	logger.Info("scheduler started")

	handlers := api.NewHandlers(walletService, mandateService, processor, logger)
	router := api.NewRouter(handlers, cfg.JWKSURL, cfg.InternalAPIKey, cfg.GatewayWebhookSecret)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()
	logger.Info("http server listening", "port", cfg.ServerPort)

	// Wait for termination signal to gracefully shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}

	stopCtx := scheduler.Stop()
	<-stopCtx.Done() // Wait for in-flight jobs to finish
	logger.Info("scheduler stopped gracefully")
}
