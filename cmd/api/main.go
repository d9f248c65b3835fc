// Package main is the entry point for the fermata API server.
//
// This server exposes the HTTP surface that clients submit runs to and poll
// results from. The server is designed for production operation with:
//
// - Graceful shutdown on SIGTERM/SIGINT
// - Health and readiness endpoints for load balancers
// - Prometheus metrics endpoint for monitoring
// - Structured logging with log levels
//
// The server initializes:
// 1. Database connections (Redis + PostgreSQL)
// 2. The ledger with Lua scripts
// 3. The balance and API key mirror (PostgreSQL -> Redis)
// 4. AWS clients (SQS work queue, S3 result store)
// 5. The submission service and HTTP router
//
// Configuration is via environment variables (12-factor app pattern).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/kelpejol/fermata/internal/auth"
	"github.com/kelpejol/fermata/internal/blob"
	"github.com/kelpejol/fermata/internal/config"
	"github.com/kelpejol/fermata/internal/ledger"
	"github.com/kelpejol/fermata/internal/queue"
	"github.com/kelpejol/fermata/internal/rest"
	"github.com/kelpejol/fermata/internal/store"
	"github.com/kelpejol/fermata/internal/submit"
	"github.com/kelpejol/fermata/internal/sync"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Environment, "fermata-api")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.QueueURL == "" {
		logger.Fatal().Msg("SQS_QUEUE_URL is required")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Msg("starting fermata api server")

	// Redis: hot path for balances, reservations and idempotency state.
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     100,
		MinIdleConns: 25,
	})
	defer redisClient.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	pingCancel()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	// PostgreSQL: the authoritative run rows and the audit trail.
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open postgres")
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	pingCancel()
	logger.Info().Msg("connected to postgres")

	// Reservation keys must outlive the sweeper's deadline so a refund at
	// the deadline still finds the reservation in the cache.
	ldgr := ledger.NewLedger(redisClient, db, 2*cfg.ReservationTTL(), logger)
	defer ldgr.Close()
	logger.Info().Msg("ledger initialized")

	// Initial sync from PostgreSQL to Redis. This is CRITICAL: without it
	// Redis is empty and every submission fails on balance lookup.
	syncer := sync.NewSyncer(redisClient, db, logger)

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := syncer.InitializeRedis(initCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize redis from postgresql")
	}
	if err := syncer.SyncAPIKeys(initCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to sync api keys to redis")
	}
	initCancel()
	logger.Info().Msg("redis initialized from postgresql")

	// Periodic sync catches manual balance adjustments and new tenants.
	syncer.StartPeriodicSync(5 * time.Minute)
	defer syncer.Stop()

	authenticator := auth.NewAuthenticator(redisClient, logger)

	// For development, install a well-known API key for the seeded tenant.
	if cfg.Environment == "development" {
		testKey := "fermata_test_key_1234567890"
		if err := authenticator.StoreAPIKey(context.Background(), testKey, "tenant_demo_1"); err != nil {
			logger.Warn().Err(err).Msg("failed to store test API key")
		} else {
			logger.Info().Msg("test API key stored: fermata_test_key_1234567890")
		}
	}

	st := store.New(db, logger)

	awsCtx, awsCancel := context.WithTimeout(context.Background(), 10*time.Second)
	awsCfg, err := awsconfig.LoadDefaultConfig(awsCtx, awsconfig.WithRegion(cfg.AWSRegion))
	awsCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load aws configuration")
	}

	workQueue := queue.New(sqs.NewFromConfig(awsCfg), cfg.QueueURL, logger)
	results := blob.NewFromClient(s3.NewFromConfig(awsCfg), cfg.ResultBucket, logger)

	svc := submit.NewService(cfg, ldgr, st, workQueue, results, logger)

	ready := func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}

	handler := rest.NewHandler(svc, authenticator, ready, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Wait for shutdown signal.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	// Deferred cleanup drains the audit queue before the handles close.
	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment, service string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// Pretty console output in development, JSON in production.
	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Str("environment", environment).
		Logger()
}
