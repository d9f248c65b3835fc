// Package main is the entry point for the fermata worker.
//
// The worker long-polls the SQS work queue, executes pack runs under a
// heartbeated lease, uploads result envelopes to S3 and drives each run
// through the two-phase finalize: claim, settle, commit. It shares the
// ledger, store and configuration with the API server so both sides agree
// on every lifecycle knob.
//
// A small HTTP server exposes /health, /ready and /metrics for the
// orchestrator and Prometheus.
package main

import (
	"context"
	"database/sql"
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kelpejol/fermata/internal/blob"
	"github.com/kelpejol/fermata/internal/config"
	"github.com/kelpejol/fermata/internal/ledger"
	"github.com/kelpejol/fermata/internal/pack"
	"github.com/kelpejol/fermata/internal/queue"
	"github.com/kelpejol/fermata/internal/store"
	"github.com/kelpejol/fermata/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Environment, "fermata-worker")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.QueueURL == "" {
		logger.Fatal().Msg("SQS_QUEUE_URL is required")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("concurrency", cfg.WorkerConcurrency).
		Msg("starting fermata worker")

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     50,
		MinIdleConns: 10,
	})
	defer redisClient.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	pingCancel()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

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

	st := store.New(db, logger)

	awsCtx, awsCancel := context.WithTimeout(context.Background(), 10*time.Second)
	awsCfg, err := awsconfig.LoadDefaultConfig(awsCtx, awsconfig.WithRegion(cfg.AWSRegion))
	awsCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load aws configuration")
	}

	workQueue := queue.New(sqs.NewFromConfig(awsCfg), cfg.QueueURL, logger)
	results := blob.NewFromClient(s3.NewFromConfig(awsCfg), cfg.ResultBucket, logger)

	packs := pack.NewRegistry()
	// The demo echo pack ships only in development.
	if cfg.Environment == "development" {
		packs.Register(pack.TypeDemoEcho, pack.NewDemoEcho())
	}
	if len(packs.Types()) == 0 {
		logger.Warn().Msg("no packs registered, every dequeued run will be abandoned")
	} else {
		logger.Info().Strs("packs", packs.Types()).Msg("pack registry ready")
	}

	w := worker.New(cfg, ldgr, st, workQueue, results, packs, logger)

	// Ops server: health, readiness, metrics.
	opsServer := newOpsServer(cfg.HTTPPort, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		return redisClient.Ping(ctx).Err()
	})
	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("ops server listening")
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("ops server failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().
			Str("signal", sig.String()).
			Msg("shutdown signal received, draining consume loops")
		cancel()
	}()

	if err := w.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker stopped with error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ops server shutdown failed")
	}

	// Deferred cleanup drains the audit queue before the handles close.
	logger.Info().Msg("shutdown complete")
}

// newOpsServer builds the health/readiness/metrics server for this process.
func newOpsServer(port string, ready func(context.Context) error) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := ready(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment, service string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

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
