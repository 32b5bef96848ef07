/**
 * Prescription OCR Worker - Main Entry Point
 *
 * Architecture:
 * - Asynq consumer for the Redis-backed job queue
 * - Single-image pipeline: quality assessment, deterministic preprocessing,
 *   provider fallback chain, medical text normalisation, drug cross-reference
 * - Bounded batch coordinator for multi-image jobs
 * - Two-tier result cache (in-process LRU + Redis)
 * - PostgreSQL drug database, or the built-in formulary when none is configured
 */

package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/knappy214/medguard-sa-sub003/internal/batch"
	"github.com/knappy214/medguard-sa-sub003/internal/cache"
	"github.com/knappy214/medguard-sa-sub003/internal/config"
	"github.com/knappy214/medguard-sa-sub003/internal/drugs"
	"github.com/knappy214/medguard-sa-sub003/internal/imaging"
	"github.com/knappy214/medguard-sa-sub003/internal/logging"
	"github.com/knappy214/medguard-sa-sub003/internal/processor"
	"github.com/knappy214/medguard-sa-sub003/internal/providers"
	"github.com/knappy214/medguard-sa-sub003/internal/queue"
	"github.com/knappy214/medguard-sa-sub003/internal/validation"
)

const startupTimeout = 10 * time.Second

func main() {
	logger := logging.NewLogger("Main")

	if err := godotenv.Load(); err != nil {
		logger.Info(".env not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := logging.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		logger.Error("Invalid logging configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	logger.Info("Prescription OCR worker starting",
		"env", cfg.AppEnv,
		"providers", len(cfg.Providers),
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"batchConcurrency", cfg.MaxConcurrent)

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	// Recognition providers
	chain, err := providers.NewAll(startCtx, cfg.Providers)
	if err != nil {
		return err
	}
	defer closeAll(logger, chain)

	orchestrator, err := providers.NewOrchestrator(chain, providers.OrchestratorConfig{
		MinimumAcceptable: cfg.MinimumAcceptableConfidence,
		RetryAttempts:     cfg.RetryAttempts,
		CallTimeout:       cfg.ProviderTimeout,
	})
	if err != nil {
		return err
	}

	// Drug database
	var db drugs.Database = drugs.NewFormularyDatabase()
	if cfg.DatabaseURL != "" {
		pg, err := drugs.NewPostgresDatabase(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.EnsureSchema(startCtx); err != nil {
			return err
		}
		if err := pg.Seed(startCtx, drugs.Formulary); err != nil {
			return err
		}
		db = pg
		logger.Info("Drug database connected (PostgreSQL)")
	} else {
		logger.Info("Using built-in formulary for drug cross-reference")
	}

	// Redis: shared cache tier and job status
	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	redisClient := redis.NewClient(redisOpt)
	defer redisClient.Close()

	var l2 cache.Store
	if err := redisClient.Ping(startCtx).Err(); err != nil {
		logger.Warn("Redis unreachable, shared cache tier disabled", "error", err)
	} else {
		l2 = cache.NewRedisStore(redisClient, cache.DefaultKeyPrefix)
	}
	resultCache := cache.New(cfg.CacheSize, cfg.CacheTTL, l2)
	statusSink := queue.NewRedisStatusSink(redisClient, cfg.QueueName)

	// Pipeline
	thresholds := validation.DefaultThresholds()
	thresholds.MinimumAcceptable = cfg.MinimumAcceptableConfidence

	pipeline, err := processor.NewPipeline(processor.PipelineConfig{
		Recognizer:    orchestrator,
		Assessor:      imaging.NewAssessor(cfg.QualityThreshold),
		Preprocessor:  imaging.NewPreprocessor(),
		Drugs:         drugs.NewCrossReferencer(db, cfg.DrugLookupTimeout),
		Validator:     validation.NewValidator(thresholds),
		Cache:         resultCache,
		LanguageHints: cfg.LanguageHints,
	})
	if err != nil {
		return err
	}

	coordinator, err := batch.NewCoordinator(pipeline, batch.Config{
		MaxConcurrent:    cfg.MaxConcurrent,
		QualityThreshold: cfg.QualityThreshold,
		RetryAttempts:    cfg.RetryAttempts,
		ItemTimeout:      cfg.ItemTimeout,
		BatchTimeout:     cfg.BatchTimeout,
		Sink:             statusSink,
	})
	if err != nil {
		return err
	}

	// Queue
	handler, err := queue.NewHandler(queue.HandlerConfig{
		Processor:         pipeline,
		Batches:           coordinator,
		Loader:            processor.NewLoader(cfg.MaxImageBytes),
		Sink:              statusSink,
		ProcessingTimeout: cfg.ItemTimeout,
	})
	if err != nil {
		return err
	}

	consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:    cfg.RedisURL,
		QueueName:   cfg.QueueName,
		Concurrency: cfg.WorkerConcurrency,
		Handler:     handler,
	})
	if err != nil {
		return err
	}
	if err := consumer.Start(); err != nil {
		return err
	}

	logger.Info("Worker ready, waiting for jobs", "queue", cfg.QueueName)
	<-ctx.Done()

	logger.Info("Received shutdown signal, draining in-flight jobs")
	consumer.Stop()

	stats := resultCache.Stats()
	logger.Info("Cache statistics",
		"hits", stats.Hits,
		"misses", stats.Misses,
		"corruptions", stats.Corruptions)
	return nil
}

func closeAll(logger *logging.Logger, chain []providers.Provider) {
	for _, p := range chain {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("Failed to close provider", "provider", p.ID(), "error", err)
			}
		}
	}
}
