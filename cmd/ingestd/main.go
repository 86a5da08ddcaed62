package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/user/ingest-service/internal/api"
	"github.com/user/ingest-service/internal/config"
	"github.com/user/ingest-service/internal/dedup"
	"github.com/user/ingest-service/internal/discover"
	"github.com/user/ingest-service/internal/fetch"
	"github.com/user/ingest-service/internal/fingerprint"
	"github.com/user/ingest-service/internal/ingest"
	"github.com/user/ingest-service/internal/metadata"
	"github.com/user/ingest-service/internal/monitoring"
	"github.com/user/ingest-service/internal/storage"
)

func main() {
	// Initialize structured logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("could not load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Storage Layer
	pgStore, err := storage.NewPostgresStore(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pgStore.Close()

	if err := pgStore.EnsureSchema(ctx); err != nil {
		logger.Fatal("failed to ensure schema", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	gate := storage.NewRedisGate(rdb,
		time.Duration(cfg.SeenTTLHours)*time.Hour,
		time.Duration(cfg.RecentUserSeconds)*time.Second,
	)
	if err := gate.Ping(ctx); err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}

	// Initialize Monitoring
	metrics := monitoring.NewMetrics()

	// Initialize Core Pipeline
	fetcher := fetch.NewFetcher(
		cfg.FetchMaxAttempts,
		time.Duration(cfg.FetchTimeoutSeconds)*time.Second,
		time.Duration(cfg.FetchBackoffMS)*time.Millisecond,
		metrics,
		logger,
	)
	fingerprinter := fingerprint.NewFingerprinter()
	tagExtractor := discover.NewTagExtractor(
		cfg.TagSelector,
		time.Duration(cfg.PageLoadTimeout)*time.Second,
		logger,
	)
	extractor := metadata.NewExtractor(tagExtractor, logger)
	index := dedup.NewIndex(cfg.HammingThreshold)

	pipeline := ingest.NewPipeline(fetcher, fingerprinter, extractor, pgStore, index, gate, cfg.IngestWorkers, metrics, logger)
	if err := pipeline.Warm(ctx); err != nil {
		logger.Fatal("failed to warm duplicate index", zap.Error(err))
	}

	// Initialize Discovery Source
	source := discover.NewSource(cfg.SourceURL, cfg.SourceAPIKey, cfg.SourcePageSize, cfg.SourceMaxPages, logger)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		err := pipeline.Loop(ctx,
			source.Stream,
			time.Duration(cfg.RefreshIntervalSeconds)*time.Second,
			cfg.StopAfterDuplicates,
		)
		if err != nil && ctx.Err() == nil {
			logger.Error("ingestion loop ended with error", zap.Error(err))
		}
	}()

	// Initialize API Server
	server := api.NewServer(cfg, pipeline, pgStore, gate, logger)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("could not start server", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("port", cfg.ServerPort))

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down...")
		cancel()
		<-runDone
	case <-runDone:
		logger.Info("ingestion loop finished")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exiting")
}
