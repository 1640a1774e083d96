package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dedox/dedox/internal/archive"
	"github.com/dedox/dedox/internal/config"
	"github.com/dedox/dedox/internal/index"
	"github.com/dedox/dedox/internal/llm"
	"github.com/dedox/dedox/internal/ocr"
	"github.com/dedox/dedox/internal/pipeline"
	"github.com/dedox/dedox/internal/queue"
	"github.com/dedox/dedox/internal/resolve"
	"github.com/dedox/dedox/internal/server"
	"github.com/dedox/dedox/internal/store/sqlite"
	"github.com/dedox/dedox/internal/telemetry"
	"github.com/dedox/dedox/internal/webhook"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("DEDOX_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer("dedox", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	if dir := filepath.Dir(cfg.Storage.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create storage directory: %v", err)
		}
	}
	st, err := sqlite.New(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}
	defer st.Close()

	// Jobs left running by a previous process have no owner anymore.
	recovered, err := st.RecoverRunning(context.Background())
	if err != nil {
		log.Fatalf("Failed to recover interrupted jobs: %v", err)
	}
	if recovered > 0 {
		logger.Info("recovered interrupted jobs", slog.Int("count", recovered))
	}

	archiveClient := archive.NewClient(cfg.Archive.BaseURL, cfg.Archive.Token, cfg.Archive.Timeout)
	llmClient := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout)
	ocrEngine := ocr.NewEngine(cfg.OCR.Languages)
	indexClient := index.NewClient(cfg.Sync.BaseURL, cfg.Sync.APIKey, cfg.Sync.Timeout,
		index.WithKnowledgeBase(cfg.Sync.KnowledgeBase))

	resolver := resolve.NewResolver(archiveClient, llmClient, logger, resolve.Options{
		Threshold:     cfg.Resolver.MatchThreshold,
		CacheTTL:      cfg.Resolver.CacheTTL,
		CacheSize:     cfg.Resolver.CacheSize,
		MaxCandidates: cfg.Resolver.MaxCorrespondents,
	})

	tags := pipeline.Tags{
		Processing: cfg.Webhook.PendingTag,
		Enhanced:   cfg.Webhook.ProcessedTag,
		Error:      cfg.Webhook.ErrorTag,
	}
	fullStages := []pipeline.Stage{
		pipeline.NewCleanStage(archiveClient, cfg.OCR.MaxDimension, logger),
		pipeline.NewOCRStage(ocrEngine, cfg.OCR.ConfidenceThreshold, cfg.OCR.Timeout, logger),
		pipeline.NewUploadStage(archiveClient),
		pipeline.NewExtractStage(llmClient, logger),
		pipeline.NewFinalizeStage(archiveClient, resolver, tags, logger),
		pipeline.NewIndexStage(indexClient, archiveClient, cfg.Sync.Enabled),
	}
	syncStages := []pipeline.Stage{
		pipeline.NewIndexStage(indexClient, archiveClient, cfg.Sync.Enabled),
	}

	orchestrator := pipeline.NewOrchestrator(st, archiveClient, logger, fullStages, syncStages,
		pipeline.RetryPolicy{
			MaxAttempts: cfg.Worker.MaxRetries,
			Base:        cfg.Worker.BackoffBase,
			Max:         cfg.Worker.BackoffCap,
		}, tags)

	pool := queue.NewPool(st, orchestrator, logger, cfg.Worker.Concurrency, cfg.Worker.PollInterval)
	intake := webhook.NewIntake(cfg.Webhook.Secret, st, cfg.Webhook.ReprocessTag, logger)
	srv := server.New(cfg.Server.Port, intake, st, queue.NewController(st), logger, pool.Wake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	logger.Info("dedox started",
		slog.Int("port", cfg.Server.Port),
		slog.Int("workers", cfg.Worker.Concurrency),
		slog.Bool("sync_enabled", cfg.Sync.Enabled))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, stopping...")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
		}
	}

	// Stop claiming new work, then drain HTTP.
	cancel()
	pool.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Shutdown complete")
}
