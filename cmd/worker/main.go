package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/voicereport/voicereport/internal/broadcast"
	"github.com/voicereport/voicereport/internal/config"
	"github.com/voicereport/voicereport/internal/database"
	"github.com/voicereport/voicereport/internal/llm"
	"github.com/voicereport/voicereport/internal/pipeline"
	"github.com/voicereport/voicereport/internal/queue"
	"github.com/voicereport/voicereport/internal/queue/workers"
	"github.com/voicereport/voicereport/internal/storage"
	"github.com/voicereport/voicereport/internal/stt"
	"github.com/voicereport/voicereport/internal/workflow"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis unavailable", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	store := workflow.NewPostgresStore(db)
	blobs := storage.NewSupabaseStorage(cfg.Storage.SupabaseURL, cfg.Storage.SupabaseKey)
	queueClient := queue.NewClient(cfg.Redis)
	defer queueClient.Close()

	var sttProvider stt.Provider
	switch cfg.STT.Backend {
	case "local":
		sttProvider = stt.NewLocal(stt.LocalConfig{BaseURL: cfg.STT.LocalBaseURL})
	default:
		sttProvider = stt.NewOpenAI(stt.OpenAIConfig{
			APIKey:  cfg.STT.OpenAIKey,
			BaseURL: cfg.STT.OpenAIBaseURL,
			Model:   cfg.STT.OpenAIModel,
		})
	}

	gateway := llm.NewGateway(cfg.LLM)
	broadcaster := broadcast.New(rdb, store)

	orchestrator := pipeline.NewOrchestrator(store, broadcaster, queueClient,
		pipeline.Config{
			StageTimeout:   cfg.Pipeline.StageTimeout,
			RetryBudget:    cfg.Pipeline.RetryBudget,
			RetryBaseDelay: cfg.Pipeline.RetryBaseDelay,
			RetryMaxDelay:  cfg.Pipeline.RetryMaxDelay,
		},
		pipeline.NewTranscribeAdapter(blobs, cfg.Ingest.Bucket, sttProvider),
		pipeline.NewTranslateAdapter(gateway, cfg.LLM.TranslateModel, cfg.Pipeline.TargetLanguage),
		pipeline.NewExtractAdapter(gateway, cfg.LLM.ExtractModel),
		pipeline.NewGenerateAdapter(),
	)

	lease := workflow.NewLease(rdb, cfg.Pipeline.LeaseTTL)
	pipelineWorker := workers.NewPipelineWorker(orchestrator, lease)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go workers.NewRecoverySweep(store, queueClient).Run(sweepCtx, 5*time.Minute)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: cfg.Pipeline.Concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)

	registry := queue.NewHandlersRegistry()
	registry.Register(queue.TypeWorkflowRun, asynq.HandlerFunc(pipelineWorker.ProcessTask))

	go func() {
		slog.Info("starting worker", "concurrency", cfg.Pipeline.Concurrency)
		if err := srv.Run(registry.Mux()); err != nil {
			slog.Error("worker error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...")
	srv.Shutdown()
	slog.Info("worker stopped")
}
