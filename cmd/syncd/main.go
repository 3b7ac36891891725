package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"readalong/internal/audio"
	"readalong/internal/config"
	"readalong/internal/syncer"
	"readalong/internal/transcribe"
	"readalong/internal/util"
	"readalong/pkg/queue"
	"readalong/pkg/storage"
	"readalong/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init postgres store: %v", err)
	}
	blobs, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init blob store: %v", err)
	}
	stt, err := transcribe.NewClient(cfg.TranscriptionURL, cfg.TranscriptionKey,
		transcribe.WithModel(cfg.TranscriptionModel))
	if err != nil {
		log.Fatalf("failed to init transcription client: %v", err)
	}
	chunker, err := audio.NewChunker(cfg.Sync, blobs, cfg.WorkDir)
	if err != nil {
		log.Fatalf("failed to init chunker: %v", err)
	}

	orch := syncer.New(dataStore, blobs, stt, chunker, cfg.Sync, cfg.WorkDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RedisAddr != "" {
		jobs, err := queue.NewRedisSyncQueue(queue.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Fatalf("failed to init sync queue: %v", err)
		}
		jobs.Start(ctx, 2, func(jobCtx context.Context, job queue.JobStatus) error {
			return orch.Run(jobCtx, job.OwnerID, job.SessionID)
		})
		slog.Info("sync workers started", "redis", cfg.RedisAddr)
	} else {
		slog.Warn("no redis configured, sync sessions must be driven in-process")
	}

	<-ctx.Done()
	slog.Info("shutting down")
}
