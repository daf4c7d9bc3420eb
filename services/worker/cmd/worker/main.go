package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"vibe/internal/util"
	"vibe/pkg/events"
	"vibe/pkg/queue"
	"vibe/pkg/storage"
	"vibe/services/worker/internal/app"
	"vibe/services/worker/internal/config"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer client.Close()

	jobs, err := queue.NewRedisJobQueue(client, queue.RedisQueueConfig{
		Stream:     cfg.QueueStream,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
	})
	if err != nil {
		log.Fatalf("failed to init purge queue: %v", err)
	}
	broker, err := events.NewRedisBroker(client, "vibe:chat")
	if err != nil {
		log.Fatalf("failed to init chat broker: %v", err)
	}

	appCfg := app.Config{
		DatabaseURL:   cfg.DatabaseURL,
		Jobs:          jobs,
		Concurrency:   cfg.QueueConcurrency,
		Broker:        broker,
		SweepInterval: cfg.SweepEvery(),
		SweepOnStart:  cfg.SweepOnStart,
	}
	if cfg.Minio.Endpoint != "" {
		avatars, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			Region:    cfg.Minio.Region,
			UseSSL:    cfg.Minio.UseSSL,
		}, util.NewID)
		if err != nil {
			log.Fatalf("failed to init avatar storage: %v", err)
		}
		appCfg.Avatars = avatars
	}

	worker, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init worker: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker started", "stream", cfg.QueueStream, "concurrency", cfg.QueueConcurrency)
	if err := worker.Run(ctx); err != nil {
		logger.Error("worker stopped", "err", err)
	}
}
