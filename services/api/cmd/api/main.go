package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"vibe/internal/ratelimit"
	"vibe/internal/util"
	"vibe/pkg/auth"
	"vibe/pkg/events"
	"vibe/pkg/queue"
	"vibe/pkg/storage"
	"vibe/services/api/internal/app"
	"vibe/services/api/internal/config"
	"vibe/services/api/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseDuration(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	leeway, _ := config.ParseDuration(cfg.JWTLeeway)
	verifyKeys, _ := config.ParseKeyMap(cfg.JWTVerifyPublicKeys)
	policy, _ := auth.PolicyByName(cfg.PasswordPolicy)

	logger := util.InitLogger(cfg.LogLevel)

	appCfg := app.Config{
		DatabaseURL:         cfg.DatabaseURL,
		SessionTTL:          sessionTTL,
		JWTSecret:           cfg.JWTSecret,
		JWTPrivateKeyPath:   cfg.JWTPrivateKeyPath,
		JWTPublicKeyPath:    cfg.JWTPublicKeyPath,
		JWTKeyID:            cfg.JWTKeyID,
		JWTVerifyPublicKeys: verifyKeys,
		JWTIssuer:           cfg.JWTIssuer,
		JWTAudience:         cfg.JWTAudience,
		JWTLeeway:           leeway,
		PasswordPolicy:      policy,
		Broker:              events.NewMemoryBroker(),
	}

	var registerLimiter, loginLimiter server.RateLimiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		appCfg.Redis = client

		broker, err := events.NewRedisBroker(client, "vibe:chat")
		if err != nil {
			log.Fatalf("failed to init chat broker: %v", err)
		}
		appCfg.Broker = broker

		purges, err := queue.NewRedisJobQueue(client, queue.RedisQueueConfig{Stream: cfg.PurgeQueueStream, Group: "purge"})
		if err != nil {
			log.Fatalf("failed to init purge queue: %v", err)
		}
		appCfg.Purges = purges

		if cfg.RegisterRateLimitPerMinute > 0 {
			l, err := ratelimit.NewFixedWindowLimiter(client, "vibe:ratelimit:register", cfg.RegisterRateLimitPerMinute, time.Minute)
			if err != nil {
				log.Fatalf("failed to init register limiter: %v", err)
			}
			registerLimiter = l
		}
		if cfg.LoginRateLimitPerMinute > 0 {
			l, err := ratelimit.NewFixedWindowLimiter(client, "vibe:ratelimit:login", cfg.LoginRateLimitPerMinute, time.Minute)
			if err != nil {
				log.Fatalf("failed to init login limiter: %v", err)
			}
			loginLimiter = l
		}
	} else {
		logger.Warn("redis not configured; rate limiting, cross-replica push and async purge disabled")
	}

	if cfg.Minio.Endpoint != "" {
		expiry, _ := config.ParseDuration(cfg.Minio.UploadExpiry)
		avatars, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:      cfg.Minio.Endpoint,
			AccessKey:     cfg.Minio.AccessKey,
			SecretKey:     cfg.Minio.SecretKey,
			Bucket:        cfg.Minio.Bucket,
			Region:        cfg.Minio.Region,
			UseSSL:        cfg.Minio.UseSSL,
			PublicBaseURL: cfg.Minio.PublicBaseURL,
			UploadExpiry:  expiry,
			EnsureBucket:  cfg.Minio.EnsureBucket,
		}, util.NewID)
		if err != nil {
			log.Fatalf("failed to init avatar storage: %v", err)
		}
		appCfg.Avatars = avatars
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer := server.New(server.Config{
		App:             appCore,
		RegisterLimiter: registerLimiter,
		LoginLimiter:    loginLimiter,
		TrustedProxies:  trusted,
		AllowedOrigins:  cfg.CORSAllowedOrigins,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("api server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
