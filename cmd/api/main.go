package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eunalunacho/Altify/internal/api"
	"github.com/eunalunacho/Altify/internal/config"
	"github.com/eunalunacho/Altify/internal/objectstore"
	"github.com/eunalunacho/Altify/internal/queue"
	"github.com/eunalunacho/Altify/internal/ratelimit"
	"github.com/eunalunacho/Altify/internal/service"
	"github.com/eunalunacho/Altify/internal/store"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("run migrations", "error", err)
		os.Exit(1)
	}

	objects, err := objectstore.New(ctx, cfg)
	if err != nil {
		logger.Error("connect object store", "error", err)
		os.Exit(1)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		logger.Error("ensure bucket", "error", err)
		os.Exit(1)
	}

	broker := queue.New(cfg, logger)
	if err := broker.Connect(ctx); err != nil {
		logger.Error("connect broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.New(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	svc := service.New(service.NewPgStore(st), objects, broker, cfg.MaxImageBytes, logger)
	server := api.New(svc, limiter, cfg.MaxImageBytes, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
