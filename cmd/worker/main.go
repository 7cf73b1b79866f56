package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/eunalunacho/Altify/internal/config"
	"github.com/eunalunacho/Altify/internal/generate"
	"github.com/eunalunacho/Altify/internal/objectstore"
	"github.com/eunalunacho/Altify/internal/queue"
	"github.com/eunalunacho/Altify/internal/store"
	"github.com/eunalunacho/Altify/internal/telemetry"
	"github.com/eunalunacho/Altify/internal/worker"
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

	broker := queue.New(cfg, logger)
	if err := broker.Connect(ctx); err != nil {
		logger.Error("connect broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	// One inference client per process, handed to the consumer explicitly.
	captioner, err := generate.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
	if err != nil {
		logger.Error("init captioner", "error", err)
		os.Exit(1)
	}

	republisher := worker.NewRepublisher(broker, cfg.RetryBase, cfg.RetryMax, logger)
	deadLetters := worker.NewDeadLetterRouter(broker, logger)
	consumer := worker.NewConsumer(st, objects, captioner, broker, republisher, deadLetters, cfg.MaxAttempts, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started", "queue", cfg.QueueName, "max_attempts", cfg.MaxAttempts)
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
