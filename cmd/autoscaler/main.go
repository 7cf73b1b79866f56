// The autoscaler polls the work queue depth and scales the worker service
// between its configured bounds with a simple bang-bang policy.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/eunalunacho/Altify/internal/config"
	"github.com/eunalunacho/Altify/internal/queue"
	"github.com/eunalunacho/Altify/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	broker := queue.New(cfg, logger)
	if err := broker.Connect(ctx); err != nil {
		logger.Error("connect broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("autoscaler started",
		"queue", cfg.QueueName, "min", cfg.MinWorkers, "max", cfg.MaxWorkers,
		"scale_up_depth", cfg.ScaleUpDepth, "poll", cfg.DepthPollInterval)

	current := 0
	ticker := time.NewTicker(cfg.DepthPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		depth, err := broker.Depth(ctx)
		if err != nil {
			logger.Warn("read queue depth", "error", err)
			continue
		}
		telemetry.QueueDepthGauge.Set(float64(depth))
		if dlqDepth, err := broker.DLQDepth(ctx); err == nil {
			telemetry.DLQDepthGauge.Set(float64(dlqDepth))
		}

		// Bang-bang: a backlog gets the full fleet, an empty queue the
		// minimum. In-between depths keep whatever is running.
		want := current
		switch {
		case depth > cfg.ScaleUpDepth:
			want = cfg.MaxWorkers
		case depth == 0:
			want = cfg.MinWorkers
		}
		if want == current {
			continue
		}
		if err := scale(ctx, cfg.ComposeService, want); err != nil {
			logger.Error("scale workers", "want", want, "error", err)
			continue
		}
		logger.Info("scaled workers", "depth", depth, "from", current, "to", want)
		current = want
	}
}

func scale(ctx context.Context, service string, replicas int) error {
	cmd := exec.CommandContext(ctx, "docker", "compose", "up", "-d",
		"--scale", fmt.Sprintf("%s=%d", service, replicas), "--no-recreate", service)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker compose scale: %w: %s", err, out)
	}
	return nil
}
