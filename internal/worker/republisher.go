package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/eunalunacho/Altify/internal/queue"
	"github.com/eunalunacho/Altify/internal/telemetry"
)

// Broker is the queue surface the worker publishes back through.
type Broker interface {
	Publish(ctx context.Context, body []byte) error
	PublishDeadLetter(ctx context.Context, body []byte) error
}

// Republisher re-announces a failed message with an incremented attempt
// counter, waiting out an exponential backoff first.
type Republisher struct {
	broker Broker
	base   time.Duration
	max    time.Duration
	logger *slog.Logger
}

// NewRepublisher constructs a republisher with the given backoff bounds.
func NewRepublisher(broker Broker, base, max time.Duration, logger *slog.Logger) *Republisher {
	if base <= 0 {
		base = 2 * time.Second
	}
	if max < base {
		max = base
	}
	return &Republisher{broker: broker, base: base, max: max, logger: logger}
}

// Republish publishes a fresh envelope for the task with attempt+1 and the
// failure recorded as last_error. The backoff delay blocks the consumer;
// under prefetch 1 no other message is processed while it waits.
func (r *Republisher) Republish(ctx context.Context, env queue.Envelope, reason string) error {
	delay := r.backoff(env.Attempt)
	r.logger.Info("retrying task",
		"task_id", env.TaskID, "attempt", env.Attempt+1, "delay", delay, "error", reason)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	next := queue.Envelope{
		TaskID:     env.TaskID,
		Attempt:    env.Attempt + 1,
		EnqueuedAt: time.Now().UTC(),
		LastError:  reason,
	}
	if err := r.broker.Publish(ctx, queue.EncodeEnvelope(next)); err != nil {
		return fmt.Errorf("republish task %d: %w", env.TaskID, err)
	}
	telemetry.RetriedCounter.Inc()
	return nil
}

func (r *Republisher) backoff(attempt int) time.Duration {
	d := r.base << uint(attempt)
	if d > r.max || d <= 0 {
		d = r.max
	}
	// Up to 25% jitter so synchronized failures fan out.
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
