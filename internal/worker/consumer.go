// Package worker consumes task messages one at a time, runs inference, and
// resolves failures into retries, dead letters, or drops.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/eunalunacho/Altify/internal/generate"
	"github.com/eunalunacho/Altify/internal/models"
	"github.com/eunalunacho/Altify/internal/queue"
	"github.com/eunalunacho/Altify/internal/store"
	"github.com/eunalunacho/Altify/internal/telemetry"
)

// errSkipStale marks a redelivery for a task that already finished. The
// message is acked without touching the task or the completion counter.
var errSkipStale = errors.New("stale redelivery for finished task")

// TaskStore is the persistence surface the consumer needs.
type TaskStore interface {
	GetTask(ctx context.Context, id int64) (models.Task, error)
	MarkProcessing(ctx context.Context, id int64) error
	SaveResult(ctx context.Context, id int64, candidate1, candidate2 string) error
	MarkFailed(ctx context.Context, id int64) error
}

// ObjectStore fetches the stored image for a task.
type ObjectStore interface {
	Get(ctx context.Context, ref string) ([]byte, string, error)
}

// Source delivers queue messages.
type Source interface {
	Consume(ctx context.Context) (<-chan amqp.Delivery, error)
}

// Consumer drives the worker loop: one message at a time, every delivery
// acknowledged exactly once after its outcome is settled.
type Consumer struct {
	store       TaskStore
	objects     ObjectStore
	captioner   generate.Captioner
	source      Source
	republisher *Republisher
	deadLetters *DeadLetterRouter
	maxAttempts int
	logger      *slog.Logger
}

// NewConsumer constructs the consumer.
func NewConsumer(st TaskStore, objects ObjectStore, captioner generate.Captioner, source Source, rep *Republisher, dlq *DeadLetterRouter, maxAttempts int, logger *slog.Logger) *Consumer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Consumer{
		store:       st,
		objects:     objects,
		captioner:   captioner,
		source:      source,
		republisher: rep,
		deadLetters: dlq,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Run consumes until ctx is cancelled, reconnecting when the delivery
// channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		deliveries, err := c.source.Consume(ctx)
		if err != nil {
			c.logger.Error("consume failed, reconnecting", "error", err)
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for d := range deliveries {
			dec := c.handle(ctx, d.Body)
			if dec.Outcome == OutcomeRequeue {
				if err := d.Nack(false, true); err != nil {
					c.logger.Error("nack failed", "error", err)
				}
			} else if err := d.Ack(false); err != nil {
				c.logger.Error("ack failed", "error", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("delivery channel closed, reconnecting")
	}
}

// handle settles one message body: process it, decide the outcome, and
// dispatch retries and dead letters. The returned decision is what happened,
// for observation in tests.
func (c *Consumer) handle(ctx context.Context, body []byte) Decision {
	env, err := queue.DecodeEnvelope(body)
	if err != nil {
		dec := Decision{Outcome: OutcomeDeadLetter, Kind: KindParse, Reason: fmt.Sprintf("decode envelope: %v", err)}
		if routeErr := c.deadLetters.Route(ctx, env, body, dec.Reason); routeErr != nil {
			c.logger.Error("dead-letter publish failed", "error", routeErr)
		}
		return dec
	}
	if env.TaskID == 0 {
		telemetry.DroppedCounter.Inc()
		c.logger.Warn("dropping message without task_id")
		return Decision{Outcome: OutcomeDrop}
	}

	procErr := c.process(ctx, env)
	if errors.Is(procErr, errSkipStale) {
		return Decision{Outcome: OutcomeNone, Attempt: env.Attempt}
	}
	dec := Decide(env.Attempt, c.maxAttempts, procErr)
	switch dec.Outcome {
	case OutcomeNone:
		telemetry.CompletedCounter.Inc()
	case OutcomeRetry:
		if err := c.republisher.Republish(ctx, env, dec.Reason); err != nil {
			// Shutdown mid-backoff is not a broker failure: the failure is
			// still retryable, so leave the message unacked for redelivery
			// instead of rewriting it into a terminal dead letter.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				dec.Outcome = OutcomeRequeue
				return dec
			}
			// The message is about to be acked; dead-letter rather than
			// lose it.
			c.logger.Error("republish failed, routing to dead letters", "task_id", env.TaskID, "error", err)
			dec.Outcome = OutcomeDeadLetter
			c.settleDeadLetter(ctx, env, body, dec)
		}
	case OutcomeDeadLetter:
		c.settleDeadLetter(ctx, env, body, dec)
	}
	return dec
}

func (c *Consumer) settleDeadLetter(ctx context.Context, env queue.Envelope, body []byte, dec Decision) {
	if dec.Kind != KindDataInconsistency {
		if err := c.store.MarkFailed(ctx, env.TaskID); err != nil {
			c.logger.Error("mark failed", "task_id", env.TaskID, "error", err)
		}
	}
	if err := c.deadLetters.Route(ctx, env, body, dec.Reason); err != nil {
		c.logger.Error("dead-letter publish failed", "task_id", env.TaskID, "error", err)
	}
}

// process runs the task pipeline for one message. Errors carry enough
// classification for Decide; process itself never touches the broker.
func (c *Consumer) process(ctx context.Context, env queue.Envelope) error {
	if err := c.store.MarkProcessing(ctx, env.TaskID); err != nil {
		// A stale redelivery for a finished task is settled, not an error.
		if errors.Is(err, store.ErrTerminal) {
			c.logger.Info("skipping finished task", "task_id", env.TaskID, "attempt", env.Attempt)
			return errSkipStale
		}
		return fmt.Errorf("mark processing: %w", err)
	}
	task, err := c.store.GetTask(ctx, env.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	image, contentType, err := c.objects.Get(ctx, task.ImageRef)
	if err != nil {
		return fmt.Errorf("fetch image %q: %w", task.ImageRef, err)
	}

	contextText := task.ContextText
	start := time.Now()
	candidate1, candidate2, err := c.captioner.Captions(ctx, image, contentType, contextText)
	telemetry.InferenceSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("generate captions: %w", err)
	}

	if err := c.store.SaveResult(ctx, env.TaskID, candidate1, candidate2); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	c.logger.Info("task done", "task_id", env.TaskID, "attempt", env.Attempt)
	return nil
}
