package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eunalunacho/Altify/internal/queue"
	"github.com/eunalunacho/Altify/internal/telemetry"
)

// DeadLetterRouter wraps terminal messages in a diagnostic record and parks
// them on the dead-letter queue.
type DeadLetterRouter struct {
	broker Broker
	logger *slog.Logger
}

// NewDeadLetterRouter constructs the router.
func NewDeadLetterRouter(broker Broker, logger *slog.Logger) *DeadLetterRouter {
	return &DeadLetterRouter{broker: broker, logger: logger}
}

// Route publishes the dead-letter record. The original body travels along
// verbatim so an operator can replay or inspect it later.
func (d *DeadLetterRouter) Route(ctx context.Context, env queue.Envelope, original []byte, reason string) error {
	d.logger.Error("dead-lettering task",
		"task_id", env.TaskID, "attempt", env.Attempt, "reason", reason)
	body := queue.EncodeDeadLetter(env, original, reason)
	if err := d.broker.PublishDeadLetter(ctx, body); err != nil {
		return fmt.Errorf("dead-letter task %d: %w", env.TaskID, err)
	}
	telemetry.DeadLetterCounter.Inc()
	return nil
}
