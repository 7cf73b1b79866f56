package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/eunalunacho/Altify/internal/config"
)

// Client manages the AMQP connection and the work-queue topology: a durable
// main queue bound to a dead-letter exchange with a message TTL, plus the
// durable dead-letter queue itself. Connection loss is healed lazily; every
// operation re-dials and re-declares topology when needed.
type Client struct {
	url    string
	queue  string
	dlx    string
	dlq    string
	ttl    time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New builds a queue client from config. No connection is made until the
// first operation.
func New(cfg config.Config, logger *slog.Logger) *Client {
	return &Client{
		url:    cfg.AMQPURL,
		queue:  cfg.QueueName,
		dlx:    cfg.DLXName,
		dlq:    cfg.DLQName,
		ttl:    cfg.MessageTTL,
		logger: logger,
	}
}

// Connect dials the broker and declares topology. Operations call this
// lazily, but callers may invoke it eagerly to fail fast at startup.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.channel(ctx)
	return err
}

// channel returns a healthy channel, dialing and re-declaring topology if
// the previous connection died. Callers must hold c.mu.
func (c *Client) channel(ctx context.Context) (*amqp.Channel, error) {
	if c.conn != nil && !c.conn.IsClosed() && c.ch != nil && !c.ch.IsClosed() {
		return c.ch, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareTopology(ch, c.queue, c.dlx, c.dlq, c.ttl); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if c.conn != nil && !c.conn.IsClosed() {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.ch = ch
	c.logger.Info("broker connected", "queue", c.queue, "dlq", c.dlq)
	return ch, nil
}

// declareTopology declares the dead-letter exchange and queue, then the main
// queue with its dead-letter binding and TTL. All declarations are durable
// and idempotent, so they are safe to repeat on every reconnect.
func declareTopology(ch *amqp.Channel, queue, dlx, dlq string, ttl time.Duration) error {
	if err := ch.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	// Routing key is the main queue's own name, for both the broker-side
	// x-dead-letter binding and the application-level router.
	if err := ch.QueueBind(dlq, queue, dlx, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": queue,
	}
	if ttl > 0 {
		args["x-message-ttl"] = int32(ttl.Milliseconds())
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	return nil
}

// Publish sends a persistent message to the main queue.
func (c *Client) Publish(ctx context.Context, body []byte) error {
	return c.publish(ctx, "", c.queue, body)
}

// PublishDeadLetter sends a persistent message through the dead-letter
// exchange, landing it on the dead-letter queue.
func (c *Client) PublishDeadLetter(ctx context.Context, body []byte) error {
	return c.publish(ctx, c.dlx, c.queue, body)
}

func (c *Client) publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Consume subscribes to the main queue with a prefetch of one, so a worker
// holds at most a single unacknowledged message. The returned channel closes
// when the connection drops; callers loop and re-call Consume to resume,
// relying on broker redelivery for the unacked message.
func (c *Client) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

// Depth returns the number of ready messages on the main queue. Consumed by
// the external scaling controller.
func (c *Client) Depth(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.channel(ctx)
	if err != nil {
		return 0, err
	}
	q, err := ch.QueueDeclarePassive(c.queue, true, false, false, false, nil)
	if err != nil {
		// A failed passive declare closes the channel; drop it so the next
		// operation redials.
		c.ch = nil
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return q.Messages, nil
}

// DLQDepth returns the number of messages parked on the dead-letter queue.
func (c *Client) DLQDepth(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.channel(ctx)
	if err != nil {
		return 0, err
	}
	q, err := ch.QueueDeclarePassive(c.dlq, true, false, false, false, nil)
	if err != nil {
		c.ch = nil
		return 0, fmt.Errorf("dlq depth: %w", err)
	}
	return q.Messages, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
