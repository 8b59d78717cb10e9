package bus

import (
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer reads processing jobs with manual acknowledgement. Each delivery
// carries its Acknowledger, so handlers ack or nack the delivery itself and
// tests can substitute a fake.
type Consumer struct {
	cfg  Config
	conn *amqp.Connection
	ch   *amqp.Channel
	tag  string
}

// NewConsumer connects to the broker, declares the durable processing queue
// and applies the prefetch window.
func NewConsumer(cfg Config) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.queueName(), true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.queueName(), err)
	}
	if err := ch.Qos(cfg.prefetch(), 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	return &Consumer{
		cfg:  cfg,
		conn: conn,
		ch:   ch,
		tag:  "assetpipe-" + uuid.NewString(),
	}, nil
}

// Queue reports the queue this consumer reads.
func (c *Consumer) Queue() string {
	return c.cfg.queueName()
}

// Deliveries opens the delivery stream. The channel closes when the consumer
// is cancelled or the connection drops.
func (c *Consumer) Deliveries() (<-chan amqp.Delivery, error) {
	deliveries, err := c.ch.Consume(c.cfg.queueName(), c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.cfg.queueName(), err)
	}
	return deliveries, nil
}

// Close cancels the consumer tag so the broker stops sending, then closes the
// channel and connection. In-flight deliveries that were not acked return to
// the queue.
func (c *Consumer) Close() error {
	var firstErr error
	if c.ch != nil {
		if err := c.ch.Cancel(c.tag, false); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cancel consumer: %w", err)
		}
		if err := c.ch.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close channel: %w", err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close connection: %w", err)
		}
	}
	return firstErr
}
