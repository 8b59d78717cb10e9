package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher delivers persistent JSON messages to the processing and
// dead-letter queues. The connection is opened lazily on first publish and
// rebuilt once per publish when the broker drops it; a second consecutive
// failure surfaces as ErrUnavailable.
type Publisher struct {
	cfg Config

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher builds a Publisher. No connection is made until the first
// publish, so construction never fails on an unreachable broker.
func NewPublisher(cfg Config) *Publisher {
	return &Publisher{cfg: cfg}
}

// PublishProcess enqueues one processing job.
func (p *Publisher) PublishProcess(ctx context.Context, msg ProcessMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal process message: %w", err)
	}
	return p.publish(ctx, p.cfg.queueName(), body)
}

// PublishDeadLetter parks a failed asset on the dead-letter queue.
func (p *Publisher) PublishDeadLetter(ctx context.Context, msg DeadLetter) error {
	queue := strings.TrimSpace(p.cfg.DeadLetterQueue)
	if queue == "" {
		return errors.New("dead letter queue not configured")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return p.publish(ctx, queue, body)
}

func (p *Publisher) publish(ctx context.Context, queue string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := p.connectLocked(); err != nil {
			lastErr = err
			p.teardownLocked()
			continue
		}
		err := p.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
		if err == nil {
			return nil
		}
		lastErr = err
		p.teardownLocked()
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (p *Publisher) connectLocked() error {
	if p.ch != nil {
		return nil
	}
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	queues := []string{p.cfg.queueName()}
	if dlq := strings.TrimSpace(p.cfg.DeadLetterQueue); dlq != "" {
		queues = append(queues, dlq)
	}
	for _, queue := range queues {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *Publisher) teardownLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close drops the broker connection. The Publisher reconnects on the next
// publish.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
	return nil
}
