// Package worker runs the asynchronous side of the pipeline: a consume loop
// that turns bus messages into processing attempts, and a sweeper that
// recovers stale jobs and prunes the upload spool.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"assetpipe/internal/bus"
	"assetpipe/internal/ingest"
	"assetpipe/internal/observability/metrics"
)

// Processor is the slice of the ingestion pipeline the consume loop drives.
type Processor interface {
	ProcessAsset(ctx context.Context, assetID int64, retryMax int, tempFilePath string) ingest.ProcessResult
}

// DeadLetterPublisher records jobs that exhausted their retry budget.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, msg bus.DeadLetter) error
}

// Config assembles a Worker. Processor is required; without a DeadLetters
// publisher exhausted jobs are logged and dropped.
type Config struct {
	Processor   Processor
	DeadLetters DeadLetterPublisher
	RetryMax    int
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// Worker consumes process messages and acknowledges them according to the
// processing outcome.
type Worker struct {
	processor   Processor
	deadLetters DeadLetterPublisher
	retryMax    int
	logger      *slog.Logger
	metrics     *metrics.Recorder
}

// New validates the configuration and builds a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Processor == nil {
		return nil, errors.New("worker: processor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	retryMax := cfg.RetryMax
	if retryMax <= 0 {
		retryMax = bus.DefaultRetryMax
	}
	return &Worker{
		processor:   cfg.Processor,
		deadLetters: cfg.DeadLetters,
		retryMax:    retryMax,
		logger:      logger,
		metrics:     recorder,
	}, nil
}

// Run consumes deliveries until the channel closes or ctx is cancelled
// between messages. The message being handled when the shutdown arrives
// always runs to completion; closing the consumer is what stops intake.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			w.Handle(context.WithoutCancel(ctx), delivery)
		}
	}
}

// Handle processes one delivery and settles it with the broker:
//
//	done                -> ack
//	retry budget left   -> nack with requeue
//	budget exhausted    -> dead letter, then ack
//	undecodable payload -> nack with requeue
func (w *Worker) Handle(ctx context.Context, delivery amqp.Delivery) {
	var msg bus.ProcessMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		w.logger.Error("undecodable process message", "error", err)
		w.nack(delivery)
		return
	}

	w.metrics.ProcessStarted()
	result := w.processor.ProcessAsset(ctx, msg.AssetID, w.retryMax, msg.TempFilePath)

	switch {
	case result.Success:
		w.metrics.ProcessFinished("ok")
		w.ack(delivery)
	case result.ExceededRetries:
		w.metrics.ProcessFinished("dead_letter")
		w.publishDeadLetter(ctx, msg, result)
		w.ack(delivery)
	default:
		w.metrics.ProcessFinished("retry")
		w.logger.Warn("processing failed, requeueing",
			"assetId", msg.AssetID, "attempts", result.Attempts, "error", result.Err)
		w.nack(delivery)
	}
}

func (w *Worker) publishDeadLetter(ctx context.Context, msg bus.ProcessMessage, result ingest.ProcessResult) {
	w.metrics.ObserveDeadLetter()
	reason := "retry budget exhausted"
	if result.Err != nil {
		reason = result.Err.Error()
	}
	if w.deadLetters == nil {
		w.logger.Error("job exhausted retries, no dead letter queue configured",
			"assetId", msg.AssetID, "attempts", result.Attempts, "error", reason)
		return
	}
	letter := bus.DeadLetter{
		AssetID:  msg.AssetID,
		Error:    reason,
		Attempts: result.Attempts,
		FailedAt: time.Now().UTC(),
	}
	if err := w.deadLetters.PublishDeadLetter(ctx, letter); err != nil {
		w.logger.Error("dead letter publish failed",
			"assetId", msg.AssetID, "error", err)
		return
	}
	w.logger.Warn("job moved to dead letter queue",
		"assetId", msg.AssetID, "attempts", result.Attempts, "error", reason)
}

func (w *Worker) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		w.logger.Error("ack failed", "deliveryTag", delivery.DeliveryTag, "error", err)
	}
}

func (w *Worker) nack(delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		w.logger.Error("nack failed", "deliveryTag", delivery.DeliveryTag, "error", err)
	}
}
