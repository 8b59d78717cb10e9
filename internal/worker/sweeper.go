package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"assetpipe/internal/bus"
	"assetpipe/internal/models"
	"assetpipe/internal/observability/metrics"
	"assetpipe/internal/storage"
)

// RequeuePublisher re-publishes process messages for stale jobs.
type RequeuePublisher interface {
	PublishProcess(ctx context.Context, msg bus.ProcessMessage) error
}

// SpoolCleaner prunes aged files from the upload spool.
type SpoolCleaner interface {
	Cleanup(olderThan time.Duration) (int, error)
}

// SweeperConfig assembles a Sweeper. Store and Publisher are required; a nil
// Spool skips spool cleanup.
type SweeperConfig struct {
	Store          storage.Store
	Publisher      RequeuePublisher
	Spool          SpoolCleaner
	RetryMax       int
	RequeueAfter   time.Duration
	SpoolRetention time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Sweeper recovers jobs whose bus message was lost after the database commit
// and keeps the spool from filling with abandoned files. Requeueing a job
// that is also still queued on the broker is harmless: the claim makes a
// second delivery a no-op.
type Sweeper struct {
	store          storage.Store
	publisher      RequeuePublisher
	spool          SpoolCleaner
	retryMax       int
	requeueAfter   time.Duration
	spoolRetention time.Duration
	logger         *slog.Logger
	metrics        *metrics.Recorder
}

// NewSweeper validates the configuration and builds a Sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errors.New("worker: sweeper store is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("worker: sweeper publisher is required")
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
	requeueAfter := cfg.RequeueAfter
	if requeueAfter <= 0 {
		requeueAfter = 30 * time.Minute
	}
	return &Sweeper{
		store:          cfg.Store,
		publisher:      cfg.Publisher,
		spool:          cfg.Spool,
		retryMax:       retryMax,
		requeueAfter:   requeueAfter,
		spoolRetention: cfg.SpoolRetention,
		logger:         logger,
		metrics:        recorder,
	}, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep requeues stale jobs and prunes the spool once.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.requeueStale(ctx)
	s.cleanSpool()
}

func (s *Sweeper) requeueStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.requeueAfter)

	var stale []models.Asset
	queued, err := s.store.FindQueuedOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Warn("stale queued lookup failed", "error", err)
	} else {
		stale = queued
	}
	failed, err := s.store.FindFailedOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Warn("stale failed lookup failed", "error", err)
	} else {
		stale = append(stale, failed...)
	}

	requeued := 0
	for _, asset := range stale {
		if asset.Attempts >= s.retryMax {
			continue
		}
		if asset.Source == models.SourceUpload {
			// The spool path travelled only in the original message, so
			// these need the enqueue tool and an operator.
			s.logger.Warn("stale uploaded asset needs manual requeueing",
				"assetId", asset.ID, "status", string(asset.Status))
			continue
		}
		if err := s.publisher.PublishProcess(ctx, bus.ProcessMessage{AssetID: asset.ID}); err != nil {
			s.logger.Warn("requeue publish failed", "assetId", asset.ID, "error", err)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		s.logger.Info("requeued stale assets", "count", requeued)
	}
	s.metrics.ObserveRequeue(requeued)
}

func (s *Sweeper) cleanSpool() {
	if s.spool == nil || s.spoolRetention <= 0 {
		return
	}
	removed, err := s.spool.Cleanup(s.spoolRetention)
	if err != nil {
		s.logger.Warn("spool cleanup failed", "error", err)
	}
	if removed > 0 {
		s.logger.Info("spool files pruned", "count", removed)
	}
	s.metrics.ObserveSpoolCleanup(removed)
}
