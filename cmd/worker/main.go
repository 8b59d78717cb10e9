// Command worker consumes asset processing jobs from RabbitMQ, renders the
// configured variants, and publishes the results to the object store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"assetpipe/internal/bus"
	"assetpipe/internal/config"
	"assetpipe/internal/dedup"
	"assetpipe/internal/download"
	"assetpipe/internal/ingest"
	"assetpipe/internal/objectstore"
	"assetpipe/internal/observability/logging"
	"assetpipe/internal/observability/metrics"
	"assetpipe/internal/profile"
	"assetpipe/internal/render"
	"assetpipe/internal/serverutil"
	"assetpipe/internal/spool"
	"assetpipe/internal/storage"
	"assetpipe/internal/worker"
)

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func main() {
	configPath := flag.String("config", "", "path to the bootstrap JSON document")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	memoryLimit := flag.String("render-memory-limit", "", "decoded pixel budget per image (e.g. 256MB, empty for unbounded)")
	skipMigrate := flag.Bool("skip-migrate", false, "skip schema migrations on startup")
	flag.Parse()

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = config.ResolvePath(flag.Args())
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load bootstrap %s: %v\n", path, err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("ASSETPIPE_LOG_LEVEL"), cfg.Log.Level),
		Format: firstNonEmpty(*logFormat, os.Getenv("ASSETPIPE_LOG_FORMAT"), cfg.Log.Format),
	})
	recorder := metrics.Default()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	store, err := storage.NewPostgres(startCtx, cfg.DB.DSN,
		storage.WithPoolLimits(cfg.DB.MaxConns, cfg.DB.MinConns),
		storage.WithApplicationName(firstNonEmpty(cfg.DB.AppName, "assetpipe-worker")),
		storage.WithTableNames(storage.TableNames{
			Asset:     cfg.Entities.Asset,
			Rendition: cfg.Entities.Variant,
			OwnerLink: cfg.Entities.OwnerLink,
		}),
	)
	if err != nil {
		logger.Error("failed to open postgres", "error", err)
		os.Exit(1)
	}
	if err := store.Ping(startCtx); err != nil {
		logger.Error("postgres unreachable", "error", err)
		os.Exit(1)
	}
	if !*skipMigrate {
		if err := storage.Migrate(startCtx, store.Pool()); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
	}

	profiles, err := profile.Parse(cfg.Profiles)
	if err != nil {
		logger.Error("failed to parse profiles", "error", err)
		os.Exit(1)
	}
	engine, err := render.New(render.Config{MemoryLimit: *memoryLimit})
	if err != nil {
		logger.Error("failed to configure render engine", "error", err)
		os.Exit(1)
	}
	objects, err := objectstore.New(objectstore.Config{
		Endpoint:      cfg.S3.Endpoint,
		Region:        cfg.S3.Region,
		Bucket:        cfg.S3.Bucket,
		AccessKey:     cfg.S3.AccessKey,
		SecretKey:     cfg.S3.SecretKey,
		PublicBaseURL: cfg.S3.PublicBaseURL,
		CacheSeconds:  cfg.S3.CacheSeconds,
	})
	if err != nil {
		logger.Error("failed to configure object store", "error", err)
		os.Exit(1)
	}

	busCfg := bus.Config{
		URL:             cfg.Rabbit.URL(),
		Queue:           cfg.Rabbit.Queue,
		DeadLetterQueue: cfg.Rabbit.DLQ,
		Prefetch:        cfg.Rabbit.Prefetch,
	}
	publisher := bus.NewPublisher(busCfg)
	consumer, err := bus.NewConsumer(busCfg)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err, "broker", cfg.Rabbit.Addr())
		os.Exit(1)
	}

	var tempSpool *spool.Spool
	if dir := strings.TrimSpace(cfg.Temp.UploadDir); dir != "" {
		tempSpool, err = spool.New(dir, logging.WithComponent(logger, "spool"))
		if err != nil {
			logger.Error("failed to open temp spool", "error", err, "dir", dir)
			os.Exit(1)
		}
	}

	cache := dedup.New(dedup.Config{
		Addr:      cfg.Redis.Addr,
		Addrs:     cfg.Redis.Addrs,
		Username:  cfg.Redis.Username,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
		TTL:       cfg.Redis.TTL(),
		Logger:    logging.WithComponent(logger, "dedup"),
	})

	deps := ingest.Deps{
		Store:     store,
		Profiles:  profiles,
		Engine:    engine,
		Objects:   objects,
		Publisher: publisher,
		Downloader: download.NewClient(download.Config{
			TimeoutSeconds: cfg.HTTP.TimeoutSeconds,
			MaxBytes:       cfg.HTTP.MaxBytes,
			UserAgent:      cfg.HTTP.UserAgent,
		}),
		Cache:  cache,
		Logger: logging.WithComponent(logger, "ingest"),
	}
	if tempSpool != nil {
		deps.Spool = tempSpool
	}
	svc, err := ingest.New(deps)
	if err != nil {
		logger.Error("failed to build ingest service", "error", err)
		os.Exit(1)
	}

	runner, err := worker.New(worker.Config{
		Processor:   svc,
		DeadLetters: publisher,
		RetryMax:    cfg.Rabbit.RetryMax,
		Logger:      logging.WithComponent(logger, "worker"),
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to build worker", "error", err)
		os.Exit(1)
	}

	sweeperCfg := worker.SweeperConfig{
		Store:          store,
		Publisher:      publisher,
		RetryMax:       cfg.Rabbit.RetryMax,
		RequeueAfter:   time.Duration(cfg.Maintenance.RequeueAfterMinutes) * time.Minute,
		SpoolRetention: time.Duration(cfg.Maintenance.SpoolRetentionHours) * time.Hour,
		Logger:         logging.WithComponent(logger, "sweeper"),
		Metrics:        recorder,
	}
	if tempSpool != nil {
		sweeperCfg.Spool = tempSpool
	}
	sweeper, err := worker.NewSweeper(sweeperCfg)
	if err != nil {
		logger.Error("failed to build sweeper", "error", err)
		os.Exit(1)
	}

	deliveries, err := consumer.Deliveries()
	if err != nil {
		logger.Error("failed to open delivery channel", "error", err, "queue", consumer.Queue())
		os.Exit(1)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go sweeper.Run(workerCtx, time.Duration(cfg.Maintenance.SweepIntervalMinutes)*time.Minute)

	if addr := strings.TrimSpace(cfg.Metrics.Addr); addr != "" {
		sidecar := &http.Server{
			Addr:              addr,
			Handler:           healthMux(store, recorder),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics endpoint listening", "addr", addr, "path", "/metrics")
			if err := serverutil.Run(workerCtx, serverutil.Config{Server: sidecar}); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	fmt.Printf("worker consuming %s at %s\n", consumer.Queue(), cfg.Rabbit.Addr())
	logger.Info("worker consuming", "queue", consumer.Queue(), "broker", cfg.Rabbit.Addr(), "prefetch", busCfg.Prefetch)

	runDone := make(chan error, 1)
	go func() {
		runDone <- runner.Run(workerCtx, deliveries)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
		// Closing the consumer closes the delivery channel; the run loop
		// finishes the message in hand and drains what the broker already
		// pushed before returning.
		if err := consumer.Close(); err != nil {
			logger.Warn("failed to close consumer", "error", err)
		}
		select {
		case err := <-runDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("worker stopped with error", "error", err)
			}
		case <-time.After(30 * time.Second):
			logger.Warn("worker did not drain in time")
		}
	case err := <-runDone:
		// The run loop only returns unprompted when the broker connection is
		// gone; report failure so the supervisor restarts the process.
		exitCode = 1
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker stopped", "error", err)
		} else {
			logger.Error("delivery channel closed by broker")
		}
		if err := consumer.Close(); err != nil {
			logger.Warn("failed to close consumer", "error", err)
		}
	}

	workerCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := publisher.Close(); err != nil {
		logger.Warn("failed to close publisher", "error", err)
	}
	if err := cache.Close(); err != nil {
		logger.Warn("failed to close dedup cache", "error", err)
	}
	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close postgres", "error", err)
	}

	logger.Info("worker stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// pinger reports whether the backing database is reachable.
type pinger interface {
	Ping(ctx context.Context) error
}

// healthMux serves the metrics snapshot and a liveness probe that checks the
// database connection.
func healthMux(store pinger, recorder *metrics.Recorder) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}
