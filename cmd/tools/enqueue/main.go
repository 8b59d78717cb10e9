// Command enqueue publishes processing jobs by hand. It replays assets whose
// bus message was lost after the database commit, including upload-sourced
// rows whose spool path only the operator still knows. The worker drops jobs
// for assets that no longer exist, so republishing is safe.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"assetpipe/internal/bus"
	"assetpipe/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to the bootstrap JSON document")
	tempFile := flag.String("temp-file", "", "spool path for an upload-sourced asset (single ID only)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = config.ResolvePath(nil)
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load bootstrap", "path", path, "error", err)
		os.Exit(1)
	}

	ids := make([]int64, 0, flag.NArg())
	for _, arg := range flag.Args() {
		id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if err != nil || id <= 0 {
			logger.Error("invalid asset id", "arg", arg)
			os.Exit(1)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		logger.Error("no asset ids given", "usage", "enqueue [-config bootstrap.json] [-temp-file path] ID...")
		os.Exit(1)
	}
	spoolPath := strings.TrimSpace(*tempFile)
	if spoolPath != "" && len(ids) != 1 {
		logger.Error("-temp-file applies to exactly one asset id", "ids", len(ids))
		os.Exit(1)
	}

	queue := strings.TrimSpace(cfg.Rabbit.Queue)
	if queue == "" {
		queue = bus.DefaultQueue
	}
	publisher := bus.NewPublisher(bus.Config{
		URL:             cfg.Rabbit.URL(),
		Queue:           cfg.Rabbit.Queue,
		DeadLetterQueue: cfg.Rabbit.DLQ,
	})
	defer publisher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, id := range ids {
		msg := bus.ProcessMessage{AssetID: id, TempFilePath: spoolPath}
		if err := publisher.PublishProcess(ctx, msg); err != nil {
			logger.Error("publish failed", "assetId", id, "broker", cfg.Rabbit.Addr(), "error", err)
			os.Exit(1)
		}
		logger.Info("job queued", "assetId", id, "queue", queue)
	}
}
