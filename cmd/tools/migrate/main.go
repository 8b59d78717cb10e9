// Command migrate manages the media schema from the embedded migration set.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"assetpipe/internal/config"
	"assetpipe/internal/storage"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const migrationsDir = "migrations"

func main() {
	dsnFlag := flag.String("dsn", "", "Postgres connection string")
	configPath := flag.String("config", "", "bootstrap JSON document to read the DSN from")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	command := "up"
	if args := flag.Args(); len(args) > 0 {
		command = strings.ToLower(strings.TrimSpace(args[0]))
	}

	dsn, err := resolveDSN(*dsnFlag, *configPath)
	if err != nil {
		logger.Error("postgres DSN required", "error", err, "hint", "set -dsn, -config, or DATABASE_URL")
		os.Exit(1)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		logger.Error("failed to open postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	goose.SetBaseFS(storage.Migrations())
	if err := goose.SetDialect("postgres"); err != nil {
		logger.Error("failed to set migration dialect", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	switch command {
	case "up":
		if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
			logger.Error("migration failed", "command", command, "error", err)
			os.Exit(1)
		}
		logger.Info("schema is up to date")
	case "down":
		if err := goose.DownContext(ctx, db, migrationsDir); err != nil {
			logger.Error("migration failed", "command", command, "error", err)
			os.Exit(1)
		}
		logger.Info("rolled back one migration")
	case "status":
		if err := goose.StatusContext(ctx, db, migrationsDir); err != nil {
			logger.Error("failed to read migration status", "error", err)
			os.Exit(1)
		}
	case "version":
		version, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			logger.Error("failed to read schema version", "error", err)
			os.Exit(1)
		}
		logger.Info("schema version", "version", version)
	default:
		logger.Error("unknown command", "command", command, "usage", "migrate [-dsn DSN] [up|down|status|version]")
		os.Exit(1)
	}
}

// resolveDSN picks the connection string: the -dsn flag, then the bootstrap
// document, then $DATABASE_URL.
func resolveDSN(flagDSN, configPath string) (string, error) {
	if dsn := strings.TrimSpace(flagDSN); dsn != "" {
		return dsn, nil
	}
	if path := strings.TrimSpace(configPath); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return "", err
		}
		return cfg.DB.DSN, nil
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		return dsn, nil
	}
	return "", fmt.Errorf("no connection string configured")
}
