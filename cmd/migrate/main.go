package main

import (
	"flag"
	"fmt"
	"log"

	"go.uber.org/zap"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/config"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/database"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		action     = flag.String("action", "up", "Migration action: up, down, status")
		steps      = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := runMigration(cfg.Database.URL, *action, *steps, logger); err != nil {
		logger.Fatal("migration failed", zap.String("action", *action), zap.Error(err))
	}
}

func runMigration(databaseURL, action string, steps int, logger *zap.Logger) error {
	if databaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if steps < 0 {
		return fmt.Errorf("steps must not be negative")
	}

	switch action {
	case "up", "down", "status":
	default:
		return fmt.Errorf("unknown action %q", action)
	}

	mg, err := database.NewMigrator(databaseURL, logger)
	if err != nil {
		return err
	}
	defer mg.Close()

	switch action {
	case "up":
		if steps > 0 {
			return mg.Steps(steps)
		}
		return mg.Up()
	case "down":
		if steps > 0 {
			return mg.Steps(-steps)
		}
		return mg.Down()
	default:
		version, dirty, err := mg.Version()
		if err != nil {
			return err
		}
		logger.Info("migration status", zap.Uint("version", version), zap.Bool("dirty", dirty))
		return nil
	}
}
