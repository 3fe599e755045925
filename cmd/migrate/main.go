package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/rideworks/ride-negotiation-backend/internal/infrastructure/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		dir        = flag.String("dir", "migrations", "Directory containing migration files")
		action     = flag.String("action", "up", "Migration action: up, down, version, force")
		steps      = flag.Int("steps", 0, "Number of migrations to apply (0 = all)")
		forceTo    = flag.Int("force", -1, "Version to force (for the force action)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	m, err := migrate.New("file://"+*dir, cfg.Database.URL)
	if err != nil {
		logger.Error("failed to open migrator", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	switch *action {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
	case "version":
		version, dirty, verr := m.Version()
		if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
			logger.Error("failed to read version", "error", verr)
			os.Exit(1)
		}
		fmt.Printf("version=%d dirty=%v\n", version, dirty)
		return
	case "force":
		if *forceTo < 0 {
			logger.Error("force requires -force=<version>")
			os.Exit(1)
		}
		err = m.Force(*forceTo)
	default:
		logger.Error("unknown action", "action", *action)
		os.Exit(1)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("no pending migrations")
		return
	}
	if err != nil {
		logger.Error("migration failed", "action", *action, "error", err)
		os.Exit(1)
	}
	logger.Info("migration complete", "action", *action)
}
