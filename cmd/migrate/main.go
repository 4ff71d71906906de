// Package main is the control plane's standalone migration runner, for
// deployments that run schema migrations as a separate step ahead of
// the server rollout rather than at server startup.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/configplane/controlplane/internal/platform/config"
	"github.com/configplane/controlplane/internal/platform/logger"
	"github.com/configplane/controlplane/internal/repository/migrations"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	statusOnly := flag.Bool("status", false, "Print migration status instead of applying migrations")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: "stdout",
	})
	slog.SetDefault(log)

	ctx := context.Background()
	dsn := cfg.Database.DSN()

	if *statusOnly {
		if err := migrations.Status(ctx, dsn, log); err != nil {
			log.Error("migration status failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := migrations.Run(ctx, dsn, log); err != nil {
		log.Error("migration run failed", "error", err)
		os.Exit(1)
	}
	log.Info("migrations applied")
}
