// Command scheduler runs the single-writer experiment scheduler. It exits
// non-zero only when the database is unavailable; any other exit is clean and
// left to the supervisor to restart.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/nes-lab/shepherd-server/internal/adapter/herd"
	"github.com/nes-lab/shepherd-server/internal/adapter/notify"
	"github.com/nes-lab/shepherd-server/internal/adapter/observability"
	"github.com/nes-lab/shepherd-server/internal/adapter/repo/postgres"
	"github.com/nes-lab/shepherd-server/internal/config"
	"github.com/nes-lab/shepherd-server/internal/domain"
	"github.com/nes-lab/shepherd-server/internal/scheduler"
)

const serverVersion = "0.9.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		logger.Error("database unavailable", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Error("database migration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	xpRepo := postgres.NewExperimentRepo(pool)
	statusRepo := postgres.NewStatusRepo(pool, serverVersion)
	statsRepo := postgres.NewStatsRepo(pool)
	notifier := notify.NewMailer(cfg, logger)

	var fleet herd.Herd
	if cfg.SchedulerDryRun {
		registry := domain.FixtureRegistry(cfg.TestbedName)
		fleet = herd.NewDryRunHerd(&registry.Testbed, logger)
	} else {
		fleet = herd.NewSSHHerd(cfg.HerdInventory, cfg.HerdSSHKey, cfg.HerdSSHUser, cfg.TestbedName, logger)
	}

	lease, err := scheduler.NewLease(cfg.RedisURL, uuid.NewString())
	if err != nil {
		logger.Error("lease setup failed", slog.String("error", err.Error()))
		return
	}

	s := scheduler.New(cfg, logger, xpRepo, statusRepo, statsRepo, notifier, fleet, lease)
	if err := s.Run(ctx); err != nil {
		// Faulty runs and lost leases end the process cleanly; the
		// supervisor restarts it.
		logger.Error("scheduler stopped", slog.String("error", err.Error()))
		return
	}
	logger.Info("scheduler exited")
}
