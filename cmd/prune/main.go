// Command prune reclaims storage from aged and over-quota experiments.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/nes-lab/shepherd-server/internal/adapter/observability"
	"github.com/nes-lab/shepherd-server/internal/adapter/repo/postgres"
	"github.com/nes-lab/shepherd-server/internal/config"
	"github.com/nes-lab/shepherd-server/internal/domain"
	"github.com/nes-lab/shepherd-server/internal/usecase"
)

func main() {
	dryRun := flag.Bool("dry-run", true, "report freeable bytes without deleting anything; pass -dry-run=false to delete")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		logger.Error("database unavailable", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	userRepo := postgres.NewUserRepo(pool)
	xpRepo := postgres.NewExperimentRepo(pool)
	statsRepo := postgres.NewStatsRepo(pool)
	registry := domain.FixtureRegistry(cfg.TestbedName)
	experiments := usecase.NewExperimentService(cfg, logger, xpRepo, userRepo, statsRepo, registry)

	pruner := usecase.NewPruneService(cfg, logger, userRepo, experiments, xpRepo)
	report, err := pruner.Run(ctx, *dryRun)
	if err != nil {
		logger.Error("prune failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	fmt.Printf("prune report (dry-run=%v):\n", report.DryRun)
	fmt.Printf("  inactive-owner candidates: %d\n", report.InactiveOwner)
	fmt.Printf("  over-quota candidates:     %d\n", report.OverQuota)
	fmt.Printf("  too-old candidates:        %d\n", report.TooOld)
	fmt.Printf("  deleted:                   %d\n", report.Deleted)
	fmt.Printf("  freeable bytes:            %d\n", report.FreedBytes)
}
