// Command server runs the testbed web API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nes-lab/shepherd-server/internal/adapter/herd"
	"github.com/nes-lab/shepherd-server/internal/adapter/httpserver"
	"github.com/nes-lab/shepherd-server/internal/adapter/notify"
	"github.com/nes-lab/shepherd-server/internal/adapter/observability"
	"github.com/nes-lab/shepherd-server/internal/adapter/repo/postgres"
	"github.com/nes-lab/shepherd-server/internal/app"
	"github.com/nes-lab/shepherd-server/internal/auth"
	"github.com/nes-lab/shepherd-server/internal/config"
	"github.com/nes-lab/shepherd-server/internal/domain"
	"github.com/nes-lab/shepherd-server/internal/usecase"
)

const serverVersion = "0.9.0"

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return err
	}
	if shutdownTracing != nil {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		return err
	}

	userRepo := postgres.NewUserRepo(pool)
	xpRepo := postgres.NewExperimentRepo(pool)
	statusRepo := postgres.NewStatusRepo(pool, serverVersion)
	statsRepo := postgres.NewStatsRepo(pool)

	registry := domain.FixtureRegistry(cfg.TestbedName)
	if tb, _, err := herd.LoadInventory(cfg.HerdInventory, cfg.TestbedName); err == nil {
		registry.Testbed = *tb
	} else {
		logger.Info("herd inventory not loaded, serving built-in fixtures",
			slog.String("path", cfg.HerdInventory))
	}

	notifier := notify.NewMailer(cfg, logger)
	tokens := auth.NewTokenManager(cfg.SecretKey, cfg.TokenLifetime)
	users := usecase.NewUserService(cfg, logger, userRepo, notifier, tokens)
	experiments := usecase.NewExperimentService(cfg, logger, xpRepo, userRepo, statsRepo, registry)

	handlers := httpserver.NewHandlers(cfg, users, experiments, userRepo, statusRepo, registry)
	router := app.BuildRouter(cfg, handlers)

	now := time.Now()
	if err := statusRepo.SaveWebAPI(ctx, domain.APIStatus{ActivatedAt: &now}); err != nil {
		logger.Warn("could not persist api activation", slog.String("error", err.Error()))
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := statusRepo.SaveWebAPI(dctx, domain.APIStatus{}); err != nil {
			logger.Warn("could not persist api deactivation", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("web api listening", slog.Int("port", cfg.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
	}
	return nil
}
