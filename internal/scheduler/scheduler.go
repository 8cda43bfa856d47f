// Package scheduler drives the experiment lifecycle against the observer
// fleet. It is the single writer of all run-related record fields.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nes-lab/shepherd-server/internal/adapter/herd"
	"github.com/nes-lab/shepherd-server/internal/adapter/observability"
	"github.com/nes-lab/shepherd-server/internal/config"
	"github.com/nes-lab/shepherd-server/internal/domain"
)

// Scheduler owns the core loop: pick the oldest schedule-requested
// experiment, run it through the five-phase protocol, repeat.
type Scheduler struct {
	cfg    config.Config
	logger *slog.Logger

	experiments domain.ExperimentRepository
	status      domain.StatusRepository
	stats       domain.StatsRepository
	notifier    domain.Notifier
	herd        herd.Herd
	lease       *Lease

	// activatedAt is stamped once at startup; ticks only refresh LastUpdate.
	activatedAt *time.Time
}

func New(
	cfg config.Config,
	logger *slog.Logger,
	experiments domain.ExperimentRepository,
	status domain.StatusRepository,
	stats domain.StatsRepository,
	notifier domain.Notifier,
	h herd.Herd,
	lease *Lease,
) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		logger:      logger,
		experiments: experiments,
		status:      status,
		stats:       stats,
		notifier:    notifier,
		herd:        h,
		lease:       lease,
	}
}

// Run executes the scheduler until the context is cancelled or a faulty run
// forces a restart. The supervisor is expected to restart the process; a herd
// reboot was issued in that case.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.lease.Acquire(ctx); err != nil {
		return err
	}
	defer func() { _ = s.lease.Release(context.Background()) }()

	if err := s.herd.Open(ctx); err != nil {
		return err
	}
	defer func() { _ = s.herd.Close() }()

	reset, err := s.experiments.ResetStuck(ctx)
	if err != nil {
		return err
	}
	if reset > 0 {
		s.logger.Warn("reset stuck experiments back into the queue", slog.Int("count", reset))
	}

	s.activate(ctx)
	defer s.deactivate()

	if errStr := s.cleanupHerd(ctx); errStr != "" {
		s.logger.Warn("initial herd cleanup failed", slog.String("error", errStr))
	}

	s.logger.Info("scheduler activated",
		slog.Bool("dry_run", s.cfg.SchedulerDryRun),
		slog.Bool("only_elevated", s.cfg.OnlyElevated))

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := s.lease.Refresh(ctx); err != nil {
			return err
		}

		onlyElevated := s.cfg.OnlyElevated
		if st, err := s.status.Get(ctx); err != nil {
			s.logger.Warn("could not read testbed status", slog.String("error", err.Error()))
		} else if st.Command == domain.CommandDrain {
			onlyElevated = true
		}

		cand, err := s.experiments.NextScheduled(ctx, onlyElevated)
		s.updateStatus(ctx, cand != nil)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				if !sleepCtx(ctx, s.cfg.WaitDelay) {
					return nil
				}
				continue
			}
			return err
		}

		hadError := s.runWebExperiment(ctx, cand)
		if hadError {
			s.logger.Error("experiment run was faulty, rebooting herd and restarting",
				slog.String("experiment_id", cand.ID.String()))
			s.rebootHerd(ctx)
			return nil
		}
	}
}

func (s *Scheduler) activate(ctx context.Context) {
	now := time.Now()
	s.activatedAt = &now
	st := s.schedulerStatus(ctx, false)
	if err := s.status.SaveScheduler(ctx, st); err != nil {
		s.logger.Warn("could not persist scheduler activation", slog.String("error", err.Error()))
	}
}

// deactivate clears the activation marker. It runs during shutdown, so it
// uses a fresh context.
func (s *Scheduler) deactivate() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.activatedAt = nil
	st := s.schedulerStatus(ctx, false)
	if err := s.status.SaveScheduler(ctx, st); err != nil {
		s.logger.Warn("could not persist scheduler deactivation", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) updateStatus(ctx context.Context, busy bool) {
	st := s.schedulerStatus(ctx, busy)
	if err := s.status.SaveScheduler(ctx, st); err != nil {
		s.logger.Warn("could not persist scheduler status", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) schedulerStatus(ctx context.Context, busy bool) domain.SchedulerStatus {
	online, offline, err := s.herd.Online(ctx)
	if err != nil {
		s.logger.Warn("online probe failed", slog.String("error", err.Error()))
	}
	observability.ObserversOnline.Set(float64(len(online)))
	now := time.Now()
	return domain.SchedulerStatus{
		ActivatedAt:      s.activatedAt,
		Busy:             busy,
		DryRun:           s.cfg.SchedulerDryRun,
		LastUpdate:       &now,
		ObserverCount:    len(s.herd.Hostnames()),
		ObserversOnline:  online,
		ObserversOffline: offline,
	}
}

// sleepCtx sleeps for d; returns false when the context fired first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
