package usecase

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nes-lab/shepherd-server/internal/config"
	"github.com/nes-lab/shepherd-server/internal/domain"
)

// PruneReport sums up one prune pass.
type PruneReport struct {
	InactiveOwner int
	OverQuota     int
	TooOld        int
	Deleted       int
	FreedBytes    int64
	DryRun        bool
}

// PruneService reclaims storage: experiments of long-inactive users, the
// oldest experiments of over-quota users, and anything beyond the maximum
// age. Every pruned record leaves an ExperimentStats twin behind.
type PruneService struct {
	cfg         config.Config
	logger      *slog.Logger
	users       domain.UserRepository
	experiments *ExperimentService
	xpRepo      domain.ExperimentRepository
}

func NewPruneService(cfg config.Config, logger *slog.Logger, users domain.UserRepository, experiments *ExperimentService, xpRepo domain.ExperimentRepository) *PruneService {
	return &PruneService{cfg: cfg, logger: logger, users: users, experiments: experiments, xpRepo: xpRepo}
}

// Run computes the three candidate sets, unions them and deletes. With
// dryRun it only reports what would be freed. Running twice in a row is a
// no-op the second time.
func (s *PruneService) Run(ctx context.Context, dryRun bool) (*PruneReport, error) {
	now := time.Now()
	report := &PruneReport{DryRun: dryRun}
	candidates := make(map[uuid.UUID]*domain.WebExperiment)

	// (a) owners inactive beyond the maximum account age
	inactive, err := s.users.InactiveSince(ctx, now.Add(-s.cfg.AgeMaxUser))
	if err != nil {
		return nil, err
	}
	for _, u := range inactive {
		xps, err := s.xpRepo.ListByOwner(ctx, u.Email)
		if err != nil {
			return nil, err
		}
		for _, xp := range xps {
			if _, seen := candidates[xp.ID]; !seen {
				report.InactiveOwner++
			}
			candidates[xp.ID] = xp
		}
	}

	// (b) over-quota owners lose their oldest experiments until back under
	defaults := domain.Quota{Duration: s.cfg.QuotaDefaultDuration, Storage: s.cfg.QuotaDefaultStorage}
	users, err := s.users.All(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		used, err := s.xpRepo.StorageUsed(ctx, u.Email)
		if err != nil {
			return nil, err
		}
		quota := u.QuotaStorage(defaults, now)
		if used <= quota {
			continue
		}
		xps, err := s.xpRepo.ListByOwner(ctx, u.Email)
		if err != nil {
			return nil, err
		}
		sort.Slice(xps, func(i, j int) bool { return xps[i].CreatedAt.Before(xps[j].CreatedAt) })
		for _, xp := range xps {
			if used <= quota {
				break
			}
			if now.Sub(xp.CreatedAt) < s.cfg.AgeMinExperiment {
				continue
			}
			used -= xp.ResultSize
			if _, seen := candidates[xp.ID]; !seen {
				report.OverQuota++
			}
			candidates[xp.ID] = xp
		}
	}

	// (c) experiments beyond the maximum age
	old, err := s.xpRepo.OlderThan(ctx, now.Add(-s.cfg.AgeMaxExperiment))
	if err != nil {
		return nil, err
	}
	for _, xp := range old {
		if _, seen := candidates[xp.ID]; !seen {
			report.TooOld++
		}
		candidates[xp.ID] = xp
	}

	// Deterministic order keeps logs and reports readable.
	ids := make([]uuid.UUID, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		xp := candidates[id]
		if xp.State() == domain.StateRunning {
			s.logger.Warn("skipping running experiment during prune", slog.String("experiment_id", id.String()))
			continue
		}
		report.FreedBytes += xp.ResultSize
		if dryRun {
			continue
		}
		if err := s.experiments.deleteRecord(ctx, xp); err != nil {
			return nil, err
		}
		report.Deleted++
	}

	s.logger.Info("prune pass done",
		slog.Bool("dry_run", dryRun),
		slog.Int("candidates", len(candidates)),
		slog.Int("deleted", report.Deleted),
		slog.Int64("freed_bytes", report.FreedBytes))
	return report, nil
}
