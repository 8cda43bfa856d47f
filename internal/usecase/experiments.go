package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/nes-lab/shepherd-server/internal/config"
	"github.com/nes-lab/shepherd-server/internal/domain"
)

// supportedSampleRate is the only power-tracing rate the capes record
// reliably.
const supportedSampleRate = 100_000

const gib = float64(1 << 30)

// ExperimentService implements submit, schedule, query, download and delete.
type ExperimentService struct {
	cfg         config.Config
	logger      *slog.Logger
	experiments domain.ExperimentRepository
	users       domain.UserRepository
	stats       domain.StatsRepository
	registry    *domain.ContentRegistry
}

func NewExperimentService(
	cfg config.Config,
	logger *slog.Logger,
	experiments domain.ExperimentRepository,
	users domain.UserRepository,
	stats domain.StatsRepository,
	registry *domain.ContentRegistry,
) *ExperimentService {
	return &ExperimentService{
		cfg:         cfg,
		logger:      logger,
		experiments: experiments,
		users:       users,
		stats:       stats,
		registry:    registry,
	}
}

func (s *ExperimentService) defaults() domain.Quota {
	return domain.Quota{Duration: s.cfg.QuotaDefaultDuration, Storage: s.cfg.QuotaDefaultStorage}
}

// Submit validates the declarative experiment against the caller's quota and
// persists it in state created.
func (s *ExperimentService) Submit(ctx context.Context, owner *domain.User, xp domain.Experiment) (*domain.WebExperiment, error) {
	if err := s.validate(owner, &xp); err != nil {
		return nil, err
	}
	record := &domain.WebExperiment{
		ID:         uuid.New(),
		OwnerEmail: owner.Email,
		Experiment: xp,
		CreatedAt:  time.Now(),
	}
	if err := s.experiments.Create(ctx, record); err != nil {
		return nil, err
	}
	s.logger.Info("experiment submitted",
		slog.String("experiment_id", record.ID.String()),
		slog.String("owner", owner.Email),
		slog.String("name", xp.Name))
	return record, nil
}

func (s *ExperimentService) validate(owner *domain.User, xp *domain.Experiment) error {
	if xp.TimeStart != nil {
		return fmt.Errorf("op=experiments.submit: time_start is set by the scheduler, not the caller: %w", domain.ErrForbidden)
	}
	duration := xp.Duration.Duration()
	if duration <= 0 {
		return fmt.Errorf("op=experiments.submit: duration is missing: %w", domain.ErrForbidden)
	}
	quota := owner.QuotaDuration(s.defaults(), time.Now())
	if duration > quota {
		return fmt.Errorf("op=experiments.submit: duration %s exceeds quota %s: %w",
			duration, quota, domain.ErrForbidden)
	}
	if len(xp.TargetConfigs) == 0 {
		return fmt.Errorf("op=experiments.submit: no target configs: %w", domain.ErrForbidden)
	}
	for i := range xp.TargetConfigs {
		if err := s.validateTargetConfig(&xp.TargetConfigs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *ExperimentService) validateTargetConfig(cfg *domain.TargetConfig) error {
	if len(cfg.TargetIDs) == 0 {
		return fmt.Errorf("op=experiments.submit: target config without targets: %w", domain.ErrForbidden)
	}
	for _, id := range cfg.TargetIDs {
		if _, err := s.registry.Testbed.ObserverForTarget(id); err != nil {
			return fmt.Errorf("op=experiments.submit: unknown target %d: %w", id, domain.ErrForbidden)
		}
	}
	if pt := cfg.PowerTracing; pt != nil && pt.SampleRate != 0 && pt.SampleRate != supportedSampleRate {
		return fmt.Errorf("op=experiments.submit: samplerate %d unsupported (only %d): %w",
			pt.SampleRate, supportedSampleRate, domain.ErrForbidden)
	}
	for _, fw := range []string{cfg.Firmware1, cfg.Firmware2} {
		if fw == "" {
			continue
		}
		if !pathConfined(fw) {
			return fmt.Errorf("op=experiments.submit: firmware path %q outside the experiment root: %w",
				fw, domain.ErrForbidden)
		}
	}
	return nil
}

// pathConfined rejects absolute paths and parent traversal.
func pathConfined(p string) bool {
	clean := filepath.ToSlash(filepath.Clean(p))
	return !filepath.IsAbs(p) && clean != ".." && !strings.HasPrefix(clean, "../")
}

// Get returns an experiment when the caller owns it or is an admin.
func (s *ExperimentService) Get(ctx context.Context, caller *domain.User, id uuid.UUID) (*domain.WebExperiment, error) {
	xp, err := s.experiments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if xp.OwnerEmail != caller.Email && caller.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("op=experiments.get: %w", domain.ErrForbidden)
	}
	return xp, nil
}

// States returns id → state for the caller's experiments.
func (s *ExperimentService) States(ctx context.Context, caller *domain.User) (map[uuid.UUID]domain.ExperimentState, error) {
	return s.experiments.StatesByOwner(ctx, caller.Email)
}

// StatesAll is the admin view over all records.
func (s *ExperimentService) StatesAll(ctx context.Context, caller *domain.User) (map[uuid.UUID]domain.ExperimentState, error) {
	if caller.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("op=experiments.states_all: %w", domain.ErrForbidden)
	}
	return s.experiments.StatesAll(ctx)
}

// Schedule requests execution. Double-scheduling and over-storage are
// conflicts; the record stays untouched in both cases.
func (s *ExperimentService) Schedule(ctx context.Context, caller *domain.User, id uuid.UUID) error {
	xp, err := s.Get(ctx, caller, id)
	if err != nil {
		return err
	}
	if xp.RequestedExecutionAt != nil {
		return fmt.Errorf("op=experiments.schedule id=%s: already scheduled: %w", id, domain.ErrConflict)
	}
	owner, err := s.users.ByEmail(ctx, xp.OwnerEmail)
	if err != nil {
		return err
	}
	used, err := s.experiments.StorageUsed(ctx, owner.Email)
	if err != nil {
		return err
	}
	quota := owner.QuotaStorage(s.defaults(), time.Now())
	if used > quota {
		return fmt.Errorf("op=experiments.schedule: storage quota exceeded, %.3f GiB used of %.3f GiB: %w",
			float64(used)/gib, float64(quota)/gib, domain.ErrConflict)
	}
	return s.experiments.SetRequestedExecution(ctx, id, time.Now())
}

// State returns the derived lifecycle state.
func (s *ExperimentService) State(ctx context.Context, caller *domain.User, id uuid.UUID) (domain.ExperimentState, error) {
	xp, err := s.Get(ctx, caller, id)
	if err != nil {
		return "", err
	}
	return xp.State(), nil
}

// Delete removes an experiment, its content files and finally the record. A
// running experiment is owned by the scheduler and cannot be deleted.
func (s *ExperimentService) Delete(ctx context.Context, caller *domain.User, id uuid.UUID) error {
	xp, err := s.Get(ctx, caller, id)
	if err != nil {
		return err
	}
	return s.deleteRecord(ctx, xp)
}

func (s *ExperimentService) deleteRecord(ctx context.Context, xp *domain.WebExperiment) error {
	if xp.State() == domain.StateRunning {
		return fmt.Errorf("op=experiments.delete id=%s: experiment is running: %w", xp.ID, domain.ErrConflict)
	}
	if err := s.stats.UpdateWith(ctx, xp, true); err != nil {
		return err
	}
	if err := s.deleteContent(xp); err != nil {
		return err
	}
	return s.experiments.Delete(ctx, xp.ID)
}

// deleteContent removes result files, then the (now empty) experiment folder.
// Only paths below the experiment root are touched.
func (s *ExperimentService) deleteContent(xp *domain.WebExperiment) error {
	root := s.cfg.ExperimentRoot
	for observer, p := range xp.ResultPaths {
		rel, err := filepath.Rel(root, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			s.logger.Warn("refusing to delete path outside the experiment root",
				slog.String("observer", observer), slog.String("path", p))
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("op=experiments.delete_content: %w", err)
		}
	}
	for _, p := range xp.ResultPaths {
		dir := filepath.Dir(p)
		if rel, err := filepath.Rel(root, dir); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
			// Fails while siblings remain, which is fine.
			_ = os.Remove(dir)
		}
	}
	return nil
}

// PurgeOwner deletes every experiment of an account; used by account
// deletion. Running experiments abort the purge.
func (s *ExperimentService) PurgeOwner(ctx context.Context, email string) error {
	xps, err := s.experiments.ListByOwner(ctx, email)
	if err != nil {
		return err
	}
	for _, xp := range xps {
		if err := s.deleteRecord(ctx, xp); err != nil {
			return err
		}
	}
	return nil
}

// DownloadList returns the observer names with downloadable results.
func (s *ExperimentService) DownloadList(ctx context.Context, caller *domain.User, id uuid.UUID) ([]string, error) {
	xp, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if xp.State() != domain.StateFinished {
		return nil, fmt.Errorf("op=experiments.download id=%s state=%s: results not available: %w",
			id, xp.State(), domain.ErrConflict)
	}
	names := lo.Keys(xp.ResultPaths)
	sort.Strings(names)
	return names, nil
}

// DownloadPath resolves an observer's result file to a server-side path.
func (s *ExperimentService) DownloadPath(ctx context.Context, caller *domain.User, id uuid.UUID, observer string) (string, error) {
	xp, err := s.Get(ctx, caller, id)
	if err != nil {
		return "", err
	}
	if xp.State() != domain.StateFinished {
		return "", fmt.Errorf("op=experiments.download id=%s state=%s: results not available: %w",
			id, xp.State(), domain.ErrConflict)
	}
	p, ok := xp.ResultPaths[observer]
	if !ok {
		return "", fmt.Errorf("op=experiments.download observer=%s: %w", observer, domain.ErrNotFound)
	}
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("op=experiments.download observer=%s: %w", observer, domain.ErrNotFound)
	}
	return p, nil
}

// StorageUsed sums the result sizes of one account.
func (s *ExperimentService) StorageUsed(ctx context.Context, email string) (int64, error) {
	return s.experiments.StorageUsed(ctx, email)
}
