package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nes-lab/shepherd-server/internal/config"
	"github.com/nes-lab/shepherd-server/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		AuthSalt:             "test-salt",
		TokenLifetime:        time.Hour,
		QuotaDefaultDuration: time.Hour,
		QuotaDefaultStorage:  1 << 30,
		AgeMaxUser:           18 * 31 * 24 * time.Hour,
		AgeMaxExperiment:     6 * 31 * 24 * time.Hour,
		AgeMinExperiment:     15 * 24 * time.Hour,
		ExperimentRoot:       "/nonexistent/experiments",
	}
}

// memUserRepo is an in-memory UserRepository keyed by email.
type memUserRepo struct {
	mu    sync.Mutex
	users map[string]domain.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[string]domain.User)}
}

func (r *memUserRepo) Create(_ context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.Email]; ok {
		return fmt.Errorf("op=mem.create: %w", domain.ErrConflict)
	}
	r.users[u.Email] = *u
	return nil
}

func (r *memUserRepo) ByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[email]
	if !ok {
		return nil, fmt.Errorf("op=mem.by_email: %w", domain.ErrNotFound)
	}
	out := u
	return &out, nil
}

func (r *memUserRepo) byToken(match func(domain.User) *string, token string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if t := match(u); t != nil && *t == token {
			out := u
			return &out, nil
		}
	}
	return nil, fmt.Errorf("op=mem.by_token: %w", domain.ErrNotFound)
}

func (r *memUserRepo) ByVerificationToken(_ context.Context, token string) (*domain.User, error) {
	return r.byToken(func(u domain.User) *string { return u.TokenVerification }, token)
}

func (r *memUserRepo) ByResetToken(_ context.Context, token string) (*domain.User, error) {
	return r.byToken(func(u domain.User) *string { return u.TokenPwReset }, token)
}

func (r *memUserRepo) All(_ context.Context) ([]*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.User, 0, len(r.users))
	for _, u := range r.users {
		cp := u
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memUserRepo) InactiveSince(_ context.Context, cutoff time.Time) ([]*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.User, 0)
	for _, u := range r.users {
		if u.LastActiveAt.Before(cutoff) {
			cp := u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memUserRepo) Save(_ context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.Email] = *u
	return nil
}

func (r *memUserRepo) UpdateLastActive(_ context.Context, email string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[email]
	if !ok {
		return fmt.Errorf("op=mem.update_last_active: %w", domain.ErrNotFound)
	}
	u.LastActiveAt = at
	r.users[email] = u
	return nil
}

func (r *memUserRepo) Delete(_ context.Context, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, email)
	return nil
}

// memExperimentRepo is an in-memory ExperimentRepository.
type memExperimentRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]domain.WebExperiment
}

func newMemExperimentRepo() *memExperimentRepo {
	return &memExperimentRepo{records: make(map[uuid.UUID]domain.WebExperiment)}
}

func (r *memExperimentRepo) put(xp domain.WebExperiment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[xp.ID] = xp
}

func (r *memExperimentRepo) Create(_ context.Context, xp *domain.WebExperiment) error {
	r.put(*xp)
	return nil
}

func (r *memExperimentRepo) Get(_ context.Context, id uuid.UUID) (*domain.WebExperiment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	xp, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("op=mem.get: %w", domain.ErrNotFound)
	}
	out := xp
	return &out, nil
}

func (r *memExperimentRepo) ListByOwner(_ context.Context, email string) ([]*domain.WebExperiment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.WebExperiment, 0)
	for _, xp := range r.records {
		if xp.OwnerEmail == email {
			cp := xp
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memExperimentRepo) StatesByOwner(_ context.Context, email string) (map[uuid.UUID]domain.ExperimentState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID]domain.ExperimentState)
	for id, xp := range r.records {
		if xp.OwnerEmail == email {
			out[id] = xp.State()
		}
	}
	return out, nil
}

func (r *memExperimentRepo) StatesAll(_ context.Context) (map[uuid.UUID]domain.ExperimentState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID]domain.ExperimentState)
	for id, xp := range r.records {
		out[id] = xp.State()
	}
	return out, nil
}

func (r *memExperimentRepo) StorageUsed(_ context.Context, email string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum int64
	for _, xp := range r.records {
		if xp.OwnerEmail == email {
			sum += xp.ResultSize
		}
	}
	return sum, nil
}

func (r *memExperimentRepo) OlderThan(_ context.Context, cutoff time.Time) ([]*domain.WebExperiment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.WebExperiment, 0)
	for _, xp := range r.records {
		if xp.CreatedAt.Before(cutoff) {
			cp := xp
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memExperimentRepo) NextScheduled(_ context.Context, onlyElevated bool) (*domain.WebExperiment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *domain.WebExperiment
	for _, xp := range r.records {
		if xp.RequestedExecutionAt == nil || xp.StartedAt != nil {
			continue
		}
		_ = onlyElevated // role filtering needs the user table; tests do not rely on it here
		cp := xp
		if best == nil ||
			cp.RequestedExecutionAt.Before(*best.RequestedExecutionAt) ||
			(cp.RequestedExecutionAt.Equal(*best.RequestedExecutionAt) && cp.ID.String() < best.ID.String()) {
			best = &cp
		}
	}
	if best == nil {
		return nil, fmt.Errorf("op=mem.next_scheduled: %w", domain.ErrNotFound)
	}
	return best, nil
}

func (r *memExperimentRepo) HasScheduled(_ context.Context, email string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, xp := range r.records {
		if xp.OwnerEmail == email && xp.RequestedExecutionAt != nil && xp.FinishedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (r *memExperimentRepo) ResetStuck(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, xp := range r.records {
		if xp.StartedAt != nil && xp.FinishedAt == nil && xp.SchedulerError == "" {
			xp.StartedAt = nil
			r.records[id] = xp
			n++
		}
	}
	return n, nil
}

func (r *memExperimentRepo) SetRequestedExecution(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	xp, ok := r.records[id]
	if !ok {
		return fmt.Errorf("op=mem.set_requested: %w", domain.ErrNotFound)
	}
	xp.RequestedExecutionAt = &at
	r.records[id] = xp
	return nil
}

func (r *memExperimentRepo) MarkStarted(_ context.Context, id uuid.UUID, claim domain.ClaimSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	xp, ok := r.records[id]
	if !ok {
		return fmt.Errorf("op=mem.mark_started: %w", domain.ErrNotFound)
	}
	if xp.StartedAt != nil {
		return fmt.Errorf("op=mem.mark_started: already claimed: %w", domain.ErrConflict)
	}
	at := claim.StartedAt
	xp.StartedAt = &at
	xp.ObserversRequested = claim.ObserversRequested
	xp.ObserverPaths = claim.ObserverPaths
	r.records[id] = xp
	return nil
}

func (r *memExperimentRepo) SetExecuted(_ context.Context, id uuid.UUID, at, timeStart time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	xp, ok := r.records[id]
	if !ok {
		return fmt.Errorf("op=mem.set_executed: %w", domain.ErrNotFound)
	}
	xp.ExecutedAt = &at
	xp.Experiment.TimeStart = &timeStart
	r.records[id] = xp
	return nil
}

func (r *memExperimentRepo) SaveRunResults(_ context.Context, xp *domain.WebExperiment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.records[xp.ID]
	if !ok {
		return fmt.Errorf("op=mem.save_run_results: %w", domain.ErrNotFound)
	}
	stored.FinishedAt = xp.FinishedAt
	stored.ObserversOnline = xp.ObserversOnline
	stored.ObserversOffline = xp.ObserversOffline
	stored.ObserversOutput = xp.ObserversOutput
	stored.ObserversHadData = xp.ObserversHadData
	stored.SchedulerError = xp.SchedulerError
	stored.SchedulerLog = xp.SchedulerLog
	stored.ResultPaths = xp.ResultPaths
	stored.ContentPaths = xp.ContentPaths
	stored.ResultSize = xp.ResultSize
	r.records[xp.ID] = stored
	return nil
}

func (r *memExperimentRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
	return nil
}

// memStatsRepo records UpdateWith calls.
type memStatsRepo struct {
	mu      sync.Mutex
	updates map[uuid.UUID]int
	deleted map[uuid.UUID]bool
}

func newMemStatsRepo() *memStatsRepo {
	return &memStatsRepo{updates: make(map[uuid.UUID]int), deleted: make(map[uuid.UUID]bool)}
}

func (r *memStatsRepo) Get(_ context.Context, id uuid.UUID) (*domain.ExperimentStats, error) {
	return nil, fmt.Errorf("op=mem_stats.get: %w", domain.ErrNotFound)
}

func (r *memStatsRepo) UpdateWith(_ context.Context, xp *domain.WebExperiment, toBeDeleted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates[xp.ID]++
	if toBeDeleted {
		r.deleted[xp.ID] = true
	}
	return nil
}

func (r *memStatsRepo) StatesAll(_ context.Context) (map[uuid.UUID]domain.ExperimentState, error) {
	return map[uuid.UUID]domain.ExperimentState{}, nil
}

// stubNotifier records every mail instead of sending it.
type stubNotifier struct {
	mu    sync.Mutex
	sent  []string
	token string
}

func (n *stubNotifier) record(kind, token string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, kind)
	if token != "" {
		n.token = token
	}
}

func (n *stubNotifier) SendApprovalEmail(_ context.Context, _, token string) error {
	n.record("approval", token)
	return nil
}

func (n *stubNotifier) SendVerificationEmail(_ context.Context, _, token string) error {
	n.record("verification", token)
	return nil
}

func (n *stubNotifier) SendRegistrationCompleteEmail(_ context.Context, _ string) error {
	n.record("registration_complete", "")
	return nil
}

func (n *stubNotifier) SendPasswordResetEmail(_ context.Context, _, token string) error {
	n.record("password_reset", token)
	return nil
}

func (n *stubNotifier) SendExperimentFinishedEmail(_ context.Context, _ string, _ *domain.WebExperiment, _ bool) error {
	n.record("experiment_finished", "")
	return nil
}

func (n *stubNotifier) SendHerdRebootEmail(_ context.Context, _, _, _ []string) error {
	n.record("herd_reboot", "")
	return nil
}
