package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nes-lab/shepherd-server/internal/adapter/herd"
	"github.com/nes-lab/shepherd-server/internal/config"
	"github.com/nes-lab/shepherd-server/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(root string) config.Config {
	return config.Config{
		ExperimentRoot:   root,
		WaitDelay:        10 * time.Millisecond,
		SyncBudget:       0,
		IOSettleDelay:    0,
		TimeoutCleanup:   time.Second,
		TimeoutPrepare:   time.Second,
		TimeoutSchedule:  time.Second,
		TimeoutExtraExec: 5 * time.Second,
		TimeoutFetchLogs: time.Second,
		TimeoutFetchTime: time.Second,
		TimeoutJournal:   time.Second,
		TimeoutReboot:    time.Second,
		RebootSettle:     0,
	}
}

// memRepo is an in-memory ExperimentRepository covering what the scheduler
// touches.
type memRepo struct {
	mu               sync.Mutex
	records          map[uuid.UUID]domain.WebExperiment
	lastOnlyElevated bool
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[uuid.UUID]domain.WebExperiment)}
}

func (r *memRepo) put(xp domain.WebExperiment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[xp.ID] = xp
}

func (r *memRepo) snapshot(id uuid.UUID) domain.WebExperiment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[id]
}

func (r *memRepo) onlyElevatedSeen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastOnlyElevated
}

func (r *memRepo) Create(_ context.Context, xp *domain.WebExperiment) error {
	r.put(*xp)
	return nil
}

func (r *memRepo) Get(_ context.Context, id uuid.UUID) (*domain.WebExperiment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	xp, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("op=mem.get: %w", domain.ErrNotFound)
	}
	out := xp
	return &out, nil
}

func (r *memRepo) ListByOwner(_ context.Context, _ string) ([]*domain.WebExperiment, error) {
	return nil, nil
}

func (r *memRepo) StatesByOwner(_ context.Context, _ string) (map[uuid.UUID]domain.ExperimentState, error) {
	return nil, nil
}

func (r *memRepo) StatesAll(_ context.Context) (map[uuid.UUID]domain.ExperimentState, error) {
	return nil, nil
}

func (r *memRepo) StorageUsed(_ context.Context, _ string) (int64, error) { return 0, nil }

func (r *memRepo) OlderThan(_ context.Context, _ time.Time) ([]*domain.WebExperiment, error) {
	return nil, nil
}

func (r *memRepo) NextScheduled(_ context.Context, onlyElevated bool) (*domain.WebExperiment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastOnlyElevated = onlyElevated
	var best *domain.WebExperiment
	for _, xp := range r.records {
		if xp.RequestedExecutionAt == nil || xp.StartedAt != nil {
			continue
		}
		cp := xp
		if best == nil || cp.RequestedExecutionAt.Before(*best.RequestedExecutionAt) {
			best = &cp
		}
	}
	if best == nil {
		return nil, fmt.Errorf("op=mem.next_scheduled: %w", domain.ErrNotFound)
	}
	return best, nil
}

func (r *memRepo) HasScheduled(_ context.Context, email string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, xp := range r.records {
		if xp.OwnerEmail == email && xp.RequestedExecutionAt != nil && xp.FinishedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) ResetStuck(_ context.Context) (int, error) {
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

func (r *memRepo) SetRequestedExecution(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	xp := r.records[id]
	xp.RequestedExecutionAt = &at
	r.records[id] = xp
	return nil
}

func (r *memRepo) MarkStarted(_ context.Context, id uuid.UUID, claim domain.ClaimSnapshot) error {
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

func (r *memRepo) SetExecuted(_ context.Context, id uuid.UUID, at, timeStart time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	xp := r.records[id]
	xp.ExecutedAt = &at
	xp.Experiment.TimeStart = &timeStart
	r.records[id] = xp
	return nil
}

func (r *memRepo) SaveRunResults(_ context.Context, xp *domain.WebExperiment) error {
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

func (r *memRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
	return nil
}

// stubStatusRepo keeps the singleton document in memory.
type stubStatusRepo struct {
	mu      sync.Mutex
	doc     domain.TestbedStatus
	failGet bool
}

func (r *stubStatusRepo) Get(_ context.Context) (*domain.TestbedStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failGet {
		return nil, fmt.Errorf("op=stub_status.get: connection refused")
	}
	out := r.doc
	return &out, nil
}

func (r *stubStatusRepo) SaveScheduler(_ context.Context, s domain.SchedulerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Scheduler = s
	return nil
}

func (r *stubStatusRepo) SaveWebAPI(_ context.Context, s domain.APIStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.WebAPI = s
	return nil
}

func (r *stubStatusRepo) SaveRedirect(_ context.Context, s domain.RedirectStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Redirect = s
	return nil
}

func (r *stubStatusRepo) SaveRestrictions(_ context.Context, restrictions []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Restrictions = restrictions
	return nil
}

func (r *stubStatusRepo) SaveCommand(_ context.Context, command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Command = command
	return nil
}

func (r *stubStatusRepo) setCommand(command string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Command = command
}

// stubStatsRepo counts twin refreshes.
type stubStatsRepo struct {
	mu      sync.Mutex
	updates int
}

func (r *stubStatsRepo) Get(_ context.Context, _ uuid.UUID) (*domain.ExperimentStats, error) {
	return nil, fmt.Errorf("op=stub_stats.get: %w", domain.ErrNotFound)
}

func (r *stubStatsRepo) UpdateWith(_ context.Context, _ *domain.WebExperiment, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	return nil
}

func (r *stubStatsRepo) StatesAll(_ context.Context) (map[uuid.UUID]domain.ExperimentState, error) {
	return nil, nil
}

// stubNotifier records mail kinds instead of sending.
type stubNotifier struct {
	mu          sync.Mutex
	sent        []string
	lastAllDone bool
}

func (n *stubNotifier) record(kind string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, kind)
}

func (n *stubNotifier) allDoneSeen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastAllDone
}

func (n *stubNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

func (n *stubNotifier) SendApprovalEmail(_ context.Context, _, _ string) error {
	n.record("approval")
	return nil
}

func (n *stubNotifier) SendVerificationEmail(_ context.Context, _, _ string) error {
	n.record("verification")
	return nil
}

func (n *stubNotifier) SendRegistrationCompleteEmail(_ context.Context, _ string) error {
	n.record("registration_complete")
	return nil
}

func (n *stubNotifier) SendPasswordResetEmail(_ context.Context, _, _ string) error {
	n.record("password_reset")
	return nil
}

func (n *stubNotifier) SendExperimentFinishedEmail(_ context.Context, _ string, _ *domain.WebExperiment, allDone bool) error {
	n.mu.Lock()
	n.lastAllDone = allDone
	n.mu.Unlock()
	n.record("experiment_finished")
	return nil
}

func (n *stubNotifier) SendHerdRebootEmail(_ context.Context, _, _, _ []string) error {
	n.record("herd_reboot")
	return nil
}

// brokenPrepareHerd fails target programming to force a faulty run.
type brokenPrepareHerd struct {
	*herd.DryRunHerd
}

func (h *brokenPrepareHerd) RunTaskSet(_ context.Context, _ *domain.TaskSet) (map[string]domain.ReplyData, error) {
	return nil, fmt.Errorf("flash verification mismatch on node")
}
