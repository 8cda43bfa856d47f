package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nes-lab/shepherd-server/internal/adapter/herd"
	"github.com/nes-lab/shepherd-server/internal/domain"
)

func newDryRunHerd(t *testing.T) *herd.DryRunHerd {
	t.Helper()
	reg := domain.FixtureRegistry("unit_testing_testbed")
	h := herd.NewDryRunHerd(&reg.Testbed, testLogger())
	h.SetRunDuration(0)
	return h
}

func noopLease(t *testing.T) *Lease {
	t.Helper()
	l, err := NewLease("", "test")
	require.NoError(t, err)
	return l
}

func scheduledExperiment(owner string) domain.WebExperiment {
	now := time.Now()
	requested := now.Add(-time.Minute)
	return domain.WebExperiment{
		ID:         uuid.New(),
		OwnerEmail: owner,
		Experiment: domain.Experiment{
			Name:          "dryrun demo",
			Duration:      1,
			TargetConfigs: []domain.TargetConfig{{TargetIDs: []int{1, 2}}},
		},
		CreatedAt:            now.Add(-time.Hour),
		RequestedExecutionAt: &requested,
	}
}

func TestRunWebExperimentHappyPath(t *testing.T) {
	repo := newMemRepo()
	status := &stubStatusRepo{}
	stats := &stubStatsRepo{}
	notifier := &stubNotifier{}
	h := newDryRunHerd(t)
	s := New(testConfig(t.TempDir()), testLogger(), repo, status, stats, notifier, h, noopLease(t))

	ctx := context.Background()
	require.NoError(t, h.Open(ctx))
	defer func() { _ = h.Close() }()

	xp := scheduledExperiment("jane@example.com")
	repo.put(xp)

	cand, err := repo.NextScheduled(ctx, false)
	require.NoError(t, err)

	hadError := s.runWebExperiment(ctx, cand)
	assert.False(t, hadError)

	stored := repo.snapshot(xp.ID)
	assert.Equal(t, domain.StateFinished, stored.State())
	assert.Empty(t, stored.SchedulerError)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.ExecutedAt)
	assert.NotNil(t, stored.FinishedAt)
	assert.Equal(t, []string{"unit_testing_sheep"}, stored.ObserversRequested)
	assert.True(t, stored.ObserversHadData["unit_testing_sheep"])
	assert.Contains(t, stored.ResultPaths, "unit_testing_sheep")
	assert.Greater(t, stored.ResultSize, int64(100))
	assert.Equal(t, 1, stats.updates)
	// the queue drained, so the owner gets the all-done mail
	assert.Contains(t, notifier.kinds(), "experiment_finished")
}

func TestRunWebExperimentMailsOnPlainSuccess(t *testing.T) {
	repo := newMemRepo()
	notifier := &stubNotifier{}
	h := newDryRunHerd(t)
	s := New(testConfig(t.TempDir()), testLogger(), repo, &stubStatusRepo{}, &stubStatsRepo{}, notifier, h, noopLease(t))

	ctx := context.Background()
	require.NoError(t, h.Open(ctx))
	defer func() { _ = h.Close() }()

	// clean run, no result-mail opt-in, and a second experiment still queued
	xp := scheduledExperiment("jane@example.com")
	repo.put(xp)
	later := scheduledExperiment("jane@example.com")
	repo.put(later)

	cand, err := repo.Get(ctx, xp.ID)
	require.NoError(t, err)

	hadError := s.runWebExperiment(ctx, cand)
	assert.False(t, hadError)
	assert.Contains(t, notifier.kinds(), "experiment_finished")
	assert.False(t, notifier.allDoneSeen())
}

func TestRunWebExperimentVanishedRecord(t *testing.T) {
	repo := newMemRepo()
	h := newDryRunHerd(t)
	s := New(testConfig(t.TempDir()), testLogger(), repo, &stubStatusRepo{}, &stubStatsRepo{}, &stubNotifier{}, h, noopLease(t))

	ctx := context.Background()
	require.NoError(t, h.Open(ctx))
	defer func() { _ = h.Close() }()

	// deleted between candidate selection and claim
	gone := scheduledExperiment("jane@example.com")
	hadError := s.runWebExperiment(ctx, &gone)
	assert.False(t, hadError)
}

func TestRunFaultyExperimentRebootsAndStops(t *testing.T) {
	repo := newMemRepo()
	status := &stubStatusRepo{}
	notifier := &stubNotifier{}
	h := &brokenPrepareHerd{DryRunHerd: newDryRunHerd(t)}
	s := New(testConfig(t.TempDir()), testLogger(), repo, status, &stubStatsRepo{}, notifier, h, noopLease(t))

	xp := scheduledExperiment("jane@example.com")
	repo.put(xp)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.Run(ctx)
	require.NoError(t, err)

	stored := repo.snapshot(xp.ID)
	assert.Equal(t, domain.StateFailed, stored.State())
	assert.Contains(t, stored.SchedulerError, "Error running preparation")
	assert.Contains(t, notifier.kinds(), "herd_reboot")
	assert.Contains(t, notifier.kinds(), "experiment_finished")
}

func TestRunResetsStuckRecords(t *testing.T) {
	repo := newMemRepo()
	notifier := &stubNotifier{}
	h := newDryRunHerd(t)
	s := New(testConfig(t.TempDir()), testLogger(), repo, &stubStatusRepo{}, &stubStatsRepo{}, notifier, h, noopLease(t))

	// a previous scheduler died mid-run: started but never finished
	xp := scheduledExperiment("jane@example.com")
	stuck := time.Now().Add(-time.Hour)
	xp.StartedAt = &stuck
	repo.put(xp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		snap := repo.snapshot(xp.ID)
		return snap.State() == domain.StateFinished
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunDrainCommandServesOnlyElevated(t *testing.T) {
	repo := newMemRepo()
	status := &stubStatusRepo{}
	status.setCommand(domain.CommandDrain)
	h := newDryRunHerd(t)
	s := New(testConfig(t.TempDir()), testLogger(), repo, status, &stubStatsRepo{}, &stubNotifier{}, h, noopLease(t))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.True(t, repo.onlyElevatedSeen())
}

func TestUpdateStatusKeepsActivationTime(t *testing.T) {
	status := &stubStatusRepo{}
	h := newDryRunHerd(t)
	s := New(testConfig(t.TempDir()), testLogger(), newMemRepo(), status, &stubStatsRepo{}, &stubNotifier{}, h, noopLease(t))

	ctx := context.Background()
	s.activate(ctx)
	doc, err := status.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, doc.Scheduler.ActivatedAt)
	startedAt := *doc.Scheduler.ActivatedAt

	time.Sleep(time.Millisecond)
	s.updateStatus(ctx, true)

	doc, err = status.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, doc.Scheduler.ActivatedAt)
	assert.Equal(t, startedAt, *doc.Scheduler.ActivatedAt)
	assert.True(t, doc.Scheduler.Busy)
	require.NotNil(t, doc.Scheduler.LastUpdate)
	assert.True(t, doc.Scheduler.LastUpdate.After(startedAt))
}

func TestRunKeepsServingWhenStatusReadFails(t *testing.T) {
	repo := newMemRepo()
	status := &stubStatusRepo{failGet: true}
	h := newDryRunHerd(t)
	s := New(testConfig(t.TempDir()), testLogger(), repo, status, &stubStatsRepo{}, &stubNotifier{}, h, noopLease(t))

	xp := scheduledExperiment("jane@example.com")
	repo.put(xp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// an unreadable status document must not stall the queue
	require.Eventually(t, func() bool {
		snap := repo.snapshot(xp.ID)
		return snap.State() == domain.StateFinished
	}, 10*time.Second, 20*time.Millisecond)
	assert.False(t, repo.onlyElevatedSeen())

	cancel()
	require.NoError(t, <-done)
}

func TestRunPersistsActivation(t *testing.T) {
	repo := newMemRepo()
	status := &stubStatusRepo{}
	h := newDryRunHerd(t)
	s := New(testConfig(t.TempDir()), testLogger(), repo, status, &stubStatsRepo{}, &stubNotifier{}, h, noopLease(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	// deactivation on the way out clears the marker again
	doc, err := status.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, doc.Scheduler.ActivatedAt)
	assert.Equal(t, 1, doc.Scheduler.ObserverCount)
}
