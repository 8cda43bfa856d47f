package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"

	"github.com/nes-lab/shepherd-server/internal/adapter/observability"
	"github.com/nes-lab/shepherd-server/internal/domain"
)

const servicePollInterval = 5 * time.Second

// runWebExperiment drives one record through claim, prepare, execute,
// collect and finalize. It returns whether the run was faulty; a faulty run
// makes the caller reboot the herd and restart.
func (s *Scheduler) runWebExperiment(ctx context.Context, xp *domain.WebExperiment) bool {
	logger := s.logger.With(slog.String("experiment_id", xp.ID.String()))

	// Claim. The record disappearing between candidate selection and here
	// means a concurrent delete; exit the run cleanly.
	taskSet, err := s.claim(ctx, xp)
	if err != nil {
		logger.Warn("claim failed, skipping run", slog.String("error", err.Error()))
		return false
	}
	logger.Info("experiment claimed",
		slog.String("name", xp.Experiment.Name),
		slog.Any("observers", taskSet.Observers()))

	var prepErr, execErr, collectErr string
	var tsHerd time.Time

	prepErr = s.prepare(ctx, xp, taskSet, logger)
	if prepErr == "" {
		tsHerd, execErr = s.execute(ctx, xp, taskSet, logger)
	}
	collectErr = s.collect(ctx, xp, taskSet, tsHerd, logger)

	if errStr := s.cleanupHerd(ctx); errStr != "" {
		logger.Warn("herd cleanup after run failed", slog.String("error", errStr))
	}

	return s.finalize(ctx, xp, firstNonEmpty(prepErr, execErr, collectErr), logger)
}

func (s *Scheduler) claim(ctx context.Context, xp *domain.WebExperiment) (*domain.TaskSet, error) {
	fresh, err := s.experiments.Get(ctx, xp.ID)
	if err != nil {
		return nil, err
	}
	*xp = *fresh

	taskSet, err := domain.NewTaskSet(&xp.Experiment, s.herd.Testbed())
	if err != nil {
		return nil, err
	}
	if !taskSet.IsContained() {
		return nil, fmt.Errorf("op=scheduler.claim: task paths escape the experiment root: %w", domain.ErrInvalidArgument)
	}

	now := time.Now()
	claim := domain.ClaimSnapshot{
		StartedAt:          now,
		ObserversRequested: taskSet.Observers(),
		ObserverPaths:      taskSet.OutputPaths(),
	}
	if err := s.experiments.MarkStarted(ctx, xp.ID, claim); err != nil {
		return nil, err
	}
	xp.StartedAt = &now
	xp.ObserversRequested = claim.ObserversRequested
	xp.ObserverPaths = claim.ObserverPaths
	return taskSet, nil
}

// prepare programs the targets without starting the emulation. A failure here
// skips execute but still runs collect, so logs reach the record.
func (s *Scheduler) prepare(ctx context.Context, xp *domain.WebExperiment, taskSet *domain.TaskSet, logger *slog.Logger) string {
	start := time.Now()
	defer func() {
		observability.SchedulerPhaseDuration.WithLabelValues("prepare").Observe(time.Since(start).Seconds())
	}()

	online, offline, err := s.herd.Online(ctx)
	if err != nil {
		return phaseOutcome("prepare", fmt.Sprintf("Error running observer probe: %s", err))
	}
	xp.ObserversOnline = lo.Intersect(xp.ObserversRequested, online)
	xp.ObserversOffline = lo.Intersect(xp.ObserversRequested, offline)
	if len(xp.ObserversOffline) > 0 {
		logger.Warn("requested observers offline", slog.Any("offline", xp.ObserversOffline))
	}
	if len(xp.ObserversOnline) == 0 {
		return phaseOutcome("prepare", "Error running preparation: no requested observer is online")
	}

	replies, errStr := Await(ctx, s.cfg.TimeoutPrepare, "preparation",
		func(ctx context.Context) (map[string]domain.ReplyData, error) {
			return s.herd.RunTaskSet(ctx, taskSet.StripEmulation())
		})
	mergeReplies(xp, replies)
	if errStr != "" {
		return phaseOutcome("prepare", errStr)
	}
	if failed, _ := s.herd.ServiceIsFailed(ctx); failed {
		return phaseOutcome("prepare", "Error running preparation: observer service reports failure")
	}
	observability.SchedulerPhasesTotal.WithLabelValues("prepare", "ok").Inc()
	return ""
}

// execute starts the synchronized emulation and waits for completion within
// the experiment duration plus a fixed grace period. The sampled observer
// clock is returned as the log lower bound for collect.
func (s *Scheduler) execute(ctx context.Context, xp *domain.WebExperiment, taskSet *domain.TaskSet, logger *slog.Logger) (time.Time, string) {
	start := time.Now()
	defer func() {
		observability.SchedulerPhaseDuration.WithLabelValues("execute").Observe(time.Since(start).Seconds())
	}()

	tsHerd, spread, errStr := func() (time.Time, time.Duration, string) {
		type consensus struct {
			ts     time.Time
			spread time.Duration
		}
		res, errStr := Await(ctx, s.cfg.TimeoutFetchTime, "timestamp fetch",
			func(ctx context.Context) (consensus, error) {
				ts, spread, err := s.herd.FindConsensusTime(ctx)
				return consensus{ts: ts, spread: spread}, err
			})
		return res.ts, res.spread, errStr
	}()
	if errStr != "" {
		return time.Time{}, phaseOutcome("execute", errStr)
	}
	logger.Debug("observer clock sampled",
		slog.Time("ts_herd", tsHerd), slog.Duration("spread", spread))

	timeStart := time.Now().Add(s.cfg.SyncBudget).Truncate(time.Second)
	if err := s.experiments.SetExecuted(ctx, xp.ID, timeStart, timeStart); err != nil {
		return tsHerd, phaseOutcome("execute", fmt.Sprintf("Error running execution: %s", err))
	}
	xp.ExecutedAt = &timeStart
	xp.Experiment.TimeStart = &timeStart

	errStr = AwaitErr(ctx, s.cfg.TimeoutSchedule, "emulation scheduling",
		func(ctx context.Context) error {
			return s.herd.StartMeasurement(ctx, taskSet.WithTimeStart(timeStart))
		})
	if errStr != "" {
		return tsHerd, phaseOutcome("execute", errStr)
	}

	completionBudget := s.cfg.CompletionTimeout(xp.Experiment.Duration.Duration()) +
		time.Until(timeStart)
	errStr = AwaitErr(ctx, completionBudget, "execution",
		func(ctx context.Context) error { return s.waitServiceIdle(ctx) })
	if errStr != "" {
		return tsHerd, phaseOutcome("execute", errStr)
	}
	observability.SchedulerPhasesTotal.WithLabelValues("execute", "ok").Inc()
	return tsHerd, ""
}

// waitServiceIdle polls until no observer runs the measurement service.
func (s *Scheduler) waitServiceIdle(ctx context.Context) error {
	for {
		active, err := s.herd.ServiceIsActive(ctx)
		if err != nil {
			return err
		}
		if !active {
			return nil
		}
		if !sleepCtx(ctx, servicePollInterval) {
			return ctx.Err()
		}
	}
}

// collect fetches logs and result files. It runs even after prepare or
// execute failed so that the record carries whatever evidence exists; since
// bounds the log fetch to this run (zero when execute never sampled a clock).
func (s *Scheduler) collect(ctx context.Context, xp *domain.WebExperiment, taskSet *domain.TaskSet, since time.Time, logger *slog.Logger) string {
	start := time.Now()
	defer func() {
		observability.SchedulerPhaseDuration.WithLabelValues("collect").Observe(time.Since(start).Seconds())
	}()

	// Remote file handles may still be flushing right after the run.
	sleepCtx(ctx, s.cfg.IOSettleDelay)

	replies, logErr := Await(ctx, s.cfg.TimeoutFetchLogs, "log fetch",
		func(ctx context.Context) (map[string]domain.ReplyData, error) {
			return s.herd.ServiceGetLogs(ctx, since)
		})
	mergeReplies(xp, replies)

	journal, journalErr := Await(ctx, s.cfg.TimeoutJournal, "scheduler journal fetch",
		func(ctx context.Context) (string, error) {
			return s.herd.SchedulerJournal(ctx)
		})
	xp.SchedulerLog = journal

	dstDir := filepath.Join(s.cfg.ExperimentRoot, xp.Experiment.FolderName()+"_"+xp.ID.String())
	outputPaths := confinedPaths(xp.ObserverPaths, logger)
	resultPaths, hadData, size, err := s.herd.FetchOutput(ctx, outputPaths, dstDir)
	if err != nil {
		return phaseOutcome("collect", fmt.Sprintf("Error running result fetch: %s", err))
	}
	xp.ObserversHadData = hadData
	xp.ResultPaths = resultPaths
	xp.ResultSize = size
	xp.ContentPaths = relativeTo(resultPaths, s.cfg.ExperimentRoot, logger)

	if logErr != "" {
		return phaseOutcome("collect", logErr)
	}
	if journalErr != "" {
		return phaseOutcome("collect", journalErr)
	}
	observability.SchedulerPhasesTotal.WithLabelValues("collect", "ok").Inc()
	return ""
}

// finalize persists the terminal record, refreshes the stats twin and
// notifies the owner.
func (s *Scheduler) finalize(ctx context.Context, xp *domain.WebExperiment, schedulerError string, logger *slog.Logger) bool {
	now := time.Now()
	xp.FinishedAt = &now
	xp.SchedulerError = schedulerError

	if err := s.experiments.SaveRunResults(ctx, xp); err != nil {
		logger.Error("could not persist run results", slog.String("error", err.Error()))
		return true
	}
	if err := s.stats.UpdateWith(ctx, xp, false); err != nil {
		logger.Warn("could not refresh experiment stats", slog.String("error", err.Error()))
	}

	state := xp.State()
	observability.ExperimentsFinishedTotal.WithLabelValues(string(state)).Inc()
	logger.Info("experiment finished",
		slog.String("state", string(state)),
		slog.String("scheduler_error", schedulerError),
		slog.Int64("result_size", xp.ResultSize))

	// Every terminal transition mails the owner; error and all-done variants
	// only change the body and recipients.
	allDone := false
	if more, err := s.experiments.HasScheduled(ctx, xp.OwnerEmail); err == nil {
		allDone = !more
	}
	if err := s.notifier.SendExperimentFinishedEmail(ctx, xp.OwnerEmail, xp, allDone); err != nil {
		logger.Warn("could not send finished mail", slog.String("error", err.Error()))
	}
	return xp.HadErrors()
}

// cleanupHerd kills lingering measurement processes, waits for the service to
// stop and erases per-node logs.
func (s *Scheduler) cleanupHerd(ctx context.Context) string {
	return AwaitErr(ctx, s.cfg.TimeoutCleanup, "herd cleanup", func(ctx context.Context) error {
		if err := s.herd.KillSheepProcess(ctx); err != nil {
			return err
		}
		if err := s.herd.StopMeasurement(ctx); err != nil {
			return err
		}
		if err := s.waitServiceIdle(ctx); err != nil {
			return err
		}
		return s.herd.ServiceEraseLogs(ctx)
	})
}

// rebootHerd power-cycles the fleet and mails the admin a pre/post online
// comparison.
func (s *Scheduler) rebootHerd(ctx context.Context) {
	all := s.herd.Hostnames()
	pre, _, _ := s.herd.Online(ctx)

	if errStr := AwaitErr(ctx, s.cfg.TimeoutReboot, "herd reboot",
		func(ctx context.Context) error { return s.herd.Reboot(ctx) }); errStr != "" {
		s.logger.Error("herd reboot failed", slog.String("error", errStr))
	}
	sleepCtx(ctx, s.cfg.RebootSettle)

	// Nodes come back at different times, so the re-open gets a bounded retry.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.cfg.TimeoutReboot
	reopen := func() error { return s.herd.Open(ctx) }
	if err := backoff.Retry(reopen, backoff.WithContext(bo, ctx)); err != nil {
		s.logger.Error("herd re-open after reboot failed", slog.String("error", err.Error()))
	}
	post, _, _ := s.herd.Online(ctx)

	if err := s.notifier.SendHerdRebootEmail(ctx, all, pre, post); err != nil {
		s.logger.Warn("could not send reboot mail", slog.String("error", err.Error()))
	}
}

func phaseOutcome(phase, errStr string) string {
	observability.SchedulerPhasesTotal.WithLabelValues(phase, "error").Inc()
	return errStr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func mergeReplies(xp *domain.WebExperiment, replies map[string]domain.ReplyData) {
	if len(replies) == 0 {
		return
	}
	if xp.ObserversOutput == nil {
		xp.ObserversOutput = make(map[string]domain.ReplyData, len(replies))
	}
	for name, reply := range replies {
		prev, ok := xp.ObserversOutput[name]
		if !ok {
			xp.ObserversOutput[name] = reply
			continue
		}
		prev.Stdout += reply.Stdout
		prev.Stderr += reply.Stderr
		if reply.Exited != 0 {
			prev.Exited = reply.Exited
		}
		xp.ObserversOutput[name] = prev
	}
}

// confinedPaths drops any observer path that escapes the experiment root.
func confinedPaths(paths map[string]string, logger *slog.Logger) map[string]string {
	out := make(map[string]string, len(paths))
	for name, p := range paths {
		clean := filepath.ToSlash(filepath.Clean(p))
		if filepath.IsAbs(p) || clean == ".." || strings.HasPrefix(clean, "../") {
			logger.Warn("dropping observer path outside the experiment root",
				slog.String("observer", name), slog.String("path", p))
			continue
		}
		out[name] = p
	}
	return out
}

// relativeTo rewrites server-side paths relative to the shared root for the
// download endpoints.
func relativeTo(paths map[string]string, root string, logger *slog.Logger) map[string]string {
	out := make(map[string]string, len(paths))
	for name, p := range paths {
		rel, err := filepath.Rel(root, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			logger.Warn("dropping result path outside the experiment root",
				slog.String("observer", name), slog.String("path", p))
			continue
		}
		out[name] = filepath.ToSlash(rel)
	}
	return out
}
