package herd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/nes-lab/shepherd-server/internal/domain"
)

// hdf5Signature is the magic prefix of an HDF5 container. The dry-run herd
// emits files carrying it so that downstream tooling treats them as real
// recordings.
var hdf5Signature = []byte("\x89HDF\r\n\x1a\n")

// DryRunHerd mimics the fleet on the local filesystem. Measurements take
// runFor wall-clock time and produce small HDF5-tagged files.
type DryRunHerd struct {
	tb     *domain.Testbed
	runFor time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	workDir  string
	current  *domain.TaskSet
	deadline time.Time
	journal  string
	logs     []logLine
}

// logLine is one timestamped service-log entry, so fetches can be bounded
// the way journalctl --since bounds the real fleet.
type logLine struct {
	at   time.Time
	text string
}

var _ Herd = (*DryRunHerd)(nil)

func NewDryRunHerd(tb *domain.Testbed, logger *slog.Logger) *DryRunHerd {
	return &DryRunHerd{tb: tb, runFor: 10 * time.Second, logger: logger}
}

// SetRunDuration overrides the simulated measurement duration.
func (h *DryRunHerd) SetRunDuration(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runFor = d
}

func (h *DryRunHerd) Open(_ context.Context) error {
	dir, err := os.MkdirTemp("", "shepherd-dryrun-*")
	if err != nil {
		return fmt.Errorf("op=dryrun.open: %w", err)
	}
	h.mu.Lock()
	h.workDir = dir
	h.mu.Unlock()
	h.logger.Info("dry-run herd opened", slog.String("workdir", dir))
	return nil
}

func (h *DryRunHerd) Close() error {
	h.mu.Lock()
	dir := h.workDir
	h.workDir = ""
	h.mu.Unlock()
	if dir != "" {
		return os.RemoveAll(dir)
	}
	return nil
}

func (h *DryRunHerd) Testbed() *domain.Testbed { return h.tb }

func (h *DryRunHerd) Hostnames() []string { return h.tb.Hostnames() }

func (h *DryRunHerd) Online(_ context.Context) ([]string, []string, error) {
	return h.tb.Hostnames(), nil, nil
}

func (h *DryRunHerd) RunTaskSet(_ context.Context, ts *domain.TaskSet) (map[string]domain.ReplyData, error) {
	replies := make(map[string]domain.ReplyData, len(ts.Tasks))
	for name, task := range ts.Tasks {
		replies[name] = domain.ReplyData{
			Stdout: fmt.Sprintf("dry-run: programmed targets %v on %s\n", task.TargetIDs, name),
		}
	}
	return replies, nil
}

func (h *DryRunHerd) StartMeasurement(_ context.Context, ts *domain.TaskSet) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = ts
	start := time.Now()
	if ts.TimeStart != nil && ts.TimeStart.After(start) {
		start = *ts.TimeStart
	}
	h.deadline = start.Add(h.runFor)
	h.journal += fmt.Sprintf("%s started task %q on %v\n",
		time.Now().UTC().Format(time.RFC3339), ts.Name, ts.Observers())
	h.logs = append(h.logs, logLine{
		at:   time.Now(),
		text: fmt.Sprintf("measurement %q started\n", ts.Name),
	})
	return nil
}

func (h *DryRunHerd) StopMeasurement(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deadline = time.Time{}
	return nil
}

func (h *DryRunHerd) ServiceIsActive(_ context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deadline.IsZero() {
		return false, nil
	}
	if time.Now().Before(h.deadline) {
		return true, nil
	}
	// The run just ended; materialize the recordings.
	if err := h.writeRecordingsLocked(); err != nil {
		return false, err
	}
	h.deadline = time.Time{}
	if h.current != nil {
		h.logs = append(h.logs, logLine{
			at:   time.Now(),
			text: fmt.Sprintf("measurement %q finished without incident\n", h.current.Name),
		})
	}
	return false, nil
}

func (h *DryRunHerd) writeRecordingsLocked() error {
	if h.current == nil || h.workDir == "" {
		return nil
	}
	for _, task := range h.current.Tasks {
		dst := filepath.Join(h.workDir, filepath.FromSlash(task.OutputPath))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("op=dryrun.write_recordings: %w", err)
		}
		body := make([]byte, 0, 512)
		body = append(body, hdf5Signature...)
		body = append(body, []byte(fmt.Sprintf("dry-run recording of %q on %s targets %v",
			h.current.Name, task.Observer, task.TargetIDs))...)
		for len(body) < 512 {
			body = append(body, 0)
		}
		if err := os.WriteFile(dst, body, 0o644); err != nil {
			return fmt.Errorf("op=dryrun.write_recordings: %w", err)
		}
	}
	return nil
}

func (h *DryRunHerd) ServiceIsFailed(_ context.Context) (bool, error) { return false, nil }

func (h *DryRunHerd) ServiceGetLogs(_ context.Context, since time.Time) (map[string]domain.ReplyData, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out string
	for _, line := range h.logs {
		if line.at.Before(since) {
			continue
		}
		out += line.text
	}
	logs := make(map[string]domain.ReplyData, len(h.tb.Observers))
	for _, obs := range h.tb.Observers {
		logs[obs.Name] = domain.ReplyData{Stdout: out}
	}
	return logs, nil
}

func (h *DryRunHerd) ServiceEraseLogs(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.journal = ""
	h.logs = nil
	return nil
}

func (h *DryRunHerd) SchedulerJournal(_ context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.journal, nil
}

func (h *DryRunHerd) FindConsensusTime(_ context.Context) (time.Time, time.Duration, error) {
	return time.Now(), time.Millisecond, nil
}

func (h *DryRunHerd) MinSpaceLeft(_ context.Context) (uint64, error) {
	return 1 << 40, nil
}

func (h *DryRunHerd) Resync(_ context.Context) error { return nil }

func (h *DryRunHerd) KillSheepProcess(_ context.Context) error { return nil }

func (h *DryRunHerd) Reboot(_ context.Context) error {
	h.logger.Warn("dry-run herd reboot requested")
	return nil
}

func (h *DryRunHerd) FetchOutput(_ context.Context, outputPaths map[string]string, dstDir string) (map[string]string, map[string]bool, int64, error) {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, nil, 0, fmt.Errorf("op=dryrun.fetch_output: %w", err)
	}
	h.mu.Lock()
	workDir := h.workDir
	h.mu.Unlock()

	hadData := make(map[string]bool, len(outputPaths))
	resultPaths := make(map[string]string, len(outputPaths))
	var totalSize int64
	names := lo.Keys(outputPaths)
	sort.Strings(names)
	for _, name := range names {
		src := filepath.Join(workDir, filepath.FromSlash(outputPaths[name]))
		body, err := os.ReadFile(src)
		if err != nil {
			hadData[name] = false
			continue
		}
		dst := filepath.Join(dstDir, name+"_"+filepath.Base(outputPaths[name]))
		if err := os.WriteFile(dst, body, 0o644); err != nil {
			return nil, nil, 0, fmt.Errorf("op=dryrun.fetch_output: %w", err)
		}
		hadData[name] = true
		resultPaths[name] = dst
		totalSize += int64(len(body))
	}
	return resultPaths, hadData, totalSize, nil
}
