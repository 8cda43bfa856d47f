package herd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/crypto/ssh"

	"github.com/nes-lab/shepherd-server/internal/domain"
)

const (
	remoteTaskPath   = "/etc/shepherd/task.json"
	measurementUnit  = "shepherd"
	observerDataRoot = "/var/shepherd/recordings"
)

// SSHHerd drives real observers over SSH. One client per observer; nodes that
// cannot be reached stay out of the client map and count as offline.
type SSHHerd struct {
	inventoryPath string
	keyPath       string
	fallbackUser  string
	testbedName   string
	logger        *slog.Logger

	mu      sync.Mutex
	tb      *domain.Testbed
	user    string
	signer  ssh.Signer
	clients map[string]*ssh.Client
}

var _ Herd = (*SSHHerd)(nil)

func NewSSHHerd(inventoryPath, keyPath, user, testbedName string, logger *slog.Logger) *SSHHerd {
	return &SSHHerd{
		inventoryPath: inventoryPath,
		keyPath:       keyPath,
		fallbackUser:  user,
		testbedName:   testbedName,
		logger:        logger,
		clients:       map[string]*ssh.Client{},
	}
}

func (h *SSHHerd) Open(ctx context.Context) error {
	tb, user, err := LoadInventory(h.inventoryPath, h.testbedName)
	if err != nil {
		return err
	}
	if user == "" {
		user = h.fallbackUser
	}
	key, err := os.ReadFile(h.keyPath)
	if err != nil {
		return fmt.Errorf("op=herd.open key=%s: %w", h.keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return fmt.Errorf("op=herd.open: %w", err)
	}

	h.mu.Lock()
	h.tb, h.user, h.signer = tb, user, signer
	h.mu.Unlock()

	online, offline, err := h.Online(ctx)
	if err != nil {
		return err
	}
	h.logger.Info("herd opened",
		slog.Int("online", len(online)), slog.Any("offline", offline))
	return nil
}

func (h *SSHHerd) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, c := range h.clients {
		_ = c.Close()
		delete(h.clients, name)
	}
	return nil
}

func (h *SSHHerd) Testbed() *domain.Testbed {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tb
}

func (h *SSHHerd) Hostnames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tb == nil {
		return nil
	}
	return h.tb.Hostnames()
}

func (h *SSHHerd) dial(ctx context.Context, obs domain.Observer) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            h.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(h.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(obs.IP, "22"))
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, obs.IP, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Online probes every node: connected clients get a no-op command, missing
// ones get one reconnect attempt.
func (h *SSHHerd) Online(ctx context.Context) ([]string, []string, error) {
	h.mu.Lock()
	tb := h.tb
	h.mu.Unlock()
	if tb == nil {
		return nil, nil, fmt.Errorf("op=herd.online: herd not opened: %w", domain.ErrInternal)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	online := make([]string, 0, len(tb.Observers))
	for _, obs := range tb.Observers {
		wg.Add(1)
		go func(obs domain.Observer) {
			defer wg.Done()
			h.mu.Lock()
			client := h.clients[obs.Name]
			h.mu.Unlock()
			if client != nil {
				if _, err := runOn(ctx, client, "true", ""); err == nil {
					mu.Lock()
					online = append(online, obs.Name)
					mu.Unlock()
					return
				}
				_ = client.Close()
				h.mu.Lock()
				delete(h.clients, obs.Name)
				h.mu.Unlock()
			}
			client, err := h.dial(ctx, obs)
			if err != nil {
				h.logger.Warn("observer unreachable",
					slog.String("observer", obs.Name), slog.String("error", err.Error()))
				return
			}
			h.mu.Lock()
			h.clients[obs.Name] = client
			h.mu.Unlock()
			mu.Lock()
			online = append(online, obs.Name)
			mu.Unlock()
		}(obs)
	}
	wg.Wait()

	sort.Strings(online)
	offline := lo.Without(tb.Hostnames(), online...)
	return online, offline, nil
}

// runOn executes one command on one client. The session is torn down when the
// context expires, which surfaces as a non-zero exit.
func runOn(ctx context.Context, client *ssh.Client, cmd, stdin string) (domain.ReplyData, error) {
	session, err := client.NewSession()
	if err != nil {
		return domain.ReplyData{Exited: -1}, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-done:
		}
	}()
	err = session.Run(cmd)
	close(done)

	reply := domain.ReplyData{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			reply.Exited = exitErr.ExitStatus()
			return reply, nil
		}
		reply.Exited = -1
		return reply, err
	}
	return reply, nil
}

// forEachOnline fans a command out to all connected observers.
func (h *SSHHerd) forEachOnline(ctx context.Context, fn func(name string, client *ssh.Client) (domain.ReplyData, error)) map[string]domain.ReplyData {
	h.mu.Lock()
	clients := make(map[string]*ssh.Client, len(h.clients))
	for name, c := range h.clients {
		clients[name] = c
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	replies := make(map[string]domain.ReplyData, len(clients))
	for name, client := range clients {
		wg.Add(1)
		go func(name string, client *ssh.Client) {
			defer wg.Done()
			reply, err := fn(name, client)
			if err != nil {
				reply.Stderr += "\n" + err.Error()
				if reply.Exited == 0 {
					reply.Exited = -1
				}
			}
			mu.Lock()
			replies[name] = reply
			mu.Unlock()
		}(name, client)
	}
	wg.Wait()
	return replies
}

func (h *SSHHerd) runAll(ctx context.Context, cmd string) map[string]domain.ReplyData {
	return h.forEachOnline(ctx, func(_ string, client *ssh.Client) (domain.ReplyData, error) {
		return runOn(ctx, client, cmd, "")
	})
}

func firstFailure(op string, replies map[string]domain.ReplyData) error {
	names := lo.Keys(replies)
	sort.Strings(names)
	for _, name := range names {
		if replies[name].Exited != 0 {
			return fmt.Errorf("op=%s observer=%s exit=%d: %s",
				op, name, replies[name].Exited, strings.TrimSpace(replies[name].Stderr))
		}
	}
	return nil
}

// distribute writes the per-observer slice of the task set to the remote
// config location.
func (h *SSHHerd) distribute(ctx context.Context, ts *domain.TaskSet) error {
	replies := h.forEachOnline(ctx, func(name string, client *ssh.Client) (domain.ReplyData, error) {
		task, ok := ts.Tasks[name]
		if !ok {
			return domain.ReplyData{}, nil
		}
		raw, err := json.Marshal(task)
		if err != nil {
			return domain.ReplyData{Exited: -1}, err
		}
		return runOn(ctx, client, "sudo tee "+remoteTaskPath+" > /dev/null", string(raw))
	})
	return firstFailure("herd.distribute", replies)
}

func (h *SSHHerd) RunTaskSet(ctx context.Context, ts *domain.TaskSet) (map[string]domain.ReplyData, error) {
	if err := h.distribute(ctx, ts); err != nil {
		return nil, err
	}
	replies := h.forEachOnline(ctx, func(name string, client *ssh.Client) (domain.ReplyData, error) {
		if _, ok := ts.Tasks[name]; !ok {
			return domain.ReplyData{}, nil
		}
		return runOn(ctx, client, "sudo shepherd-sheep --verbose run "+remoteTaskPath, "")
	})
	out := make(map[string]domain.ReplyData, len(ts.Tasks))
	for name := range ts.Tasks {
		if reply, ok := replies[name]; ok {
			out[name] = reply
		}
	}
	return out, nil
}

func (h *SSHHerd) StartMeasurement(ctx context.Context, ts *domain.TaskSet) error {
	if err := h.distribute(ctx, ts); err != nil {
		return err
	}
	replies := h.forEachOnline(ctx, func(name string, client *ssh.Client) (domain.ReplyData, error) {
		if _, ok := ts.Tasks[name]; !ok {
			return domain.ReplyData{}, nil
		}
		return runOn(ctx, client, "sudo systemctl start "+measurementUnit, "")
	})
	return firstFailure("herd.start_measurement", replies)
}

func (h *SSHHerd) StopMeasurement(ctx context.Context) error {
	// Stopping an already-stopped unit exits zero, so this is safe to run
	// during cleanup.
	replies := h.runAll(ctx, "sudo systemctl stop "+measurementUnit)
	return firstFailure("herd.stop_measurement", replies)
}

func (h *SSHHerd) ServiceIsActive(ctx context.Context) (bool, error) {
	replies := h.runAll(ctx, "systemctl is-active --quiet "+measurementUnit)
	for _, reply := range replies {
		if reply.Exited == 0 {
			return true, nil
		}
	}
	return false, nil
}

func (h *SSHHerd) ServiceIsFailed(ctx context.Context) (bool, error) {
	replies := h.runAll(ctx, "systemctl is-failed --quiet "+measurementUnit)
	for _, reply := range replies {
		if reply.Exited == 0 {
			return true, nil
		}
	}
	return false, nil
}

func (h *SSHHerd) ServiceGetLogs(ctx context.Context, since time.Time) (map[string]domain.ReplyData, error) {
	bound := "--boot"
	if !since.IsZero() {
		bound = fmt.Sprintf("--utc --since %q", since.UTC().Format("2006-01-02 15:04:05"))
	}
	logs := h.runAll(ctx, "journalctl -u "+measurementUnit+" --no-pager -o cat "+bound)
	exits := h.runAll(ctx, "systemctl show "+measurementUnit+" -p ExecMainStatus --value")
	out := make(map[string]domain.ReplyData, len(logs))
	for name, reply := range logs {
		exited := 0
		if exit, ok := exits[name]; ok {
			if v, err := strconv.Atoi(strings.TrimSpace(exit.Stdout)); err == nil {
				exited = v
			}
		}
		out[name] = domain.ReplyData{Exited: exited, Stdout: reply.Stdout, Stderr: reply.Stderr}
	}
	return out, nil
}

func (h *SSHHerd) ServiceEraseLogs(ctx context.Context) error {
	replies := h.runAll(ctx, "sudo journalctl --rotate && sudo journalctl --vacuum-time=1s --unit="+measurementUnit)
	return firstFailure("herd.erase_logs", replies)
}

// SchedulerJournal aggregates the recent measurement-unit journal of every
// observer into one annotated transcript.
func (h *SSHHerd) SchedulerJournal(ctx context.Context) (string, error) {
	replies := h.runAll(ctx, "journalctl -u "+measurementUnit+" --no-pager -n 200")
	names := lo.Keys(replies)
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "===== %s =====\n%s\n", name, strings.TrimSpace(replies[name].Stdout))
	}
	return b.String(), nil
}

func (h *SSHHerd) FindConsensusTime(ctx context.Context) (time.Time, time.Duration, error) {
	replies := h.runAll(ctx, "date +%s.%N")
	var latest time.Time
	var earliest time.Time
	for name, reply := range replies {
		if reply.Exited != 0 {
			continue
		}
		secs, err := strconv.ParseFloat(strings.TrimSpace(reply.Stdout), 64)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("op=herd.consensus_time observer=%s: %w", name, err)
		}
		ts := time.Unix(int64(secs), int64((secs-float64(int64(secs)))*1e9))
		if latest.IsZero() || ts.After(latest) {
			latest = ts
		}
		if earliest.IsZero() || ts.Before(earliest) {
			earliest = ts
		}
	}
	if latest.IsZero() {
		return time.Time{}, 0, fmt.Errorf("op=herd.consensus_time: no observer answered: %w", domain.ErrInternal)
	}
	return latest, latest.Sub(earliest), nil
}

func (h *SSHHerd) MinSpaceLeft(ctx context.Context) (uint64, error) {
	replies := h.runAll(ctx, "df --output=avail -B1 "+observerDataRoot+" | tail -n 1")
	var minFree uint64
	first := true
	for name, reply := range replies {
		if reply.Exited != 0 {
			return 0, fmt.Errorf("op=herd.min_space observer=%s exit=%d", name, reply.Exited)
		}
		free, err := strconv.ParseUint(strings.TrimSpace(reply.Stdout), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("op=herd.min_space observer=%s: %w", name, err)
		}
		if first || free < minFree {
			minFree = free
			first = false
		}
	}
	return minFree, nil
}

func (h *SSHHerd) Resync(ctx context.Context) error {
	replies := h.runAll(ctx, "sudo chronyc -a makestep")
	return firstFailure("herd.resync", replies)
}

func (h *SSHHerd) KillSheepProcess(ctx context.Context) error {
	// pkill exits 1 when nothing matched; only transport errors matter here.
	h.runAll(ctx, "sudo pkill -f shepherd-sheep")
	return nil
}

func (h *SSHHerd) Reboot(ctx context.Context) error {
	h.logger.Warn("rebooting herd")
	// The connection drops mid-command, failures are expected.
	h.runAll(ctx, "sudo systemctl reboot")
	return h.Close()
}

func (h *SSHHerd) FetchOutput(ctx context.Context, outputPaths map[string]string, dstDir string) (map[string]string, map[string]bool, int64, error) {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, nil, 0, fmt.Errorf("op=herd.fetch_output: %w", err)
	}
	hadData := make(map[string]bool, len(outputPaths))
	resultPaths := make(map[string]string, len(outputPaths))
	var totalSize int64

	replies := h.forEachOnline(ctx, func(name string, client *ssh.Client) (domain.ReplyData, error) {
		relPath, ok := outputPaths[name]
		if !ok {
			return domain.ReplyData{}, nil
		}
		remote := observerDataRoot + "/" + relPath
		return runOn(ctx, client, "cat "+remote, "")
	})
	names := lo.Keys(outputPaths)
	sort.Strings(names)
	for _, name := range names {
		reply, ok := replies[name]
		if !ok || reply.Exited != 0 || len(reply.Stdout) == 0 {
			hadData[name] = false
			continue
		}
		dst := filepath.Join(dstDir, name+"_"+filepath.Base(outputPaths[name]))
		if err := os.WriteFile(dst, []byte(reply.Stdout), 0o644); err != nil {
			return nil, nil, 0, fmt.Errorf("op=herd.fetch_output observer=%s: %w", name, err)
		}
		hadData[name] = true
		resultPaths[name] = dst
		totalSize += int64(len(reply.Stdout))
	}
	return resultPaths, hadData, totalSize, nil
}
