// Package herd drives the observer fleet. The SSH implementation talks to
// real hardware; the dry-run implementation mimics it on the local filesystem
// so the scheduler can run without a testbed.
package herd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nes-lab/shepherd-server/internal/domain"
)

// Herd is the fleet-facing port of the scheduler. All blocking calls take a
// context; callers bound them with per-phase timeouts.
type Herd interface {
	Open(ctx context.Context) error
	Close() error
	Testbed() *domain.Testbed
	Hostnames() []string
	// Online probes connectivity and retries unreachable nodes once.
	Online(ctx context.Context) (online, offline []string, err error)

	// RunTaskSet pushes the task set and runs it to completion in the
	// foreground. Used for the preparation pass (programming only).
	RunTaskSet(ctx context.Context, ts *domain.TaskSet) (map[string]domain.ReplyData, error)
	// StartMeasurement pushes the task set and starts the measurement
	// service; it returns as soon as the service is launched.
	StartMeasurement(ctx context.Context, ts *domain.TaskSet) error
	StopMeasurement(ctx context.Context) error
	ServiceIsActive(ctx context.Context) (bool, error)
	ServiceIsFailed(ctx context.Context) (bool, error)
	// ServiceGetLogs returns per-observer service logs. A non-zero since
	// bounds them to the current run; zero fetches the whole boot.
	ServiceGetLogs(ctx context.Context, since time.Time) (map[string]domain.ReplyData, error)
	ServiceEraseLogs(ctx context.Context) error
	SchedulerJournal(ctx context.Context) (string, error)

	// FindConsensusTime returns the latest clock over the online observers
	// and the spread between the fastest and slowest one.
	FindConsensusTime(ctx context.Context) (time.Time, time.Duration, error)
	// MinSpaceLeft returns the smallest free byte count over the fleet.
	MinSpaceLeft(ctx context.Context) (uint64, error)
	Resync(ctx context.Context) error
	KillSheepProcess(ctx context.Context) error
	Reboot(ctx context.Context) error

	// FetchOutput copies observer result files below dstDir. It returns the
	// server-side path and a had-data flag per observer plus the total size.
	FetchOutput(ctx context.Context, outputPaths map[string]string, dstDir string) (map[string]string, map[string]bool, int64, error)
}

// inventory is the on-disk herd description, an Ansible-style host file.
type inventory struct {
	Sheep struct {
		Hosts map[string]inventoryHost `yaml:"hosts"`
		Vars  struct {
			AnsibleUser string `yaml:"ansible_user"`
		} `yaml:"vars"`
	} `yaml:"sheep"`
}

type inventoryHost struct {
	AnsibleHost string `yaml:"ansible_host"`
	CapeID      int    `yaml:"cape_id"`
	CapeVersion string `yaml:"cape_version"`
	TargetIDs   []int  `yaml:"target_ids"`
}

// LoadInventory parses the herd file into a Testbed description.
func LoadInventory(path, testbedName string) (*domain.Testbed, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("op=herd.load_inventory path=%s: %w", path, err)
	}
	var inv inventory
	if err := yaml.Unmarshal(raw, &inv); err != nil {
		return nil, "", fmt.Errorf("op=herd.load_inventory path=%s: %w", path, err)
	}
	if len(inv.Sheep.Hosts) == 0 {
		return nil, "", fmt.Errorf("op=herd.load_inventory path=%s: no hosts: %w", path, domain.ErrInvalidArgument)
	}

	names := make([]string, 0, len(inv.Sheep.Hosts))
	for name := range inv.Sheep.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)

	tb := &domain.Testbed{Name: testbedName}
	for _, name := range names {
		host := inv.Sheep.Hosts[name]
		obs := domain.Observer{Name: name, IP: host.AnsibleHost, TargetIDs: host.TargetIDs}
		if host.CapeID != 0 {
			obs.Cape = &domain.Cape{ID: host.CapeID, Version: host.CapeVersion}
		}
		tb.Observers = append(tb.Observers, obs)
	}
	return tb, inv.Sheep.Vars.AnsibleUser, nil
}
