package domain

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Cape describes the shield board mounted on an observer.
type Cape struct {
	ID      int    `json:"id"`
	Version string `json:"version"`
}

// Target is a device-under-test attached to an observer.
type Target struct {
	ID  int    `json:"id"`
	MCU string `json:"mcu"`
}

// Observer is a remote node of the fleet, paired with one or two targets.
type Observer struct {
	Name      string `json:"name"`
	IP        string `json:"ip"`
	Cape      *Cape  `json:"cape,omitempty"`
	TargetIDs []int  `json:"target_ids"`
}

// EnergyEnvironment is a declarative description of an emulated power source.
type EnergyEnvironment struct {
	Name     string  `json:"name"`
	Duration Seconds `json:"duration,omitempty"`
}

// Testbed is the static description of one deployment: its observers and
// which targets they host.
type Testbed struct {
	Name      string     `json:"name"`
	Observers []Observer `json:"observers"`
}

// ObserverForTarget resolves the observer hosting the given target id.
func (t *Testbed) ObserverForTarget(targetID int) (*Observer, error) {
	for i := range t.Observers {
		if lo.Contains(t.Observers[i].TargetIDs, targetID) {
			return &t.Observers[i], nil
		}
	}
	return nil, fmt.Errorf("op=testbed.observer_for_target id=%d: %w", targetID, ErrNotFound)
}

// Hostnames returns all observer names, sorted.
func (t *Testbed) Hostnames() []string {
	names := lo.Map(t.Observers, func(o Observer, _ int) string { return o.Name })
	sort.Strings(names)
	return names
}

// ObserverTask is the per-node slice of a TaskSet.
type ObserverTask struct {
	Observer   string     `json:"observer"`
	TargetIDs  []int      `json:"target_ids"`
	OutputPath string     `json:"output_path"`
	TimeStart  *time.Time `json:"time_start,omitempty"`
	// PrepareOnly strips the emulation phase; only target programming remains.
	PrepareOnly bool `json:"prepare_only,omitempty"`
}

// TaskSet is the derived descriptor the herd actually pushes to observers.
// Observer-side output paths are relative to the shared experiment root.
type TaskSet struct {
	Name      string                  `json:"name"`
	TimeStart *time.Time              `json:"time_start,omitempty"`
	Tasks     map[string]ObserverTask `json:"tasks"`
}

// NewTaskSet computes the per-observer tasks for an experiment on a testbed.
// Every target id must resolve to a known observer.
func NewTaskSet(xp *Experiment, tb *Testbed) (*TaskSet, error) {
	folder := xp.FolderName()
	tasks := make(map[string]ObserverTask)
	for _, targetID := range xp.TargetIDs() {
		obs, err := tb.ObserverForTarget(targetID)
		if err != nil {
			return nil, err
		}
		task, ok := tasks[obs.Name]
		if !ok {
			task = ObserverTask{
				Observer:   obs.Name,
				OutputPath: path.Join(folder, folder+".h5"),
			}
		}
		task.TargetIDs = append(task.TargetIDs, targetID)
		tasks[obs.Name] = task
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("op=taskset.new: experiment resolves to no observers: %w", ErrInvalidArgument)
	}
	return &TaskSet{Name: folder, Tasks: tasks}, nil
}

// Observers returns the observer set of the task set, sorted.
func (t *TaskSet) Observers() []string {
	names := lo.Keys(t.Tasks)
	sort.Strings(names)
	return names
}

// OutputPaths maps observer name to its root-relative result path.
func (t *TaskSet) OutputPaths() map[string]string {
	paths := make(map[string]string, len(t.Tasks))
	for name, task := range t.Tasks {
		paths[name] = task.OutputPath
	}
	return paths
}

// StripEmulation returns a copy describing only the preparation phase.
func (t *TaskSet) StripEmulation() *TaskSet {
	out := &TaskSet{Name: t.Name, Tasks: make(map[string]ObserverTask, len(t.Tasks))}
	for name, task := range t.Tasks {
		task.PrepareOnly = true
		task.TimeStart = nil
		out.Tasks[name] = task
	}
	return out
}

// WithTimeStart returns a copy carrying the synchronized start timestamp.
func (t *TaskSet) WithTimeStart(start time.Time) *TaskSet {
	out := &TaskSet{Name: t.Name, TimeStart: &start, Tasks: make(map[string]ObserverTask, len(t.Tasks))}
	for name, task := range t.Tasks {
		task.TimeStart = &start
		out.Tasks[name] = task
	}
	return out
}

// IsContained verifies that no task path escapes the experiment root.
func (t *TaskSet) IsContained() bool {
	for _, task := range t.Tasks {
		clean := path.Clean(task.OutputPath)
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return false
		}
	}
	return true
}

// ContentKind enumerates the model types the content registry can resolve.
// This is a closed set; unknown strings are rejected.
type ContentKind string

const (
	KindObserver  ContentKind = "Observer"
	KindCape      ContentKind = "Cape"
	KindTarget    ContentKind = "Target"
	KindEnergyEnv ContentKind = "EnergyEnvironment"
	KindTestbed   ContentKind = "Testbed"
)

// ContentRegistry resolves kind strings to concrete fixtures of one testbed.
type ContentRegistry struct {
	Testbed    Testbed
	EnergyEnvs []EnergyEnvironment
}

// Kinds lists the resolvable kind strings.
func (r *ContentRegistry) Kinds() []ContentKind {
	return []ContentKind{KindObserver, KindCape, KindTarget, KindEnergyEnv, KindTestbed}
}

// IDs returns the known ids for a kind.
func (r *ContentRegistry) IDs(kind ContentKind) ([]int, error) {
	switch kind {
	case KindObserver:
		ids := make([]int, 0, len(r.Testbed.Observers))
		for i := range r.Testbed.Observers {
			ids = append(ids, i+1)
		}
		return ids, nil
	case KindCape:
		ids := make([]int, 0)
		for _, obs := range r.Testbed.Observers {
			if obs.Cape != nil {
				ids = append(ids, obs.Cape.ID)
			}
		}
		sort.Ints(ids)
		return ids, nil
	case KindTarget:
		ids := make([]int, 0)
		for _, obs := range r.Testbed.Observers {
			ids = append(ids, obs.TargetIDs...)
		}
		sort.Ints(ids)
		return ids, nil
	default:
		return nil, fmt.Errorf("op=content.ids kind=%s: %w", kind, ErrNotFound)
	}
}

// Resolve returns the concrete model behind kind and id.
func (r *ContentRegistry) Resolve(kind ContentKind, id int) (any, error) {
	switch kind {
	case KindObserver:
		if id >= 1 && id <= len(r.Testbed.Observers) {
			return r.Testbed.Observers[id-1], nil
		}
	case KindCape:
		for _, obs := range r.Testbed.Observers {
			if obs.Cape != nil && obs.Cape.ID == id {
				return *obs.Cape, nil
			}
		}
	case KindTarget:
		for _, obs := range r.Testbed.Observers {
			if lo.Contains(obs.TargetIDs, id) {
				return Target{ID: id, MCU: "msp430fr"}, nil
			}
		}
	case KindTestbed:
		return r.Testbed, nil
	}
	return nil, fmt.Errorf("op=content.resolve kind=%s id=%d: %w", kind, id, ErrNotFound)
}

// FixtureRegistry returns the built-in registry for a testbed name. The
// unit-testing fixture carries a single observer so that the dry-run
// scheduler and the test suite can run without hardware.
func FixtureRegistry(name string) *ContentRegistry {
	switch name {
	case "unit_testing_testbed":
		return &ContentRegistry{
			Testbed: Testbed{
				Name: name,
				Observers: []Observer{
					{
						Name:      "unit_testing_sheep",
						IP:        "127.0.0.1",
						Cape:      &Cape{ID: 1, Version: "v2.4"},
						TargetIDs: []int{1, 2},
					},
				},
			},
			EnergyEnvs: []EnergyEnvironment{{Name: "eenv_static_3000mV_50mA_3600s"}},
		}
	default:
		// Production testbeds load their inventory from the herd config; the
		// registry starts empty and is filled by Herd.Open.
		return &ContentRegistry{Testbed: Testbed{Name: name}}
	}
}
