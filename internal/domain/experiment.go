package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Seconds is a duration encoded on the wire as a JSON number of seconds.
type Seconds float64

// Duration converts to a time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(float64(s) * float64(time.Second)) }

// SecondsOf converts a time.Duration to Seconds.
func SecondsOf(d time.Duration) Seconds { return Seconds(d.Seconds()) }

// PowerTracing configures the power sampling on a target.
type PowerTracing struct {
	// SampleRate in Hz. The testbed only supports 100 kHz reliably.
	SampleRate int  `json:"samplerate"`
	OnlyPower  bool `json:"only_power,omitempty"`
}

// GpioTracing configures GPIO edge capture on a target.
type GpioTracing struct {
	Enabled bool `json:"enabled"`
}

// UartLogging configures decoding of the target's UART output.
type UartLogging struct {
	Enabled  bool `json:"enabled"`
	Baudrate int  `json:"baudrate,omitempty"`
}

// TargetConfig describes what one group of targets runs during an experiment.
type TargetConfig struct {
	TargetIDs []int  `json:"target_ids"`
	EnergyEnv string `json:"energy_env,omitempty"`
	// Firmware references are either content-registry names or paths below
	// the experiment root; anything outside the root is rejected at submit.
	Firmware1 string `json:"firmware1,omitempty"`
	Firmware2 string `json:"firmware2,omitempty"`

	PowerTracing *PowerTracing `json:"power_tracing,omitempty"`
	GpioTracing  *GpioTracing  `json:"gpio_tracing,omitempty"`
	UartLogging  *UartLogging  `json:"uart_logging,omitempty"`
}

// Experiment is the user-supplied declarative description. The scheduler only
// interprets Duration and the observer set derived from the target ids.
type Experiment struct {
	Name     string  `json:"name"`
	Duration Seconds `json:"duration,omitempty"`
	// TimeStart must be unset at submit; the scheduler sets it at execution.
	TimeStart     *time.Time     `json:"time_start,omitempty"`
	TargetConfigs []TargetConfig `json:"target_configs"`
	EmailResults  bool           `json:"email_results,omitempty"`
	SysLogging    bool           `json:"sys_logging,omitempty"`
}

// TargetIDs returns the union of target ids over all configs, sorted.
func (e *Experiment) TargetIDs() []int {
	ids := make([]int, 0, 8)
	for _, cfg := range e.TargetConfigs {
		ids = append(ids, cfg.TargetIDs...)
	}
	ids = lo.Uniq(ids)
	sort.Ints(ids)
	return ids
}

// FolderName derives the directory name used for artifacts of this experiment.
func (e *Experiment) FolderName() string {
	var b strings.Builder
	for _, r := range strings.ToLower(e.Name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.':
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		b.WriteString("experiment")
	}
	return b.String()
}

// ExperimentState is derived from the record's timestamp and result fields.
type ExperimentState string

const (
	StateCreated   ExperimentState = "created"
	StateScheduled ExperimentState = "scheduled"
	StateRunning   ExperimentState = "running"
	StateFinished  ExperimentState = "finished"
	StateFailed    ExperimentState = "failed"
)

// ReplyData captures the terminal output of one observer.
type ReplyData struct {
	Exited int    `json:"exited"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Attachment is a named blob handed to the notifier.
type Attachment struct {
	Filename string
	Body     []byte
}

// WebExperiment wraps an Experiment with everything the control plane tracks
// about it. After StartedAt is set, only the scheduler writes further fields.
type WebExperiment struct {
	ID         uuid.UUID
	OwnerEmail string
	Experiment Experiment

	CreatedAt            time.Time
	RequestedExecutionAt *time.Time
	StartedAt            *time.Time
	ExecutedAt           *time.Time
	FinishedAt           *time.Time

	ObserversRequested []string
	ObserversOnline    []string
	ObserversOffline   []string

	ObserversOutput  map[string]ReplyData
	ObserversHadData map[string]bool

	// SchedulerError is empty while no phase has failed.
	SchedulerError string
	SchedulerLog   string

	// ObserverPaths hold the observer-relative result locations computed at
	// claim time; ResultPaths the server-side locations after collection.
	ObserverPaths map[string]string
	ResultPaths   map[string]string
	ContentPaths  map[string]string
	ResultSize    int64
}

// State derives the lifecycle state. It is a pure function of the record.
func (x *WebExperiment) State() ExperimentState {
	if x.FinishedAt != nil {
		if len(x.ResultPaths) > 0 {
			return StateFinished
		}
		return StateFailed
	}
	if x.StartedAt != nil {
		return StateRunning
	}
	if x.RequestedExecutionAt != nil {
		return StateScheduled
	}
	return StateCreated
}

// MaxExitCode returns the largest absolute exit code over the requested
// observers. Missing (but requested) observers do not count here.
func (x *WebExperiment) MaxExitCode() int {
	maxCode := 0
	for _, obs := range x.ObserversRequested {
		if reply, ok := x.ObserversOutput[obs]; ok {
			code := reply.Exited
			if code < 0 {
				code = -code
			}
			if code > maxCode {
				maxCode = code
			}
		}
	}
	return maxCode
}

// HasMissingData reports whether any requested observer produced no result file.
func (x *WebExperiment) HasMissingData() bool {
	for _, obs := range x.ObserversRequested {
		if !x.ObserversHadData[obs] {
			return true
		}
	}
	return false
}

// MissingObservers lists requested observers that never came online, sorted.
func (x *WebExperiment) MissingObservers() []string {
	missing := lo.Without(x.ObserversRequested, x.ObserversOnline...)
	sort.Strings(missing)
	return missing
}

// HadErrors reports whether the run must be treated as faulty.
func (x *WebExperiment) HadErrors() bool {
	return x.MaxExitCode() > 0 ||
		x.SchedulerError != "" ||
		x.HasMissingData() ||
		len(x.MissingObservers()) > 0
}

// Summary renders the block embedded in notification mails.
func (x *WebExperiment) Summary() string {
	asISO := func(ts *time.Time) string {
		if ts == nil {
			return "-"
		}
		return ts.UTC().Format("2006-01-02 15:04:05")
	}
	return fmt.Sprintf(
		"\nSummary:\n- id = %s\n- duration = %s\n- scheduled @ %s (UTC)\n- executed  @ %s (UTC)\n- finished  @ %s (UTC)\n",
		x.ID, x.Experiment.Duration.Duration(),
		asISO(x.StartedAt), asISO(x.ExecutedAt), asISO(x.FinishedAt),
	)
}

// TerminalOutput renders per-observer transcripts as mail attachments,
// sorted by hostname. With onlyFaulty set, clean observers are skipped.
func (x *WebExperiment) TerminalOutput(onlyFaulty bool) []Attachment {
	hostnames := lo.Keys(x.ObserversOutput)
	sort.Strings(hostnames)
	files := make([]Attachment, 0, len(hostnames)+1)
	for _, hostname := range hostnames {
		if !lo.Contains(x.ObserversRequested, hostname) {
			continue
		}
		reply := x.ObserversOutput[hostname]
		exited := reply.Exited
		if exited < 0 {
			exited = -exited
		}
		hadError := exited != 0 || !x.ObserversHadData[hostname]
		if onlyFaulty && !hadError {
			continue
		}
		var b strings.Builder
		if len(reply.Stdout) > 0 {
			fmt.Fprintf(&b, "\n************** %s - stdout **************\n%s", hostname, reply.Stdout)
		}
		if len(reply.Stderr) > 0 {
			fmt.Fprintf(&b, "\n~~~~~~~~~~~~~~ %s - stderr ~~~~~~~~~~~~~~\n%s", hostname, reply.Stderr)
		}
		fmt.Fprintf(&b, "\nExit-code of %s = %d\n", hostname, reply.Exited)
		files = append(files, Attachment{Filename: hostname + "_error.log", Body: []byte(b.String())})
	}
	if x.SchedulerLog != "" {
		files = append(files, Attachment{Filename: "scheduler.log", Body: []byte(x.SchedulerLog)})
	}
	return files
}
