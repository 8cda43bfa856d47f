package domain

import (
	"time"

	"github.com/google/uuid"
)

// SchedulerStatus is the scheduler's slice of the testbed status document.
type SchedulerStatus struct {
	ActivatedAt      *time.Time `json:"activated,omitempty"`
	Busy             bool       `json:"busy"`
	DryRun           bool       `json:"dry_run"`
	LastUpdate       *time.Time `json:"last_update,omitempty"`
	ObserverCount    int        `json:"observer_count"`
	ObserversOnline  []string   `json:"observers_online"`
	ObserversOffline []string   `json:"observers_offline"`
}

// RedirectStatus is the redirect service's slice of the status document.
type RedirectStatus struct {
	ActivatedAt *time.Time `json:"activated,omitempty"`
	URL         string     `json:"url,omitempty"`
}

// APIStatus is the web API's slice of the status document.
type APIStatus struct {
	ActivatedAt *time.Time `json:"activated,omitempty"`
}

// TestbedStatus is the process-wide singleton record. It is written by
// multiple processes; each writer persists only its own slice.
type TestbedStatus struct {
	Restrictions      []string `json:"restrictions,omitempty"`
	TimestampTimezone string   `json:"timestamp_timezone"`

	// Command is the operator order read by the scheduler on each tick.
	// Supported: "" (none) and "drain" (serve only elevated users).
	Command string `json:"command,omitempty"`

	WebAPI    APIStatus       `json:"webapi"`
	Scheduler SchedulerStatus `json:"scheduler"`
	Redirect  RedirectStatus  `json:"redirect"`

	ServerVersion string `json:"server_version,omitempty"`
}

// Testbed commands settable through the web API.
const (
	CommandNone  = ""
	CommandDrain = "drain"
)

// ExperimentStats is the summary twin of a WebExperiment, retained after the
// full record is pruned. It is refreshed on terminal transitions and always
// written before deletion.
type ExperimentStats struct {
	ID         uuid.UUID
	OwnerEmail string

	CreatedAt  *time.Time
	StartedAt  *time.Time
	ExecutedAt *time.Time
	FinishedAt *time.Time
	DeletedAt  *time.Time

	State      ExperimentState
	Duration   time.Duration
	ResultSize int64

	HadErrors        bool
	HasMissingData   bool
	MaxExitCode      int
	SchedulerError   string
	MissingObservers []string
}

// StatsFrom derives the summary twin from a full record.
func StatsFrom(xp *WebExperiment) *ExperimentStats {
	created := xp.CreatedAt
	return &ExperimentStats{
		ID:               xp.ID,
		OwnerEmail:       xp.OwnerEmail,
		CreatedAt:        &created,
		StartedAt:        xp.StartedAt,
		ExecutedAt:       xp.ExecutedAt,
		FinishedAt:       xp.FinishedAt,
		State:            xp.State(),
		Duration:         xp.Experiment.Duration.Duration(),
		ResultSize:       xp.ResultSize,
		HadErrors:        xp.HadErrors(),
		HasMissingData:   xp.HasMissingData(),
		MaxExitCode:      xp.MaxExitCode(),
		SchedulerError:   xp.SchedulerError,
		MissingObservers: xp.MissingObservers(),
	}
}
