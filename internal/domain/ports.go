package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repositories (ports). Implementations provide single-record atomicity;
// methods that persist a subset of fields must not clobber fields owned by a
// concurrent writer.

// UserRepository persists accounts.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	ByEmail(ctx context.Context, email string) (*User, error)
	ByVerificationToken(ctx context.Context, token string) (*User, error)
	ByResetToken(ctx context.Context, token string) (*User, error)
	All(ctx context.Context) ([]*User, error)
	InactiveSince(ctx context.Context, cutoff time.Time) ([]*User, error)
	// Save persists the whole record, last writer wins.
	Save(ctx context.Context, u *User) error
	UpdateLastActive(ctx context.Context, email string, at time.Time) error
	Delete(ctx context.Context, email string) error
}

// ClaimSnapshot is what the scheduler writes in a single update when it picks
// an experiment. The "next candidate" query filters on started_at being unset,
// so this write is what fences other actors out.
type ClaimSnapshot struct {
	StartedAt          time.Time
	ObserversRequested []string
	ObserverPaths      map[string]string
}

// ExperimentRepository persists experiment records.
type ExperimentRepository interface {
	Create(ctx context.Context, xp *WebExperiment) error
	Get(ctx context.Context, id uuid.UUID) (*WebExperiment, error)
	ListByOwner(ctx context.Context, email string) ([]*WebExperiment, error)
	StatesByOwner(ctx context.Context, email string) (map[uuid.UUID]ExperimentState, error)
	StatesAll(ctx context.Context) (map[uuid.UUID]ExperimentState, error)
	StorageUsed(ctx context.Context, email string) (int64, error)
	OlderThan(ctx context.Context, cutoff time.Time) ([]*WebExperiment, error)

	// NextScheduled returns the oldest record with requested_execution_at set
	// and started_at unset, ties broken by id. With onlyElevated, records of
	// plain users are skipped. Returns ErrNotFound when the queue is empty.
	NextScheduled(ctx context.Context, onlyElevated bool) (*WebExperiment, error)
	HasScheduled(ctx context.Context, email string) (bool, error)
	// ResetStuck clears started_at on records that were picked up but never
	// finished and carry no scheduler error. Returns the number of records reset.
	ResetStuck(ctx context.Context) (int, error)

	// Field-scoped writes. Each persists only the named fields.
	SetRequestedExecution(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkStarted(ctx context.Context, id uuid.UUID, claim ClaimSnapshot) error
	SetExecuted(ctx context.Context, id uuid.UUID, at time.Time, timeStart time.Time) error
	SaveRunResults(ctx context.Context, xp *WebExperiment) error

	Delete(ctx context.Context, id uuid.UUID) error
}

// StatusRepository persists the singleton testbed status document. Writers
// persist only their own slice so that disjoint fields do not collide.
type StatusRepository interface {
	Get(ctx context.Context) (*TestbedStatus, error)
	SaveScheduler(ctx context.Context, s SchedulerStatus) error
	SaveWebAPI(ctx context.Context, s APIStatus) error
	SaveRedirect(ctx context.Context, s RedirectStatus) error
	SaveRestrictions(ctx context.Context, restrictions []string) error
	SaveCommand(ctx context.Context, command string) error
}

// StatsRepository persists experiment summary twins.
type StatsRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*ExperimentStats, error)
	// UpdateWith refreshes (or creates) the twin from the full record. With
	// toBeDeleted, the deletion timestamp is stamped.
	UpdateWith(ctx context.Context, xp *WebExperiment, toBeDeleted bool) error
	StatesAll(ctx context.Context) (map[uuid.UUID]ExperimentState, error)
}

// Notifier sends user- and admin-visible notifications (port).
type Notifier interface {
	SendApprovalEmail(ctx context.Context, email, token string) error
	SendVerificationEmail(ctx context.Context, email, token string) error
	SendRegistrationCompleteEmail(ctx context.Context, email string) error
	SendPasswordResetEmail(ctx context.Context, email, token string) error
	// SendExperimentFinishedEmail mails the owner; on errors the admin contact
	// is added and faulty transcripts are attached.
	SendExperimentFinishedEmail(ctx context.Context, email string, xp *WebExperiment, allDone bool) error
	// SendHerdRebootEmail compares the online sets before and after a reboot.
	SendHerdRebootEmail(ctx context.Context, all, pre, post []string) error
}
