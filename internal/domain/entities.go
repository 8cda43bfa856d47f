// Package domain contains the entities and ports of the testbed control plane.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInternal        = errors.New("internal error")
)

// UserRole enumerates the roles a user can hold.
type UserRole string

const (
	RoleUser     UserRole = "user"
	RoleElevated UserRole = "elevated"
	RoleAdmin    UserRole = "admin"
)

// Valid reports whether the role is one of the known values.
func (r UserRole) Valid() bool {
	return r == RoleUser || r == RoleElevated || r == RoleAdmin
}

// IsElevated reports whether the role may use elevated-only operations.
func (r UserRole) IsElevated() bool { return r == RoleAdmin || r == RoleElevated }

// Quota bundles the per-user limits on experiment duration and result storage.
type Quota struct {
	Duration time.Duration
	Storage  int64
}

// User is the account record. Email is unique and acts as the foreign key
// referenced by experiments.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	Role         UserRole
	Disabled     bool

	CreatedAt    time.Time
	LastActiveAt time.Time

	EmailConfirmedAt  *time.Time
	TokenVerification *string
	TokenPwReset      *string

	// Custom quota override; active only while the expiry lies in the future.
	CustomQuotaExpireAt *time.Time
	CustomQuotaDuration *time.Duration
	CustomQuotaStorage  *int64

	// StorageAvailable is refreshed when the user asks for their info.
	StorageAvailable int64
}

// CustomQuotaActive reports whether the custom quota override applies at time now.
func (u *User) CustomQuotaActive(now time.Time) bool {
	return u.CustomQuotaExpireAt != nil && !u.CustomQuotaExpireAt.Before(now)
}

// QuotaDuration resolves the effective duration quota against the defaults.
func (u *User) QuotaDuration(defaults Quota, now time.Time) time.Duration {
	if u.CustomQuotaActive(now) && u.CustomQuotaDuration != nil {
		return *u.CustomQuotaDuration
	}
	return defaults.Duration
}

// QuotaStorage resolves the effective storage quota against the defaults.
func (u *User) QuotaStorage(defaults Quota, now time.Time) int64 {
	if u.CustomQuotaActive(now) && u.CustomQuotaStorage != nil {
		return *u.CustomQuotaStorage
	}
	return defaults.Storage
}
