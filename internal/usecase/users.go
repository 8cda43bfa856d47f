// Package usecase contains the application services between HTTP transport
// and the repositories.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nes-lab/shepherd-server/internal/auth"
	"github.com/nes-lab/shepherd-server/internal/config"
	"github.com/nes-lab/shepherd-server/internal/domain"
)

// UserService implements the account flows: registration, verification,
// approval, password reset, login and profile management.
type UserService struct {
	cfg      config.Config
	logger   *slog.Logger
	users    domain.UserRepository
	notifier domain.Notifier
	tokens   *auth.TokenManager
}

func NewUserService(cfg config.Config, logger *slog.Logger, users domain.UserRepository, notifier domain.Notifier, tokens *auth.TokenManager) *UserService {
	return &UserService{cfg: cfg, logger: logger, users: users, notifier: notifier, tokens: tokens}
}

func (s *UserService) defaults() domain.Quota {
	return domain.Quota{Duration: s.cfg.QuotaDefaultDuration, Storage: s.cfg.QuotaDefaultStorage}
}

// Register creates a disabled, unverified account and mails the verification
// token. Registering an email twice yields a conflict.
func (s *UserService) Register(ctx context.Context, email, password, firstName, lastName string) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	token, err := auth.DerivedToken(s.cfg.AuthSalt, email)
	if err != nil {
		return err
	}
	now := time.Now()
	u := &domain.User{
		ID:                uuid.New(),
		Email:             email,
		PasswordHash:      hash,
		FirstName:         firstName,
		LastName:          lastName,
		Role:              domain.RoleUser,
		Disabled:          true,
		CreatedAt:         now,
		LastActiveAt:      now,
		TokenVerification: &token,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return err
	}
	return s.notifier.SendVerificationEmail(ctx, email, token)
}

// Verify confirms the email behind a verification token and enables the
// account.
func (s *UserService) Verify(ctx context.Context, token string) error {
	u, err := s.users.ByVerificationToken(ctx, token)
	if err != nil {
		return err
	}
	now := time.Now()
	u.EmailConfirmedAt = &now
	u.TokenVerification = nil
	u.Disabled = false
	if err := s.users.Save(ctx, u); err != nil {
		return err
	}
	return s.notifier.SendRegistrationCompleteEmail(ctx, u.Email)
}

// Approve lets an admin issue a fresh registration token for an address.
func (s *UserService) Approve(ctx context.Context, email string) error {
	token, err := auth.DerivedToken(s.cfg.AuthSalt, email)
	if err != nil {
		return err
	}
	u, err := s.users.ByEmail(ctx, email)
	if err == nil {
		u.TokenVerification = &token
		if err := s.users.Save(ctx, u); err != nil {
			return err
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return s.notifier.SendApprovalEmail(ctx, email, token)
}

// ForgotPassword stores a reset token and mails it. Unknown addresses do not
// leak their absence.
func (s *UserService) ForgotPassword(ctx context.Context, email string) error {
	u, err := s.users.ByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.Info("password reset for unknown address", slog.String("email", email))
			return nil
		}
		return err
	}
	token, err := auth.DerivedToken(s.cfg.AuthSalt, email)
	if err != nil {
		return err
	}
	u.TokenPwReset = &token
	if err := s.users.Save(ctx, u); err != nil {
		return err
	}
	return s.notifier.SendPasswordResetEmail(ctx, u.Email, token)
}

// ResetPassword consumes a reset token and installs the new password.
func (s *UserService) ResetPassword(ctx context.Context, token, newPassword string) error {
	u, err := s.users.ByResetToken(ctx, token)
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	u.TokenPwReset = nil
	return s.users.Save(ctx, u)
}

// Login authenticates and issues a bearer token. Disabled or unverified
// accounts are rejected the same way as bad credentials.
func (s *UserService) Login(ctx context.Context, email, password string) (string, time.Time, error) {
	fail := func() (string, time.Time, error) {
		return "", time.Time{}, fmt.Errorf("op=users.login: %w", domain.ErrUnauthorized)
	}
	u, err := s.users.ByEmail(ctx, email)
	if err != nil {
		return fail()
	}
	if !auth.VerifyPassword(password, u.PasswordHash) {
		return fail()
	}
	if u.Disabled || u.EmailConfirmedAt == nil {
		return fail()
	}
	now := time.Now()
	token, err := s.tokens.Issue(u.Email, now)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := s.users.UpdateLastActive(ctx, u.Email, now); err != nil {
		s.logger.Warn("could not update last-active", slog.String("error", err.Error()))
	}
	return token, now.Add(s.cfg.TokenLifetime), nil
}

// Authenticate resolves a bearer token into the account it is bound to.
func (s *UserService) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	email, err := s.tokens.Verify(token, time.Now())
	if err != nil {
		return nil, err
	}
	u, err := s.users.ByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("op=users.authenticate: %w", domain.ErrUnauthorized)
	}
	if u.Disabled {
		return nil, fmt.Errorf("op=users.authenticate: account disabled: %w", domain.ErrUnauthorized)
	}
	return u, nil
}

// Info returns the account with its remaining storage recomputed. A changed
// value is written back so the stored record stays current.
func (s *UserService) Info(ctx context.Context, u *domain.User, storageUsed int64) *domain.User {
	out := *u
	quota := u.QuotaStorage(s.defaults(), time.Now())
	out.StorageAvailable = quota - storageUsed
	if out.StorageAvailable < 0 {
		out.StorageAvailable = 0
	}
	if out.StorageAvailable != u.StorageAvailable {
		if err := s.users.Save(ctx, &out); err != nil {
			s.logger.Warn("could not persist storage_available", slog.String("error", err.Error()))
		}
	}
	return &out
}

// ProfileUpdate is the PATCH /user payload; nil fields stay untouched.
type ProfileUpdate struct {
	Email     *string
	Password  *string
	FirstName *string
	LastName  *string
}

// UpdateProfile applies a partial update. An email rename requires the new
// address to be unused.
func (s *UserService) UpdateProfile(ctx context.Context, u *domain.User, patch ProfileUpdate) (*domain.User, error) {
	if patch.Email != nil && *patch.Email != u.Email {
		if _, err := s.users.ByEmail(ctx, *patch.Email); err == nil {
			return nil, fmt.Errorf("op=users.update email=%s already taken: %w", *patch.Email, domain.ErrConflict)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		u.Email = *patch.Email
	}
	if patch.Password != nil {
		hash, err := auth.HashPassword(*patch.Password)
		if err != nil {
			return nil, err
		}
		u.PasswordHash = hash
	}
	if patch.FirstName != nil {
		u.FirstName = *patch.FirstName
	}
	if patch.LastName != nil {
		u.LastName = *patch.LastName
	}
	if err := s.users.Save(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// QuotaUpdate is the admin-only PATCH /user/quota payload.
type QuotaUpdate struct {
	Email    string
	ExpireAt *time.Time
	Duration *time.Duration
	Storage  *int64
}

// UpdateQuota sets the custom quota override on a named account.
func (s *UserService) UpdateQuota(ctx context.Context, caller *domain.User, patch QuotaUpdate) error {
	if caller.Role != domain.RoleAdmin {
		return fmt.Errorf("op=users.update_quota: %w", domain.ErrForbidden)
	}
	u, err := s.users.ByEmail(ctx, patch.Email)
	if err != nil {
		return err
	}
	if patch.ExpireAt != nil {
		u.CustomQuotaExpireAt = patch.ExpireAt
	}
	if patch.Duration != nil {
		u.CustomQuotaDuration = patch.Duration
	}
	if patch.Storage != nil {
		u.CustomQuotaStorage = patch.Storage
	}
	return s.users.Save(ctx, u)
}

// ChangeState lets an admin enable or disable a named account. Disabling
// invalidates every outstanding token on the next authentication.
func (s *UserService) ChangeState(ctx context.Context, caller *domain.User, email string, disabled bool) error {
	if caller.Role != domain.RoleAdmin {
		return fmt.Errorf("op=users.change_state: %w", domain.ErrForbidden)
	}
	u, err := s.users.ByEmail(ctx, email)
	if err != nil {
		return err
	}
	u.Disabled = disabled
	s.logger.Info("account state changed",
		slog.String("email", email), slog.Bool("disabled", disabled))
	return s.users.Save(ctx, u)
}
