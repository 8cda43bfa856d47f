package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nes-lab/shepherd-server/internal/domain"
)

// UserRepo implements domain.UserRepository on PostgreSQL.
type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo { return &UserRepo{pool: pool} }

const userColumns = `id, email, password_hash, first_name, last_name, role, disabled,
	created_at, last_active_at, email_confirmed_at, token_verification, token_pw_reset,
	custom_quota_expire_at, custom_quota_duration_s, custom_quota_storage, storage_available`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	var quotaDurationS *int64
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Role, &u.Disabled,
		&u.CreatedAt, &u.LastActiveAt, &u.EmailConfirmedAt, &u.TokenVerification, &u.TokenPwReset,
		&u.CustomQuotaExpireAt, &quotaDurationS, &u.CustomQuotaStorage, &u.StorageAvailable,
	)
	if err != nil {
		return nil, err
	}
	if quotaDurationS != nil {
		d := time.Duration(*quotaDurationS) * time.Second
		u.CustomQuotaDuration = &d
	}
	return &u, nil
}

func quotaDurationSeconds(u *domain.User) *int64 {
	if u.CustomQuotaDuration == nil {
		return nil
	}
	s := int64(u.CustomQuotaDuration.Seconds())
	return &s
}

func (r *UserRepo) Create(ctx context.Context, u *domain.User) error {
	ctx, span := otel.Tracer("repo.users").Start(ctx, "users.create")
	defer span.End()
	span.SetAttributes(attribute.String("user.email", u.Email))

	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Role, u.Disabled,
		u.CreatedAt, u.LastActiveAt, u.EmailConfirmedAt, u.TokenVerification, u.TokenPwReset,
		u.CustomQuotaExpireAt, quotaDurationSeconds(u), u.CustomQuotaStorage, u.StorageAvailable,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=users.create email=%s: %w", u.Email, domain.ErrConflict)
		}
		return fmt.Errorf("op=users.create: %w", err)
	}
	return nil
}

func (r *UserRepo) byColumn(ctx context.Context, op, column, value string) (*domain.User, error) {
	ctx, span := otel.Tracer("repo.users").Start(ctx, op)
	defer span.End()

	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+column+` = $1`, value)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	return u, nil
}

func (r *UserRepo) ByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.byColumn(ctx, "users.by_email", "email", email)
}

func (r *UserRepo) ByVerificationToken(ctx context.Context, token string) (*domain.User, error) {
	return r.byColumn(ctx, "users.by_verification_token", "token_verification", token)
}

func (r *UserRepo) ByResetToken(ctx context.Context, token string) (*domain.User, error) {
	return r.byColumn(ctx, "users.by_reset_token", "token_pw_reset", token)
}

func (r *UserRepo) list(ctx context.Context, op, query string, args ...any) ([]*domain.User, error) {
	ctx, span := otel.Tracer("repo.users").Start(ctx, op)
	defer span.End()

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer rows.Close()
	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("op=%s: %w", op, err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	return users, nil
}

func (r *UserRepo) All(ctx context.Context) ([]*domain.User, error) {
	return r.list(ctx, "users.all", `SELECT `+userColumns+` FROM users ORDER BY created_at`)
}

func (r *UserRepo) InactiveSince(ctx context.Context, cutoff time.Time) ([]*domain.User, error) {
	return r.list(ctx, "users.inactive_since",
		`SELECT `+userColumns+` FROM users WHERE last_active_at < $1 ORDER BY last_active_at`, cutoff)
}

func (r *UserRepo) Save(ctx context.Context, u *domain.User) error {
	ctx, span := otel.Tracer("repo.users").Start(ctx, "users.save")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET
			email = $2, password_hash = $3, first_name = $4, last_name = $5, role = $6,
			disabled = $7, created_at = $8, last_active_at = $9, email_confirmed_at = $10,
			token_verification = $11, token_pw_reset = $12, custom_quota_expire_at = $13,
			custom_quota_duration_s = $14, custom_quota_storage = $15, storage_available = $16
		WHERE id = $1`,
		u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Role,
		u.Disabled, u.CreatedAt, u.LastActiveAt, u.EmailConfirmedAt,
		u.TokenVerification, u.TokenPwReset, u.CustomQuotaExpireAt,
		quotaDurationSeconds(u), u.CustomQuotaStorage, u.StorageAvailable,
	)
	if err != nil {
		return fmt.Errorf("op=users.save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=users.save id=%s: %w", u.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *UserRepo) UpdateLastActive(ctx context.Context, email string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET last_active_at = $2 WHERE email = $1`, email, at)
	if err != nil {
		return fmt.Errorf("op=users.update_last_active: %w", err)
	}
	return nil
}

func (r *UserRepo) Delete(ctx context.Context, email string) error {
	ctx, span := otel.Tracer("repo.users").Start(ctx, "users.delete")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("op=users.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=users.delete email=%s: %w", email, domain.ErrNotFound)
	}
	return nil
}
