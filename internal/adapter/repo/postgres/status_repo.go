package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/nes-lab/shepherd-server/internal/domain"
)

// StatusRepo implements domain.StatusRepository on a singleton row. Each
// writer updates only its own column, so the scheduler, the web API and the
// redirect service never overwrite each other.
type StatusRepo struct {
	pool    *pgxpool.Pool
	version string
}

func NewStatusRepo(pool *pgxpool.Pool, serverVersion string) *StatusRepo {
	return &StatusRepo{pool: pool, version: serverVersion}
}

func (r *StatusRepo) Get(ctx context.Context) (*domain.TestbedStatus, error) {
	ctx, span := otel.Tracer("repo.status").Start(ctx, "status.get")
	defer span.End()

	var s domain.TestbedStatus
	err := r.pool.QueryRow(ctx, `
		SELECT restrictions, timestamp_timezone, command, webapi, scheduler, redirect, server_version
		FROM testbed_status WHERE id`).Scan(
		&s.Restrictions, &s.TimestampTimezone, &s.Command, &s.WebAPI, &s.Scheduler, &s.Redirect, &s.ServerVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		// An empty table means the services have not reported yet; hand back
		// the zero document rather than an error.
		return &domain.TestbedStatus{TimestampTimezone: "UTC", ServerVersion: r.version}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=status.get: %w", err)
	}
	if s.ServerVersion == "" {
		s.ServerVersion = r.version
	}
	return &s, nil
}

func (r *StatusRepo) saveSlice(ctx context.Context, op, column string, value any) error {
	ctx, span := otel.Tracer("repo.status").Start(ctx, op)
	defer span.End()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO testbed_status (id, `+column+`, server_version)
		VALUES (TRUE, $1, $2)
		ON CONFLICT (id) DO UPDATE SET `+column+` = EXCLUDED.`+column+`,
			server_version = EXCLUDED.server_version`,
		value, r.version)
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	return nil
}

func (r *StatusRepo) SaveScheduler(ctx context.Context, s domain.SchedulerStatus) error {
	return r.saveSlice(ctx, "status.save_scheduler", "scheduler", s)
}

func (r *StatusRepo) SaveWebAPI(ctx context.Context, s domain.APIStatus) error {
	return r.saveSlice(ctx, "status.save_webapi", "webapi", s)
}

func (r *StatusRepo) SaveRedirect(ctx context.Context, s domain.RedirectStatus) error {
	return r.saveSlice(ctx, "status.save_redirect", "redirect", s)
}

func (r *StatusRepo) SaveRestrictions(ctx context.Context, restrictions []string) error {
	return r.saveSlice(ctx, "status.save_restrictions", "restrictions", emptySlice(restrictions))
}

func (r *StatusRepo) SaveCommand(ctx context.Context, command string) error {
	return r.saveSlice(ctx, "status.save_command", "command", command)
}
