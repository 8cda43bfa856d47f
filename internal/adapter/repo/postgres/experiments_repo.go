package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nes-lab/shepherd-server/internal/domain"
)

// ExperimentRepo implements domain.ExperimentRepository on PostgreSQL. The
// declarative experiment and the per-observer maps live in JSONB columns;
// everything the scheduler queries on is a plain column.
type ExperimentRepo struct {
	pool *pgxpool.Pool
}

func NewExperimentRepo(pool *pgxpool.Pool) *ExperimentRepo { return &ExperimentRepo{pool: pool} }

const experimentColumns = `id, owner_email, spec, created_at, requested_execution_at,
	started_at, executed_at, finished_at, observers_requested, observers_online,
	observers_offline, observers_output, observers_had_data, scheduler_error,
	scheduler_log, observer_paths, result_paths, content_paths, result_size`

func scanExperiment(row pgx.Row) (*domain.WebExperiment, error) {
	var xp domain.WebExperiment
	err := row.Scan(
		&xp.ID, &xp.OwnerEmail, &xp.Experiment, &xp.CreatedAt, &xp.RequestedExecutionAt,
		&xp.StartedAt, &xp.ExecutedAt, &xp.FinishedAt, &xp.ObserversRequested, &xp.ObserversOnline,
		&xp.ObserversOffline, &xp.ObserversOutput, &xp.ObserversHadData, &xp.SchedulerError,
		&xp.SchedulerLog, &xp.ObserverPaths, &xp.ResultPaths, &xp.ContentPaths, &xp.ResultSize,
	)
	if err != nil {
		return nil, err
	}
	return &xp, nil
}

func (r *ExperimentRepo) Create(ctx context.Context, xp *domain.WebExperiment) error {
	ctx, span := otel.Tracer("repo.experiments").Start(ctx, "experiments.create")
	defer span.End()
	span.SetAttributes(attribute.String("experiment.id", xp.ID.String()))

	_, err := r.pool.Exec(ctx, `
		INSERT INTO experiments (`+experimentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		xp.ID, xp.OwnerEmail, xp.Experiment, xp.CreatedAt, xp.RequestedExecutionAt,
		xp.StartedAt, xp.ExecutedAt, xp.FinishedAt,
		emptySlice(xp.ObserversRequested), emptySlice(xp.ObserversOnline),
		emptySlice(xp.ObserversOffline), emptyReplyMap(xp.ObserversOutput),
		emptyBoolMap(xp.ObserversHadData), xp.SchedulerError,
		xp.SchedulerLog, xp.ObserverPaths, xp.ResultPaths, xp.ContentPaths, xp.ResultSize,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=experiments.create id=%s: %w", xp.ID, domain.ErrConflict)
		}
		return fmt.Errorf("op=experiments.create: %w", err)
	}
	return nil
}

func (r *ExperimentRepo) Get(ctx context.Context, id uuid.UUID) (*domain.WebExperiment, error) {
	ctx, span := otel.Tracer("repo.experiments").Start(ctx, "experiments.get")
	defer span.End()

	row := r.pool.QueryRow(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = $1`, id)
	xp, err := scanExperiment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=experiments.get id=%s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=experiments.get: %w", err)
	}
	return xp, nil
}

func (r *ExperimentRepo) list(ctx context.Context, op, query string, args ...any) ([]*domain.WebExperiment, error) {
	ctx, span := otel.Tracer("repo.experiments").Start(ctx, op)
	defer span.End()

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer rows.Close()
	var xps []*domain.WebExperiment
	for rows.Next() {
		xp, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("op=%s: %w", op, err)
		}
		xps = append(xps, xp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	return xps, nil
}

func (r *ExperimentRepo) ListByOwner(ctx context.Context, email string) ([]*domain.WebExperiment, error) {
	return r.list(ctx, "experiments.list_by_owner",
		`SELECT `+experimentColumns+` FROM experiments WHERE owner_email = $1 ORDER BY created_at`, email)
}

func (r *ExperimentRepo) statesFrom(ctx context.Context, op, query string, args ...any) (map[uuid.UUID]domain.ExperimentState, error) {
	xps, err := r.list(ctx, op, query, args...)
	if err != nil {
		return nil, err
	}
	states := make(map[uuid.UUID]domain.ExperimentState, len(xps))
	for _, xp := range xps {
		states[xp.ID] = xp.State()
	}
	return states, nil
}

func (r *ExperimentRepo) StatesByOwner(ctx context.Context, email string) (map[uuid.UUID]domain.ExperimentState, error) {
	return r.statesFrom(ctx, "experiments.states_by_owner",
		`SELECT `+experimentColumns+` FROM experiments WHERE owner_email = $1`, email)
}

func (r *ExperimentRepo) StatesAll(ctx context.Context) (map[uuid.UUID]domain.ExperimentState, error) {
	return r.statesFrom(ctx, "experiments.states_all",
		`SELECT `+experimentColumns+` FROM experiments`)
}

func (r *ExperimentRepo) StorageUsed(ctx context.Context, email string) (int64, error) {
	var used int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(result_size), 0) FROM experiments WHERE owner_email = $1`, email,
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("op=experiments.storage_used: %w", err)
	}
	return used, nil
}

func (r *ExperimentRepo) OlderThan(ctx context.Context, cutoff time.Time) ([]*domain.WebExperiment, error) {
	return r.list(ctx, "experiments.older_than",
		`SELECT `+experimentColumns+` FROM experiments WHERE created_at < $1 ORDER BY created_at`, cutoff)
}

func (r *ExperimentRepo) NextScheduled(ctx context.Context, onlyElevated bool) (*domain.WebExperiment, error) {
	ctx, span := otel.Tracer("repo.experiments").Start(ctx, "experiments.next_scheduled")
	defer span.End()
	span.SetAttributes(attribute.Bool("only_elevated", onlyElevated))

	row := r.pool.QueryRow(ctx, `
		SELECT `+qualified(experimentColumns, "x")+`
		FROM experiments x
		JOIN users u ON u.email = x.owner_email
		WHERE x.requested_execution_at IS NOT NULL
		  AND x.started_at IS NULL
		  AND ($1 = FALSE OR u.role IN ('elevated', 'admin'))
		ORDER BY x.requested_execution_at ASC, x.id ASC
		LIMIT 1`, onlyElevated)
	xp, err := scanExperiment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=experiments.next_scheduled: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=experiments.next_scheduled: %w", err)
	}
	return xp, nil
}

func (r *ExperimentRepo) HasScheduled(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM experiments
			WHERE owner_email = $1 AND requested_execution_at IS NOT NULL AND finished_at IS NULL
		)`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("op=experiments.has_scheduled: %w", err)
	}
	return exists, nil
}

func (r *ExperimentRepo) ResetStuck(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("repo.experiments").Start(ctx, "experiments.reset_stuck")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `
		UPDATE experiments SET started_at = NULL
		WHERE started_at IS NOT NULL AND finished_at IS NULL AND scheduler_error = ''`)
	if err != nil {
		return 0, fmt.Errorf("op=experiments.reset_stuck: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *ExperimentRepo) SetRequestedExecution(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.update(ctx, "experiments.set_requested_execution",
		`UPDATE experiments SET requested_execution_at = $2 WHERE id = $1`, id, at)
}

func (r *ExperimentRepo) MarkStarted(ctx context.Context, id uuid.UUID, claim domain.ClaimSnapshot) error {
	return r.update(ctx, "experiments.mark_started", `
		UPDATE experiments
		SET started_at = $2, observers_requested = $3, observer_paths = $4
		WHERE id = $1 AND started_at IS NULL`,
		id, claim.StartedAt, emptySlice(claim.ObserversRequested), claim.ObserverPaths)
}

func (r *ExperimentRepo) SetExecuted(ctx context.Context, id uuid.UUID, at time.Time, timeStart time.Time) error {
	return r.update(ctx, "experiments.set_executed", `
		UPDATE experiments
		SET executed_at = $2,
		    spec = jsonb_set(spec, '{time_start}', to_jsonb($3::timestamptz))
		WHERE id = $1`, id, at, timeStart)
}

// SaveRunResults persists everything the execute/collect/finalize phases
// produced. Fields owned by the web API (spec, created_at, owner) stay intact.
func (r *ExperimentRepo) SaveRunResults(ctx context.Context, xp *domain.WebExperiment) error {
	return r.update(ctx, "experiments.save_run_results", `
		UPDATE experiments
		SET finished_at = $2, observers_online = $3, observers_offline = $4,
		    observers_output = $5, observers_had_data = $6, scheduler_error = $7,
		    scheduler_log = $8, result_paths = $9, content_paths = $10, result_size = $11
		WHERE id = $1`,
		xp.ID, xp.FinishedAt, emptySlice(xp.ObserversOnline), emptySlice(xp.ObserversOffline),
		emptyReplyMap(xp.ObserversOutput), emptyBoolMap(xp.ObserversHadData), xp.SchedulerError,
		xp.SchedulerLog, xp.ResultPaths, xp.ContentPaths, xp.ResultSize)
}

func (r *ExperimentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return r.update(ctx, "experiments.delete", `DELETE FROM experiments WHERE id = $1`, id)
}

func (r *ExperimentRepo) update(ctx context.Context, op, query string, args ...any) error {
	ctx, span := otel.Tracer("repo.experiments").Start(ctx, op)
	defer span.End()

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return nil
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyReplyMap(m map[string]domain.ReplyData) map[string]domain.ReplyData {
	if m == nil {
		return map[string]domain.ReplyData{}
	}
	return m
}

func emptyBoolMap(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}

// qualified prefixes each column in a comma-separated list with an alias.
func qualified(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
