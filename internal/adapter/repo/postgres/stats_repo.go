package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/nes-lab/shepherd-server/internal/domain"
)

// StatsRepo implements domain.StatsRepository. Stats rows outlive the full
// experiment records they summarize.
type StatsRepo struct {
	pool *pgxpool.Pool
}

func NewStatsRepo(pool *pgxpool.Pool) *StatsRepo { return &StatsRepo{pool: pool} }

func (r *StatsRepo) Get(ctx context.Context, id uuid.UUID) (*domain.ExperimentStats, error) {
	ctx, span := otel.Tracer("repo.stats").Start(ctx, "stats.get")
	defer span.End()

	var s domain.ExperimentStats
	var durationS int64
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_email, created_at, started_at, executed_at, finished_at, deleted_at,
		       state, duration_s, result_size, had_errors, has_missing_data, max_exit_code,
		       scheduler_error, missing_observers
		FROM experiment_stats WHERE id = $1`, id).Scan(
		&s.ID, &s.OwnerEmail, &s.CreatedAt, &s.StartedAt, &s.ExecutedAt, &s.FinishedAt, &s.DeletedAt,
		&s.State, &durationS, &s.ResultSize, &s.HadErrors, &s.HasMissingData, &s.MaxExitCode,
		&s.SchedulerError, &s.MissingObservers)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=stats.get id=%s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=stats.get: %w", err)
	}
	s.Duration = time.Duration(durationS) * time.Second
	return &s, nil
}

func (r *StatsRepo) UpdateWith(ctx context.Context, xp *domain.WebExperiment, toBeDeleted bool) error {
	ctx, span := otel.Tracer("repo.stats").Start(ctx, "stats.update_with")
	defer span.End()

	s := domain.StatsFrom(xp)
	var deletedAt *time.Time
	if toBeDeleted {
		now := time.Now()
		deletedAt = &now
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO experiment_stats (
			id, owner_email, created_at, started_at, executed_at, finished_at, deleted_at,
			state, duration_s, result_size, had_errors, has_missing_data, max_exit_code,
			scheduler_error, missing_observers)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			owner_email = EXCLUDED.owner_email,
			started_at = EXCLUDED.started_at,
			executed_at = EXCLUDED.executed_at,
			finished_at = EXCLUDED.finished_at,
			deleted_at = COALESCE(EXCLUDED.deleted_at, experiment_stats.deleted_at),
			state = EXCLUDED.state,
			duration_s = EXCLUDED.duration_s,
			result_size = EXCLUDED.result_size,
			had_errors = EXCLUDED.had_errors,
			has_missing_data = EXCLUDED.has_missing_data,
			max_exit_code = EXCLUDED.max_exit_code,
			scheduler_error = EXCLUDED.scheduler_error,
			missing_observers = EXCLUDED.missing_observers`,
		s.ID, s.OwnerEmail, s.CreatedAt, s.StartedAt, s.ExecutedAt, s.FinishedAt, deletedAt,
		s.State, int64(s.Duration.Seconds()), s.ResultSize, s.HadErrors, s.HasMissingData,
		s.MaxExitCode, s.SchedulerError, emptySlice(s.MissingObservers))
	if err != nil {
		return fmt.Errorf("op=stats.update_with: %w", err)
	}
	return nil
}

func (r *StatsRepo) StatesAll(ctx context.Context) (map[uuid.UUID]domain.ExperimentState, error) {
	ctx, span := otel.Tracer("repo.stats").Start(ctx, "stats.states_all")
	defer span.End()

	rows, err := r.pool.Query(ctx, `SELECT id, state FROM experiment_stats WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("op=stats.states_all: %w", err)
	}
	defer rows.Close()
	states := make(map[uuid.UUID]domain.ExperimentState)
	for rows.Next() {
		var id uuid.UUID
		var state domain.ExperimentState
		if err := rows.Scan(&id, &state); err != nil {
			return nil, fmt.Errorf("op=stats.states_all: %w", err)
		}
		states[id] = state
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=stats.states_all: %w", err)
	}
	return states, nil
}
