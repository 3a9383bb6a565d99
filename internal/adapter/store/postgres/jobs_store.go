package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// JobStore persists job definitions and their version snapshots.
type JobStore struct{ Pool PgxPool }

func NewJobStore(p PgxPool) *JobStore { return &JobStore{Pool: p} }

const jobColumns = `id, name, description, tags, worker_id, handler_name, payload,
	execute_at, cron_expression, is_active, policy, zombie_timeout_minutes,
	execution_timeout_seconds, version, auto_disable_enabled, auto_disable_threshold,
	consecutive_failures, last_failure_at, created_at, updated_at`

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.Name, &j.Description, &j.Tags, &j.WorkerID, &j.HandlerName, &j.Payload,
		&j.ExecuteAt, &j.CronExpression, &j.IsActive, &j.Policy, &j.ZombieTimeoutMinutes,
		&j.ExecutionTimeoutSeconds, &j.Version, &j.AutoDisable.Enabled, &j.AutoDisable.Threshold,
		&j.ConsecutiveFailures, &j.LastFailureAt, &j.CreatedAt, &j.UpdatedAt,
	)
	return j, err
}

// Create inserts a new job definition. Missing ids and timestamps are filled
// in; Version starts at 1 when unset.
func (s *JobStore) Create(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()

	if j.ID == "" {
		j.ID = domain.NewJobID()
	}
	if j.Version == 0 {
		j.Version = 1
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	q := `INSERT INTO jobs (` + jobColumns + `)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`
	_, err := s.Pool.Exec(ctx, q,
		j.ID, j.Name, j.Description, j.Tags, j.WorkerID, j.HandlerName, j.Payload,
		j.ExecuteAt, j.CronExpression, j.IsActive, j.Policy, j.ZombieTimeoutMinutes,
		j.ExecutionTimeoutSeconds, j.Version, j.AutoDisable.Enabled, j.AutoDisable.Threshold,
		j.ConsecutiveFailures, j.LastFailureAt, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return fmt.Errorf("op=jobs.create: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=jobs.create: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	j, err := scanJob(s.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=jobs.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w", err)
	}
	return j, nil
}

// Update writes the full row back under the job's id.
func (s *JobStore) Update(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Update")
	defer span.End()

	q := `UPDATE jobs SET
	        name=$2, description=$3, tags=$4, worker_id=$5, handler_name=$6, payload=$7,
	        execute_at=$8, cron_expression=$9, is_active=$10, policy=$11,
	        zombie_timeout_minutes=$12, execution_timeout_seconds=$13, version=$14,
	        auto_disable_enabled=$15, auto_disable_threshold=$16,
	        consecutive_failures=$17, last_failure_at=$18, updated_at=$19
	      WHERE id=$1`
	tag, err := s.Pool.Exec(ctx, q,
		j.ID, j.Name, j.Description, j.Tags, j.WorkerID, j.HandlerName, j.Payload,
		j.ExecuteAt, j.CronExpression, j.IsActive, j.Policy,
		j.ZombieTimeoutMinutes, j.ExecutionTimeoutSeconds, j.Version,
		j.AutoDisable.Enabled, j.AutoDisable.Threshold,
		j.ConsecutiveFailures, j.LastFailureAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("op=jobs.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=jobs.update: %w", domain.ErrNotFound)
	}
	return nil
}

func (s *JobStore) SetActive(ctx domain.Context, id string, active bool) error {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetActive")
	defer span.End()

	tag, err := s.Pool.Exec(ctx,
		`UPDATE jobs SET is_active=$2, updated_at=$3 WHERE id=$1`,
		id, active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=jobs.set_active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=jobs.set_active: %w", domain.ErrNotFound)
	}
	return nil
}

func (s *JobStore) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Delete")
	defer span.End()

	tag, err := s.Pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=jobs.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=jobs.delete: %w", domain.ErrNotFound)
	}
	return nil
}

func (s *JobStore) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM jobs`
	var conds []string
	var args []any
	if f.IsActive != nil {
		args = append(args, *f.IsActive)
		conds = append(conds, fmt.Sprintf("is_active = $%d", len(args)))
	}
	if f.WorkerID != "" {
		args = append(args, f.WorkerID)
		conds = append(conds, fmt.Sprintf("worker_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=jobs.list: scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=jobs.list: %w", err)
	}
	return out, nil
}

// SnapshotVersion archives the serialized job state under its version number,
// overwriting a prior snapshot of the same version.
func (s *JobStore) SnapshotVersion(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SnapshotVersion")
	defer span.End()

	snap, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("op=jobs.snapshot_version: marshal: %w", err)
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO job_versions (job_id, version, snapshot, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id, version) DO UPDATE SET snapshot = EXCLUDED.snapshot`,
		j.ID, j.Version, snap, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=jobs.snapshot_version: %w", err)
	}
	return nil
}

// RecordFailure bumps the consecutive-failure counter, restarting the streak
// when the previous failure fell outside the window. Returns the new count.
func (s *JobStore) RecordFailure(ctx domain.Context, id string, at time.Time, window time.Duration) (int, error) {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RecordFailure")
	defer span.End()

	windowStart := at.Add(-window)
	var count int
	err := s.Pool.QueryRow(ctx, `
		UPDATE jobs SET
			consecutive_failures = CASE
				WHEN last_failure_at IS NULL OR last_failure_at < $2 THEN 1
				ELSE consecutive_failures + 1
			END,
			last_failure_at = $3,
			updated_at = $3
		WHERE id = $1
		RETURNING consecutive_failures`,
		id, windowStart, at.UTC()).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=jobs.record_failure: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=jobs.record_failure: %w", err)
	}
	return count, nil
}

func (s *JobStore) ResetFailures(ctx domain.Context, id string) error {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ResetFailures")
	defer span.End()

	_, err := s.Pool.Exec(ctx, `
		UPDATE jobs SET consecutive_failures = 0, last_failure_at = NULL, updated_at = $2
		WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=jobs.reset_failures: %w", err)
	}
	return nil
}
