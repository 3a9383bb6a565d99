package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// WorkerStore persists the scheduler's registration view of worker fleets.
// Instance liveness is not stored here; it lives in the KV store under TTL.
type WorkerStore struct{ Pool PgxPool }

func NewWorkerStore(p PgxPool) *WorkerStore { return &WorkerStore{Pool: p} }

func scanWorker(row rowScanner) (domain.WorkerInfo, error) {
	var w domain.WorkerInfo
	var handlers, metadata []byte
	err := row.Scan(
		&w.WorkerID, &handlers, &w.CurrentJobs, &w.MaxParallelJobs,
		&w.LastHeartbeatAt, &w.Shutdown, &w.Version, &metadata,
		&w.RegisteredAt, &w.UpdatedAt,
	)
	if err != nil {
		return domain.WorkerInfo{}, err
	}
	if len(handlers) > 0 {
		if err := json.Unmarshal(handlers, &w.Handlers); err != nil {
			return domain.WorkerInfo{}, fmt.Errorf("decode handlers: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &w.Metadata); err != nil {
			return domain.WorkerInfo{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return w, nil
}

const workerColumns = `worker_id, handlers, current_jobs, max_parallel_jobs,
	last_heartbeat_at, shutdown, version, metadata, registered_at, updated_at`

// UpsertRegistration writes the full registration row. Handler merging across
// instances happens in the registry service before the call.
func (s *WorkerStore) UpsertRegistration(ctx domain.Context, w domain.WorkerInfo) error {
	tracer := otel.Tracer("store.workers")
	ctx, span := tracer.Start(ctx, "workers.UpsertRegistration")
	defer span.End()

	now := time.Now().UTC()
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = now
	}
	handlers, err := json.Marshal(w.Handlers)
	if err != nil {
		return fmt.Errorf("op=workers.upsert: marshal handlers: %w", err)
	}
	if w.Metadata == nil {
		w.Metadata = map[string]string{}
	}
	metadata, err := json.Marshal(w.Metadata)
	if err != nil {
		return fmt.Errorf("op=workers.upsert: marshal metadata: %w", err)
	}

	_, err = s.Pool.Exec(ctx, `
		INSERT INTO workers (`+workerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (worker_id) DO UPDATE SET
			handlers = EXCLUDED.handlers,
			max_parallel_jobs = EXCLUDED.max_parallel_jobs,
			shutdown = FALSE,
			version = EXCLUDED.version,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		w.WorkerID, handlers, w.CurrentJobs, w.MaxParallelJobs,
		w.LastHeartbeatAt, w.Shutdown, w.Version, metadata,
		w.RegisteredAt, now)
	if err != nil {
		return fmt.Errorf("op=workers.upsert: %w", err)
	}
	return nil
}

// RecordHeartbeat refreshes the liveness fields. A beat from a worker that
// never registered creates a minimal row so operators can see it.
func (s *WorkerStore) RecordHeartbeat(ctx domain.Context, workerID string, currentJobs, maxParallel int, shutdown bool, at time.Time) error {
	tracer := otel.Tracer("store.workers")
	ctx, span := tracer.Start(ctx, "workers.RecordHeartbeat")
	defer span.End()

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO workers (worker_id, current_jobs, max_parallel_jobs, last_heartbeat_at, shutdown, registered_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$4,$4)
		ON CONFLICT (worker_id) DO UPDATE SET
			current_jobs = EXCLUDED.current_jobs,
			max_parallel_jobs = EXCLUDED.max_parallel_jobs,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			shutdown = EXCLUDED.shutdown,
			updated_at = EXCLUDED.updated_at`,
		workerID, currentJobs, maxParallel, at.UTC(), shutdown)
	if err != nil {
		return fmt.Errorf("op=workers.record_heartbeat: %w", err)
	}
	return nil
}

func (s *WorkerStore) Get(ctx domain.Context, workerID string) (domain.WorkerInfo, error) {
	tracer := otel.Tracer("store.workers")
	ctx, span := tracer.Start(ctx, "workers.Get")
	defer span.End()

	w, err := scanWorker(s.Pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE worker_id = $1`, workerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WorkerInfo{}, fmt.Errorf("op=workers.get: %w", domain.ErrNotFound)
		}
		return domain.WorkerInfo{}, fmt.Errorf("op=workers.get: %w", err)
	}
	return w, nil
}

func (s *WorkerStore) List(ctx domain.Context) ([]domain.WorkerInfo, error) {
	tracer := otel.Tracer("store.workers")
	ctx, span := tracer.Start(ctx, "workers.List")
	defer span.End()

	rows, err := s.Pool.Query(ctx,
		`SELECT `+workerColumns+` FROM workers ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("op=workers.list: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkerInfo
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("op=workers.list: scan: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=workers.list: %w", err)
	}
	return out, nil
}
