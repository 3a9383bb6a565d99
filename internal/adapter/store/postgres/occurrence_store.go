package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// OccurrenceStore persists occurrences, their append-only status history and
// their structured logs.
type OccurrenceStore struct{ Pool PgxPool }

func NewOccurrenceStore(p PgxPool) *OccurrenceStore { return &OccurrenceStore{Pool: p} }

const occurrenceColumns = `id, job_id, worker_id, handler_name, job_version, status,
	started_at, ended_at, duration_ms, result, exception, retry_count,
	last_heartbeat_at, zombie_timeout_minutes, status_history, created_at, updated_at`

func scanOccurrence(row rowScanner) (domain.Occurrence, error) {
	var o domain.Occurrence
	var history []byte
	err := row.Scan(
		&o.ID, &o.JobID, &o.WorkerID, &o.HandlerName, &o.JobVersion, &o.Status,
		&o.StartedAt, &o.EndedAt, &o.DurationMs, &o.Result, &o.Exception, &o.RetryCount,
		&o.LastHeartbeatAt, &o.ZombieTimeoutMinutes, &history, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Occurrence{}, err
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &o.StatusHistory); err != nil {
			return domain.Occurrence{}, fmt.Errorf("decode status history: %w", err)
		}
	}
	return o, nil
}

// applyStatusUpdate runs the state machine over one occurrence in memory.
// The bool is false for an idempotent duplicate (same target status); illegal
// transitions return ErrStateViolation. On Running, a missing start time is
// stamped from the update; on terminal states a missing end time is stamped
// and DurationMs is derived when the start is known.
func applyStatusUpdate(cur domain.Occurrence, u domain.StatusUpdate) (domain.Occurrence, bool, error) {
	if !u.Status.Valid() {
		return cur, false, fmt.Errorf("status %q: %w", u.Status, domain.ErrInvalidArgument)
	}
	if u.Status == cur.Status {
		return cur, false, nil
	}
	if !domain.CanTransition(cur.Status, u.Status) {
		return cur, false, fmt.Errorf("%s -> %s: %w", cur.Status, u.Status, domain.ErrStateViolation)
	}

	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	next := cur
	next.Status = u.Status
	if u.StartedAt != nil {
		next.StartedAt = u.StartedAt
	}
	if u.EndedAt != nil {
		next.EndedAt = u.EndedAt
	}
	if u.Result != nil {
		next.Result = u.Result
	}
	if u.Exception != nil {
		next.Exception = u.Exception
	}
	if u.DurationMs != nil {
		next.DurationMs = u.DurationMs
	}

	if u.Status == domain.OccurrenceRunning && next.StartedAt == nil {
		started := at
		next.StartedAt = &started
	}
	if u.Status.Terminal() {
		if next.EndedAt == nil {
			ended := at
			next.EndedAt = &ended
		}
		if next.DurationMs == nil && next.StartedAt != nil {
			ms := next.EndedAt.Sub(*next.StartedAt).Milliseconds()
			if ms < 0 {
				ms = 0
			}
			next.DurationMs = &ms
		}
	}

	next.StatusHistory = append(append([]domain.StatusChange(nil), cur.StatusHistory...),
		domain.StatusChange{Status: u.Status, At: at})
	next.UpdatedAt = at
	return next, true, nil
}

// Create inserts a new occurrence. An empty history is seeded with the
// creation status.
func (s *OccurrenceStore) Create(ctx domain.Context, o domain.Occurrence) error {
	tracer := otel.Tracer("store.occurrences")
	ctx, span := tracer.Start(ctx, "occurrences.Create")
	defer span.End()
	span.SetAttributes(attribute.String("occurrence.id", o.ID))

	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = domain.OccurrenceQueued
	}
	if len(o.StatusHistory) == 0 {
		o.StatusHistory = []domain.StatusChange{{Status: o.Status, At: o.CreatedAt}}
	}
	history, err := json.Marshal(o.StatusHistory)
	if err != nil {
		return fmt.Errorf("op=occurrences.create: marshal history: %w", err)
	}

	q := `INSERT INTO occurrences (` + occurrenceColumns + `)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	_, err = s.Pool.Exec(ctx, q,
		o.ID, o.JobID, o.WorkerID, o.HandlerName, o.JobVersion, o.Status,
		o.StartedAt, o.EndedAt, o.DurationMs, o.Result, o.Exception, o.RetryCount,
		o.LastHeartbeatAt, o.ZombieTimeoutMinutes, history, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("op=occurrences.create: %w", err)
	}
	return nil
}

func (s *OccurrenceStore) Get(ctx domain.Context, id string) (domain.Occurrence, error) {
	tracer := otel.Tracer("store.occurrences")
	ctx, span := tracer.Start(ctx, "occurrences.Get")
	defer span.End()

	q := `SELECT ` + occurrenceColumns + ` FROM occurrences WHERE id = $1`
	o, err := scanOccurrence(s.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Occurrence{}, fmt.Errorf("op=occurrences.get: %w", domain.ErrNotFound)
		}
		return domain.Occurrence{}, fmt.Errorf("op=occurrences.get: %w", err)
	}
	return o, nil
}

// ApplyStatus runs the state machine for one update inside a transaction,
// locking the row so concurrent updates serialize. The bool is false when the
// update was an idempotent duplicate.
func (s *OccurrenceStore) ApplyStatus(ctx domain.Context, u domain.StatusUpdate) (domain.Occurrence, bool, error) {
	tracer := otel.Tracer("store.occurrences")
	ctx, span := tracer.Start(ctx, "occurrences.ApplyStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("occurrence.id", u.OccurrenceID),
		attribute.String("occurrence.target_status", string(u.Status)),
	)

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Occurrence{}, false, fmt.Errorf("op=occurrences.apply_status: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT ` + occurrenceColumns + ` FROM occurrences WHERE id = $1 FOR UPDATE`
	cur, err := scanOccurrence(tx.QueryRow(ctx, q, u.OccurrenceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Occurrence{}, false, fmt.Errorf("op=occurrences.apply_status: %w", domain.ErrNotFound)
		}
		return domain.Occurrence{}, false, fmt.Errorf("op=occurrences.apply_status: %w", err)
	}

	next, applied, err := applyStatusUpdate(cur, u)
	if err != nil {
		return cur, false, fmt.Errorf("op=occurrences.apply_status: %w", err)
	}
	if !applied {
		return cur, false, nil
	}

	history, err := json.Marshal(next.StatusHistory)
	if err != nil {
		return cur, false, fmt.Errorf("op=occurrences.apply_status: marshal history: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE occurrences SET
			status=$2, started_at=$3, ended_at=$4, duration_ms=$5, result=$6,
			exception=$7, status_history=$8, updated_at=$9
		WHERE id=$1`,
		next.ID, next.Status, next.StartedAt, next.EndedAt, next.DurationMs,
		next.Result, next.Exception, history, next.UpdatedAt)
	if err != nil {
		return cur, false, fmt.Errorf("op=occurrences.apply_status: update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return cur, false, fmt.Errorf("op=occurrences.apply_status: commit: %w", err)
	}
	return next, true, nil
}

func (s *OccurrenceStore) CountNonTerminal(ctx domain.Context, jobID string) (int, error) {
	tracer := otel.Tracer("store.occurrences")
	ctx, span := tracer.Start(ctx, "occurrences.CountNonTerminal")
	defer span.End()

	var n int
	err := s.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM occurrences WHERE job_id = $1 AND status IN ('Queued','Running')`,
		jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=occurrences.count_non_terminal: %w", err)
	}
	return n, nil
}

func (s *OccurrenceStore) LatestNonTerminal(ctx domain.Context, jobID string) (domain.Occurrence, error) {
	tracer := otel.Tracer("store.occurrences")
	ctx, span := tracer.Start(ctx, "occurrences.LatestNonTerminal")
	defer span.End()

	q := `SELECT ` + occurrenceColumns + ` FROM occurrences
	      WHERE job_id = $1 AND status IN ('Queued','Running')
	      ORDER BY created_at DESC LIMIT 1`
	o, err := scanOccurrence(s.Pool.QueryRow(ctx, q, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Occurrence{}, fmt.Errorf("op=occurrences.latest_non_terminal: %w", domain.ErrNotFound)
		}
		return domain.Occurrence{}, fmt.Errorf("op=occurrences.latest_non_terminal: %w", err)
	}
	return o, nil
}

func (s *OccurrenceStore) ListByJob(ctx domain.Context, jobID string, limit, offset int) ([]domain.Occurrence, error) {
	tracer := otel.Tracer("store.occurrences")
	ctx, span := tracer.Start(ctx, "occurrences.ListByJob")
	defer span.End()

	q := `SELECT ` + occurrenceColumns + ` FROM occurrences
	      WHERE job_id = $1 ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", offset)
	}
	return s.queryOccurrences(ctx, "op=occurrences.list_by_job", q, jobID)
}

func (s *OccurrenceStore) ListQueuedBefore(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Occurrence, error) {
	tracer := otel.Tracer("store.occurrences")
	ctx, span := tracer.Start(ctx, "occurrences.ListQueuedBefore")
	defer span.End()

	q := `SELECT ` + occurrenceColumns + ` FROM occurrences
	      WHERE status = 'Queued' AND created_at < $1
	      ORDER BY created_at ASC LIMIT $2`
	return s.queryOccurrences(ctx, "op=occurrences.list_queued_before", q, cutoff.UTC(), limit)
}

// ListRunningStale returns Running occurrences whose freshest sign of life
// (heartbeat, else start, else creation) predates the cutoff.
func (s *OccurrenceStore) ListRunningStale(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Occurrence, error) {
	tracer := otel.Tracer("store.occurrences")
	ctx, span := tracer.Start(ctx, "occurrences.ListRunningStale")
	defer span.End()

	q := `SELECT ` + occurrenceColumns + ` FROM occurrences
	      WHERE status = 'Running'
	        AND COALESCE(last_heartbeat_at, started_at, created_at) < $1
	      ORDER BY created_at ASC LIMIT $2`
	return s.queryOccurrences(ctx, "op=occurrences.list_running_stale", q, cutoff.UTC(), limit)
}

func (s *OccurrenceStore) queryOccurrences(ctx domain.Context, op, q string, args ...any) ([]domain.Occurrence, error) {
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// TouchHeartbeat refreshes an occurrence's heartbeat stamp. Unknown ids are a
// no-op; workers may beat for occurrences already swept.
func (s *OccurrenceStore) TouchHeartbeat(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("store.occurrences")
	ctx, span := tracer.Start(ctx, "occurrences.TouchHeartbeat")
	defer span.End()

	_, err := s.Pool.Exec(ctx,
		`UPDATE occurrences SET last_heartbeat_at = $2, updated_at = $2 WHERE id = $1 AND status IN ('Queued','Running')`,
		id, at.UTC())
	if err != nil {
		return fmt.Errorf("op=occurrences.touch_heartbeat: %w", err)
	}
	return nil
}

func (s *OccurrenceStore) AppendLog(ctx domain.Context, l domain.OccurrenceLog) error {
	tracer := otel.Tracer("store.occurrences")
	ctx, span := tracer.Start(ctx, "occurrences.AppendLog")
	defer span.End()

	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO occurrence_logs (occurrence_id, ts, level, message, data, category, exception_type)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		l.OccurrenceID, l.Timestamp.UTC(), l.Level, l.Message, l.Data, l.Category, l.ExceptionType)
	if err != nil {
		return fmt.Errorf("op=occurrences.append_log: %w", err)
	}
	return nil
}

func (s *OccurrenceStore) ListLogs(ctx domain.Context, occurrenceID string, limit int) ([]domain.OccurrenceLog, error) {
	tracer := otel.Tracer("store.occurrences")
	ctx, span := tracer.Start(ctx, "occurrences.ListLogs")
	defer span.End()

	q := `SELECT occurrence_id, ts, level, message, data, category, exception_type
	      FROM occurrence_logs WHERE occurrence_id = $1 ORDER BY id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.Pool.Query(ctx, q, occurrenceID)
	if err != nil {
		return nil, fmt.Errorf("op=occurrences.list_logs: %w", err)
	}
	defer rows.Close()

	var out []domain.OccurrenceLog
	for rows.Next() {
		var l domain.OccurrenceLog
		if err := rows.Scan(&l.OccurrenceID, &l.Timestamp, &l.Level, &l.Message, &l.Data, &l.Category, &l.ExceptionType); err != nil {
			return nil, fmt.Errorf("op=occurrences.list_logs: scan: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=occurrences.list_logs: %w", err)
	}
	return out, nil
}

// DeleteTerminalBefore removes terminal occurrences created before the cutoff
// together with their logs. Returns the number of occurrences deleted.
func (s *OccurrenceStore) DeleteTerminalBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("store.occurrences")
	ctx, span := tracer.Start(ctx, "occurrences.DeleteTerminalBefore")
	defer span.End()

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=occurrences.delete_terminal_before: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		DELETE FROM occurrence_logs WHERE occurrence_id IN (
			SELECT id FROM occurrences
			WHERE created_at < $1
			  AND status IN ('Completed','Failed','Cancelled','TimedOut','Unknown')
		)`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=occurrences.delete_terminal_before: logs: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM occurrences
		WHERE created_at < $1
		  AND status IN ('Completed','Failed','Cancelled','TimedOut','Unknown')`,
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=occurrences.delete_terminal_before: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=occurrences.delete_terminal_before: commit: %w", err)
	}
	return tag.RowsAffected(), nil
}
