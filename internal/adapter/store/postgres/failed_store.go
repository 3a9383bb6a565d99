package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// FailedOccurrenceStore persists the dead-letter projection.
type FailedOccurrenceStore struct{ Pool PgxPool }

func NewFailedOccurrenceStore(p PgxPool) *FailedOccurrenceStore {
	return &FailedOccurrenceStore{Pool: p}
}

const failedColumns = `id, job_id, occurrence_id, exception, retry_count, failure_type,
	resolved, resolution_note, resolved_at, created_at`

func scanFailed(row rowScanner) (domain.FailedOccurrence, error) {
	var f domain.FailedOccurrence
	err := row.Scan(
		&f.ID, &f.JobID, &f.OccurrenceID, &f.Exception, &f.RetryCount, &f.FailureType,
		&f.Resolved, &f.ResolutionNote, &f.ResolvedAt, &f.CreatedAt,
	)
	return f, err
}

func (s *FailedOccurrenceStore) Create(ctx domain.Context, f domain.FailedOccurrence) error {
	tracer := otel.Tracer("store.failed")
	ctx, span := tracer.Start(ctx, "failed.Create")
	defer span.End()

	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.FailureType == "" {
		f.FailureType = domain.FailureUnknown
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO failed_occurrences (`+failedColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		f.ID, f.JobID, f.OccurrenceID, f.Exception, f.RetryCount, f.FailureType,
		f.Resolved, f.ResolutionNote, f.ResolvedAt, f.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			// One projection per occurrence; a second insert is a duplicate.
			return fmt.Errorf("op=failed.create: occurrence %s already projected: %w", f.OccurrenceID, domain.ErrConflict)
		}
		return fmt.Errorf("op=failed.create: %w", err)
	}
	return nil
}

func (s *FailedOccurrenceStore) Get(ctx domain.Context, id string) (domain.FailedOccurrence, error) {
	tracer := otel.Tracer("store.failed")
	ctx, span := tracer.Start(ctx, "failed.Get")
	defer span.End()

	f, err := scanFailed(s.Pool.QueryRow(ctx,
		`SELECT `+failedColumns+` FROM failed_occurrences WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.FailedOccurrence{}, fmt.Errorf("op=failed.get: %w", domain.ErrNotFound)
		}
		return domain.FailedOccurrence{}, fmt.Errorf("op=failed.get: %w", err)
	}
	return f, nil
}

func (s *FailedOccurrenceStore) List(ctx domain.Context, onlyUnresolved bool, limit, offset int) ([]domain.FailedOccurrence, error) {
	tracer := otel.Tracer("store.failed")
	ctx, span := tracer.Start(ctx, "failed.List")
	defer span.End()

	q := `SELECT ` + failedColumns + ` FROM failed_occurrences`
	if onlyUnresolved {
		q += ` WHERE NOT resolved`
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", offset)
	}

	rows, err := s.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=failed.list: %w", err)
	}
	defer rows.Close()

	var out []domain.FailedOccurrence
	for rows.Next() {
		f, err := scanFailed(rows)
		if err != nil {
			return nil, fmt.Errorf("op=failed.list: scan: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=failed.list: %w", err)
	}
	return out, nil
}

// Resolve marks one entry handled. Resolution is the only mutation allowed
// after create.
func (s *FailedOccurrenceStore) Resolve(ctx domain.Context, id, note string) error {
	tracer := otel.Tracer("store.failed")
	ctx, span := tracer.Start(ctx, "failed.Resolve")
	defer span.End()

	tag, err := s.Pool.Exec(ctx, `
		UPDATE failed_occurrences
		SET resolved = TRUE, resolution_note = $2, resolved_at = $3
		WHERE id = $1`,
		id, note, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=failed.resolve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=failed.resolve: %w", domain.ErrNotFound)
	}
	return nil
}
