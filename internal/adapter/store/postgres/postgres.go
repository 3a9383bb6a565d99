// Package postgres provides the durable stores behind the scheduler: job
// definitions with version snapshots, occurrences with their status history
// and logs, the failed-occurrence projection, and worker registrations.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the minimal subset of pgxpool the stores use, kept narrow for
// testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// rowScanner lets scan helpers work over both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
