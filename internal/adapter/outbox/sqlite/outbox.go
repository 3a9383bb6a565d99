// Package sqlite is the worker-local outbox: status updates and log lines
// are persisted to a SQLite file before anything touches the broker, then a
// syncer republishes them in insertion order. A worker can lose its broker
// connection, crash and restart without losing an occurrence transition.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/observability"
	"github.com/Milvasoft/milvaion-sub004/internal/config"
	"github.com/Milvasoft/milvaion-sub004/internal/contract"
)

// Broker is the publisher subset the syncer drains into. Flushes are gated on
// Healthy so a dead connection does not burn sync attempts.
type Broker interface {
	PublishStatusUpdate(ctx context.Context, m contract.StatusUpdateMessage) error
	PublishLog(ctx context.Context, m contract.LogMessage) error
	Healthy() bool
}

const (
	tableStatus = "pending_status_updates"
	tableLogs   = "pending_logs"

	kindStatus = "status"
	kindLogs   = "logs"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_status_updates (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    correlation_id TEXT NOT NULL,
    payload        TEXT NOT NULL,
    attempts       INTEGER NOT NULL DEFAULT 0,
    synced         INTEGER NOT NULL DEFAULT 0,
    created_at     TEXT NOT NULL,
    synced_at      TEXT
);
CREATE INDEX IF NOT EXISTS idx_pending_status_open ON pending_status_updates (synced, id);

CREATE TABLE IF NOT EXISTS pending_logs (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    correlation_id TEXT NOT NULL,
    payload        TEXT NOT NULL,
    attempts       INTEGER NOT NULL DEFAULT 0,
    synced         INTEGER NOT NULL DEFAULT 0,
    created_at     TEXT NOT NULL,
    synced_at      TEXT
);
CREATE INDEX IF NOT EXISTS idx_pending_logs_open ON pending_logs (synced, id);
`

// Outbox owns the SQLite file and the sync loop over it.
type Outbox struct {
	db   *sql.DB
	pub  Broker
	cfg  config.OutboxConfig
	kick chan struct{}
	now  func() time.Time
}

// Open opens (or creates) the outbox database and applies the schema. The
// single connection serializes writers, which is how SQLite likes it.
func Open(pub Broker, cfg config.OutboxConfig) (*Outbox, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.Open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=outbox.Open: apply schema: %w", err)
	}
	return &Outbox{
		db:   db,
		pub:  pub,
		cfg:  cfg,
		kick: make(chan struct{}, 1),
		now:  time.Now,
	}, nil
}

func (o *Outbox) Close() error { return o.db.Close() }

// RecordStatus persists one status update for asynchronous publication.
func (o *Outbox) RecordStatus(ctx context.Context, m contract.StatusUpdateMessage) error {
	if m.MessageTimestamp.IsZero() {
		m.MessageTimestamp = o.now().UTC()
	}
	return o.insert(ctx, tableStatus, m.CorrelationID, m)
}

// RecordLog persists one log line for asynchronous publication.
func (o *Outbox) RecordLog(ctx context.Context, m contract.LogMessage) error {
	if m.MessageTimestamp.IsZero() {
		m.MessageTimestamp = o.now().UTC()
	}
	return o.insert(ctx, tableLogs, m.CorrelationID, m)
}

func (o *Outbox) insert(ctx context.Context, table, correlationID string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=outbox.insert: marshal: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (correlation_id, payload, created_at) VALUES (?, ?, ?)`, table)
	if _, err := o.db.ExecContext(ctx, q, correlationID, string(b), o.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("op=outbox.insert: %s: %w", table, err)
	}
	return nil
}

// Kick asks the sync loop to flush now instead of waiting for the interval.
func (o *Outbox) Kick() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// Run drives the sync and cleanup loops until ctx ends, then makes one final
// flush attempt so a clean shutdown leaves nothing behind when the broker is
// reachable.
func (o *Outbox) Run(ctx context.Context) error {
	sync := time.NewTicker(o.cfg.SyncInterval())
	defer sync.Stop()
	cleanup := time.NewTicker(o.cfg.CleanupInterval())
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			o.finalFlush(flushCtx)
			return ctx.Err()
		case <-sync.C:
			o.Flush(ctx)
		case <-o.kick:
			o.Flush(ctx)
		case <-cleanup.C:
			if err := o.Cleanup(ctx); err != nil {
				slog.Warn("outbox cleanup failed", slog.Any("error", err))
			}
		}
	}
}

// Flush publishes pending records in insertion order, statuses before logs.
// It stops a batch at the first publish failure so per-occurrence ordering
// survives a flaky broker.
func (o *Outbox) Flush(ctx context.Context) {
	if !o.pub.Healthy() {
		slog.Debug("outbox flush skipped, broker not healthy")
		o.refreshGauges(ctx)
		return
	}
	o.flushKind(ctx, tableStatus, kindStatus, func(ctx context.Context, payload []byte) error {
		var m contract.StatusUpdateMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return errUnreadableRecord
		}
		return o.pub.PublishStatusUpdate(ctx, m)
	})
	o.flushKind(ctx, tableLogs, kindLogs, func(ctx context.Context, payload []byte) error {
		var m contract.LogMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return errUnreadableRecord
		}
		return o.pub.PublishLog(ctx, m)
	})
	o.refreshGauges(ctx)
}

var errUnreadableRecord = fmt.Errorf("unreadable outbox record")

type pendingRecord struct {
	id            int64
	correlationID string
	payload       []byte
	attempts      int
}

func (o *Outbox) flushKind(ctx context.Context, table, kind string, publish func(context.Context, []byte) error) {
	records, err := o.pending(ctx, table, o.cfg.FlushBatchSize)
	if err != nil {
		slog.Error("outbox read failed", slog.String("kind", kind), slog.Any("error", err))
		return
	}
	flushed := 0
	for _, rec := range records {
		err := publish(ctx, rec.payload)
		if err == nil {
			if err := o.markSynced(ctx, table, rec.id); err != nil {
				slog.Error("outbox mark synced failed", slog.String("kind", kind), slog.Any("error", err))
				break
			}
			flushed++
			continue
		}
		if err == errUnreadableRecord {
			slog.Error("outbox record unreadable, abandoning",
				slog.String("kind", kind),
				slog.Int64("id", rec.id),
				slog.String("correlation_id", rec.correlationID))
			o.abandon(ctx, table, kind, rec)
			continue
		}

		attempts := rec.attempts + 1
		if markErr := o.recordAttempt(ctx, table, rec.id); markErr != nil {
			slog.Error("outbox attempt not recorded", slog.String("kind", kind), slog.Any("error", markErr))
		}
		if attempts > o.cfg.MaxSyncRetries {
			slog.Error("outbox record exhausted sync retries, abandoning",
				slog.String("kind", kind),
				slog.Int64("id", rec.id),
				slog.String("correlation_id", rec.correlationID),
				slog.Int("attempts", attempts),
				slog.Any("error", err))
			o.abandon(ctx, table, kind, rec)
			continue
		}
		// Stop here: skipping past a failed record would reorder statuses
		// for its occurrence.
		slog.Warn("outbox publish failed, will retry",
			slog.String("kind", kind),
			slog.Int64("id", rec.id),
			slog.Int("attempts", attempts),
			slog.Any("error", err))
		break
	}
	if flushed > 0 {
		observability.RecordOutboxFlushed(kind, flushed)
	}
}

// finalFlush gives every pending record one last publish attempt. Failures
// stay pending for the next process start.
func (o *Outbox) finalFlush(ctx context.Context) {
	if !o.pub.Healthy() {
		return
	}
	statuses, err := o.pending(ctx, tableStatus, 0)
	if err == nil {
		for _, rec := range statuses {
			var m contract.StatusUpdateMessage
			if err := json.Unmarshal(rec.payload, &m); err != nil {
				continue
			}
			if err := o.pub.PublishStatusUpdate(ctx, m); err == nil {
				_ = o.markSynced(ctx, tableStatus, rec.id)
			} else {
				_ = o.recordAttempt(ctx, tableStatus, rec.id)
			}
		}
	}
	logs, err := o.pending(ctx, tableLogs, 0)
	if err == nil {
		for _, rec := range logs {
			var m contract.LogMessage
			if err := json.Unmarshal(rec.payload, &m); err != nil {
				continue
			}
			if err := o.pub.PublishLog(ctx, m); err == nil {
				_ = o.markSynced(ctx, tableLogs, rec.id)
			} else {
				_ = o.recordAttempt(ctx, tableLogs, rec.id)
			}
		}
	}
}

func (o *Outbox) pending(ctx context.Context, table string, limit int) ([]pendingRecord, error) {
	q := fmt.Sprintf(`SELECT id, correlation_id, payload, attempts FROM %s WHERE synced = 0 ORDER BY id ASC`, table)
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := o.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pendingRecord
	for rows.Next() {
		var rec pendingRecord
		var payload string
		if err := rows.Scan(&rec.id, &rec.correlationID, &payload, &rec.attempts); err != nil {
			return nil, err
		}
		rec.payload = []byte(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (o *Outbox) markSynced(ctx context.Context, table string, id int64) error {
	q := fmt.Sprintf(`UPDATE %s SET synced = 1, synced_at = ? WHERE id = ?`, table)
	_, err := o.db.ExecContext(ctx, q, o.now().UTC().Format(time.RFC3339Nano), id)
	return err
}

func (o *Outbox) recordAttempt(ctx context.Context, table string, id int64) error {
	q := fmt.Sprintf(`UPDATE %s SET attempts = attempts + 1 WHERE id = ?`, table)
	_, err := o.db.ExecContext(ctx, q, id)
	return err
}

// abandon marks a record synced without publishing it. The drop is loud:
// a counter and an error log, never a silent disappearance.
func (o *Outbox) abandon(ctx context.Context, table, kind string, rec pendingRecord) {
	if err := o.markSynced(ctx, table, rec.id); err != nil {
		slog.Error("outbox abandon failed", slog.String("kind", kind), slog.Any("error", err))
		return
	}
	observability.RecordOutboxAbandoned(kind)
}

// CountPending returns the number of unsynced records of one kind.
func (o *Outbox) CountPending(ctx context.Context, kind string) (int, error) {
	table := tableStatus
	if kind == kindLogs {
		table = tableLogs
	}
	var n int
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE synced = 0`, table)
	if err := o.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=outbox.CountPending: %w", err)
	}
	return n, nil
}

func (o *Outbox) refreshGauges(ctx context.Context) {
	if n, err := o.CountPending(ctx, kindStatus); err == nil {
		observability.SetOutboxPending(kindStatus, n)
	}
	if n, err := o.CountPending(ctx, kindLogs); err == nil {
		observability.SetOutboxPending(kindLogs, n)
	}
}

// Cleanup deletes synced records older than the retention window.
func (o *Outbox) Cleanup(ctx context.Context) error {
	cutoff := o.now().UTC().Add(-o.cfg.RecordRetention()).Format(time.RFC3339Nano)
	for _, table := range []string{tableStatus, tableLogs} {
		q := fmt.Sprintf(`DELETE FROM %s WHERE synced = 1 AND synced_at < ?`, table)
		res, err := o.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return fmt.Errorf("op=outbox.Cleanup: %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			slog.Debug("outbox records cleaned", slog.String("table", table), slog.Int64("deleted", n))
		}
	}
	return nil
}
