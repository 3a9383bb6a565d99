package postgres

import (
	"context"
	"fmt"
)

// schema is applied idempotently on connect. Occurrence terminal-state
// filtering leans on the partial index over Queued/Running rows.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                        TEXT PRIMARY KEY,
    name                      TEXT NOT NULL,
    description               TEXT NOT NULL DEFAULT '',
    tags                      TEXT NOT NULL DEFAULT '',
    worker_id                 TEXT NOT NULL,
    handler_name              TEXT NOT NULL,
    payload                   TEXT NOT NULL DEFAULT '',
    execute_at                TIMESTAMPTZ,
    cron_expression           TEXT NOT NULL DEFAULT '',
    is_active                 BOOLEAN NOT NULL DEFAULT TRUE,
    policy                    TEXT NOT NULL DEFAULT 'Skip',
    zombie_timeout_minutes    INT,
    execution_timeout_seconds INT,
    version                   INT NOT NULL DEFAULT 1,
    auto_disable_enabled      BOOLEAN,
    auto_disable_threshold    INT,
    consecutive_failures      INT NOT NULL DEFAULT 0,
    last_failure_at           TIMESTAMPTZ,
    created_at                TIMESTAMPTZ NOT NULL,
    updated_at                TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS job_versions (
    job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    version    INT NOT NULL,
    snapshot   JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (job_id, version)
);

CREATE TABLE IF NOT EXISTS occurrences (
    id                     TEXT PRIMARY KEY,
    job_id                 TEXT NOT NULL,
    worker_id              TEXT NOT NULL DEFAULT '',
    handler_name           TEXT NOT NULL DEFAULT '',
    job_version            INT NOT NULL DEFAULT 1,
    status                 TEXT NOT NULL,
    started_at             TIMESTAMPTZ,
    ended_at               TIMESTAMPTZ,
    duration_ms            BIGINT,
    result                 TEXT,
    exception              TEXT,
    retry_count            INT NOT NULL DEFAULT 0,
    last_heartbeat_at      TIMESTAMPTZ,
    zombie_timeout_minutes INT,
    status_history         JSONB NOT NULL DEFAULT '[]',
    created_at             TIMESTAMPTZ NOT NULL,
    updated_at             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_occurrences_job ON occurrences (job_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_occurrences_open ON occurrences (status, created_at)
    WHERE status IN ('Queued', 'Running');

CREATE TABLE IF NOT EXISTS occurrence_logs (
    id             BIGSERIAL PRIMARY KEY,
    occurrence_id  TEXT NOT NULL,
    ts             TIMESTAMPTZ NOT NULL,
    level          TEXT NOT NULL DEFAULT 'Information',
    message        TEXT NOT NULL,
    data           TEXT NOT NULL DEFAULT '',
    category       TEXT NOT NULL DEFAULT '',
    exception_type TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_occurrence_logs_occ ON occurrence_logs (occurrence_id, id);

CREATE TABLE IF NOT EXISTS failed_occurrences (
    id              TEXT PRIMARY KEY,
    job_id          TEXT NOT NULL,
    occurrence_id   TEXT NOT NULL,
    exception       TEXT NOT NULL DEFAULT '',
    retry_count     INT NOT NULL DEFAULT 0,
    failure_type    TEXT NOT NULL DEFAULT 'Unknown',
    resolved        BOOLEAN NOT NULL DEFAULT FALSE,
    resolution_note TEXT,
    resolved_at     TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_failed_occurrences_occ ON failed_occurrences (occurrence_id);
CREATE INDEX IF NOT EXISTS idx_failed_occurrences_open ON failed_occurrences (resolved, created_at DESC);

CREATE TABLE IF NOT EXISTS workers (
    worker_id         TEXT PRIMARY KEY,
    handlers          JSONB NOT NULL DEFAULT '[]',
    current_jobs      INT NOT NULL DEFAULT 0,
    max_parallel_jobs INT NOT NULL DEFAULT 0,
    last_heartbeat_at TIMESTAMPTZ,
    shutdown          BOOLEAN NOT NULL DEFAULT FALSE,
    version           TEXT NOT NULL DEFAULT '',
    metadata          JSONB NOT NULL DEFAULT '{}',
    registered_at     TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates all tables and indexes when missing.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("op=postgres.EnsureSchema: %w", err)
	}
	return nil
}
