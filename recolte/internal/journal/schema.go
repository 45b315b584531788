// CLAUDE:SUMMARY SQL schema for the harvest journal: runs and their per-identifier fetch log.
package journal

// Schema is applied idempotently every time the journal opens.
const Schema = `
-- One row per harvest pass
CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    state        TEXT NOT NULL DEFAULT 'running',
    found        INTEGER NOT NULL DEFAULT 0,
    already_done INTEGER NOT NULL DEFAULT 0,
    attempted    INTEGER NOT NULL DEFAULT 0,
    succeeded    INTEGER NOT NULL DEFAULT 0,
    failed       INTEGER NOT NULL DEFAULT 0,
    error        TEXT NOT NULL DEFAULT '',
    started_at   INTEGER NOT NULL,
    finished_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

-- One row per fetch attempt (observability; the CSV table is the source of truth)
CREATE TABLE IF NOT EXISTS fetch_log (
    id          TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    identifier  TEXT NOT NULL,
    status      TEXT NOT NULL,
    http_status INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    fetched_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetch_log_run ON fetch_log(run_id, fetched_at DESC);
CREATE INDEX IF NOT EXISTS idx_fetch_log_status ON fetch_log(status, fetched_at DESC);
`
