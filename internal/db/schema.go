package db

import (
	"context"
	"fmt"
)

const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER NOT NULL,
    applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE TABLE IF NOT EXISTS batches (
    id                TEXT PRIMARY KEY,
    source            TEXT NOT NULL DEFAULT '',
    generation_params TEXT NOT NULL DEFAULT '{}',
    status            TEXT NOT NULL DEFAULT 'generating'
        CHECK(status IN ('generating','auditing','finished','reset','interrupted')),
    audit_report      TEXT NOT NULL DEFAULT '',
    total             INTEGER NOT NULL DEFAULT 0 CHECK(total >= 0),
    passed            INTEGER NOT NULL DEFAULT 0 CHECK(passed >= 0),
    warnings          INTEGER NOT NULL DEFAULT 0 CHECK(warnings >= 0),
    failed            INTEGER NOT NULL DEFAULT 0 CHECK(failed >= 0),
    failed_jobs       INTEGER NOT NULL DEFAULT 0 CHECK(failed_jobs >= 0),
    created_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
    updated_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
    finished_at       TEXT
);

CREATE INDEX IF NOT EXISTS idx_batches_created ON batches(created_at);

CREATE TABLE IF NOT EXISTS jobs (
    id              TEXT PRIMARY KEY,
    batch_id        TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
    position        INTEGER NOT NULL CHECK(position >= 0),
    section_title   TEXT NOT NULL,
    section_content TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'queued'
        CHECK(status IN ('queued','running','retrying','completed','failed')),
    step            TEXT NOT NULL DEFAULT 'decompose'
        CHECK(step IN ('decompose','generate','evaluate','decide','done')),
    lane_id         INTEGER NOT NULL DEFAULT 0 CHECK(lane_id >= 0),
    retry_count     INTEGER NOT NULL DEFAULT 0 CHECK(retry_count >= 0),
    next_retry_at   TEXT,
    error           TEXT NOT NULL DEFAULT '',
    updated_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_jobs_batch ON jobs(batch_id, position);

CREATE TABLE IF NOT EXISTS items (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id     TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
    job_id       TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    position     INTEGER NOT NULL CHECK(position >= 0),
    payload      TEXT NOT NULL,
    audit_status TEXT NOT NULL DEFAULT '' CHECK(audit_status IN ('','pass','warning','fail')),
    audit_notes  TEXT NOT NULL DEFAULT '[]',
    UNIQUE(batch_id, position)
);

CREATE INDEX IF NOT EXISTS idx_items_job ON items(job_id);

CREATE TABLE IF NOT EXISTS notification_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id   TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
    job_id     TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL CHECK(event_type IN ('batch_finished','job_failed','audit_failed')),
    status     TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','processing','sent','failed','skipped')),
    attempts   INTEGER NOT NULL DEFAULT 0 CHECK(attempts >= 0),
    last_error TEXT NOT NULL DEFAULT '',
    -- '' sorts before every timestamp, so a new event is due at once.
    next_attempt_at TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
    UNIQUE(batch_id, job_id, event_type)
);

CREATE INDEX IF NOT EXISTS idx_notification_events_due
    ON notification_events(status, next_attempt_at);
`

func (s *Store) createSchema() error {
	if _, err := s.Writer.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var count int
	if err := s.Writer.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if count == 0 {
		if _, err := s.Writer.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
	}
	return nil
}

// RecoverInFlightBatches marks batches left generating or auditing by a
// previous process as interrupted. Called on startup.
func (s *Store) RecoverInFlightBatches(ctx context.Context) (int64, error) {
	res, err := s.Writer.ExecContext(ctx,
		`UPDATE batches SET status = 'interrupted', updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		 WHERE status IN ('generating', 'auditing')`)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight batches: %w", err)
	}
	return res.RowsAffected()
}
