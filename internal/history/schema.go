package history

// Schema is created on open; both tables are append-mostly and queried by
// recency.
const schema = `
CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    at         TIMESTAMP NOT NULL,
    kind       TEXT NOT NULL,
    student_id TEXT NOT NULL DEFAULT '',
    detail     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);

CREATE TABLE IF NOT EXISTS transfers (
    job_id        TEXT PRIMARY KEY,
    direction     TEXT NOT NULL,
    student_id    TEXT NOT NULL,
    relative_path TEXT NOT NULL,
    total_size    INTEGER NOT NULL,
    transferred   INTEGER NOT NULL,
    status        TEXT NOT NULL,
    error         TEXT NOT NULL DEFAULT '',
    updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transfers_updated ON transfers(updated_at);
`
