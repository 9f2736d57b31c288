package protocol

// SchemaDDL defines the SQLite schema for the loom state database.
// Tables: messages, message_reads, messages_archive, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Cross-context messages. seq gives the global FIFO order.
CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    from_ctx TEXT NOT NULL,
    to_ctx TEXT NOT NULL,
    type TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL DEFAULT 'normal',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_to_idx ON messages(to_ctx, seq);

-- Per-recipient read receipts. Broadcasts get one row per reader.
CREATE TABLE IF NOT EXISTS message_reads (
    seq INTEGER NOT NULL,
    context_id TEXT NOT NULL,
    read_at TEXT NOT NULL,
    PRIMARY KEY (seq, context_id)
);

-- Pruned messages, kept for audit.
CREATE TABLE IF NOT EXISTS messages_archive (
    seq INTEGER PRIMARY KEY,
    id TEXT NOT NULL,
    from_ctx TEXT NOT NULL,
    to_ctx TEXT NOT NULL,
    type TEXT NOT NULL,
    payload TEXT NOT NULL,
    priority TEXT NOT NULL,
    created_at TEXT NOT NULL,
    archived_at TEXT NOT NULL
);

-- Runtime event log: daemon lifecycle, pushes to dashboards, audit trail.
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    context_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL
);
`

// TimeLayout is the timestamp format stored in TEXT columns. It sorts
// lexically in chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
