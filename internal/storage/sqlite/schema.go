package sqlite

const schema = `
-- Notes table
CREATE TABLE IF NOT EXISTS notes (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL CHECK(length(title) <= 500),
    norm_title TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '[]',
    source_type TEXT NOT NULL DEFAULT 'fleeting',
    origin_ref TEXT,
    actor_id TEXT DEFAULT '',
    channel_id TEXT DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    vector_synced_at DATETIME,
    deleted_at DATETIME,
    CHECK (updated_at >= created_at)
);

CREATE INDEX IF NOT EXISTS idx_notes_norm_title ON notes(norm_title);
CREATE INDEX IF NOT EXISTS idx_notes_updated_at ON notes(updated_at);
CREATE INDEX IF NOT EXISTS idx_notes_deleted_at ON notes(deleted_at);

-- Link edges. to_note_id is NULL while the edge is pending (target
-- title has no matching note yet).
CREATE TABLE IF NOT EXISTS links (
    from_note_id TEXT NOT NULL,
    to_note_id TEXT,
    target_title TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'reference',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (from_note_id, target_title, kind),
    FOREIGN KEY (from_note_id) REFERENCES notes(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_links_to ON links(to_note_id);
CREATE INDEX IF NOT EXISTS idx_links_pending ON links(target_title) WHERE to_note_id IS NULL;

-- Durable outbound queue
CREATE TABLE IF NOT EXISTS queue_items (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    enqueued_at DATETIME NOT NULL,
    visible_at DATETIME NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    idempotency_key TEXT,
    payload BLOB NOT NULL,
    last_error TEXT DEFAULT '',
    lease_token TEXT DEFAULT '',
    lease_expires_at DATETIME,
    reaped_expiry DATETIME
);

CREATE INDEX IF NOT EXISTS idx_queue_lease ON queue_items(status, visible_at, priority, seq);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_idem ON queue_items(idempotency_key)
    WHERE idempotency_key IS NOT NULL AND status IN ('pending', 'leased');

-- Dead letters: items that exceeded the retry ceiling, payload kept
-- verbatim for forensic replay.
CREATE TABLE IF NOT EXISTS queue_dead (
    seq INTEGER PRIMARY KEY,
    moved_at DATETIME NOT NULL,
    final_error TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL,
    priority INTEGER NOT NULL,
    payload BLOB NOT NULL
);

-- Paid AI usage, append-only
CREATE TABLE IF NOT EXISTS usage_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_micro_usd INTEGER NOT NULL DEFAULT 0,
    occurred_at DATETIME NOT NULL,
    request_kind TEXT NOT NULL DEFAULT '',
    actor_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_usage_provider_time ON usage_records(provider, occurred_at);

-- Privacy audit trail, append-only
CREATE TABLE IF NOT EXISTS security_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_id TEXT NOT NULL,
    privacy_level INTEGER NOT NULL,
    source_ref TEXT NOT NULL,
    origin_ref TEXT DEFAULT '',
    alerted INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_security_events_rule ON security_events(rule_id, created_at);

-- Applied migrations with content checksums, verified on startup
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    checksum TEXT NOT NULL,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// ftsSchema is applied separately: FTS5 availability depends on the
// compiled engine, and its absence selects the substring fallback.
const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS notes_fts USING fts5(
    note_id UNINDEXED,
    title,
    body,
    tags
);
`
