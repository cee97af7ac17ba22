package store

// Schema creates every pipeline table except background_jobs, which the
// job queue owns. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS sources (
    id               TEXT PRIMARY KEY,
    agent_id         TEXT NOT NULL,
    owner_id         TEXT NOT NULL DEFAULT '',
    type             TEXT NOT NULL CHECK (type IN ('website','file','text','qa')),
    name             TEXT NOT NULL DEFAULT '',
    url              TEXT NOT NULL DEFAULT '',
    workflow_status  TEXT NOT NULL DEFAULT 'CREATED',
    previous_status  TEXT NOT NULL DEFAULT '',
    content          TEXT NOT NULL DEFAULT '',
    original_bytes   INTEGER NOT NULL DEFAULT 0,
    compressed_bytes INTEGER NOT NULL DEFAULT 0,
    progress         INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
    pending_deletion INTEGER NOT NULL DEFAULT 0,
    metadata         TEXT NOT NULL DEFAULT '{}',
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sources_agent ON sources(agent_id, workflow_status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sources_agent_url
    ON sources(agent_id, url) WHERE type = 'website' AND workflow_status != 'REMOVED';

CREATE TABLE IF NOT EXISTS source_pages (
    id               TEXT PRIMARY KEY,
    parent_source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    url              TEXT NOT NULL,
    depth            INTEGER NOT NULL DEFAULT 0,
    status           TEXT NOT NULL DEFAULT 'pending'
                     CHECK (status IN ('pending','in_progress','completed','failed')),
    retry_count      INTEGER NOT NULL DEFAULT 0,
    error_message    TEXT NOT NULL DEFAULT '',
    title            TEXT NOT NULL DEFAULT '',
    content          TEXT NOT NULL DEFAULT '',
    content_hash     TEXT NOT NULL DEFAULT '',
    content_size     INTEGER NOT NULL DEFAULT 0,
    chunks_created   INTEGER NOT NULL DEFAULT 0,
    started_at       INTEGER,
    completed_at     INTEGER,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    UNIQUE (parent_source_id, url)
);
CREATE INDEX IF NOT EXISTS idx_pages_parent_status ON source_pages(parent_source_id, status);

CREATE TABLE IF NOT EXISTS chunks (
    id               TEXT PRIMARY KEY,
    source_id        TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    page_id          TEXT REFERENCES source_pages(id) ON DELETE CASCADE,
    chunk_index      INTEGER NOT NULL,
    content          TEXT NOT NULL,
    token_count      INTEGER NOT NULL,
    quality          TEXT NOT NULL,
    issues           TEXT NOT NULL DEFAULT '[]',
    is_force_created INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL,
    UNIQUE (source_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS embeddings (
    chunk_id   TEXT PRIMARY KEY REFERENCES chunks(id) ON DELETE CASCADE,
    source_id  TEXT NOT NULL,
    model      TEXT NOT NULL,
    dimension  INTEGER NOT NULL,
    vector     BLOB NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embeddings_source ON embeddings(source_id);

CREATE TABLE IF NOT EXISTS raw_captures (
    id               TEXT PRIMARY KEY,
    source_id        TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    page_id          TEXT NOT NULL DEFAULT '',
    content_type     TEXT NOT NULL DEFAULT '',
    original_bytes   INTEGER NOT NULL,
    compressed_bytes INTEGER NOT NULL,
    data             BLOB NOT NULL,
    captured_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_captures_source ON raw_captures(source_id);
`
