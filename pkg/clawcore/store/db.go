// Package store – db.go opens the central SQLite database for clawcore.
// A single sessions.db file holds sessions, messages, long-term memory,
// the resumable task ledger and scheduler jobs.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver with FTS5 support.
)

// DefaultDBPath is used when no path is configured.
const DefaultDBPath = "data/sessions.db"

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
-- Durable per-chat conversation contexts.
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT PRIMARY KEY,
    session_key   TEXT NOT NULL UNIQUE,
    agent         TEXT NOT NULL DEFAULT 'main',
    scope         TEXT NOT NULL DEFAULT 'main',
    chat_id       INTEGER NOT NULL DEFAULT 0,
    message_count INTEGER NOT NULL DEFAULT 0,
    model_history TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_chat    ON sessions(chat_id);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

-- Append-only conversation messages.
CREATE TABLE IF NOT EXISTS messages (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    role        TEXT NOT NULL,
    content     TEXT NOT NULL,
    timestamp   TEXT NOT NULL,
    tool_name   TEXT NOT NULL DEFAULT '',
    tool_params TEXT NOT NULL DEFAULT '',
    tool_result TEXT NOT NULL DEFAULT '',
    metadata    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_messages_session   ON messages(session_id);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);

-- Three-tier long-term memory.
CREATE TABLE IF NOT EXISTS memory (
    key          TEXT NOT NULL UNIQUE,
    category     TEXT NOT NULL DEFAULT 'Project',
    l0           TEXT NOT NULL,
    l1           TEXT NOT NULL DEFAULT '',
    l2           TEXT NOT NULL DEFAULT '',
    confidence   REAL NOT NULL DEFAULT 0.8,
    access_count INTEGER NOT NULL DEFAULT 0,
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_category ON memory(category);

-- Resumable task ledger.
CREATE TABLE IF NOT EXISTS tasks (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   TEXT NOT NULL,
    chat_id      INTEGER NOT NULL DEFAULT 0,
    goal         TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'running',
    resume_count INTEGER NOT NULL DEFAULT 0,
    reason       TEXT NOT NULL DEFAULT '',
    created_at   TEXT NOT NULL,
    resumed_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status  ON tasks(status);

-- Scheduler jobs.
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    schedule    TEXT NOT NULL,
    goal        TEXT NOT NULL,
    chat_id     INTEGER NOT NULL DEFAULT 0,
    enabled     INTEGER NOT NULL DEFAULT 1,
    created_at  TEXT NOT NULL,
    last_run_at TEXT,
    last_error  TEXT NOT NULL DEFAULT '',
    run_count   INTEGER NOT NULL DEFAULT 0
);
`

// ftsSchema mirrors the memory table into an external-content FTS5 index,
// kept consistent via insert/update/delete triggers. FTS5 is optional: some
// SQLite builds lack it, in which case search falls back to LIKE queries.
const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
    key, category, l0, l1, l2,
    content='memory',
    content_rowid='rowid',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS memory_ai AFTER INSERT ON memory BEGIN
    INSERT INTO memory_fts(rowid, key, category, l0, l1, l2)
    VALUES (new.rowid, new.key, new.category, new.l0, new.l1, new.l2);
END;

CREATE TRIGGER IF NOT EXISTS memory_ad AFTER DELETE ON memory BEGIN
    INSERT INTO memory_fts(memory_fts, rowid, key, category, l0, l1, l2)
    VALUES ('delete', old.rowid, old.key, old.category, old.l0, old.l1, old.l2);
END;

CREATE TRIGGER IF NOT EXISTS memory_au AFTER UPDATE ON memory BEGIN
    INSERT INTO memory_fts(memory_fts, rowid, key, category, l0, l1, l2)
    VALUES ('delete', old.rowid, old.key, old.category, old.l0, old.l1, old.l2);
    INSERT INTO memory_fts(rowid, key, category, l0, l1, l2)
    VALUES (new.rowid, new.key, new.category, new.l0, new.l1, new.l2);
END;
`

// migrations are additive column changes applied on open. Each entry is
// attempted and "duplicate column" errors are ignored, so older databases
// gain missing columns with safe defaults.
var migrations = []string{
	`ALTER TABLE sessions ADD COLUMN model_history TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE tasks ADD COLUMN reason TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE memory ADD COLUMN access_count INTEGER NOT NULL DEFAULT 0`,
}

// OpenDatabase opens (or creates) the central sessions.db at the given path.
// It enables WAL mode for concurrent read performance, sets a 5s busy
// timeout, enforces foreign keys and creates all tables.
func OpenDatabase(path string) (*sql.DB, bool, error) {
	if path == "" {
		path = DefaultDBPath
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, false, fmt.Errorf("open database %q: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("create schema: %w", err)
	}

	for _, m := range migrations {
		// Ignore failures: the column already exists on current schemas.
		_, _ = db.Exec(m)
	}

	ftsAvailable := true
	if _, err := db.Exec(ftsSchema); err != nil {
		ftsAvailable = false
	}

	return db, ftsAvailable, nil
}
