package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
    id          TEXT PRIMARY KEY,
    label       TEXT NOT NULL,
    created_at  TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS prompts (
    id             TEXT PRIMARY KEY,
    batch_id       TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
    text           TEXT NOT NULL,
    media_type     TEXT NOT NULL DEFAULT 'image' CHECK (media_type IN ('video', 'image')),
    priority       TEXT NOT NULL DEFAULT 'normal' CHECK (priority IN ('high', 'normal', 'low')),
    status         TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processing', 'completed', 'failed', 'editing')),
    attached_image TEXT NOT NULL DEFAULT '',
    media_url      TEXT NOT NULL DEFAULT '',
    error          TEXT NOT NULL DEFAULT '',
    position       INTEGER NOT NULL,
    created_at     TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at     TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_state (
    id                INTEGER PRIMARY KEY CHECK (id = 1),
    phase             TEXT NOT NULL DEFAULT 'idle' CHECK (phase IN ('idle', 'running', 'paused')),
    current_prompt_id TEXT NOT NULL DEFAULT '',
    updated_at        TEXT NOT NULL DEFAULT (datetime('now'))
);

INSERT OR IGNORE INTO run_state (id) VALUES (1);

CREATE INDEX IF NOT EXISTS idx_prompts_batch ON prompts(batch_id, position);
CREATE INDEX IF NOT EXISTS idx_prompts_status ON prompts(status);
`

// DefaultDBPath returns the promptq database path, following XDG
// conventions: $XDG_DATA_HOME/promptq or ~/.local/share/promptq as fallback.
func DefaultDBPath() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		base = filepath.Join(home, ".local", "share")
	}
	dir := filepath.Join(base, "promptq")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating promptq directory: %w", err)
	}
	return filepath.Join(dir, "promptq.db"), nil
}

func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}
	return db, nil
}
