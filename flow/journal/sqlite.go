package journal

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id             TEXT PRIMARY KEY,
	workflow_id    TEXT NOT NULL,
	workflow_name  TEXT NOT NULL DEFAULT '',
	environment    TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	started_at     INTEGER NOT NULL,
	finished_at    INTEGER,
	trigger_mode   TEXT NOT NULL DEFAULT '',
	trigger_data   TEXT,
	error_message  TEXT NOT NULL DEFAULT '',
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	nodes_executed INTEGER NOT NULL DEFAULT 0,
	nodes_skipped  INTEGER NOT NULL DEFAULT 0,
	nodes_failed   INTEGER NOT NULL DEFAULT 0,
	path           TEXT
);

CREATE TABLE IF NOT EXISTS node_executions (
	id            TEXT PRIMARY KEY,
	execution_id  TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	node_id       TEXT NOT NULL,
	node_name     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER,
	input         TEXT,
	output        TEXT,
	error_message TEXT NOT NULL DEFAULT '',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	exec_order    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS execution_logs (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	ts           INTEGER NOT NULL,
	seq          INTEGER NOT NULL,
	level        INTEGER NOT NULL,
	message      TEXT NOT NULL,
	node_id      TEXT NOT NULL DEFAULT '',
	node_name    TEXT NOT NULL DEFAULT '',
	metadata     TEXT
);

CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at);
CREATE INDEX IF NOT EXISTS idx_node_executions_execution ON node_executions(execution_id);
CREATE INDEX IF NOT EXISTS idx_logs_execution ON execution_logs(execution_id);
CREATE INDEX IF NOT EXISTS idx_logs_order ON execution_logs(execution_id, ts, seq);
`

// NewSQLiteStore opens (creating if needed) a SQLite journal at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: opening sqlite at %s: %w", path, err)
	}
	// modernc.org/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY between the writer goroutine and readers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: creating sqlite schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}
