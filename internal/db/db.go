package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const TimeLayout = "2006-01-02 15:04:05"

// FormatTime renders a timestamp the way it is stored in sqlite.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Performance tuning
	_, err = db.Exec("PRAGMA journal_mode=WAL;")
	if err != nil {
		return nil, fmt.Errorf("setting wal mode: %w", err)
	}
	_, err = db.Exec("PRAGMA foreign_keys=ON;")
	if err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return &DB{conn: db}, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		host TEXT,
		labels_json TEXT,
		status TEXT NOT NULL DEFAULT 'up',
		api_version TEXT,
		last_heartbeat_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS gpus (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		uuid TEXT,
		name TEXT,
		total_mem_mb INTEGER,
		compute_capability TEXT,
		allocated INTEGER NOT NULL DEFAULT 0,
		last_seen_at DATETIME,
		UNIQUE (agent_id, idx),
		FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS configs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		group_id TEXT,
		config_json TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		config_id TEXT NOT NULL,
		group_id TEXT,
		name TEXT NOT NULL,
		state TEXT NOT NULL,
		monitor_metric TEXT,
		monitor_mode TEXT,
		best_value REAL,
		epoch INTEGER NOT NULL DEFAULT 0,
		step INTEGER NOT NULL DEFAULT 0,
		total_epochs INTEGER NOT NULL DEFAULT 0,
		agent_id TEXT,
		gpu_indices TEXT NOT NULL DEFAULT '[]',
		docker_image TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		seed INTEGER,
		log_dir TEXT NOT NULL DEFAULT '',
		ckpt_dir TEXT NOT NULL DEFAULT '',
		reason TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		last_report_at DATETIME,
		FOREIGN KEY (config_id) REFERENCES configs(id)
	);

	CREATE INDEX IF NOT EXISTS ix_runs_log_namespace ON runs(log_dir, name);
	CREATE INDEX IF NOT EXISTS ix_runs_agent_state ON runs(agent_id, state);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at DATETIME NOT NULL,
		type TEXT NOT NULL,
		run_id TEXT,
		agent_id TEXT,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS ix_events_run ON events(run_id, at);
	`

	_, err := d.conn.Exec(schema)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	return nil
}

func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	return d.conn.Exec(query, args...)
}

func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.conn.QueryRow(query, args...)
}

func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return d.conn.Query(query, args...)
}

func (d *DB) Begin() (*sql.Tx, error) {
	return d.conn.Begin()
}
