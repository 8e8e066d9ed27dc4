package progress

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const SchemaVersion = 2

// Migrate creates (or upgrades) the progress schema in-place.
//
// Tables:
// - jobs + job_stages: the JobRecord, one row per stage for windows and completion flags
// - basins: gage code and domain id per job
// - unit_status: the single live RunStatus per work unit
// - status_events: append-only transition audit trail
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			email TEXT,
			chat_webhook TEXT,
			job_dir TEXT NOT NULL,
			backend TEXT NOT NULL,
			cores INTEGER NOT NULL,
			nodes INTEGER NOT NULL,
			iterations INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS job_stages (
			job_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			begin_at TEXT NOT NULL,
			end_at TEXT NOT NULL,
			complete INTEGER NOT NULL DEFAULT 0,
			completed_at TEXT,
			PRIMARY KEY(job_id, stage),
			FOREIGN KEY(job_id) REFERENCES jobs(job_id)
		);`,

		`CREATE TABLE IF NOT EXISTS basins (
			job_id TEXT NOT NULL,
			gage TEXT NOT NULL,
			domain_id INTEGER NOT NULL,
			domain_dir TEXT,
			PRIMARY KEY(job_id, gage),
			FOREIGN KEY(job_id) REFERENCES jobs(job_id)
		);`,

		`CREATE TABLE IF NOT EXISTS unit_status (
			job_id TEXT NOT NULL,
			gage TEXT NOT NULL,
			stage TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			status TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY(job_id, gage, stage, iteration),
			FOREIGN KEY(job_id) REFERENCES jobs(job_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_unit_status_stage ON unit_status(job_id, stage);`,

		`CREATE TABLE IF NOT EXISTS status_events (
			event_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			cycle_id TEXT,
			gage TEXT NOT NULL,
			domain_id INTEGER NOT NULL,
			stage TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT,
			occurred_at TEXT NOT NULL,
			FOREIGN KEY(job_id) REFERENCES jobs(job_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_status_events_job ON status_events(job_id, occurred_at);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: cycle_id and detail on status_events.
	if current == 1 {
		alters := []string{
			`ALTER TABLE status_events ADD COLUMN cycle_id TEXT;`,
			`ALTER TABLE status_events ADD COLUMN detail TEXT;`,
		}
		for _, stmt := range alters {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				msg := err.Error()
				// SQLite/libsql report duplicate columns as an error; treat as idempotent.
				if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
					continue
				}
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
