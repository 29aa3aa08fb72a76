package store

import (
	"database/sql"
	"fmt"
)

// migrations are applied in order; PRAGMA user_version records how many
// have run. Append only.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id               TEXT PRIMARY KEY,
		command_id       TEXT NOT NULL,
		command_name     TEXT NOT NULL,
		status           TEXT NOT NULL,
		exit_code        INTEGER,
		pid              INTEGER,
		started_at       TEXT NOT NULL,
		ended_at         TEXT,
		duration_ms      INTEGER,
		output           TEXT,
		output_truncated INTEGER NOT NULL DEFAULT 0,
		fail_message     TEXT,
		log_path         TEXT,
		trigger_type     TEXT NOT NULL DEFAULT 'schedule',
		created_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);`,

	// History and prune queries filter by command and order by start.
	`CREATE INDEX IF NOT EXISTS idx_runs_command_started ON runs(command_id, started_at DESC);
	DROP INDEX IF EXISTS idx_runs_command_id;`,
}

// SchemaVersion is the user_version after all migrations ran.
func SchemaVersion() int { return len(migrations) }

// RunMigrations brings the schema up to SchemaVersion.
func RunMigrations(db *sql.DB) error {
	var current int
	if err := db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > len(migrations) {
		return fmt.Errorf("schema version %d is newer than supported %d", current, len(migrations))
	}

	for v := current; v < len(migrations); v++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
	}
	return nil
}
