package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all run tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		workload     TEXT NOT NULL,
		config       TEXT NOT NULL DEFAULT '',
		ncpu         INTEGER NOT NULL,
		started_at   TEXT NOT NULL,
		completed_at TEXT,
		ticks        INTEGER NOT NULL DEFAULT 0,
		dispatches   INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS dispatches (
		run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		seq        INTEGER NOT NULL,
		cpu        INTEGER NOT NULL,
		pid        INTEGER NOT NULL,
		tid        INTEGER NOT NULL,
		name       TEXT NOT NULL,
		level      INTEGER NOT NULL,
		start_tick INTEGER NOT NULL,
		end_tick   INTEGER NOT NULL,
		decision   TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,

	`CREATE TABLE IF NOT EXISTS proc_stats (
		run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		pid          INTEGER NOT NULL,
		name         TEXT NOT NULL,
		dispatches   INTEGER NOT NULL,
		ticks        INTEGER NOT NULL,
		level_ticks  TEXT NOT NULL DEFAULT '[]',
		stride_ticks INTEGER NOT NULL DEFAULT 0,
		final_level  INTEGER NOT NULL,
		PRIMARY KEY (run_id, pid)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_dispatches_run_pid ON dispatches(run_id, pid)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "runs",
		column:   "seed",
		alterSQL: "ALTER TABLE runs ADD COLUMN seed INTEGER NOT NULL DEFAULT 0",
	},
	{
		table:    "runs",
		column:   "dropped",
		alterSQL: "ALTER TABLE runs ADD COLUMN dropped INTEGER NOT NULL DEFAULT 0",
	},
	{
		table:    "dispatches",
		column:   "ticks",
		alterSQL: "ALTER TABLE dispatches ADD COLUMN ticks INTEGER NOT NULL DEFAULT 0",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_dispatches_run_level ON dispatches(run_id, level)",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
