package storage

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Migrate runs all database migrations
func Migrate(db *sqlx.DB) error {
	migrations := []string{
		createLinesTable,
		createSnapshotsTable,
		createIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

const createLinesTable = `
CREATE TABLE IF NOT EXISTS lines (
    id INTEGER PRIMARY KEY,
    network TEXT NOT NULL,
    direction TEXT NOT NULL,
    time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    raw TEXT NOT NULL
);
`

const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    network TEXT NOT NULL,
    line_id INTEGER NOT NULL,
    time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    state BLOB NOT NULL
);
`

const createIndexes = `
CREATE INDEX IF NOT EXISTS idx_lines_network_id ON lines(network, id);
CREATE INDEX IF NOT EXISTS idx_snapshots_network_line ON snapshots(network, line_id);
`
