package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with drag and shelf sessions",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add health_incidents table for module status history",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
}

const migrationV1Up = `
-- One row per completed drag
CREATE TABLE IF NOT EXISTS drag_sessions (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    started_ns        INTEGER NOT NULL,
    ended_ns          INTEGER NOT NULL,
    distance          REAL NOT NULL DEFAULT 0,
    move_count        INTEGER NOT NULL DEFAULT 0,
    direction_changes INTEGER NOT NULL DEFAULT 0,
    max_velocity      REAL NOT NULL DEFAULT 0,
    avg_velocity      REAL NOT NULL DEFAULT 0,
    file_count        INTEGER NOT NULL DEFAULT 0,
    shake_detected    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_drags_started ON drag_sessions(started_ns);

-- One row per shelf lifetime; destroyed_ns is NULL while the shelf is up
CREATE TABLE IF NOT EXISTS shelf_sessions (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    shelf_id     TEXT NOT NULL,
    created_ns   INTEGER NOT NULL,
    destroyed_ns INTEGER,
    item_count   INTEGER NOT NULL DEFAULT 0,
    pinned       INTEGER NOT NULL DEFAULT 0,
    auto_hidden  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_shelves_created ON shelf_sessions(created_ns);
CREATE INDEX IF NOT EXISTS idx_shelves_open ON shelf_sessions(destroyed_ns);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_shelves_open;
DROP INDEX IF EXISTS idx_shelves_created;
DROP TABLE IF EXISTS shelf_sessions;
DROP INDEX IF EXISTS idx_drags_started;
DROP TABLE IF EXISTS drag_sessions;
`

const migrationV2Up = `
-- Module status changes (degraded, failed, recovered)
CREATE TABLE IF NOT EXISTS health_incidents (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    at_ns   INTEGER NOT NULL,
    module  TEXT NOT NULL,
    status  TEXT NOT NULL,
    message TEXT
);

CREATE INDEX IF NOT EXISTS idx_incidents_at ON health_incidents(at_ns);
CREATE INDEX IF NOT EXISTS idx_incidents_module ON health_incidents(module);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_incidents_module;
DROP INDEX IF EXISTS idx_incidents_at;
DROP TABLE IF EXISTS health_incidents;
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	// Ensure migrations table exists
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	// Apply pending migrations
	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// RollbackMigration rolls back the last applied migration.
func RollbackMigration(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	if currentVersion == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range migrations {
		if migrations[i].Version == currentVersion {
			migration = &migrations[i]
			break
		}
	}

	if migration == nil {
		return fmt.Errorf("migration %d not found", currentVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if _, err := tx.Exec(migration.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", currentVersion, err)
	}

	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", currentVersion); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}

	return nil
}

// MigrationStatus describes the applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{
		LatestVersion: len(migrations),
	}

	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		// Table might not exist yet
		status.CurrentVersion = 0
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&am.Version, &appliedAt, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, appliedAt)
		status.Applied = append(status.Applied, am)
		appliedVersions[am.Version] = true

		if am.Version > status.CurrentVersion {
			status.CurrentVersion = am.Version
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}

	for _, m := range migrations {
		if !appliedVersions[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}

	return status, nil
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(db *sql.DB) error {
	requiredTables := []string{
		"drag_sessions",
		"shelf_sessions",
		"health_incidents",
		"schema_migrations",
	}

	for _, table := range requiredTables {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}

	return nil
}
