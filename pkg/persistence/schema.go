package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// InitializeDatabase creates and initializes the SQLite database with the
// required schema. Idempotent and safe to call multiple times.
func InitializeDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 1:
		return nil // Fresh databases start at the full v1 schema.
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds the repair-attempt counter to requests.
func migrateToVersion2(db *sql.DB) error {
	if _, err := db.Exec("ALTER TABLE requests ADD COLUMN repair_attempts INTEGER NOT NULL DEFAULT 0"); err != nil {
		return fmt.Errorf("failed to add repair_attempts column: %w", err)
	}
	return nil
}

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		// Schema version tracking
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Root entity: one end-to-end app build
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			project_id TEXT NOT NULL,
			current_phase TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			repair_attempts INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Conductor state, one row per request
		`CREATE TABLE IF NOT EXISTS conductor_states (
			request_id TEXT PRIMARY KEY REFERENCES requests(id) ON DELETE CASCADE,
			current_phase TEXT NOT NULL,
			locked INTEGER NOT NULL DEFAULT 0,
			awaiting_human INTEGER NOT NULL DEFAULT 0,
			last_agent TEXT,
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Artifact ledger: typed, hash-locked producer outputs
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
			producer TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			input_hashes TEXT NOT NULL DEFAULT '{}',
			request_hash TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK (status IN ('draft','awaiting_approval','approved','rejected')),
			approved_by TEXT,
			approved_at DATETIME,
			rejected_reason TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Append-only audit trail; seq gives strict per-execution ordering
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			execution_id TEXT NOT NULL,
			request_id TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_artifacts_request ON artifacts(request_id)",
		"CREATE INDEX IF NOT EXISTS idx_artifacts_request_type ON artifacts(request_id, type)",
		"CREATE INDEX IF NOT EXISTS idx_artifacts_status ON artifacts(status)",
		"CREATE INDEX IF NOT EXISTS idx_artifacts_request_hash ON artifacts(request_hash)",
		"CREATE INDEX IF NOT EXISTS idx_events_execution ON events(execution_id)",
		"CREATE INDEX IF NOT EXISTS idx_events_request ON events(request_id)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
