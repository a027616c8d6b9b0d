package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with the roi_registry table",
		Up:          migrationV1Up,
	},
	{
		Version:     2,
		Description: "Add reconcile_passes table for pass history",
		Up:          migrationV2Up,
	},
	{
		Version:     3,
		Description: "Index shapes by source image",
		Up:          migrationV3Up,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS roi_registry (
    id              TEXT PRIMARY KEY,
    image_reference TEXT NOT NULL,
    geometry_hash   TEXT NOT NULL,
    points          TEXT NOT NULL,
    it_min          INTEGER NOT NULL,
    it_max          INTEGER NOT NULL,
    iz_min          INTEGER NOT NULL,
    iz_max          INTEGER NOT NULL,
    shape_type      TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    modified_at     TEXT NOT NULL,
    status          TEXT NOT NULL,
    CHECK (it_min <= it_max AND iz_min <= iz_max)
);

CREATE INDEX IF NOT EXISTS idx_roi_status ON roi_registry(status);
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS reconcile_passes (
    id              TEXT PRIMARY KEY,
    source_dir      TEXT NOT NULL,
    started_at      TEXT NOT NULL,
    finished_at     TEXT NOT NULL,
    new_count       INTEGER NOT NULL,
    modified_count  INTEGER NOT NULL,
    unchanged_count INTEGER NOT NULL,
    deleted_count   INTEGER NOT NULL,
    skipped_count   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_passes_started ON reconcile_passes(started_at);
`

const migrationV3Up = `
CREATE INDEX IF NOT EXISTS idx_roi_image ON roi_registry(image_reference);
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
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

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

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

// ErrSchema is returned when the registry lacks a table or index of the
// current schema.
var ErrSchema = errors.New("store: registry schema incomplete")

// AppliedMigration is one row of schema_migrations.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// SchemaStatus describes the schema version of a registry file.
type SchemaStatus struct {
	Current int
	Latest  int
	Applied []AppliedMigration
}

// Pending returns the migrations not yet applied.
func (st *SchemaStatus) Pending() []Migration {
	applied := make(map[int]bool, len(st.Applied))
	for _, am := range st.Applied {
		applied[am.Version] = true
	}
	var pending []Migration
	for _, m := range migrations {
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending
}

// LatestVersion is the schema version Open migrates to.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}

// schemaObjects are the tables and indexes the latest schema defines.
var schemaObjects = []struct{ kind, name string }{
	{"table", "schema_migrations"},
	{"table", "roi_registry"},
	{"index", "idx_roi_status"},
	{"table", "reconcile_passes"},
	{"index", "idx_passes_started"},
	{"index", "idx_roi_image"},
}

// SchemaStatus reads the applied migrations.
func (t *Tx) SchemaStatus() (*SchemaStatus, error) {
	rows, err := t.tx.QueryContext(t.ctx, "SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("query migrations: %w", err)
	}
	defer rows.Close()

	st := &SchemaStatus{Latest: LatestVersion()}
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		var desc sql.NullString
		if err := rows.Scan(&am.Version, &appliedAt, &desc); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, appliedAt).UTC()
		am.Description = desc.String
		st.Applied = append(st.Applied, am)
		st.Current = max(st.Current, am.Version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}
	return st, nil
}

// CheckSchema returns ErrSchema naming every table or index of the latest
// schema that is missing from the file.
func (t *Tx) CheckSchema() error {
	var missing []string
	for _, obj := range schemaObjects {
		var count int
		err := t.tx.QueryRowContext(t.ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
			obj.kind, obj.name,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check %s %s: %w", obj.kind, obj.name, err)
		}
		if count == 0 {
			missing = append(missing, obj.kind+" "+obj.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrSchema, strings.Join(missing, ", "))
	}
	return nil
}

// SchemaStatus reports the applied and latest schema versions.
func (s *Store) SchemaStatus(ctx context.Context) (*SchemaStatus, error) {
	var st *SchemaStatus
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		st, err = tx.SchemaStatus()
		return err
	})
	return st, err
}

// CheckSchema checks that every table and index of the latest schema
// exists.
func (s *Store) CheckSchema(ctx context.Context) error {
	return s.View(ctx, func(tx *Tx) error {
		return tx.CheckSchema()
	})
}
