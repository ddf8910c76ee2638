// Package sqlite - checksummed schema migrations.
package sqlite

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// Migration is one ordered schema change. Spec is hashed; a checksum
// mismatch against the recorded value is fatal unless the caller set
// allowChecksumMismatch (operator override for recovered databases).
// Never edit a released entry; append a new one instead.
type Migration struct {
	Name string
	Spec string // canonical text the checksum is computed over
	Func func(db *sql.DB) error
}

func execMigration(sqlText string) func(*sql.DB) error {
	return func(db *sql.DB) error {
		_, err := db.Exec(sqlText)
		return err
	}
}

// addColumnIfMissing guards ALTER TABLE ADD COLUMN: SQLite has no
// IF NOT EXISTS for columns, and fresh databases already carry the
// column from the base schema.
func addColumnIfMissing(table, column, ddl string) func(*sql.DB) error {
	return func(db *sql.DB) error {
		var count int
		err := db.QueryRow(
			`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to inspect %s.%s: %w", table, column, err)
		}
		if count > 0 {
			return nil
		}
		_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, ddl))
		return err
	}
}

var migrationsList = []Migration{
	{
		Name: "001_base_schema",
		Spec: schema,
		Func: execMigration(schema),
	},
	{
		Name: "002_queue_reaped_expiry",
		// Databases created before attempt dedup predate the
		// reaped_expiry column.
		Spec: "queue_items reaped_expiry DATETIME",
		Func: addColumnIfMissing("queue_items", "reaped_expiry", "reaped_expiry DATETIME"),
	},
	{
		Name: "003_security_event_origin",
		Spec: "security_events origin_ref TEXT DEFAULT ''",
		Func: addColumnIfMissing("security_events", "origin_ref", "origin_ref TEXT DEFAULT ''"),
	},
}

func checksum(spec string) string {
	sum := sha256.Sum256([]byte(spec))
	return hex.EncodeToString(sum[:])
}

// RunMigrations applies pending migrations in order, one transaction
// per migration, and verifies the checksums of already-applied ones.
// Serialized across processes via BEGIN EXCLUSIVE so parallel opens
// cannot race on check-then-modify DDL.
func RunMigrations(db *sql.DB, allowChecksumMismatch bool) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations table: %w", err)
	}

	applied := make(map[string]string)
	rows, err := db.Query(`SELECT name, checksum FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	for rows.Next() {
		var name, sum string
		if err := rows.Scan(&name, &sum); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[name] = sum
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("failed to iterate migrations: %w", err)
	}
	_ = rows.Close()

	for _, m := range migrationsList {
		want := checksum(m.Spec)
		if got, ok := applied[m.Name]; ok {
			if got != want && !allowChecksumMismatch {
				return fmt.Errorf("migration %s checksum mismatch (recorded %.12s, current %.12s): database does not match this binary's schema history", m.Name, got, want)
			}
			continue
		}
		if err := applyMigration(db, m, want); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m Migration, sum string) error {
	// One migration per transaction; EXCLUSIVE serializes concurrent
	// process startup.
	if _, err := db.Exec("BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("failed to acquire exclusive lock for migration %s: %w", m.Name, err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = db.Exec("ROLLBACK")
		}
	}()

	if err := m.Func(db); err != nil {
		return fmt.Errorf("migration %s failed: %w", m.Name, err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations (name, checksum) VALUES (?, ?)`, m.Name, sum); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", m.Name, err)
	}
	if _, err := db.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", m.Name, err)
	}
	committed = true
	return nil
}

// MigrationInfo describes a registered migration for the migrate
// command's listing output.
type MigrationInfo struct {
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
}

// ListMigrations reports every registered migration and whether the
// open database has applied it.
func ListMigrations(db *sql.DB) []MigrationInfo {
	applied := make(map[string]bool)
	rows, err := db.Query(`SELECT name FROM schema_migrations`)
	if err == nil {
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err == nil {
				applied[name] = true
			}
		}
		_ = rows.Close()
	}
	out := make([]MigrationInfo, len(migrationsList))
	for i, m := range migrationsList {
		out[i] = MigrationInfo{Name: m.Name, Applied: applied[m.Name]}
	}
	return out
}
