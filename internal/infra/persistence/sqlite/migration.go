package sqlite

import (
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// Migrator manages the history database schema.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new database migrator.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Migrate applies the schema once. Running it again is a no-op.
func (m *Migrator) Migrate() error {
	if _, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create migrations table failed: %w", err)
	}

	version, err := m.Version()
	if err != nil {
		return fmt.Errorf("check schema version failed: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range splitSQLStatements(schemaSQL) {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("execute statement %d failed: %w", i, err)
		}
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record migration failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction failed: %w", err)
	}
	return nil
}

// Version returns the highest applied schema version, 0 when none.
func (m *Migrator) Version() (int, error) {
	var v sql.NullInt64
	if err := m.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

func splitSQLStatements(src string) []string {
	var lines []string
	for _, line := range strings.Split(src, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}

	var out []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
