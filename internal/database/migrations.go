package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed schema.sql
var initialSchema string

// Migrator manages database schema migrations.
type Migrator interface {
	// Migrate applies all pending migrations.
	Migrate(ctx context.Context) error

	// CurrentVersion returns the current schema version.
	CurrentVersion(ctx context.Context) (int, error)

	// Rollback rolls back the most recent migration.
	Rollback(ctx context.Context) error
}

type migration struct {
	version int
	name    string
	up      string
	down    string
}

// getMigrations returns every schema change in order. New entries append;
// applied versions are never edited.
func getMigrations() []migration {
	migs := []migration{
		{
			version: 1,
			name:    "initial_schema",
			up:      initialSchema,
			down: `
				DROP TABLE IF EXISTS escalation_tickets;
				DROP TABLE IF EXISTS handoff_results;
				DROP TABLE IF EXISTS conversation_events;
				DROP TABLE IF EXISTS conversations;
				DROP TABLE IF EXISTS lead_profiles;
			`,
		},
		{
			version: 2,
			name:    "conversation_parking",
			up: `
				ALTER TABLE conversations ADD COLUMN parked INTEGER NOT NULL DEFAULT 0;
				ALTER TABLE conversations ADD COLUMN parked_reason TEXT;
				CREATE INDEX IF NOT EXISTS idx_conversations_parked ON conversations(parked);
			`,
			down: `
				DROP INDEX IF EXISTS idx_conversations_parked;
				ALTER TABLE conversations DROP COLUMN parked_reason;
				ALTER TABLE conversations DROP COLUMN parked;
			`,
		},
	}

	sort.Slice(migs, func(i, j int) bool {
		return migs[i].version < migs[j].version
	})

	return migs
}

type sqliteMigrator struct {
	db *DB
}

// NewMigrator creates a migrator for the given database.
func NewMigrator(db *DB) Migrator {
	return &sqliteMigrator{db: db}
}

func (m *sqliteMigrator) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// Migrate applies all migrations newer than the current version.
func (m *sqliteMigrator) Migrate(ctx context.Context) error {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for _, mig := range getMigrations() {
		if mig.version <= current {
			continue
		}
		if err := m.applyMigration(ctx, mig); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", mig.version, mig.name, err)
		}
	}

	return nil
}

// CurrentVersion returns the highest applied migration version, or 0 when
// none have been applied.
func (m *sqliteMigrator) CurrentVersion(ctx context.Context) (int, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return 0, err
	}

	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query current version: %w", err)
	}

	return version, nil
}

// Rollback reverts the most recent migration.
func (m *sqliteMigrator) Rollback(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to roll back")
	}

	var target migration
	found := false
	for _, mig := range getMigrations() {
		if mig.version == current {
			target = mig
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown migration version %d", current)
	}

	return m.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range splitStatements(target.down) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("rollback statement failed: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM migrations WHERE version = ?", target.version); err != nil {
			return fmt.Errorf("failed to remove migration record: %w", err)
		}
		return nil
	})
}

func (m *sqliteMigrator) applyMigration(ctx context.Context, mig migration) error {
	return m.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range splitStatements(mig.up) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("statement failed: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO migrations (version, name) VALUES (?, ?)", mig.version, mig.name); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}

// splitStatements breaks a migration script into individual statements,
// dropping comment lines and empty fragments.
func splitStatements(script string) []string {
	var cleaned []string
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		cleaned = append(cleaned, line)
	}

	var statements []string
	for _, stmt := range strings.Split(strings.Join(cleaned, "\n"), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}

	return statements
}
