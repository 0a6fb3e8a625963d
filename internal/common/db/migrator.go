package db

import (
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// Migrator applies SQL files from a directory in lexical order and tracks
// them in a schema_migrations table.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{
		db:            db,
		migrationsDir: migrationsDir,
	}
}

// MigrateUp runs all pending migrations.
func (m *Migrator) MigrateUp() error {
	if err := m.initTable(); err != nil {
		return err
	}

	pending, err := m.pendingMigrations()
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		log.Println("✅ [Migrator] No pending migrations, database is up to date")
		return nil
	}

	log.Printf("📋 [Migrator] Found %d pending migration(s)", len(pending))
	for _, filename := range pending {
		if err := m.apply(filename); err != nil {
			return errors.Wrapf(err, "migration %s failed", filename)
		}
	}

	log.Printf("✅ [Migrator] Applied %d migration(s)", len(pending))
	return nil
}

func (m *Migrator) initTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return errors.Wrap(err, "failed to create migrations table")
}

func (m *Migrator) appliedMigrations() (map[string]bool, error) {
	applied := make(map[string]bool)

	rows, err := m.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query migrations")
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

func (m *Migrator) pendingMigrations() ([]string, error) {
	files, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read migrations directory")
	}

	applied, err := m.appliedMigrations()
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".sql") {
			continue
		}
		if !applied[strings.TrimSuffix(file.Name(), ".sql")] {
			pending = append(pending, file.Name())
		}
	}

	// Filenames carry a numeric prefix, so lexical order is apply order
	sort.Strings(pending)
	return pending, nil
}

func (m *Migrator) apply(filename string) error {
	log.Printf("📝 [Migrator] Applying migration: %s", filename)

	content, err := os.ReadFile(filepath.Join(m.migrationsDir, filename))
	if err != nil {
		return errors.Wrap(err, "failed to read migration file")
	}

	tx, err := m.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return errors.Wrap(err, "failed to execute migration")
	}

	version := strings.TrimSuffix(filename, ".sql")
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return errors.Wrap(err, "failed to record migration")
	}

	return errors.Wrap(tx.Commit(), "failed to commit migration")
}

// CheckConnection verifies database connectivity.
func CheckConnection(databaseURL string) error {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer conn.Close()

	return errors.Wrap(conn.Ping(), "failed to ping database")
}
