package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// migration upgrades the schema from version-1 to version.
type migration struct {
	version int
	name    string
	stmt    string
}

// migrations run in order on databases whose user_version is below their
// version. schema.sql is the version 0 baseline.
var migrations = []migration{
	{1, "per-node event index", `CREATE INDEX IF NOT EXISTS idx_events_node ON events(session, node)`},
	{2, "per-task event index", `CREATE INDEX IF NOT EXISTS idx_events_task ON events(session, task)`},
}

// currentSchemaVersion is the user_version of a fully migrated database.
var currentSchemaVersion = migrations[len(migrations)-1].version

// pragmas are applied on open and verified afterwards; the value is what
// the pragma reads back as.
var pragmas = []struct {
	name, set, want string
}{
	{"journal_mode", "WAL", "wal"},
	{"synchronous", "NORMAL", "1"},
	{"busy_timeout", "5000", "5000"},
	{"foreign_keys", "ON", "1"},
}

// Store is the durable event log of simulator sessions, backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the event log at path, applying pragmas and any
// pending schema migrations. Opening an up-to-date database is a no-op.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection: SQLite has a single writer, and per-connection
	// pragmas must hold for every query.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	for _, p := range pragmas {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA %s = %s", p.name, p.set)); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", p.name, err)
		}
		if err := s.verifyPragma(p.name, p.want); err != nil {
			return err
		}
	}

	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return s.migrate()
}

// migrate applies the migrations newer than the stored user_version, each
// in its own transaction together with the version bump.
func (s *Store) migrate() error {
	version, err := s.schemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d: set user_version: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) schemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

// Close closes the database. Closing a zero Store is a no-op.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database for direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) verifyPragma(name, want string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query pragma %s: %w", name, err)
	}
	if value != want {
		return fmt.Errorf("pragma %s = %q, want %q", name, value, want)
	}
	return nil
}
