// Package store provides database access for the relayer.
//
// A single SQLite connection serialises all statements; entities are keyed
// by UUID and timestamps are stored as RFC3339 UTC strings. The schema is
// evolved by ordered .sql migration files, embedded by default and
// overridable with an on-disk directory (MIGRATIONS_DIR).
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sentinel errors returned by Store methods.
var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrCodeExpired is returned when a registration code's TTL has elapsed.
	ErrCodeExpired = errors.New("store: registration code expired")
	// ErrCodeUsed is returned when a registration code has already been redeemed.
	ErrCodeUsed = errors.New("store: registration code already used")
	// ErrTerminal is returned when a status change targets a command that has
	// already reached done, failed or cancelled.
	ErrTerminal = errors.New("store: command already terminal")
)

const timeLayout = "2006-01-02T15:04:05Z"

// Store wraps the database connection.
type Store struct {
	db *sql.DB
}

// Open creates a Store at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	return open(path, nil)
}

// OpenWithMigrationsDir creates a Store at path and applies migrations from
// dir instead of the embedded set. The directory must exist.
func OpenWithMigrationsDir(path, dir string) (*Store, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("migrations dir %q: %w", dir, err)
	}
	return open(path, os.DirFS(dir))
}

func open(path string, migrations fs.FS) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite is single-writer by design. Keep a single shared connection so
	// concurrent callers are serialized by database/sql instead of fighting
	// for write locks across multiple underlying connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if migrations == nil {
		sub, err := fs.Sub(migrationsFS, "migrations")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("embedded migrations: %w", err)
		}
		migrations = sub
	}
	if err := s.runMigrations(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// runMigrations applies all pending .sql files in ascending filename order,
// each inside its own transaction, recording the applied filename in
// _schema_migrations.
func (s *Store) runMigrations(fsys fs.FS) error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS _schema_migrations (name TEXT PRIMARY KEY)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		var applied bool
		err := s.db.QueryRow(`SELECT 1 FROM _schema_migrations WHERE name = ?`, name).Scan(&applied)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO _schema_migrations (name) VALUES (?)`, name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		slog.Info("applied migration", "name", name)
	}
	return nil
}

// now returns the current UTC time in the store's timestamp format.
func now() string {
	return time.Now().UTC().Format(timeLayout)
}

// parseTime parses a stored timestamp. Zero time on malformed input.
func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// nullable converts an optional string to a driver value.
func nullable(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// optional converts a scanned NullString to *string.
func optional(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
