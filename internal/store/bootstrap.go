package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/state/*.sql
var migrationsFS embed.FS

// OpenDB opens (creating if needed) a SQLite database with the pragmas the
// system relies on. Single connection: the store is single-writer by
// contract and SQLite's WAL handles concurrent readers.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}

// Migrate applies the embedded schema migrations to db.
func Migrate(db *sql.DB) error {
	return MigrateFS(db, migrationsFS, "migrations/state", "schema_migrations")
}

// MigrateFS applies migrations from an fs.FS path. Shared with the event
// store, which embeds its own migration set.
func MigrateFS(db *sql.DB, fsys fs.FS, fsPath, migrationsTable string) error {
	if db == nil {
		return fmt.Errorf("migrate %s: nil db", fsPath)
	}

	sourceDriver, err := iofs.New(fsys, fsPath)
	if err != nil {
		return fmt.Errorf("migrate %s: init source: %w", fsPath, err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return fmt.Errorf("migrate %s: init db driver: %w", fsPath, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate %s: init migrator: %w", fsPath, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: up: %w", fsPath, err)
	}
	return nil
}

type storeCloser struct {
	db *sql.DB
}

func (c *storeCloser) Close() error { return c.db.Close() }

// BootstrapDir opens state.db under dataDir, applies migrations, and
// returns a ready database handle plus an io.Closer for it.
func BootstrapDir(dataDir string) (*sql.DB, io.Closer, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	dbPath := filepath.Join(dataDir, "state.db")
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open state.db: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate state.db: %w", err)
	}
	return db, &storeCloser{db: db}, nil
}
