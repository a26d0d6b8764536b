// Package store persists the backend blacklist in SQLite so that a backend
// which crashed the worker stays disabled across restarts.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore implements resource.Store on a SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies pending migrations
func Open(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// the migrator takes ownership of its connection and closes it
	mdb, err := connect(path)
	if err != nil {
		return nil, err
	}
	if err := migrateUp(mdb); err != nil {
		return nil, err
	}

	db, err := connect(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func connect(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Get returns the expiry recorded for key
func (s *SQLiteStore) Get(ctx context.Context, key string) (time.Time, bool, error) {
	var ns int64
	err := s.db.QueryRowContext(ctx, `SELECT until_ns FROM backend_blacklist WHERE backend = ?`, key).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read blacklist entry: %w", err)
	}
	return time.Unix(0, ns), true, nil
}

// Put records or replaces the expiry for key
func (s *SQLiteStore) Put(ctx context.Context, key string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backend_blacklist (backend, until_ns, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(backend) DO UPDATE SET until_ns = excluded.until_ns, updated_at = CURRENT_TIMESTAMP`,
		key, until.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write blacklist entry: %w", err)
	}
	return nil
}

// Delete removes key; deleting a missing key is not an error
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM backend_blacklist WHERE backend = ?`, key); err != nil {
		return fmt.Errorf("failed to delete blacklist entry: %w", err)
	}
	return nil
}

// All returns every recorded entry
func (s *SQLiteStore) All(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT backend, until_ns FROM backend_blacklist`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blacklist: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var ns int64
		if err := rows.Scan(&key, &ns); err != nil {
			return nil, fmt.Errorf("failed to scan blacklist entry: %w", err)
		}
		out[key] = time.Unix(0, ns)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
