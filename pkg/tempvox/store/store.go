// Package store is the transactional gateway to the relational database.
// It owns the voice_sessions, channels, owner_prefs and mod_history tables
// and is the only component allowed to open or close session rows.
//
// Two backends are supported behind the same API: SQLite (default, zero
// configuration) and PostgreSQL. The at-most-one-active-session invariant
// is load-bearing and enforced by a partial unique index, not by
// application logic; concurrent writers receive ErrConflict.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
)

// BackendType identifies the database backend.
type BackendType string

const (
	BackendSQLite   BackendType = "sqlite"
	BackendPostgres BackendType = "postgres"
)

// Config holds store configuration.
type Config struct {
	// Backend selects sqlite (default) or postgres.
	Backend BackendType

	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string

	// DSN is the PostgreSQL connection string.
	DSN string
}

// Store wraps the database connection.
type Store struct {
	db      *sql.DB
	backend BackendType
	logger  *slog.Logger
}

// Open connects to the configured backend, verifies connectivity and runs
// pending migrations.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if cfg.Backend == "" {
		cfg.Backend = BackendSQLite
	}

	var db *sql.DB
	var err error
	switch cfg.Backend {
	case BackendSQLite:
		db, err = openSQLite(cfg)
	case BackendPostgres:
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db, backend: cfg.Backend, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store connected", "backend", cfg.Backend)
	return s, nil
}

func openSQLite(cfg Config) (*sql.DB, error) {
	path := cfg.Path
	if path == "" {
		path = "./data/tempvox.db"
	}
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON&_loc=UTC", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %q: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY churn under concurrent handlers.
	db.SetMaxOpenConns(1)
	return db, nil
}

func openPostgres(cfg Config) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store: postgres backend requires a DSN")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Backend returns the active backend type.
func (s *Store) Backend() BackendType { return s.backend }

// rebind converts ?-style placeholders to $n for PostgreSQL. Queries in
// this package are written with ? and rebound per backend.
func (s *Store) rebind(query string) string {
	if s.backend != BackendPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// exec runs a statement with placeholder rebinding and error classification.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// query runs a query with placeholder rebinding.
func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, classify(err)
	}
	return rows, nil
}

// queryRow runs a single-row query with placeholder rebinding.
func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}
