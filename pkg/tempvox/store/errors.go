package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// Error kinds. Callers classify with errors.Is; the concrete driver error
// stays in the chain for logging.
var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict means a uniqueness constraint was violated. For the
	// single-active-session index this is an expected race outcome.
	ErrConflict = errors.New("store: conflict")

	// ErrTransient marks failures worth retrying (locks, broken
	// connections, serialization aborts).
	ErrTransient = errors.New("store: transient")
)

// classify wraps a driver error with the matching sentinel.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505": // unique_violation
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization, deadlock
			return fmt.Errorf("%w: %v", ErrTransient, err)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08": // connection errors
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return err
	}

	return err
}

// isConflict reports whether err is a uniqueness violation.
func isConflict(err error) bool { return errors.Is(err, ErrConflict) }

// retryAttempts and retryBase bound the Retry helper.
const (
	retryAttempts = 3
	retryBase     = 50 * time.Millisecond
)

// Retry runs fn up to three times, backing off exponentially between
// attempts. Only ErrTransient failures are retried; every other error
// returns immediately.
func Retry(ctx context.Context, logger *slog.Logger, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		delay := retryBase << attempt
		// Jitter avoids retry stampedes from concurrent handlers.
		delay += time.Duration(rand.Int63n(int64(retryBase)))
		if logger != nil {
			logger.Debug("retrying transient store error",
				"attempt", attempt+1, "delay", delay, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
