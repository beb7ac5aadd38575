// Package db provides SQLite connection helpers shared by the event store
// and the fleet registry.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// defaultReaderConns is the number of concurrent read connections.
	// SQLite WAL mode allows many readers alongside a single writer.
	defaultReaderConns = 4
)

// OpenSQLite opens a SQLite database configured for writes (single connection).
func OpenSQLite(dbPath string) (*sqlx.DB, error) {
	normalizedPath, err := NormalizePath(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize database path: %w", err)
	}
	if err := ensureDir(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	// Writer DSN settings:
	// - foreign_keys=on: enforce FK constraints consistently.
	// - busy_timeout: wait briefly on locks to reduce transient "database is locked".
	// - journal_mode=WAL: better read concurrency with a single writer.
	// - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	return conn, nil
}

// OpenSQLiteReader opens a read-only SQLite connection pool with multiple
// concurrent connections. Combined with WAL mode, readers proceed without
// blocking on (or being blocked by) writes.
func OpenSQLiteReader(dbPath string) (*sqlx.DB, error) {
	normalizedPath, err := NormalizePath(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize database path: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	conn.SetMaxOpenConns(defaultReaderConns)
	conn.SetMaxIdleConns(defaultReaderConns)

	return conn, nil
}

// NormalizePath expands a leading ~ and makes the path absolute.
func NormalizePath(dbPath string) (string, error) {
	if dbPath == "" {
		return "", fmt.Errorf("empty database path")
	}
	if strings.HasPrefix(dbPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dbPath = filepath.Join(home, dbPath[2:])
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath, nil
	}
	return abs, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
