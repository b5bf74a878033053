package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/ventlogic/ventbridge/internal/infrastructure/config"
)

const (
	// dirPermissions is the mode for the database directory.
	dirPermissions = 0750

	// filePermissions is the mode for the database file (owner only).
	filePermissions = 0600

	// msPerSecond converts config seconds to pragma milliseconds.
	msPerSecond = 1000

	// connectTimeout bounds the initial connectivity check.
	connectTimeout = 5 * time.Second

	// connMaxIdleTime is how long an idle connection is kept open.
	connMaxIdleTime = 30 * time.Minute
)

// DB wraps a sql.DB connection to the VentBridge event store.
type DB struct {
	*sql.DB
	path string
}

// Open creates the database connection for the event store.
//
// It creates the containing directory if missing, opens the file with
// busy-timeout and foreign-key pragmas (plus WAL when enabled), pins the
// pool to a single connection, and verifies connectivity with a ping.
func Open(cfg config.DatabaseConfig) (*DB, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// See: https://github.com/mattn/go-sqlite3#connection-string
	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
		cfg.Path,
		cfg.BusyTimeout*msPerSecond,
	)
	if cfg.WALMode {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	sqlDB, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite supports one writer; a single pooled connection avoids
	// SQLITE_BUSY under concurrent access.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	db := &DB{
		DB:   sqlDB,
		path: cfg.Path,
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	// First run may not have created the file yet; permissions are
	// applied on the next open in that case.
	_ = os.Chmod(cfg.Path, filePermissions)

	return db, nil
}

// Close closes the database connection gracefully.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the database file.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck verifies the database is accessible with a trivial query.
func (db *DB) HealthCheck(ctx context.Context) error {
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Stats returns connection pool statistics for monitoring.
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// BeginTx starts a transaction with the given options.
//
// Example:
//
//	tx, err := db.BeginTx(ctx, nil)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback() // No-op if committed
//	// ... execute queries on tx ...
//	return tx.Commit()
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	return tx, nil
}
