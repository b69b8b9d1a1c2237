// Package sqlite implements the store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"slotkeeper/internal/store"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB represents the database connection.
type DB struct {
	*sql.DB
	queries
	path   string
	logger *zerolog.Logger
}

var _ store.Store = (*DB)(nil)

// NewDB opens the database at path and creates tables if they don't exist.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// BEGIN IMMEDIATE takes the write lock up front, so a transaction that
	// checks for collisions can not be overtaken before it writes.
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=10000&_foreign_keys=on&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{DB: sqlDB, queries: queries{q: sqlDB}, path: path, logger: logger}
	if err := db.createTables(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("database initialized")
	return db, nil
}

func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS services (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			duration_min INTEGER NOT NULL,
			buffer_min INTEGER NOT NULL DEFAULT 0,
			price INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			sort_order INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS clients (
			chat_id INTEGER PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			full_name TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS appointments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id INTEGER NOT NULL,
			service_id INTEGER NOT NULL,
			start_at INTEGER NOT NULL,
			end_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			hold_expires_at INTEGER,
			proposed_alt_start INTEGER,
			price_override INTEGER,
			client_comment TEXT NOT NULL DEFAULT '',
			admin_comment TEXT NOT NULL DEFAULT '',
			reminder_48h_sent BOOLEAN NOT NULL DEFAULT 0,
			reminder_3h_sent BOOLEAN NOT NULL DEFAULT 0,
			visit_confirmed BOOLEAN NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			FOREIGN KEY(service_id) REFERENCES services(id),
			CHECK (end_at > start_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_status_start ON appointments(status, start_at)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_hold_expiry ON appointments(status, hold_expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_client ON appointments(client_id, start_at)`,
		`CREATE TABLE IF NOT EXISTS blocked_intervals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			start_at INTEGER NOT NULL,
			end_at INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_by INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			CHECK (end_at > start_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blocked_start ON blocked_intervals(start_at)`,
		// One row per advisory key; upserting it inside a transaction marks the key as held.
		`CREATE TABLE IF NOT EXISTS slot_locks (
			key INTEGER PRIMARY KEY,
			acquired_at INTEGER NOT NULL
		)`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 60 {
		return q[:60] + "..."
	}
	return q
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// WithinTx runs fn inside an immediate transaction.
func (db *DB) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	t := &tx{queries: queries{q: sqlTx}, sqlTx: sqlTx}
	if err := fn(ctx, t); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			db.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type tx struct {
	queries
	sqlTx *sql.Tx
}

// LockKeys marks each key as held by this transaction. The immediate
// transaction already owns the database write lock, so the upsert never waits
// on another writer and the rows act as an audit of which keys were taken.
func (t *tx) LockKeys(ctx context.Context, keys []uint64) error {
	now := time.Now().UnixMilli()
	for _, k := range keys {
		if _, err := t.sqlTx.ExecContext(ctx,
			`INSERT INTO slot_locks (key, acquired_at) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET acquired_at = excluded.acquired_at`,
			int64(k), now,
		); err != nil {
			return fmt.Errorf("lock key %d: %w", k, err)
		}
	}
	return nil
}
