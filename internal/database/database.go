package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mealslot/internal/calendar"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// timestampLayout is fixed width so stored instants compare as strings.
const timestampLayout = "2006-01-02 15:04:05.000"

// DB is the SQLite store behind orders, shifts, strikes, blacklist
// entries, settings and the audit log.
type DB struct {
	*sql.DB
	path   string
	loc    *time.Location
	logger *zerolog.Logger
}

// NewDB opens the database and creates tables if they don't exist. Order
// dates are read back as midnight in loc.
func NewDB(path string, loc *time.Location, logger *zerolog.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if path == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if loc == nil {
		loc = time.UTC
	}
	instance := &DB{DB: db, path: path, loc: loc, logger: logger}
	if err := instance.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return instance, nil
}

// Wrap builds a DB around an existing handle without running migrations.
func Wrap(db *sql.DB, loc *time.Location, logger *zerolog.Logger) *DB {
	if loc == nil {
		loc = time.UTC
	}
	return &DB{DB: db, loc: loc, logger: logger}
}

func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS shifts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			meal_price INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			shift_id INTEGER NOT NULL,
			order_date TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'ORDERED',
			price INTEGER NOT NULL DEFAULT 0,
			check_in_time TEXT,
			checked_in_by INTEGER,
			cancel_reason TEXT NOT NULL DEFAULT '',
			cancelled_by INTEGER,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			FOREIGN KEY(shift_id) REFERENCES shifts(id)
		)`,
		// one non-cancelled order per user and date
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_orders_user_date_active
			ON orders(user_id, order_date) WHERE status != 'CANCELLED'`,
		`CREATE INDEX IF NOT EXISTS idx_orders_date_status ON orders(order_date, status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_shift_date ON orders(shift_id, order_date)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, order_date)`,
		`CREATE TABLE IF NOT EXISTS user_strikes (
			user_id INTEGER PRIMARY KEY,
			no_show_count INTEGER NOT NULL DEFAULT 0 CHECK (no_show_count >= 0),
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS blacklist_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			reason TEXT NOT NULL,
			start_date TEXT NOT NULL,
			end_date TEXT,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		// at most one active entry per user
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_blacklist_active_user
			ON blacklist_entries(user_id) WHERE is_active = 1`,
		`CREATE INDEX IF NOT EXISTS idx_blacklist_active_end ON blacklist_entries(is_active, end_date)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			actor_id INTEGER,
			before_json TEXT,
			after_json TEXT,
			fields_json TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return db.ensureColumns()
}

// ensureColumns adds columns introduced after the first schema.
func (db *DB) ensureColumns() error {
	migrations := []string{
		`ALTER TABLE orders ADD COLUMN version INTEGER NOT NULL DEFAULT 1`,
		`ALTER TABLE orders ADD COLUMN price INTEGER NOT NULL DEFAULT 0`,
	}
	for _, m := range migrations {
		_, err := db.Exec(m)
		if err != nil && !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
			return fmt.Errorf("migration %q: %w", m, err)
		}
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// Ping is used by readiness checks.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timestampLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTimestamp(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTimestamp(*t), Valid: true}
}

func scanNullTimestamp(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTimestamp(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func scanNullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func (db *DB) formatDate(t time.Time) string {
	return t.Format(calendar.DateLayout)
}

func (db *DB) parseDate(s string) (time.Time, error) {
	return calendar.ParseDate(s, db.loc)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
