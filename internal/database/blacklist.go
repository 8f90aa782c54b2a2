package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mealslot/internal/model"
)

// IncrementStrikes adds one no-show and returns the new count.
func (db *DB) IncrementStrikes(ctx context.Context, userID int64, at time.Time) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `INSERT INTO user_strikes (user_id, no_show_count, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			no_show_count = no_show_count + 1,
			updated_at = excluded.updated_at
		RETURNING no_show_count`, userID, formatTimestamp(at)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment strikes for %d: %w", userID, err)
	}
	return count, nil
}

func (db *DB) GetStrikes(ctx context.Context, userID int64) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT no_show_count FROM user_strikes WHERE user_id = ?`, userID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

func (db *DB) SetStrikes(ctx context.Context, userID int64, count int, at time.Time) error {
	_, err := db.ExecContext(ctx, `INSERT INTO user_strikes (user_id, no_show_count, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			no_show_count = excluded.no_show_count,
			updated_at = excluded.updated_at`, userID, count, formatTimestamp(at))
	return err
}

const entryColumns = `id, user_id, reason, start_date, end_date, is_active, created_at`

func scanEntry(row rowScanner) (*model.BlacklistEntry, error) {
	var (
		e                  model.BlacklistEntry
		startDate, created string
		endDate            sql.NullString
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.Reason, &startDate, &endDate, &e.IsActive, &created); err != nil {
		return nil, err
	}
	var err error
	if e.StartDate, err = parseTimestamp(startDate); err != nil {
		return nil, err
	}
	if e.EndDate, err = scanNullTimestamp(endDate); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTimestamp(created); err != nil {
		return nil, err
	}
	return &e, nil
}

// ActiveEntry returns the user's active entry, or nil.
func (db *DB) ActiveEntry(ctx context.Context, userID int64) (*model.BlacklistEntry, error) {
	row := db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM blacklist_entries
		WHERE user_id = ? AND is_active = 1`, userID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// CreateEntry inserts an active entry. The partial unique index rejects a
// second active entry with model.ErrActiveBlacklistExists.
func (db *DB) CreateEntry(ctx context.Context, e *model.BlacklistEntry) error {
	res, err := db.ExecContext(ctx, `INSERT INTO blacklist_entries
		(user_id, reason, start_date, end_date, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Reason, formatTimestamp(e.StartDate), nullTimestamp(e.EndDate), e.IsActive,
		formatTimestamp(e.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrActiveBlacklistExists
		}
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

// DeactivateEntry closes an entry at the given instant. Closing an
// inactive entry is a no-op.
func (db *DB) DeactivateEntry(ctx context.Context, id int64, at time.Time) error {
	_, err := db.ExecContext(ctx, `UPDATE blacklist_entries SET is_active = 0, end_date = ?
		WHERE id = ? AND is_active = 1`, formatTimestamp(at), id)
	return err
}

// ListExpired returns active entries whose end date is not after now.
func (db *DB) ListExpired(ctx context.Context, now time.Time) ([]model.BlacklistEntry, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+entryColumns+` FROM blacklist_entries
		WHERE is_active = 1 AND end_date IS NOT NULL AND end_date <= ? ORDER BY id`, formatTimestamp(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.BlacklistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
