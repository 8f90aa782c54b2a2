package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mealslot/internal/calendar"
	"mealslot/internal/model"
)

func scanShift(row rowScanner) (*model.Shift, error) {
	var s model.Shift
	if err := row.Scan(&s.ID, &s.Name, &s.StartTime, &s.EndTime, &s.MealPrice, &s.IsActive); err != nil {
		return nil, err
	}
	return &s, nil
}

func (db *DB) GetShift(ctx context.Context, id int64) (*model.Shift, error) {
	row := db.QueryRowContext(ctx, `SELECT id, name, start_time, end_time, meal_price, is_active
		FROM shifts WHERE id = ?`, id)
	s, err := scanShift(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get shift %d: %w", id, err)
	}
	return s, nil
}

func (db *DB) ListActiveShifts(ctx context.Context) ([]model.Shift, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, name, start_time, end_time, meal_price, is_active
		FROM shifts WHERE is_active = 1 ORDER BY start_time, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shifts []model.Shift
	for rows.Next() {
		s, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		shifts = append(shifts, *s)
	}
	return shifts, rows.Err()
}

// UpsertShift creates or updates a shift by name and fills its ID.
func (db *DB) UpsertShift(ctx context.Context, s *model.Shift) error {
	if _, err := calendar.ParseClock(s.StartTime); err != nil {
		return &model.ValidationError{Field: "start_time", Reason: err.Error()}
	}
	if _, err := calendar.ParseClock(s.EndTime); err != nil {
		return &model.ValidationError{Field: "end_time", Reason: err.Error()}
	}
	if s.MealPrice < 0 {
		return &model.ValidationError{Field: "meal_price", Reason: "must be >= 0"}
	}

	now := formatTimestamp(time.Now())
	row := db.QueryRowContext(ctx, `INSERT INTO shifts (name, start_time, end_time, meal_price, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			meal_price = excluded.meal_price,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
		RETURNING id`,
		s.Name, s.StartTime, s.EndTime, s.MealPrice, s.IsActive, now, now)
	if err := row.Scan(&s.ID); err != nil {
		return fmt.Errorf("upsert shift %q: %w", s.Name, err)
	}
	return nil
}
