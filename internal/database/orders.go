package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mealslot/internal/model"
)

const orderColumns = `id, user_id, shift_id, order_date, status, price, check_in_time, checked_in_by,
	cancel_reason, cancelled_by, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanOrder(row rowScanner) (*model.Order, error) {
	var (
		o                  model.Order
		orderDate, status  string
		checkIn            sql.NullString
		checkedBy, cancBy  sql.NullInt64
		createdAt, updated string
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.ShiftID, &orderDate, &status, &o.Price, &checkIn, &checkedBy,
		&o.CancelReason, &cancBy, &createdAt, &updated, &o.Version); err != nil {
		return nil, err
	}

	var err error
	if o.OrderDate, err = db.parseDate(orderDate); err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	if o.CheckInTime, err = scanNullTimestamp(checkIn); err != nil {
		return nil, err
	}
	o.CheckedInBy = scanNullInt(checkedBy)
	o.CancelledBy = scanNullInt(cancBy)
	if o.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTimestamp(updated); err != nil {
		return nil, err
	}
	return &o, nil
}

func (db *DB) queryOrders(ctx context.Context, query string, args ...any) ([]*model.Order, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*model.Order
	for rows.Next() {
		o, err := db.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (db *DB) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	row := db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := db.scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	return o, nil
}

// FindActiveOrder returns the user's non-cancelled order on date, or nil.
func (db *DB) FindActiveOrder(ctx context.Context, userID int64, date time.Time) (*model.Order, error) {
	row := db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE user_id = ? AND order_date = ? AND status != ?`,
		userID, db.formatDate(date), string(model.StatusCancelled))
	o, err := db.scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// CreateOrder inserts o and fills its ID. The partial unique index turns a
// concurrent duplicate into model.ErrDuplicateOrder.
func (db *DB) CreateOrder(ctx context.Context, o *model.Order) error {
	res, err := db.ExecContext(ctx, `INSERT INTO orders
		(user_id, shift_id, order_date, status, price, cancel_reason, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, '', ?, ?, 1)`,
		o.UserID, o.ShiftID, db.formatDate(o.OrderDate), string(o.Status), o.Price,
		formatTimestamp(o.CreatedAt), formatTimestamp(o.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrDuplicateOrder
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	o.ID = id
	o.Version = 1
	return nil
}

// TransitionOrder writes the new state only if the stored status is still
// from. Whoever loses a race gets model.ErrConcurrentModification.
func (db *DB) TransitionOrder(ctx context.Context, o *model.Order, from model.OrderStatus) error {
	res, err := db.ExecContext(ctx, `UPDATE orders
		SET status = ?, check_in_time = ?, checked_in_by = ?, cancel_reason = ?, cancelled_by = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND status = ?`,
		string(o.Status), nullTimestamp(o.CheckInTime), nullInt(o.CheckedInBy), o.CancelReason,
		nullInt(o.CancelledBy), formatTimestamp(o.UpdatedAt), o.ID, string(from))
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrDuplicateOrder
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrConcurrentModification
	}
	o.Version++
	return nil
}

// ListOrdered returns ORDERED orders of the given shifts on date.
func (db *DB) ListOrdered(ctx context.Context, shiftIDs []int64, date time.Time) ([]*model.Order, error) {
	if len(shiftIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(shiftIDs)), ",")
	args := []any{string(model.StatusOrdered), db.formatDate(date)}
	for _, id := range shiftIDs {
		args = append(args, id)
	}
	return db.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status = ? AND order_date = ? AND shift_id IN (`+placeholders+`)
		ORDER BY id`, args...)
}

// ListOrderedAfter returns ORDERED orders dated strictly after boundary.
func (db *DB) ListOrderedAfter(ctx context.Context, boundary time.Time) ([]*model.Order, error) {
	return db.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status = ? AND order_date > ? ORDER BY order_date, id`,
		string(model.StatusOrdered), db.formatDate(boundary))
}

// ListOrderedByUser returns the user's ORDERED orders dated within [from, to].
func (db *DB) ListOrderedByUser(ctx context.Context, userID int64, from, to time.Time) ([]*model.Order, error) {
	return db.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE user_id = ? AND status = ? AND order_date BETWEEN ? AND ? ORDER BY order_date, id`,
		userID, string(model.StatusOrdered), db.formatDate(from), db.formatDate(to))
}
