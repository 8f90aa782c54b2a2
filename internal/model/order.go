package model

import "time"

// OrderStatus is the lifecycle state of a meal order.
type OrderStatus string

const (
	StatusOrdered   OrderStatus = "ORDERED"
	StatusPickedUp  OrderStatus = "PICKED_UP"
	StatusNoShow    OrderStatus = "NO_SHOW"
	StatusCancelled OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no transition may leave the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusPickedUp, StatusNoShow, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	return s == StatusOrdered || s.IsTerminal()
}

// Order is a reserved meal slot for one user, one shift and one calendar date.
type Order struct {
	ID           int64       `json:"id"`
	UserID       int64       `json:"user_id"`
	ShiftID      int64       `json:"shift_id"`
	OrderDate    time.Time   `json:"order_date"` // local midnight
	Status       OrderStatus `json:"status"`
	Price        int64       `json:"price"` // snapshot of Shift.MealPrice at creation, minor units
	CheckInTime  *time.Time  `json:"check_in_time,omitempty"`
	CheckedInBy  *int64      `json:"checked_in_by,omitempty"`
	CancelReason string      `json:"cancel_reason,omitempty"`
	CancelledBy  *int64      `json:"cancelled_by,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Version      int64       `json:"version"`
}

// Clone returns a copy that does not share pointer fields with o.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.CheckInTime != nil {
		t := *o.CheckInTime
		c.CheckInTime = &t
	}
	if o.CheckedInBy != nil {
		v := *o.CheckedInBy
		c.CheckedInBy = &v
	}
	if o.CancelledBy != nil {
		v := *o.CancelledBy
		c.CancelledBy = &v
	}
	return &c
}
