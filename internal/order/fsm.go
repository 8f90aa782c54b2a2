package order

import (
	"fmt"
	"time"

	"mealslot/internal/calendar"
	"mealslot/internal/effects"
	"mealslot/internal/model"
)

var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.StatusOrdered: {model.StatusPickedUp, model.StatusNoShow, model.StatusCancelled},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to model.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// change describes one transition applied to a copy of an order.
type change struct {
	to          model.OrderStatus
	at          time.Time
	actor       *int64
	reason      string
	event       string
	auditAction string
}

// apply returns the transitioned copy together with its effects. The input
// is left untouched so a lost race leaves nothing half-applied.
func apply(o *model.Order, c change) (*model.Order, []effects.Effect, error) {
	if !CanTransition(o.Status, c.to) {
		return nil, nil, fmt.Errorf("order %d: transition %s -> %s not allowed", o.ID, o.Status, c.to)
	}

	next := o.Clone()
	next.Status = c.to
	next.UpdatedAt = c.at
	switch c.to {
	case model.StatusPickedUp:
		at := c.at
		next.CheckInTime = &at
		next.CheckedInBy = c.actor
	case model.StatusCancelled:
		next.CancelReason = c.reason
		next.CancelledBy = c.actor
	}

	return next, []effects.Effect{
		effects.Notify(c.event, payload(next)),
		effects.Audit(c.auditAction, o.Clone(), next.Clone(), auditFields(c.actor, c.reason)),
	}, nil
}

func payload(o *model.Order) map[string]any {
	p := map[string]any{
		"order_id":   o.ID,
		"user_id":    o.UserID,
		"shift_id":   o.ShiftID,
		"order_date": o.OrderDate.Format(calendar.DateLayout),
		"status":     string(o.Status),
	}
	if o.CancelReason != "" {
		p["reason"] = o.CancelReason
	}
	return p
}

func auditFields(actor *int64, reason string) map[string]any {
	f := map[string]any{}
	if actor != nil {
		f["actor_id"] = *actor
	} else {
		f["actor"] = "system"
	}
	if reason != "" {
		f["reason"] = reason
	}
	return f
}
