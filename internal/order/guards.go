package order

import (
	"time"

	"mealslot/internal/calendar"
	"mealslot/internal/cutoff"
	"mealslot/internal/model"
)

// CheckInLead is how early before the shift start a meal may be collected.
const CheckInLead = 30 * time.Minute

// CreateFacts is the state read before creating an order.
type CreateFacts struct {
	Shift       *model.Shift
	Holiday     model.HolidayBlock
	Blacklisted bool
	Existing    *model.Order // the user's non-cancelled order on the date, if any
}

// CheckCreate evaluates every creation precondition against facts.
func CheckCreate(now time.Time, date time.Time, p cutoff.Policy, facts CreateFacts) (*Failure, error) {
	shift := facts.Shift
	if shift == nil {
		return validation(ReasonUnknownShift, "shift does not exist"), nil
	}
	if !shift.IsActive {
		return policy(ReasonShiftInactive, "shift %q is not active", shift.Name), nil
	}
	if facts.Existing != nil {
		return policy(ReasonDuplicateOrder, "an order for %s already exists", date.Format(calendar.DateLayout)), nil
	}

	d, err := cutoff.Evaluate(now, *shift, date, p)
	if err != nil {
		return nil, err
	}
	switch d.Reason {
	case cutoff.ReasonDateInPast:
		return policy(ReasonDateInPast, "%s is in the past", date.Format(calendar.DateLayout)), nil
	case cutoff.ReasonDateOutOfRange:
		return policy(ReasonDateOutOfRange, "%s is beyond the ordering window", date.Format(calendar.DateLayout)), nil
	case cutoff.ReasonWeekdayNotOrderable:
		return policy(ReasonWeekdayNotOrderable, "%s is not an orderable weekday", date.Weekday()), nil
	}

	if facts.Holiday.Blocked {
		return policy(ReasonHoliday, "ordering is closed for %s", holidayName(facts.Holiday)), nil
	}
	if d.Reason == cutoff.ReasonPastCutoff {
		return policy(ReasonPastCutoff, "ordering closed at %s", d.CutoffAt.Format(time.RFC3339)), nil
	}
	if facts.Blacklisted {
		return policy(ReasonBlacklisted, "user is blacklisted"), nil
	}
	return nil, nil
}

// CheckCancel evaluates cancellation against the order's own date.
func CheckCancel(now time.Time, o *model.Order, shift model.Shift, p cutoff.Policy, requesterID int64, elevated bool) (*Failure, error) {
	if o.Status != model.StatusOrdered {
		return policy(ReasonInvalidState, "order is %s", o.Status), nil
	}
	if !elevated && o.UserID != requesterID {
		return policy(ReasonNotOwner, "order belongs to another user"), nil
	}
	past, err := cutoff.IsPastCutoff(now, shift, o.OrderDate, p)
	if err != nil {
		return nil, err
	}
	if past {
		return policy(ReasonPastCutoff, "cancellation closed for %s", o.OrderDate.Format(calendar.DateLayout)), nil
	}
	return nil, nil
}

// CheckCheckIn requires now within [shift start - CheckInLead, shift end].
func CheckCheckIn(now time.Time, o *model.Order, shift model.Shift) (*Failure, error) {
	if o.Status != model.StatusOrdered {
		return policy(ReasonInvalidState, "order is %s", o.Status), nil
	}
	start, end, err := cutoff.ShiftWindow(shift, inLocation(o.OrderDate, now))
	if err != nil {
		return nil, err
	}
	if now.Before(start.Add(-CheckInLead)) || now.After(end) {
		return policy(ReasonOutsideCheckInWindow, "check-in is open from %s to %s",
			start.Add(-CheckInLead).Format("15:04"), end.Format("15:04")), nil
	}
	return nil, nil
}

// CheckNoShow requires the shift to have ended strictly before now.
func CheckNoShow(now time.Time, o *model.Order, shift model.Shift) (*Failure, error) {
	if o.Status != model.StatusOrdered {
		return policy(ReasonInvalidState, "order is %s", o.Status), nil
	}
	_, end, err := cutoff.ShiftWindow(shift, inLocation(o.OrderDate, now))
	if err != nil {
		return nil, err
	}
	if !now.After(end) {
		return policy(ReasonShiftNotEnded, "shift ends at %s", end.Format(time.RFC3339)), nil
	}
	return nil, nil
}

func holidayName(h model.HolidayBlock) string {
	if h.Name == "" {
		return "a holiday"
	}
	return h.Name
}

func inLocation(date, ref time.Time) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, ref.Location())
}
