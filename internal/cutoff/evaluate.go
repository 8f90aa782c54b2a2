package cutoff

import (
	"time"

	"mealslot/internal/calendar"
	"mealslot/internal/model"
)

// Reason codes for a date that may not be ordered.
const (
	ReasonDateInPast          = "date_in_past"
	ReasonDateOutOfRange      = "date_out_of_range"
	ReasonWeekdayNotOrderable = "weekday_not_orderable"
	ReasonPastCutoff          = "past_cutoff"
)

// Decision is the orderability of one (shift, date) pair.
type Decision struct {
	Allowed  bool
	Reason   string
	CutoffAt time.Time
}

// Evaluate applies the date-range and cutoff rules in the order they are
// reported to users. Order creation and shift listing both go through it.
func Evaluate(now time.Time, shift model.Shift, date time.Time, p Policy) (Decision, error) {
	date = inLocation(date, now)
	at, err := CutoffInstant(shift, date, p)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{CutoffAt: at}

	if date.Before(calendar.Day(now)) {
		d.Reason = ReasonDateInPast
		return d, nil
	}

	switch p := p.(type) {
	case PerShift:
		if date.After(MaxOrderableDate(now, p)) {
			d.Reason = ReasonDateOutOfRange
			return d, nil
		}
	case Weekly:
		if _, end := WeeklyWindow(now, p); !calendar.WeekStart(date).Before(end) {
			d.Reason = ReasonDateOutOfRange
			return d, nil
		}
		if !p.Orderable(calendar.WeekdayOf(date)) {
			d.Reason = ReasonWeekdayNotOrderable
			return d, nil
		}
	}

	if !now.Before(at) {
		d.Reason = ReasonPastCutoff
		return d, nil
	}
	d.Allowed = true
	return d, nil
}
