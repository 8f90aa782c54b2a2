// Package cutoff decides when a calendar date may still be ordered or
// cancelled. Everything here is pure: callers supply now, usually from
// clock.Clock, already projected into the business timezone.
package cutoff

import (
	"fmt"
	"time"

	"mealslot/internal/calendar"
	"mealslot/internal/model"
)

// Policy is either PerShift or Weekly.
type Policy interface {
	Mode() model.CutoffMode
	isPolicy()
}

// PerShift closes each shift a fixed lead time before it starts.
type PerShift struct {
	CutoffDays        int
	CutoffHours       int
	MaxOrderDaysAhead int
}

func (PerShift) Mode() model.CutoffMode { return model.CutoffPerShift }
func (PerShift) isPolicy()              {}

// Lead is the distance between the cutoff and the shift start.
func (p PerShift) Lead() time.Duration {
	return time.Duration(p.CutoffDays)*24*time.Hour + time.Duration(p.CutoffHours)*time.Hour
}

// Weekly opens whole weeks for ordering. The cutoff on CutoffWeekday at
// CutoffHour:CutoffMinute closes the following week.
type Weekly struct {
	CutoffWeekday     int // 0=Sunday
	CutoffHour        int
	CutoffMinute      int
	OrderableWeekdays [7]bool
	MaxWeeksAhead     int
}

func (Weekly) Mode() model.CutoffMode { return model.CutoffWeekly }
func (Weekly) isPolicy()              {}

// Orderable reports whether weekday (0=Sunday) may be ordered.
func (w Weekly) Orderable(weekday int) bool {
	return weekday >= 0 && weekday < 7 && w.OrderableWeekdays[weekday]
}

// FromSettings validates the fields of the active mode and builds the
// matching policy. Fields of the other mode are never read.
func FromSettings(s model.CutoffSettings) (Policy, error) {
	switch s.Mode {
	case model.CutoffPerShift:
		if s.CutoffDays < 0 {
			return nil, invalid("cutoff_days", "must be >= 0")
		}
		if s.CutoffHours < 0 || s.CutoffHours > 23 {
			return nil, invalid("cutoff_hours", "must be within [0,23]")
		}
		if s.MaxOrderDaysAhead < 1 || s.MaxOrderDaysAhead > 30 {
			return nil, invalid("max_order_days_ahead", "must be within [1,30]")
		}
		return PerShift{
			CutoffDays:        s.CutoffDays,
			CutoffHours:       s.CutoffHours,
			MaxOrderDaysAhead: s.MaxOrderDaysAhead,
		}, nil

	case model.CutoffWeekly:
		if s.WeeklyCutoffWeekday < 0 || s.WeeklyCutoffWeekday > 6 {
			return nil, invalid("weekly_cutoff_weekday", "must be within [0,6]")
		}
		if s.WeeklyCutoffHour < 0 || s.WeeklyCutoffHour > 23 {
			return nil, invalid("weekly_cutoff_hour", "must be within [0,23]")
		}
		if s.WeeklyCutoffMinute < 0 || s.WeeklyCutoffMinute > 59 {
			return nil, invalid("weekly_cutoff_minute", "must be within [0,59]")
		}
		if s.MaxWeeksAhead < 1 || s.MaxWeeksAhead > 4 {
			return nil, invalid("max_weeks_ahead", "must be within [1,4]")
		}
		if len(s.OrderableWeekdays) == 0 {
			return nil, invalid("orderable_weekdays", "must not be empty")
		}
		w := Weekly{
			CutoffWeekday: s.WeeklyCutoffWeekday,
			CutoffHour:    s.WeeklyCutoffHour,
			CutoffMinute:  s.WeeklyCutoffMinute,
			MaxWeeksAhead: s.MaxWeeksAhead,
		}
		for _, d := range s.OrderableWeekdays {
			if d < 0 || d > 6 {
				return nil, invalid("orderable_weekdays", fmt.Sprintf("weekday %d out of range", d))
			}
			w.OrderableWeekdays[d] = true
		}
		return w, nil
	}
	return nil, invalid("mode", fmt.Sprintf("unknown cutoff mode %q", s.Mode))
}

func invalid(field, reason string) error {
	return &model.ValidationError{Field: field, Reason: reason}
}

// ShiftWindow resolves the start and end instants of shift on date.
func ShiftWindow(shift model.Shift, date time.Time) (time.Time, time.Time, error) {
	start, err := calendar.ParseClock(shift.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("shift %d start: %w", shift.ID, err)
	}
	end, err := calendar.ParseClock(shift.EndTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("shift %d end: %w", shift.ID, err)
	}
	from, to := calendar.ShiftWindow(calendar.Day(date), start, end)
	return from, to, nil
}

// CutoffInstant returns the moment after which date can no longer be
// ordered or cancelled for shift.
func CutoffInstant(shift model.Shift, date time.Time, p Policy) (time.Time, error) {
	switch p := p.(type) {
	case PerShift:
		start, _, err := ShiftWindow(shift, date)
		if err != nil {
			return time.Time{}, err
		}
		return start.Add(-p.Lead()), nil
	case Weekly:
		return weeklyCutoff(calendar.AddDays(calendar.WeekStart(date), -7), p), nil
	}
	return time.Time{}, fmt.Errorf("unsupported cutoff policy %T", p)
}

// IsPastCutoff is true from the cutoff instant on.
func IsPastCutoff(now time.Time, shift model.Shift, date time.Time, p Policy) (bool, error) {
	at, err := CutoffInstant(shift, inLocation(date, now), p)
	if err != nil {
		return false, err
	}
	return !now.Before(at), nil
}

// MaxOrderableDate is the last date a per-shift policy accepts.
func MaxOrderableDate(today time.Time, p PerShift) time.Time {
	return calendar.AddDays(calendar.Day(today), p.MaxOrderDaysAhead)
}

// WeeklyWindow returns the Monday the orderable window starts on and the
// Monday right after it ends.
func WeeklyWindow(now time.Time, w Weekly) (time.Time, time.Time) {
	current := calendar.WeekStart(now)
	next := calendar.AddDays(current, 7)
	start := next
	if !now.Before(weeklyCutoff(current, w)) {
		start = calendar.AddDays(next, 7)
	}
	return start, calendar.AddDays(start, 7*w.MaxWeeksAhead)
}

// IsDateOrderableWeekly reports whether date lies inside the current window
// and falls on an orderable weekday. Dates in the current week never do.
func IsDateOrderableWeekly(now, date time.Time, w Weekly) bool {
	date = inLocation(date, now)
	start, end := WeeklyWindow(now, w)
	week := calendar.WeekStart(date)
	if week.Before(start) || !week.Before(end) {
		return false
	}
	return w.Orderable(calendar.WeekdayOf(date))
}

func weeklyCutoff(weekStart time.Time, w Weekly) time.Time {
	day := calendar.AddDays(weekStart, calendar.DaysFromMonday(w.CutoffWeekday))
	return calendar.Clock{Hour: w.CutoffHour, Minute: w.CutoffMinute}.On(day)
}

// inLocation re-anchors a calendar date to the location of ref without
// shifting its year, month and day.
func inLocation(date, ref time.Time) time.Time {
	if date.Location() == ref.Location() {
		return calendar.Day(date)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, ref.Location())
}
