// Package calendar holds the date arithmetic shared by cutoff evaluation,
// order guards and the no-show sweep. All functions keep the location of
// their argument; callers pass times already projected into the business
// timezone.
package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the wire and storage format of calendar dates.
const DateLayout = "2006-01-02"

// Day returns midnight of the calendar day containing t.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// AddDays moves a day by n calendar days. Unlike t.Add(n*24h) it stays on
// midnight across DST changes.
func AddDays(day time.Time, n int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day()+n, 0, 0, 0, 0, day.Location())
}

// WeekdayOf returns 0 for Sunday through 6 for Saturday.
func WeekdayOf(t time.Time) int {
	return int(t.Weekday())
}

// WeekStart returns midnight of the Monday of the week containing t.
func WeekStart(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	return AddDays(Day(t), -offset)
}

// DaysFromMonday maps a 0=Sunday weekday to its distance from Monday.
func DaysFromMonday(weekday int) int {
	return (weekday + 6) % 7
}

// SameDay reports whether a and b fall on the same calendar day.
func SameDay(a, b time.Time) bool {
	return Day(a).Equal(Day(b))
}

// ParseDate parses a YYYY-MM-DD date as midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return d, nil
}

// Clock is a wall-clock time of day without a date.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:mm".
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return Clock{}, fmt.Errorf("invalid time format: %s", s)
	}

	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return Clock{}, fmt.Errorf("invalid hour in %q", s)
	}

	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return Clock{}, fmt.Errorf("invalid minute in %q", s)
	}

	return Clock{Hour: hour, Minute: minute}, nil
}

// On combines the clock with the calendar day of day.
func (c Clock) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, day.Location())
}

// Before reports whether c is earlier in the day than o.
func (c Clock) Before(o Clock) bool {
	return c.Hour*60+c.Minute < o.Hour*60+o.Minute
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ShiftWindow returns the concrete start and end instants of a shift held on
// day. When end is earlier than start the shift runs overnight and the end
// instant falls on the next calendar day.
func ShiftWindow(day time.Time, start, end Clock) (time.Time, time.Time) {
	from := start.On(day)
	to := end.On(day)
	if end.Before(start) {
		to = end.On(AddDays(day, 1))
	}
	return from, to
}
