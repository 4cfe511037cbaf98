// Package clock holds the calendar arithmetic shared by the scheduling
// packages: composing dates with times of day, aligning dates to weekdays and
// stepping by calendar months.
package clock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTimeOfDay is returned when a time of day cannot be parsed.
var ErrInvalidTimeOfDay = errors.New("clock: invalid time of day")

// TimeOfDay is a wall clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// NewTimeOfDay validates and constructs a TimeOfDay.
func NewTimeOfDay(hour, minute int) (TimeOfDay, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: %02d:%02d", ErrInvalidTimeOfDay, hour, minute)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	value = strings.TrimSpace(value)
	hh, mm, ok := strings.Cut(value, ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, value)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, value)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, value)
	}
	return NewTimeOfDay(hour, minute)
}

// MustTimeOfDay is ParseTimeOfDay for constants and tests.
func MustTimeOfDay(value string) TimeOfDay {
	tod, err := ParseTimeOfDay(value)
	if err != nil {
		panic(err)
	}
	return tod
}

// TimeOfDayOf extracts the wall clock time of t in loc.
func TimeOfDayOf(t time.Time, loc *time.Location) TimeOfDay {
	if loc != nil {
		t = t.In(loc)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}
}

// String renders the time as "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Minutes returns the number of minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// Before reports whether t is earlier in the day than other.
func (t TimeOfDay) Before(other TimeOfDay) bool {
	return t.Minutes() < other.Minutes()
}

// Add returns the time of day shifted by d and whether the result stayed on
// the same day.
func (t TimeOfDay) Add(d time.Duration) (TimeOfDay, bool) {
	total := t.Minutes() + int(d/time.Minute)
	if total < 0 || total >= 24*60 {
		return TimeOfDay{}, false
	}
	return TimeOfDay{Hour: total / 60, Minute: total % 60}, true
}

// Compose places tod on the calendar date of date as seen in loc.
func Compose(date time.Time, tod TimeOfDay, loc *time.Location) time.Time {
	if loc == nil {
		loc = date.Location()
	}
	y, m, d := date.In(loc).Date()
	return time.Date(y, m, d, tod.Hour, tod.Minute, 0, 0, loc)
}

// DateOf returns midnight of t's calendar date in loc.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = t.Location()
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// AlignWeekday moves date forward to the first day (inclusive) that falls on
// weekday.
func AlignWeekday(date time.Time, weekday time.Weekday) time.Time {
	offset := (int(weekday) - int(date.Weekday()) + 7) % 7
	return date.AddDate(0, 0, offset)
}

// DaysIn reports the number of days of month in year.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AddMonthsClamped steps date by n calendar months keeping its day of month,
// clamped to the last day of the target month.
func AddMonthsClamped(date time.Time, n int) time.Time {
	y, m, d := date.Date()
	first := time.Date(y, m, 1, date.Hour(), date.Minute(), date.Second(), date.Nanosecond(), date.Location())
	target := first.AddDate(0, n, 0)
	if last := DaysIn(target.Year(), target.Month()); d > last {
		d = last
	}
	return target.AddDate(0, 0, d-1)
}

// Overlaps reports whether [a1,a2) and [b1,b2) share any instant. Touching
// intervals do not overlap.
func Overlaps(a1, a2, b1, b2 time.Time) bool {
	return a1.Before(b2) && b1.Before(a2)
}
