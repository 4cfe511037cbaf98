package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/reservation-engine/internal/clock"
)

// Frequency represents supported recurrence intervals.
type Frequency int

const (
	// FrequencyUnspecified indicates the rule frequency is not set.
	FrequencyUnspecified Frequency = iota
	// FrequencyDaily repeats every day.
	FrequencyDaily
	// FrequencyWeekly repeats every 7 days on the rule's weekday.
	FrequencyWeekly
	// FrequencyBiweekly repeats every 14 days.
	FrequencyBiweekly
	// FrequencyMonthly repeats on the same day of each month, clamped to short months.
	FrequencyMonthly
)

var frequencyNames = map[Frequency]string{
	FrequencyDaily:    "daily",
	FrequencyWeekly:   "weekly",
	FrequencyBiweekly: "biweekly",
	FrequencyMonthly:  "monthly",
}

// String returns the canonical lowercase name.
func (f Frequency) String() string {
	if name, ok := frequencyNames[f]; ok {
		return name
	}
	return "unspecified"
}

// ParseFrequency resolves a frequency name.
func ParseFrequency(value string) (Frequency, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	for freq, name := range frequencyNames {
		if name == value {
			return freq, nil
		}
	}
	return FrequencyUnspecified, fmt.Errorf("%w: %q", ErrInvalidFrequency, value)
}

const (
	// SafetyCapOccurrences bounds rules that carry neither a count nor an until date.
	SafetyCapOccurrences = 52
	// SafetyCapYears bounds the same rules in time, measured from the first date.
	SafetyCapYears = 1
)

var (
	// ErrInvalidFrequency indicates the recurrence frequency is not supported.
	ErrInvalidFrequency = errors.New("recurrence: invalid frequency")
	// ErrMissingWeekday indicates a weekly rule without a weekday.
	ErrMissingWeekday = errors.New("recurrence: weekly rules require a weekday")
	// ErrInvalidWeekday indicates a weekday outside 0-6.
	ErrInvalidWeekday = errors.New("recurrence: weekday must be between 0 and 6")
	// ErrMissingAnchor indicates the rule has no anchor date.
	ErrMissingAnchor = errors.New("recurrence: anchor date is required")
	// ErrInvalidCount indicates a negative repetition count.
	ErrInvalidCount = errors.New("recurrence: repetition count must not be negative")
)

// Rule is the calendar part of a recurrence rule.
type Rule struct {
	Frequency       Frequency
	Weekday         *time.Weekday
	AnchorDate      time.Time
	RepetitionCount *int
	UntilDate       *time.Time
}

// Validate reports configuration errors that make a rule unusable.
func (r Rule) Validate() error {
	var errs []error
	if _, ok := frequencyNames[r.Frequency]; !ok {
		errs = append(errs, ErrInvalidFrequency)
	}
	if r.Frequency == FrequencyWeekly && r.Weekday == nil {
		errs = append(errs, ErrMissingWeekday)
	}
	if r.Weekday != nil && (*r.Weekday < time.Sunday || *r.Weekday > time.Saturday) {
		errs = append(errs, ErrInvalidWeekday)
	}
	if r.AnchorDate.IsZero() {
		errs = append(errs, ErrMissingAnchor)
	}
	if r.RepetitionCount != nil && *r.RepetitionCount < 0 {
		errs = append(errs, ErrInvalidCount)
	}
	return errors.Join(errs...)
}

// Engine expands recurrence rules into calendar dates.
type Engine struct {
	location *time.Location
}

// NewEngine constructs an Engine that interprets dates in the provided
// location. If loc is nil, UTC is used.
func NewEngine(loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{location: loc}
}

// Location returns the engine's calendar location.
func (e *Engine) Location() *time.Location {
	if e == nil || e.location == nil {
		return time.UTC
	}
	return e.location
}

// Dates returns the occurrence dates of rule as midnights in the engine's
// location, in ascending order.
//
// The engine enforces the following semantics:
//   - Weekly and biweekly rules first move the anchor forward to the rule's weekday.
//   - Monthly steps are taken from the anchor so a day-31 rule returns to
//     the 31st after a short month.
//   - Generation stops after RepetitionCount dates, after UntilDate, or at the
//     safety cap when neither bound is set.
//   - A zero count or an until date before the anchor yields no dates.
func (e *Engine) Dates(rule Rule) ([]time.Time, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	loc := e.Location()

	first := clock.DateOf(rule.AnchorDate, loc)
	if rule.Weekday != nil && (rule.Frequency == FrequencyWeekly || rule.Frequency == FrequencyBiweekly) {
		first = clock.AlignWeekday(first, *rule.Weekday)
	}

	limit := -1
	if rule.RepetitionCount != nil {
		limit = *rule.RepetitionCount
	}

	var until time.Time
	hasUntil := rule.UntilDate != nil
	if hasUntil {
		until = clock.DateOf(*rule.UntilDate, loc)
		if until.Before(clock.DateOf(rule.AnchorDate, loc)) {
			return nil, nil
		}
	}

	capped := limit < 0 && !hasUntil
	capEnd := first.AddDate(SafetyCapYears, 0, 0)
	if capped {
		limit = SafetyCapOccurrences
	}

	dates := make([]time.Time, 0)
	for i := 0; limit < 0 || i < limit; i++ {
		current := step(first, rule.Frequency, i)
		if hasUntil && current.After(until) {
			break
		}
		if capped && !current.Before(capEnd) {
			break
		}
		dates = append(dates, current)
	}

	return dates, nil
}

// step returns the i-th calendar date counted from first.
func step(first time.Time, freq Frequency, i int) time.Time {
	switch freq {
	case FrequencyDaily:
		return first.AddDate(0, 0, i)
	case FrequencyWeekly:
		return first.AddDate(0, 0, 7*i)
	case FrequencyBiweekly:
		return first.AddDate(0, 0, 14*i)
	case FrequencyMonthly:
		return clock.AddMonthsClamped(first, i)
	default:
		return first
	}
}
