package recurrence

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/example/reservation-engine/internal/clock"
)

// ErrEmptyCalendar indicates a rule that produces no occurrences.
var ErrEmptyCalendar = errors.New("recurrence: rule produces no occurrences")

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Sunday:    rrule.SU,
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
}

// ToRRule renders rule as an RFC 5545 recurrence starting at startTime. The
// calendar is bounded by COUNT so that the safety cap and until dates are
// represented exactly.
func (e *Engine) ToRRule(rule Rule, startTime clock.TimeOfDay) (*rrule.RRule, error) {
	dates, err := e.Dates(rule)
	if err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		return nil, ErrEmptyCalendar
	}

	first := dates[0]
	opt := rrule.ROption{
		Dtstart:  clock.Compose(first, startTime, e.Location()),
		Count:    len(dates),
		Interval: 1,
	}

	switch rule.Frequency {
	case FrequencyDaily:
		opt.Freq = rrule.DAILY
	case FrequencyWeekly, FrequencyBiweekly:
		opt.Freq = rrule.WEEKLY
		if rule.Frequency == FrequencyBiweekly {
			opt.Interval = 2
		}
		opt.Byweekday = []rrule.Weekday{rruleWeekdays[first.Weekday()]}
	case FrequencyMonthly:
		opt.Freq = rrule.MONTHLY
		day := first.Day()
		if day <= 28 {
			opt.Bymonthday = []int{day}
		} else {
			// Last existing day among 28..day, i.e. the anchor day clamped to the month.
			for d := 28; d <= day; d++ {
				opt.Bymonthday = append(opt.Bymonthday, d)
			}
			opt.Bysetpos = []int{-1}
		}
	default:
		return nil, ErrInvalidFrequency
	}

	return rrule.NewRRule(opt)
}
