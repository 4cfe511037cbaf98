package recurrence

import (
	"errors"
	"testing"
	"time"

	"github.com/example/reservation-engine/internal/clock"
)

func intPtr(v int) *int { return &v }

func weekdayPtr(d time.Weekday) *time.Weekday { return &d }

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestEngine_WeeklyAlignsAnchorToWeekday(t *testing.T) {
	t.Parallel()

	engine := NewEngine(time.UTC)
	dates, err := engine.Dates(Rule{
		Frequency:       FrequencyWeekly,
		Weekday:         weekdayPtr(time.Monday),
		AnchorDate:      date(2025, 1, 1), // Wednesday
		RepetitionCount: intPtr(3),
	})
	if err != nil {
		t.Fatalf("Dates returned error: %v", err)
	}

	want := []time.Time{date(2025, 1, 6), date(2025, 1, 13), date(2025, 1, 20)}
	assertDates(t, dates, want)
}

func TestEngine_StepsPerFrequency(t *testing.T) {
	t.Parallel()

	engine := NewEngine(nil)
	cases := []struct {
		name string
		rule Rule
		want []time.Time
	}{
		{
			name: "daily",
			rule: Rule{Frequency: FrequencyDaily, AnchorDate: date(2025, 2, 27), RepetitionCount: intPtr(3)},
			want: []time.Time{date(2025, 2, 27), date(2025, 2, 28), date(2025, 3, 1)},
		},
		{
			name: "biweekly",
			rule: Rule{Frequency: FrequencyBiweekly, AnchorDate: date(2025, 3, 3), RepetitionCount: intPtr(3)},
			want: []time.Time{date(2025, 3, 3), date(2025, 3, 17), date(2025, 3, 31)},
		},
		{
			name: "monthly clamps to short months",
			rule: Rule{Frequency: FrequencyMonthly, AnchorDate: date(2025, 1, 31), RepetitionCount: intPtr(4)},
			want: []time.Time{date(2025, 1, 31), date(2025, 2, 28), date(2025, 3, 31), date(2025, 4, 30)},
		},
		{
			name: "until date is inclusive",
			rule: Rule{Frequency: FrequencyWeekly, Weekday: weekdayPtr(time.Monday), AnchorDate: date(2025, 3, 3), UntilDate: datePtr(2025, 3, 17)},
			want: []time.Time{date(2025, 3, 3), date(2025, 3, 10), date(2025, 3, 17)},
		},
		{
			name: "count and until, first bound wins",
			rule: Rule{Frequency: FrequencyDaily, AnchorDate: date(2025, 3, 3), RepetitionCount: intPtr(10), UntilDate: datePtr(2025, 3, 4)},
			want: []time.Time{date(2025, 3, 3), date(2025, 3, 4)},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dates, err := engine.Dates(tc.rule)
			if err != nil {
				t.Fatalf("Dates returned error: %v", err)
			}
			assertDates(t, dates, tc.want)
		})
	}
}

func TestEngine_EmptyCalendars(t *testing.T) {
	t.Parallel()

	engine := NewEngine(time.UTC)

	dates, err := engine.Dates(Rule{Frequency: FrequencyDaily, AnchorDate: date(2025, 3, 3), RepetitionCount: intPtr(0)})
	if err != nil || len(dates) != 0 {
		t.Fatalf("expected empty result for zero count, got %v (err=%v)", dates, err)
	}

	dates, err = engine.Dates(Rule{Frequency: FrequencyDaily, AnchorDate: date(2025, 3, 3), UntilDate: datePtr(2025, 3, 1)})
	if err != nil || len(dates) != 0 {
		t.Fatalf("expected empty result for until before anchor, got %v (err=%v)", dates, err)
	}
}

func TestEngine_SafetyCap(t *testing.T) {
	t.Parallel()

	engine := NewEngine(time.UTC)

	weekly, err := engine.Dates(Rule{Frequency: FrequencyWeekly, Weekday: weekdayPtr(time.Tuesday), AnchorDate: date(2025, 1, 7)})
	if err != nil {
		t.Fatalf("Dates returned error: %v", err)
	}
	if len(weekly) != SafetyCapOccurrences {
		t.Fatalf("expected %d weekly dates, got %d", SafetyCapOccurrences, len(weekly))
	}

	monthly, err := engine.Dates(Rule{Frequency: FrequencyMonthly, AnchorDate: date(2025, 1, 15)})
	if err != nil {
		t.Fatalf("Dates returned error: %v", err)
	}
	if len(monthly) != 12 {
		t.Fatalf("expected monthly rule to stop after one year (12 dates), got %d", len(monthly))
	}
}

func TestRule_Validate(t *testing.T) {
	t.Parallel()

	err := Rule{Frequency: FrequencyWeekly, AnchorDate: date(2025, 1, 1)}.Validate()
	if !errors.Is(err, ErrMissingWeekday) {
		t.Fatalf("expected ErrMissingWeekday, got %v", err)
	}

	err = Rule{Frequency: FrequencyUnspecified, AnchorDate: date(2025, 1, 1)}.Validate()
	if !errors.Is(err, ErrInvalidFrequency) {
		t.Fatalf("expected ErrInvalidFrequency, got %v", err)
	}

	err = Rule{Frequency: FrequencyDaily, RepetitionCount: intPtr(-1)}.Validate()
	if !errors.Is(err, ErrMissingAnchor) || !errors.Is(err, ErrInvalidCount) {
		t.Fatalf("expected anchor and count errors, got %v", err)
	}

	if _, err := NewEngine(nil).Dates(Rule{Frequency: FrequencyWeekly, AnchorDate: date(2025, 1, 1)}); !errors.Is(err, ErrMissingWeekday) {
		t.Fatalf("expected Dates to reject invalid rule, got %v", err)
	}
}

func TestParseFrequency(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"daily", "Weekly", " biweekly ", "MONTHLY"} {
		freq, err := ParseFrequency(name)
		if err != nil {
			t.Fatalf("ParseFrequency(%q) returned error: %v", name, err)
		}
		if freq.String() == "unspecified" {
			t.Fatalf("ParseFrequency(%q) returned unspecified", name)
		}
	}
	if _, err := ParseFrequency("yearly"); !errors.Is(err, ErrInvalidFrequency) {
		t.Fatalf("expected ErrInvalidFrequency, got %v", err)
	}
}

func TestEngine_ToRRuleMatchesDates(t *testing.T) {
	t.Parallel()

	engine := NewEngine(time.UTC)
	start := clock.MustTimeOfDay("10:00")

	rules := []Rule{
		{Frequency: FrequencyWeekly, Weekday: weekdayPtr(time.Monday), AnchorDate: date(2025, 1, 1), RepetitionCount: intPtr(4)},
		{Frequency: FrequencyBiweekly, AnchorDate: date(2025, 1, 2), UntilDate: datePtr(2025, 3, 1)},
		{Frequency: FrequencyDaily, AnchorDate: date(2025, 1, 30), RepetitionCount: intPtr(5)},
		{Frequency: FrequencyMonthly, AnchorDate: date(2025, 1, 15), RepetitionCount: intPtr(6)},
	}

	for _, rule := range rules {
		r, err := engine.ToRRule(rule, start)
		if err != nil {
			t.Fatalf("ToRRule(%s) returned error: %v", rule.Frequency, err)
		}
		dates, err := engine.Dates(rule)
		if err != nil {
			t.Fatalf("Dates(%s) returned error: %v", rule.Frequency, err)
		}
		got := r.All()
		if len(got) != len(dates) {
			t.Fatalf("%s: rrule produced %d occurrences, engine %d", rule.Frequency, len(got), len(dates))
		}
		for i := range dates {
			if want := clock.Compose(dates[i], start, time.UTC); !got[i].Equal(want) {
				t.Fatalf("%s: occurrence %d = %v, want %v", rule.Frequency, i, got[i], want)
			}
		}
	}

	zero := 0
	if _, err := engine.ToRRule(Rule{Frequency: FrequencyDaily, AnchorDate: date(2025, 1, 1), RepetitionCount: &zero}, start); !errors.Is(err, ErrEmptyCalendar) {
		t.Fatalf("expected ErrEmptyCalendar, got %v", err)
	}
}

func assertDates(t *testing.T, got, want []time.Time) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d dates, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("date %d = %s, want %s", i, got[i].Format(time.DateOnly), want[i].Format(time.DateOnly))
		}
	}
}
