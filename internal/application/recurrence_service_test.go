package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/reservation-engine/internal/clock"
)

func intPtr(v int) *int { return &v }

func weekdayPtr(d time.Weekday) *time.Weekday { return &d }

func day(month time.Month, d int) time.Time {
	return time.Date(2025, month, d, 0, 0, 0, 0, time.UTC)
}

func ruleInput(frequency string, anchor time.Time, start string) RuleInput {
	return RuleInput{
		TrainerID:         "trainer-1",
		ClientID:          "client-1",
		ClientDisplayName: "Ana",
		AnchorDate:        anchor,
		StartTime:         clock.MustTimeOfDay(start),
		DurationMinutes:   60,
		Kind:              KindOneOnOne,
		SessionMode:       ModeInPerson,
		Price:             4000,
		Frequency:         frequency,
	}
}

func weeklyInput(anchor time.Time, weekday time.Weekday, count int) RuleInput {
	input := ruleInput("weekly", anchor, "10:00")
	input.Weekday = weekdayPtr(weekday)
	input.RepetitionCount = intPtr(count)
	return input
}

func mustCreateRule(t *testing.T, env *testEnv, input RuleInput) RecurrenceRule {
	t.Helper()
	rule, _, err := env.recurrences.CreateRule(context.Background(), input, false)
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}
	return rule
}

func mustExpand(t *testing.T, env *testEnv, id string) ExpansionResult {
	t.Helper()
	result, err := env.recurrences.Expand(context.Background(), id)
	if err != nil {
		t.Fatalf("Expand returned error: %v", err)
	}
	return result
}

func TestRecurrenceService_CreateRule_Validation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	tests := map[string]struct {
		mutate func(*RuleInput)
		field  string
	}{
		"weekly without weekday": {func(in *RuleInput) { in.Weekday = nil }, "weekday"},
		"unknown frequency":      {func(in *RuleInput) { in.Frequency = "hourly" }, "frequency"},
		"missing anchor":         {func(in *RuleInput) { in.AnchorDate = time.Time{} }, "anchor_date"},
		"negative count":         {func(in *RuleInput) { in.RepetitionCount = intPtr(-1) }, "repetition_count"},
		"no duration":            {func(in *RuleInput) { in.DurationMinutes = 0 }, "end_time"},
		"past midnight":          {func(in *RuleInput) { in.StartTime = clock.MustTimeOfDay("23:30") }, "end_time"},
		"missing trainer":        {func(in *RuleInput) { in.TrainerID = " " }, "trainer_id"},
		"end disagrees": {func(in *RuleInput) {
			end := clock.MustTimeOfDay("12:00")
			in.EndTime = &end
		}, "end_time"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			input := weeklyInput(day(time.January, 8), time.Monday, 3)
			tc.mutate(&input)

			_, _, err := env.recurrences.CreateRule(context.Background(), input, false)
			expectErr(t, err, ErrInvalidRule)

			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if _, ok := vErr.FieldErrors[tc.field]; !ok {
				t.Fatalf("expected %s error, got %v", tc.field, vErr.FieldErrors)
			}
		})
	}
}

func TestRecurrenceService_CreateRule_ReturnsStoredRuleWhenExpansionFails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	storageErr := errors.New("disk full")
	env.store.mu.Lock()
	env.store.listErr = storageErr
	env.store.mu.Unlock()

	rule, expansion, err := env.recurrences.CreateRule(ctx, weeklyInput(day(time.January, 8), time.Monday, 3), true)
	expectErr(t, err, ErrExpansionFailed)
	if !errors.Is(err, storageErr) {
		t.Fatalf("expected the expansion cause to be kept, got %v", err)
	}
	if rule.ID == "" || expansion != nil {
		t.Fatalf("expected the stored rule without an expansion, got %+v %+v", rule, expansion)
	}
	if kind := ErrorKind(err); kind != "expansion_failed" {
		t.Fatalf("expected expansion_failed kind, got %s", kind)
	}

	stored, err := env.recurrences.GetRule(ctx, rule.ID)
	if err != nil || stored.Status != RuleActive {
		t.Fatalf("expected the rule to stay stored and active, got %+v %v", stored, err)
	}

	env.store.mu.Lock()
	env.store.listErr = nil
	env.store.mu.Unlock()
	if result := mustExpand(t, env, rule.ID); len(result.Created) != 3 {
		t.Fatalf("expected retry to create 3 occurrences, got %d", len(result.Created))
	}
}

func TestRecurrenceService_CreateRule_DerivesEndTime(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rule := mustCreateRule(t, env, weeklyInput(day(time.January, 8), time.Monday, 3))
	if rule.EndTime.String() != "11:00" || rule.Status != RuleActive || !rule.Active {
		t.Fatalf("unexpected rule %+v", rule)
	}

	input := weeklyInput(day(time.January, 8), time.Monday, 3)
	end := clock.MustTimeOfDay("10:45")
	input.EndTime = &end
	input.DurationMinutes = 0
	rule = mustCreateRule(t, env, input)
	if rule.DurationMinutes != 45 {
		t.Fatalf("expected duration derived from end time, got %d", rule.DurationMinutes)
	}
}

func TestRecurrenceService_Expand_WeeklyAlignsToWeekday(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	// Anchor on a Wednesday, sessions on Mondays.
	rule := mustCreateRule(t, env, weeklyInput(day(time.January, 8), time.Monday, 3))

	result := mustExpand(t, env, rule.ID)
	if len(result.Created) != 3 {
		t.Fatalf("expected three occurrences, got %+v", result)
	}
	want := []time.Time{day(time.January, 13), day(time.January, 20), day(time.January, 27)}
	for i, reservation := range result.Created {
		if reservation.StartAt.Weekday() != time.Monday {
			t.Fatalf("occurrence %d falls on %s", i, reservation.StartAt.Weekday())
		}
		if !reservation.StartAt.Equal(want[i].Add(10 * time.Hour)) {
			t.Fatalf("occurrence %d: expected %s, got %s", i, want[i].Add(10*time.Hour), reservation.StartAt)
		}
		if reservation.Origin != OriginRecurrence || reservation.RecurrenceID != rule.ID || reservation.Status != StatusConfirmed {
			t.Fatalf("unexpected occurrence %+v", reservation)
		}
	}

	stored, _ := env.recurrences.GetRule(context.Background(), rule.ID)
	if stored.OccurrencesMaterialized != 3 || stored.Status != RuleActive {
		t.Fatalf("expected counter 3 on an active rule, got %+v", stored)
	}
}

func TestRecurrenceService_Expand_IsIdempotent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rule := mustCreateRule(t, env, weeklyInput(day(time.January, 8), time.Monday, 3))

	mustExpand(t, env, rule.ID)
	again := mustExpand(t, env, rule.ID)
	if len(again.Created) != 0 || len(again.Skipped) != 0 {
		t.Fatalf("expected second expansion to be a no-op, got %+v", again)
	}
	if got := len(env.store.reservationsOfRule(rule.ID)); got != 3 {
		t.Fatalf("expected three stored occurrences, got %d", got)
	}
	stored, _ := env.recurrences.GetRule(context.Background(), rule.ID)
	if stored.OccurrencesMaterialized != 3 {
		t.Fatalf("expected counter to stay at 3, got %d", stored.OccurrencesMaterialized)
	}
}

func TestRecurrenceService_Expand_RescheduledOccurrenceKeepsItsDate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	rule := mustCreateRule(t, env, weeklyInput(day(time.January, 8), time.Monday, 5))

	first := mustExpand(t, env, rule.ID)
	if len(first.Created) != 5 {
		t.Fatalf("expected five occurrences, got %+v", first)
	}
	moved := first.Created[0]
	if moved.OccurrenceDate != "2025-01-13" {
		t.Fatalf("expected occurrence date 2025-01-13, got %q", moved.OccurrenceDate)
	}

	newStart := moved.StartAt.Add(24 * time.Hour)
	rescheduled, err := env.reservations.Reschedule(ctx, moved.ID, newStart, newStart.Add(time.Hour), "trainer travelling")
	if err != nil {
		t.Fatalf("Reschedule returned error: %v", err)
	}
	if rescheduled.OccurrenceDate != moved.OccurrenceDate {
		t.Fatalf("expected reschedule to keep occurrence date %q, got %q", moved.OccurrenceDate, rescheduled.OccurrenceDate)
	}

	again := mustExpand(t, env, rule.ID)
	if len(again.Created) != 0 {
		t.Fatalf("expected no new occurrences after a reschedule, got %+v", again.Created)
	}
	if got := len(env.store.reservationsOfRule(rule.ID)); got != 5 {
		t.Fatalf("expected five stored occurrences, got %d", got)
	}
	stored, _ := env.recurrences.GetRule(ctx, rule.ID)
	if stored.OccurrencesMaterialized != 5 {
		t.Fatalf("expected counter to stay at 5, got %d", stored.OccurrencesMaterialized)
	}
}

func TestRecurrenceService_Expand_SkipsConflictsAndContinues(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	blocker := mustCreate(t, env, createParams("trainer-1", day(time.January, 20).Add(10*time.Hour), day(time.January, 20).Add(11*time.Hour)))
	rule := mustCreateRule(t, env, weeklyInput(day(time.January, 8), time.Monday, 3))

	result := mustExpand(t, env, rule.ID)
	if len(result.Created) != 2 || len(result.Skipped) != 1 || len(result.Failed) != 0 {
		t.Fatalf("expected two created and one skipped, got %+v", result)
	}
	skipped := result.Skipped[0]
	if skipped.Reason != "conflict" || skipped.ConflictingReservationID != blocker.ID {
		t.Fatalf("unexpected skipped occurrence %+v", skipped)
	}
	if !skipped.Date.Equal(day(time.January, 20)) {
		t.Fatalf("expected skipped date 2025-01-20, got %s", skipped.Date)
	}

	stored, _ := env.recurrences.GetRule(context.Background(), rule.ID)
	if stored.OccurrencesMaterialized != 2 {
		t.Fatalf("expected counter 2, got %d", stored.OccurrencesMaterialized)
	}
}

func TestRecurrenceService_Expand_PastAndLeadTime(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	input := ruleInput("daily", day(time.January, 6), "08:00")
	input.RepetitionCount = intPtr(3)
	rule := mustCreateRule(t, env, input)

	// 6 Jan 08:00 is in the past, 7 Jan 08:00 is 23 hours away.
	result := mustExpand(t, env, rule.ID)
	if len(result.Created) != 1 || !result.Created[0].StartAt.Equal(day(time.January, 8).Add(8*time.Hour)) {
		t.Fatalf("expected only the 8 Jan occurrence, got %+v", result.Created)
	}
	if len(result.Skipped) != 1 || result.Skipped[0].Reason != "insufficient_lead_time" {
		t.Fatalf("expected one lead time skip, got %+v", result.Skipped)
	}
}

func TestRecurrenceService_Expand_BoundedBySafetyCap(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	input := ruleInput("weekly", day(time.January, 13), "10:00")
	input.Weekday = weekdayPtr(time.Monday)
	rule := mustCreateRule(t, env, input)

	preview, err := env.recurrences.PreviewRule(context.Background(), rule.ID)
	if err != nil {
		t.Fatalf("PreviewRule returned error: %v", err)
	}
	if len(preview) != 52 {
		t.Fatalf("expected 52 previewed occurrences, got %d", len(preview))
	}
	last := preview[len(preview)-1].StartAt
	if !last.Before(day(time.January, 13).AddDate(1, 0, 0)) {
		t.Fatalf("expected occurrences within one year, last at %s", last)
	}

	result := mustExpand(t, env, rule.ID)
	if len(result.Created) != 52 {
		t.Fatalf("expected 52 created occurrences, got %d", len(result.Created))
	}
}

func TestRecurrenceService_Expand_EmptyCalendar(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	zero := weeklyInput(day(time.January, 8), time.Monday, 0)
	rule, expansion, err := env.recurrences.CreateRule(context.Background(), zero, true)
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}
	if expansion == nil || len(expansion.Created) != 0 {
		t.Fatalf("expected an empty expansion, got %+v", expansion)
	}
	if rule.Status != RuleCompleted {
		t.Fatalf("expected empty rule to complete, got %s", rule.Status)
	}

	until := ruleInput("daily", day(time.January, 8), "10:00")
	untilDate := day(time.January, 7)
	until.UntilDate = &untilDate
	preview, err := env.recurrences.Preview(until)
	if err != nil || len(preview) != 0 {
		t.Fatalf("expected empty preview, got %d (%v)", len(preview), err)
	}
}

func TestRecurrenceService_Expand_CompletesFinishedRule(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	input := ruleInput("daily", time.Date(2024, time.December, 30, 0, 0, 0, 0, time.UTC), "10:00")
	input.RepetitionCount = intPtr(3)
	rule := mustCreateRule(t, env, input)

	result := mustExpand(t, env, rule.ID)
	if len(result.Created) != 0 || result.RuleStatus != RuleCompleted {
		t.Fatalf("expected completed rule without occurrences, got %+v", result)
	}

	_, err := env.recurrences.Expand(context.Background(), rule.ID)
	expectErr(t, err, ErrRuleInactive)
}

func TestRecurrenceService_PauseResume(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	rule := mustCreateRule(t, env, weeklyInput(day(time.January, 8), time.Monday, 3))

	paused, err := env.recurrences.PauseRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("PauseRule returned error: %v", err)
	}
	if paused.Status != RulePaused || paused.Active {
		t.Fatalf("expected paused inactive rule, got %+v", paused)
	}

	_, err = env.recurrences.Expand(ctx, rule.ID)
	expectErr(t, err, ErrRuleInactive)
	if got := len(env.store.reservationsOfRule(rule.ID)); got != 0 {
		t.Fatalf("expected nothing materialized while paused, got %d", got)
	}

	_, err = env.recurrences.PauseRule(ctx, rule.ID)
	expectErr(t, err, ErrInvalidTransition)

	resumed, err := env.recurrences.ResumeRule(ctx, rule.ID)
	if err != nil || resumed.Status != RuleActive || !resumed.Active {
		t.Fatalf("expected active rule after resume, got %+v (%v)", resumed, err)
	}
	if result := mustExpand(t, env, rule.ID); len(result.Created) != 3 {
		t.Fatalf("expected three occurrences after resume, got %d", len(result.Created))
	}
}

func TestRecurrenceService_CancelRule_CascadesToFutureOccurrences(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	rule := mustCreateRule(t, env, weeklyInput(day(time.January, 13), time.Monday, 5))
	created := mustExpand(t, env, rule.ID).Created
	if len(created) != 5 {
		t.Fatalf("expected five occurrences, got %d", len(created))
	}

	// Two occurrences are in the past.
	env.clock.Set(day(time.January, 21).Add(9 * time.Hour))

	cancelled, result, err := env.recurrences.CancelRule(ctx, rule.ID, true, "client moved away")
	if err != nil {
		t.Fatalf("CancelRule returned error: %v", err)
	}
	if cancelled.Status != RuleCancelled || cancelled.Active {
		t.Fatalf("expected cancelled rule, got %+v", cancelled)
	}
	if len(result.Affected) != 3 || result.Failed != 0 {
		t.Fatalf("expected three affected occurrences, got %+v", result)
	}

	for i, reservation := range created {
		stored, _ := env.store.GetReservation(ctx, reservation.ID)
		want := StatusCancelledByCenter
		if i < 2 {
			want = StatusConfirmed
		}
		if stored.Status != want {
			t.Fatalf("occurrence %d: expected %s, got %s", i, want, stored.Status)
		}
	}

	_, _, err = env.recurrences.CancelRule(ctx, rule.ID, true, "")
	expectErr(t, err, ErrInvalidTransition)

	_, err = env.recurrences.Expand(ctx, rule.ID)
	expectErr(t, err, ErrRuleInactive)
}

func TestRecurrenceService_CancelRule_WithoutCascade(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	rule := mustCreateRule(t, env, weeklyInput(day(time.January, 13), time.Monday, 2))
	mustExpand(t, env, rule.ID)

	_, result, err := env.recurrences.CancelRule(ctx, rule.ID, false, "")
	if err != nil {
		t.Fatalf("CancelRule returned error: %v", err)
	}
	if len(result.Affected) != 0 {
		t.Fatalf("expected no cascade, got %+v", result)
	}
	for _, reservation := range env.store.reservationsOfRule(rule.ID) {
		if reservation.Status != StatusConfirmed {
			t.Fatalf("expected occurrences untouched, got %s", reservation.Status)
		}
	}
}

func TestRecurrenceService_ModifyFutureOccurrences(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	rule := mustCreateRule(t, env, weeklyInput(day(time.January, 13), time.Monday, 3))
	created := mustExpand(t, env, rule.ID).Created

	env.clock.Set(day(time.January, 14).Add(9 * time.Hour))

	start := clock.MustTimeOfDay("12:00")
	price := int64(5000)
	updated, result, err := env.recurrences.ModifyFutureOccurrences(ctx, rule.ID, ReservationPatch{StartTime: &start, Price: &price}, "new timetable")
	if err != nil {
		t.Fatalf("ModifyFutureOccurrences returned error: %v", err)
	}
	if len(result.Affected) != 2 || result.Failed != 0 {
		t.Fatalf("expected two affected occurrences, got %+v", result)
	}
	if updated.StartTime.String() != "12:00" || updated.EndTime.String() != "13:00" || updated.Price != 5000 {
		t.Fatalf("expected rule to carry the new schedule, got %+v", updated)
	}

	past, _ := env.store.GetReservation(ctx, created[0].ID)
	if past.StartAt.Hour() != 10 || past.Price != 4000 {
		t.Fatalf("expected past occurrence untouched, got %+v", past)
	}
	for _, reservation := range created[1:] {
		stored, _ := env.store.GetReservation(ctx, reservation.ID)
		if stored.StartAt.Hour() != 12 || stored.Price != 5000 {
			t.Fatalf("expected future occurrence at 12:00 for 5000, got %+v", stored)
		}
	}

	if _, _, err := env.recurrences.CancelRule(ctx, rule.ID, false, ""); err != nil {
		t.Fatalf("CancelRule returned error: %v", err)
	}
	_, _, err = env.recurrences.ModifyFutureOccurrences(ctx, rule.ID, ReservationPatch{Price: &price}, "")
	expectErr(t, err, ErrRuleInactive)
}

func TestRecurrenceService_ModifyFutureOccurrences_CollectsFailures(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	rule := mustCreateRule(t, env, weeklyInput(day(time.January, 13), time.Monday, 2))
	created := mustExpand(t, env, rule.ID).Created

	// Another booking sits where the second occurrence wants to move.
	mustCreate(t, env, createParams("trainer-1", day(time.January, 20).Add(12*time.Hour), day(time.January, 20).Add(13*time.Hour)))

	start := clock.MustTimeOfDay("12:00")
	_, result, err := env.recurrences.ModifyFutureOccurrences(ctx, rule.ID, ReservationPatch{StartTime: &start}, "")
	if err != nil {
		t.Fatalf("ModifyFutureOccurrences returned error: %v", err)
	}
	if len(result.Affected) != 1 || result.Failed != 1 {
		t.Fatalf("expected one success and one failure, got %+v", result)
	}
	if result.Errors[0].ID != created[1].ID || result.Errors[0].Kind != "conflict" {
		t.Fatalf("unexpected failure %+v", result.Errors[0])
	}
}
