package persistence_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/reservation-engine/internal/application"
	"github.com/example/reservation-engine/internal/persistence"
	"github.com/example/reservation-engine/internal/testfixtures"
)

func forEachStorage(t *testing.T, fn func(t *testing.T, h *testfixtures.StorageHarness)) {
	t.Helper()
	for _, harness := range testfixtures.StorageHarnesses(t) {
		harness := harness
		t.Run(harness.Name, func(t *testing.T) {
			fn(t, harness)
		})
	}
}

func TestReservationRepository_CreateAndGet(t *testing.T) {
	forEachStorage(t, func(t *testing.T, h *testfixtures.StorageHarness) {
		ctx := context.Background()
		reminded := testfixtures.ReferenceTime().Add(time.Hour)
		fixture := testfixtures.NewReservationFixture(
			testfixtures.WithReservationVideoCall("https://meet.example.com/abc"),
			testfixtures.WithReservationPayment(application.PaymentCard),
			testfixtures.WithReservationReminderSentAt(reminded),
			testfixtures.WithReservationNotes("Created via manual as confirmed"),
		)
		require.NoError(t, h.Reservations.CreateReservation(ctx, fixture.Persistence()))

		got, err := h.Reservations.GetReservation(ctx, fixture.ID)
		require.NoError(t, err)
		assert.Equal(t, fixture.TrainerID, got.TrainerID)
		assert.True(t, got.StartAt.Equal(fixture.StartAt))
		assert.True(t, got.EndAt.Equal(fixture.EndAt))
		assert.Equal(t, "video_call", got.SessionMode)
		assert.True(t, got.Paid)
		require.NotNil(t, got.PaymentMethod)
		assert.Equal(t, "card", *got.PaymentMethod)
		require.NotNil(t, got.VideoCallLink)
		assert.Equal(t, "https://meet.example.com/abc", *got.VideoCallLink)
		assert.Nil(t, got.RecurrenceID)
		require.NotNil(t, got.ReminderSentAt)
		assert.True(t, got.ReminderSentAt.Equal(reminded))
		require.Len(t, got.Notes, 1)
		assert.Equal(t, "Created via manual as confirmed", got.Notes[0].Text)

		err = h.Reservations.CreateReservation(ctx, fixture.Persistence())
		assert.ErrorIs(t, err, persistence.ErrDuplicate)

		_, err = h.Reservations.GetReservation(ctx, "missing")
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})
}

func TestReservationRepository_KeepsSubSecondPrecision(t *testing.T) {
	forEachStorage(t, func(t *testing.T, h *testfixtures.StorageHarness) {
		ctx := context.Background()
		start := testfixtures.ReferenceTime().Add(48*time.Hour + 123456789*time.Nanosecond)
		fixture := testfixtures.NewReservationFixture(testfixtures.WithReservationWindow(start, start.Add(time.Hour)))
		fixture.CreatedAt = testfixtures.ReferenceTime().Add(987654321 * time.Nanosecond)
		fixture.UpdatedAt = fixture.CreatedAt
		require.NoError(t, h.Reservations.CreateReservation(ctx, fixture.Persistence()))

		got, err := h.Reservations.GetReservation(ctx, fixture.ID)
		require.NoError(t, err)
		assert.True(t, got.StartAt.Equal(fixture.StartAt), "start %s, want %s", got.StartAt, fixture.StartAt)
		assert.True(t, got.EndAt.Equal(fixture.EndAt))
		assert.True(t, got.CreatedAt.Equal(fixture.CreatedAt), "created %s, want %s", got.CreatedAt, fixture.CreatedAt)

		// Sub-second instants still order correctly in range queries.
		from := start.Add(-time.Nanosecond)
		list, err := h.Reservations.ListReservations(ctx, persistence.ReservationFilter{StartsFrom: &from})
		require.NoError(t, err)
		require.Len(t, list, 1)
		after := start.Add(time.Nanosecond)
		list, err = h.Reservations.ListReservations(ctx, persistence.ReservationFilter{StartsFrom: &after})
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestReservationRepository_OccurrenceDateIsImmutable(t *testing.T) {
	forEachStorage(t, func(t *testing.T, h *testfixtures.StorageHarness) {
		ctx := context.Background()
		rule := testfixtures.NewRuleFixture()
		require.NoError(t, h.Recurrences.CreateRecurrence(ctx, rule.Persistence()))

		fixture := testfixtures.NewReservationFixture(testfixtures.WithReservationRecurrence(rule.ID))
		fixture.OccurrenceDate = fixture.StartAt.Format(time.DateOnly)
		require.NoError(t, h.Reservations.CreateReservation(ctx, fixture.Persistence()))

		moved := fixture.Persistence()
		moved.StartAt = moved.StartAt.Add(24 * time.Hour)
		moved.EndAt = moved.EndAt.Add(24 * time.Hour)
		other := "2031-01-01"
		moved.OccurrenceDate = &other
		require.NoError(t, h.Reservations.UpdateReservation(ctx, moved))

		got, err := h.Reservations.GetReservation(ctx, fixture.ID)
		require.NoError(t, err)
		assert.True(t, got.StartAt.Equal(moved.StartAt))
		require.NotNil(t, got.OccurrenceDate)
		assert.Equal(t, fixture.OccurrenceDate, *got.OccurrenceDate)
	})
}

func TestReservationRepository_RejectsInvalidRows(t *testing.T) {
	forEachStorage(t, func(t *testing.T, h *testfixtures.StorageHarness) {
		ctx := context.Background()
		start := testfixtures.ReferenceTime()
		inverted := testfixtures.NewReservationFixture(testfixtures.WithReservationWindow(start, start))
		assert.ErrorIs(t, h.Reservations.CreateReservation(ctx, inverted.Persistence()), persistence.ErrConstraintViolation)

		orphan := testfixtures.NewReservationFixture(testfixtures.WithReservationRecurrence("rule-missing"))
		assert.ErrorIs(t, h.Reservations.CreateReservation(ctx, orphan.Persistence()), persistence.ErrForeignKeyViolation)
	})
}

func TestReservationRepository_UpdateKeepsNotesAppendOnly(t *testing.T) {
	forEachStorage(t, func(t *testing.T, h *testfixtures.StorageHarness) {
		ctx := context.Background()
		fixture := testfixtures.NewReservationFixture(testfixtures.WithReservationNotes("first"))
		require.NoError(t, h.Reservations.CreateReservation(ctx, fixture.Persistence()))

		updated := fixture.Persistence()
		updated.Status = "cancelled_by_center"
		updated.TrainerID = "trainer-other"
		updated.Notes = append(updated.Notes, persistence.ReservationNote{
			At:   testfixtures.ReferenceTime().Add(time.Minute),
			Text: "Cancelled by center",
		})
		require.NoError(t, h.Reservations.UpdateReservation(ctx, updated))

		got, err := h.Reservations.GetReservation(ctx, fixture.ID)
		require.NoError(t, err)
		assert.Equal(t, "cancelled_by_center", got.Status)
		assert.Equal(t, fixture.TrainerID, got.TrainerID, "trainer is immutable")
		require.Len(t, got.Notes, 2)
		assert.Equal(t, "first", got.Notes[0].Text)
		assert.Equal(t, "Cancelled by center", got.Notes[1].Text)

		truncated := fixture.Persistence()
		truncated.Notes = nil
		assert.ErrorIs(t, h.Reservations.UpdateReservation(ctx, truncated), persistence.ErrConstraintViolation)

		missing := testfixtures.NewReservationFixture()
		assert.ErrorIs(t, h.Reservations.UpdateReservation(ctx, missing.Persistence()), persistence.ErrNotFound)
	})
}

func TestReservationRepository_ListFilters(t *testing.T) {
	forEachStorage(t, func(t *testing.T, h *testfixtures.StorageHarness) {
		ctx := context.Background()
		rule := testfixtures.NewRuleFixture()
		require.NoError(t, h.Recurrences.CreateRecurrence(ctx, rule.Persistence()))

		day := testfixtures.ReferenceTime().Truncate(time.Hour).Add(48 * time.Hour)
		early := testfixtures.NewReservationFixture(
			testfixtures.WithReservationWindow(day, day.Add(time.Hour)),
			testfixtures.WithReservationReminderSentAt(testfixtures.ReferenceTime()),
		)
		late := testfixtures.NewReservationFixture(
			testfixtures.WithReservationWindow(day.Add(3*time.Hour), day.Add(4*time.Hour)),
			testfixtures.WithReservationRecurrence(rule.ID),
			testfixtures.WithReservationPayment(application.PaymentCash),
		)
		other := testfixtures.NewReservationFixture(
			testfixtures.WithReservationTrainer("trainer-002"),
			testfixtures.WithReservationWindow(day.Add(time.Hour), day.Add(2*time.Hour)),
			testfixtures.WithReservationStatus(application.StatusCancelledByClient),
		)
		for _, fixture := range []testfixtures.ReservationFixture{late, other, early} {
			require.NoError(t, h.Reservations.CreateReservation(ctx, fixture.Persistence()))
		}

		ids := func(filter persistence.ReservationFilter) []string {
			t.Helper()
			list, err := h.Reservations.ListReservations(ctx, filter)
			require.NoError(t, err)
			var out []string
			for _, r := range list {
				out = append(out, r.ID)
			}
			return out
		}

		assert.Equal(t, []string{early.ID, other.ID, late.ID}, ids(persistence.ReservationFilter{}))
		assert.Equal(t, []string{early.ID, late.ID}, ids(persistence.ReservationFilter{TrainerID: "trainer-001"}))
		assert.Equal(t, []string{other.ID}, ids(persistence.ReservationFilter{Statuses: []string{"cancelled_by_client"}}))
		assert.Equal(t, []string{late.ID}, ids(persistence.ReservationFilter{RecurrenceID: rule.ID}))

		paid := true
		assert.Equal(t, []string{late.ID}, ids(persistence.ReservationFilter{Paid: &paid}))
		assert.Equal(t, []string{other.ID, late.ID}, ids(persistence.ReservationFilter{NotReminded: true}))

		from := day.Add(time.Hour)
		assert.Equal(t, []string{other.ID, late.ID}, ids(persistence.ReservationFilter{StartsFrom: &from}))
		before := day.Add(3 * time.Hour)
		assert.Equal(t, []string{early.ID, other.ID}, ids(persistence.ReservationFilter{StartsBefore: &before}))
		endsBy := day.Add(2 * time.Hour)
		assert.Equal(t, []string{early.ID, other.ID}, ids(persistence.ReservationFilter{EndsBy: &endsBy}))

		// Touching intervals do not overlap.
		overlapFrom, overlapTo := day.Add(time.Hour), day.Add(3*time.Hour)
		assert.Equal(t, []string{other.ID}, ids(persistence.ReservationFilter{OverlapFrom: &overlapFrom, OverlapTo: &overlapTo}))
	})
}

func TestRecurrenceRepository_RoundTripAndCounter(t *testing.T) {
	forEachStorage(t, func(t *testing.T, h *testfixtures.StorageHarness) {
		ctx := context.Background()
		fixture := testfixtures.NewRuleFixture(
			testfixtures.WithRuleMaterialized(3),
			testfixtures.WithRuleNotes("knee rehab"),
		)
		require.NoError(t, h.Recurrences.CreateRecurrence(ctx, fixture.Persistence()))

		got, err := h.Recurrences.GetRecurrence(ctx, fixture.ID)
		require.NoError(t, err)
		assert.Equal(t, "weekly", got.Frequency)
		assert.Equal(t, "10:00", got.StartTime)
		assert.Equal(t, "11:00", got.EndTime)
		require.NotNil(t, got.Weekday)
		assert.Equal(t, int(*fixture.Weekday), *got.Weekday)
		require.NotNil(t, got.RepetitionCount)
		assert.Equal(t, 4, *got.RepetitionCount)
		assert.Nil(t, got.UntilDate)
		assert.True(t, got.AnchorDate.Equal(fixture.AnchorDate))
		require.NotNil(t, got.Notes)
		assert.Equal(t, "knee rehab", *got.Notes)

		update := got
		update.Status = "paused"
		update.Active = false
		update.OccurrencesMaterialized = 1
		update.Price = 5000
		require.NoError(t, h.Recurrences.UpdateRecurrence(ctx, update))

		got, err = h.Recurrences.GetRecurrence(ctx, fixture.ID)
		require.NoError(t, err)
		assert.Equal(t, "paused", got.Status)
		assert.False(t, got.Active)
		assert.Equal(t, int64(5000), got.Price)
		assert.Equal(t, 3, got.OccurrencesMaterialized, "counter never decreases")

		update.OccurrencesMaterialized = 5
		require.NoError(t, h.Recurrences.UpdateRecurrence(ctx, update))
		got, err = h.Recurrences.GetRecurrence(ctx, fixture.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, got.OccurrencesMaterialized)

		list, err := h.Recurrences.ListRecurrences(ctx, persistence.RecurrenceFilter{Statuses: []string{"active"}})
		require.NoError(t, err)
		assert.Empty(t, list)

		list, err = h.Recurrences.ListRecurrences(ctx, persistence.RecurrenceFilter{TrainerID: fixture.TrainerID})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, fixture.ID, list[0].ID)

		missing := testfixtures.NewRuleFixture()
		assert.ErrorIs(t, h.Recurrences.UpdateRecurrence(ctx, missing.Persistence()), persistence.ErrNotFound)
	})
}

func TestTokenRepository_ConsumeOnce(t *testing.T) {
	forEachStorage(t, func(t *testing.T, h *testfixtures.StorageHarness) {
		ctx := context.Background()
		reservation := testfixtures.NewReservationFixture()
		require.NoError(t, h.Reservations.CreateReservation(ctx, reservation.Persistence()))

		issued := testfixtures.ReferenceTime()
		token := persistence.ConfirmationToken{
			ID:            "token-1",
			ReservationID: reservation.ID,
			TokenDigest:   "digest-1",
			IssuedAt:      issued,
			ExpiresAt:     issued.Add(time.Hour),
		}
		require.NoError(t, h.Tokens.CreateToken(ctx, token))

		got, err := h.Tokens.GetTokenByDigest(ctx, "digest-1")
		require.NoError(t, err)
		assert.False(t, got.Used)
		assert.Nil(t, got.Action)

		var successes atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.Tokens.ConsumeToken(ctx, "digest-1", "confirm", issued.Add(time.Minute))
				if err == nil {
					successes.Add(1)
					return
				}
				assert.ErrorIs(t, err, persistence.ErrTokenUnavailable)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), successes.Load())

		got, err = h.Tokens.GetTokenByDigest(ctx, "digest-1")
		require.NoError(t, err)
		assert.True(t, got.Used)
		require.NotNil(t, got.Action)
		assert.Equal(t, "confirm", *got.Action)
		require.NotNil(t, got.UsedAt)

		_, err = h.Tokens.ConsumeToken(ctx, "missing", "confirm", issued)
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})
}

func TestTokenRepository_ExpiredTokenIsUnavailable(t *testing.T) {
	forEachStorage(t, func(t *testing.T, h *testfixtures.StorageHarness) {
		ctx := context.Background()
		reservation := testfixtures.NewReservationFixture()
		require.NoError(t, h.Reservations.CreateReservation(ctx, reservation.Persistence()))

		issued := testfixtures.ReferenceTime()
		require.NoError(t, h.Tokens.CreateToken(ctx, persistence.ConfirmationToken{
			ID:            "token-2",
			ReservationID: reservation.ID,
			TokenDigest:   "digest-2",
			IssuedAt:      issued,
			ExpiresAt:     issued.Add(time.Hour),
		}))

		stored, err := h.Tokens.ConsumeToken(ctx, "digest-2", "cancel", issued.Add(time.Hour))
		assert.ErrorIs(t, err, persistence.ErrTokenUnavailable)
		assert.False(t, stored.Used)
		assert.Equal(t, "token-2", stored.ID)
	})
}

func TestBlockedPeriodRepository_ListAndDelete(t *testing.T) {
	forEachStorage(t, func(t *testing.T, h *testfixtures.StorageHarness) {
		ctx := context.Background()
		first := testfixtures.NewBlockedPeriodFixture()
		second := testfixtures.NewBlockedPeriodFixture(
			testfixtures.WithBlockedWindow(first.EndAt, first.EndAt.Add(time.Hour)),
		)
		foreign := testfixtures.NewBlockedPeriodFixture(testfixtures.WithBlockedTrainer("trainer-002"))
		for _, fixture := range []testfixtures.BlockedPeriodFixture{second, foreign, first} {
			require.NoError(t, h.BlockedPeriods.CreateBlockedPeriod(ctx, fixture.Persistence()))
		}

		all, err := h.BlockedPeriods.ListBlockedPeriods(ctx, "trainer-001", nil, nil)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, first.ID, all[0].ID)
		assert.Equal(t, second.ID, all[1].ID)
		require.NotNil(t, all[0].Reason)
		assert.Equal(t, "Vacation", *all[0].Reason)

		from := first.EndAt
		windowed, err := h.BlockedPeriods.ListBlockedPeriods(ctx, "trainer-001", &from, nil)
		require.NoError(t, err)
		require.Len(t, windowed, 1)
		assert.Equal(t, second.ID, windowed[0].ID)

		require.NoError(t, h.BlockedPeriods.DeleteBlockedPeriod(ctx, first.ID))
		assert.ErrorIs(t, h.BlockedPeriods.DeleteBlockedPeriod(ctx, first.ID), persistence.ErrNotFound)
	})
}
