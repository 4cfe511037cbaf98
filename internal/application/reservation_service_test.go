package application

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/reservation-engine/internal/clock"
	"github.com/example/reservation-engine/internal/scheduler"
)

func TestReservationService_Create_InitialStatusFollowsOrigin(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	start, end := slot(2, 10, 60)

	fromApp := mustCreate(t, env, createParams("trainer-1", start, end))
	if fromApp.Status != StatusPending {
		t.Fatalf("expected client app booking to be pending, got %s", fromApp.Status)
	}

	manual := createParams("trainer-1", end, end.Add(time.Hour))
	manual.Origin = OriginManual
	reservation := mustCreate(t, env, manual)
	if reservation.Status != StatusConfirmed {
		t.Fatalf("expected manual booking to be confirmed, got %s", reservation.Status)
	}
	if len(reservation.Notes) == 0 || !strings.Contains(reservation.Notes[0].Text, "Created via manual") {
		t.Fatalf("expected creation note, got %+v", reservation.Notes)
	}

	env.reservations.Drain()
	if got := env.notifier.events(); len(got) != 2 || got[0] != EventReservationCreated {
		t.Fatalf("expected two created notifications, got %v", got)
	}
}

func TestReservationService_Create_ValidatesFields(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	start, _ := slot(2, 10, 60)

	_, err := env.reservations.Create(context.Background(), CreateReservationParams{
		StartAt: start,
		EndAt:   start,
		Kind:    "yoga",
		Price:   -1,
	})

	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, field := range []string{"trainer_id", "client_id", "end_at", "kind", "price"} {
		if _, ok := vErr.FieldErrors[field]; !ok {
			t.Fatalf("expected %s validation error, got %v", field, vErr.FieldErrors)
		}
	}
}

func TestReservationService_Create_RejectsOverlap(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	start, end := slot(2, 10, 60)
	existing := mustCreate(t, env, createParams("trainer-1", start, end))

	_, err := env.reservations.Create(context.Background(), createParams("trainer-1", start.Add(30*time.Minute), end.Add(30*time.Minute)))
	expectErr(t, err, ErrConflict)

	var slotErr *SlotError
	if !errors.As(err, &slotErr) || slotErr.ConflictingReservationID != existing.ID {
		t.Fatalf("expected conflict with %s, got %v", existing.ID, err)
	}

	// Touching intervals and other trainers are free.
	mustCreate(t, env, createParams("trainer-1", end, end.Add(time.Hour)))
	mustCreate(t, env, createParams("trainer-2", start, end))

	if len(env.metrics.rejected) != 1 || env.metrics.rejected[0] != "conflict" {
		t.Fatalf("expected one conflict rejection metric, got %v", env.metrics.rejected)
	}
}

func TestReservationService_Create_CancelledReservationFreesSlot(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	start, end := slot(2, 10, 60)
	first := mustCreate(t, env, createParams("trainer-1", start, end))

	if _, err := env.reservations.Cancel(ctx, first.ID, "sick", ActorCenter); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	mustCreate(t, env, createParams("trainer-1", start, end))
}

func TestReservationService_Create_EnforcesLeadTime(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	start := baseTime.Add(23 * time.Hour)

	_, err := env.reservations.Create(context.Background(), createParams("trainer-1", start, start.Add(time.Hour)))
	expectErr(t, err, ErrInsufficientLeadTime)

	start = baseTime.Add(24 * time.Hour)
	mustCreate(t, env, createParams("trainer-1", start, start.Add(time.Hour)))
}

func TestReservationService_Create_RespectsBlockedPeriodsAndHorizon(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *envConfig) {
		cfg.policy = scheduler.Policy{MinimumLeadTime: 24 * time.Hour, MaxDaysAhead: 30}
	})
	ctx := context.Background()
	start, end := slot(3, 8, 600)

	period, err := env.availability.CreateBlockedPeriod(ctx, BlockedPeriodInput{TrainerID: "trainer-1", StartAt: start, EndAt: end, Reason: "course"})
	if err != nil {
		t.Fatalf("CreateBlockedPeriod returned error: %v", err)
	}

	inside, insideEnd := slot(3, 10, 60)
	_, err = env.reservations.Create(ctx, createParams("trainer-1", inside, insideEnd))
	var slotErr *SlotError
	if !errors.As(err, &slotErr) || !errors.Is(err, ErrConflict) || slotErr.BlockedPeriodID != period.ID {
		t.Fatalf("expected blocked period conflict, got %v", err)
	}

	far, farEnd := slot(40, 10, 60)
	_, err = env.reservations.Create(ctx, createParams("trainer-1", far, farEnd))
	expectErr(t, err, ErrPolicyViolation)

	if err := env.availability.DeleteBlockedPeriod(ctx, "trainer-2", period.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected other trainer delete to be not found, got %v", err)
	}
	if err := env.availability.DeleteBlockedPeriod(ctx, "trainer-1", period.ID); err != nil {
		t.Fatalf("DeleteBlockedPeriod returned error: %v", err)
	}
	mustCreate(t, env, createParams("trainer-1", inside, insideEnd))
}

func TestReservationService_Create_ConcurrentSameSlot(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	start, end := slot(2, 10, 60)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			params := createParams("trainer-1", start, end)
			params.ClientID = []string{"client-a", "client-b"}[i]
			_, errs[i] = env.reservations.Create(context.Background(), params)
		}()
	}
	wg.Wait()

	var succeeded, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || conflicts != 1 {
		t.Fatalf("expected one success and one conflict, got %d and %d", succeeded, conflicts)
	}

	active, _ := env.store.ListReservations(context.Background(), ReservationQuery{TrainerID: "trainer-1", Statuses: ActiveStatuses})
	if len(active) != 1 {
		t.Fatalf("expected exactly one stored reservation, got %d", len(active))
	}
}

func TestReservationService_Create_VideoLink(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	start, end := slot(2, 10, 60)
	params := createParams("trainer-1", start, end)
	params.SessionMode = ModeVideoCall

	reservation := mustCreate(t, env, params)
	if !strings.HasPrefix(reservation.VideoCallLink, "https://meet.example.com/room") {
		t.Fatalf("expected generated link, got %q", reservation.VideoCallLink)
	}
	stored, _ := env.store.GetReservation(context.Background(), reservation.ID)
	if stored.VideoCallLink != reservation.VideoCallLink {
		t.Fatalf("expected link to be stored, got %q", stored.VideoCallLink)
	}
}

func TestReservationService_Create_VideoLinkFailureIsSoft(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.video.err = errors.New("provider down")
	start, end := slot(2, 10, 60)
	params := createParams("trainer-1", start, end)
	params.SessionMode = ModeVideoCall

	reservation := mustCreate(t, env, params)
	if reservation.VideoCallLink != "" {
		t.Fatalf("expected empty link after provider failure, got %q", reservation.VideoCallLink)
	}
	if len(env.metrics.providerFailures) != 1 || env.metrics.providerFailures[0] != "video_link" {
		t.Fatalf("expected video link failure metric, got %v", env.metrics.providerFailures)
	}
}

func TestReservationService_Cancel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	start, end := slot(2, 10, 60)
	reservation := mustCreate(t, env, createParams("trainer-1", start, end))

	if _, err := env.reservations.Cancel(ctx, reservation.ID, "", CancelActor("someone")); err == nil {
		t.Fatalf("expected unknown actor to be rejected")
	}

	cancelled, err := env.reservations.Cancel(ctx, reservation.ID, "travelling", ActorClient)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if cancelled.Status != StatusCancelledByClient {
		t.Fatalf("expected cancelled_by_client, got %s", cancelled.Status)
	}
	if got := cancelled.Notes[len(cancelled.Notes)-1].Text; got != "Cancelled by client: travelling" {
		t.Fatalf("unexpected cancellation note %q", got)
	}

	_, err = env.reservations.Cancel(ctx, reservation.ID, "again", ActorCenter)
	expectErr(t, err, ErrInvalidTransition)
}

func TestReservationService_Cancel_ClientWindow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *envConfig) {
		cfg.options.CancellationWindow = 48 * time.Hour
	})
	ctx := context.Background()
	start, end := slot(1, 12, 60)
	reservation := mustCreate(t, env, createParams("trainer-1", start, end))

	_, err := env.reservations.Cancel(ctx, reservation.ID, "late", ActorClient)
	expectErr(t, err, ErrPolicyViolation)

	cancelled, err := env.reservations.Cancel(ctx, reservation.ID, "trainer ill", ActorCenter)
	if err != nil {
		t.Fatalf("center cancellation returned error: %v", err)
	}
	if cancelled.Status != StatusCancelledByCenter {
		t.Fatalf("expected cancelled_by_center, got %s", cancelled.Status)
	}
}

func TestReservationService_TerminalStatesAreAbsorbing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	start, end := slot(2, 10, 60)
	newStart, newEnd := slot(3, 10, 60)

	closers := map[string]func(*testEnv, string) (Reservation, error){
		"completed": func(env *testEnv, id string) (Reservation, error) {
			return env.reservations.MarkCompleted(ctx, id, "")
		},
		"no_show": func(env *testEnv, id string) (Reservation, error) {
			return env.reservations.MarkNoShow(ctx, id, true)
		},
		"cancelled_by_center": func(env *testEnv, id string) (Reservation, error) {
			return env.reservations.Cancel(ctx, id, "", ActorCenter)
		},
	}

	for name, fn := range closers {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			reservation := mustCreate(t, env, createParams("trainer-1", start, end))
			closed, err := fn(env, reservation.ID)
			if err != nil {
				t.Fatalf("closing returned error: %v", err)
			}
			if string(closed.Status) != name || !closed.Status.IsTerminal() {
				t.Fatalf("expected terminal %s, got %s", name, closed.Status)
			}

			attempts := map[string]func() error{
				"confirm": func() error {
					_, err := env.reservations.Confirm(ctx, reservation.ID)
					return err
				},
				"cancel": func() error {
					_, err := env.reservations.Cancel(ctx, reservation.ID, "", ActorClient)
					return err
				},
				"reschedule": func() error {
					_, err := env.reservations.Reschedule(ctx, reservation.ID, newStart, newEnd, "")
					return err
				},
				"no_show": func() error {
					_, err := env.reservations.MarkNoShow(ctx, reservation.ID, false)
					return err
				},
				"complete": func() error {
					_, err := env.reservations.MarkCompleted(ctx, reservation.ID, "")
					return err
				},
			}
			for op, attempt := range attempts {
				if err := attempt(); !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("%s: expected ErrInvalidTransition, got %v", op, err)
				}
			}

			stored, _ := env.store.GetReservation(ctx, reservation.ID)
			if stored.Status != closed.Status || len(stored.Notes) != len(closed.Notes) {
				t.Fatalf("expected reservation to stay unchanged, got %+v", stored)
			}
		})
	}
}

func TestReservationService_Confirm(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	start, end := slot(2, 10, 60)
	reservation := mustCreate(t, env, createParams("trainer-1", start, end))

	confirmed, err := env.reservations.Confirm(ctx, reservation.ID)
	if err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}
	if confirmed.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.Status)
	}

	_, err = env.reservations.Confirm(ctx, reservation.ID)
	expectErr(t, err, ErrInvalidTransition)

	_, err = env.reservations.Confirm(ctx, "missing")
	expectErr(t, err, ErrNotFound)
}

func TestReservationService_MarkPaid_Idempotent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	start, end := slot(2, 10, 60)
	reservation := mustCreate(t, env, createParams("trainer-1", start, end))

	first, err := env.reservations.MarkPaid(ctx, reservation.ID, PaymentCard)
	if err != nil {
		t.Fatalf("MarkPaid returned error: %v", err)
	}
	if !first.Paid || first.PaymentMethod != PaymentCard {
		t.Fatalf("expected paid by card, got %+v", first)
	}

	second, err := env.reservations.MarkPaid(ctx, reservation.ID, PaymentCard)
	if err != nil {
		t.Fatalf("repeated MarkPaid returned error: %v", err)
	}
	if len(second.Notes) != len(first.Notes) {
		t.Fatalf("expected no second note, got %d notes after %d", len(second.Notes), len(first.Notes))
	}

	third, err := env.reservations.MarkPaid(ctx, reservation.ID, PaymentCash)
	if err != nil {
		t.Fatalf("MarkPaid with new method returned error: %v", err)
	}
	if third.PaymentMethod != PaymentCash || len(third.Notes) != len(first.Notes)+1 {
		t.Fatalf("expected method change with a note, got %+v", third)
	}

	if _, err := env.reservations.MarkPaid(ctx, reservation.ID, "cheque"); err == nil {
		t.Fatalf("expected unknown payment method to fail")
	}

	if _, err := env.reservations.Cancel(ctx, reservation.ID, "", ActorCenter); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	_, err = env.reservations.MarkPaid(ctx, reservation.ID, PaymentCard)
	expectErr(t, err, ErrInvalidTransition)
}

func TestReservationService_MarkPaid_AllowedOnCompleted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	start, end := slot(2, 10, 60)
	reservation := mustCreate(t, env, createParams("trainer-1", start, end))

	if _, err := env.reservations.MarkCompleted(ctx, reservation.ID, "good session"); err != nil {
		t.Fatalf("MarkCompleted returned error: %v", err)
	}
	pending, err := env.reservations.PendingPayments(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending payment, got %d (%v)", len(pending), err)
	}

	paid, err := env.reservations.MarkPaid(ctx, reservation.ID, PaymentTransfer)
	if err != nil || !paid.Paid {
		t.Fatalf("expected completed reservation to accept payment, got %v", err)
	}
	pending, _ = env.reservations.PendingPayments(ctx)
	if len(pending) != 0 {
		t.Fatalf("expected no pending payments, got %d", len(pending))
	}
}

func TestReservationService_MarkNoShow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	start, end := slot(2, 10, 60)
	reservation := mustCreate(t, env, createParams("trainer-1", start, end))

	noShow, err := env.reservations.MarkNoShow(context.Background(), reservation.ID, true)
	if err != nil {
		t.Fatalf("MarkNoShow returned error: %v", err)
	}
	if noShow.Status != StatusNoShow || !noShow.NoShowPenalty {
		t.Fatalf("expected no_show with penalty, got %+v", noShow)
	}
}

func TestReservationService_Reschedule(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	start, end := slot(2, 10, 60)
	reservation := mustCreate(t, env, createParams("trainer-1", start, end))
	other := mustCreate(t, env, createParams("trainer-1", end.Add(time.Hour), end.Add(2*time.Hour)))

	// Overlapping its own old window is fine.
	moved, err := env.reservations.Reschedule(ctx, reservation.ID, start.Add(30*time.Minute), end.Add(30*time.Minute), "traffic")
	if err != nil {
		t.Fatalf("Reschedule returned error: %v", err)
	}
	if !moved.StartAt.Equal(start.Add(30 * time.Minute)) {
		t.Fatalf("expected new start, got %s", moved.StartAt)
	}
	note := moved.Notes[len(moved.Notes)-1].Text
	if !strings.HasPrefix(note, "Rescheduled from 2025-01-08 10:00-11:00 to 2025-01-08 10:30-11:30") || !strings.HasSuffix(note, ": traffic") {
		t.Fatalf("unexpected reschedule note %q", note)
	}

	_, err = env.reservations.Reschedule(ctx, reservation.ID, other.StartAt, other.EndAt, "")
	var slotErr *SlotError
	if !errors.As(err, &slotErr) || slotErr.ConflictingReservationID != other.ID {
		t.Fatalf("expected conflict with %s, got %v", other.ID, err)
	}

	env.reservations.Drain()
	notification, ok := env.notifier.last(EventReservationRescheduled)
	if !ok || notification.Previous == nil || !notification.Previous.StartAt.Equal(start) {
		t.Fatalf("expected rescheduled notification with previous window, got %+v", notification)
	}
}

func TestReservationService_Reschedule_EnforcesLeadTime(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	start, end := slot(2, 10, 60)
	reservation := mustCreate(t, env, createParams("trainer-1", start, end))

	soon := baseTime.Add(23 * time.Hour)
	_, err := env.reservations.Reschedule(ctx, reservation.ID, soon, soon.Add(time.Hour), "")
	expectErr(t, err, ErrInsufficientLeadTime)

	stored, err := env.reservations.Get(ctx, reservation.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !stored.StartAt.Equal(start) {
		t.Fatalf("rejected reschedule must keep the window, got %s", stored.StartAt)
	}
}

func TestReservationService_RandomBookingsNeverOverlap(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(20250106, 7))
	trainers := []string{"trainer-1", "trainer-2"}
	lead := scheduler.DefaultPolicy().MinimumLeadTime

	window := func() (time.Time, time.Time) {
		start := baseTime.Add(time.Duration(rng.IntN(4*24*4)) * 15 * time.Minute)
		return start, start.Add(time.Duration(2+rng.IntN(7)) * 15 * time.Minute)
	}

	var ids []string
	for step := 0; step < 400; step++ {
		start, end := window()

		var err error
		if len(ids) == 0 || rng.IntN(3) > 0 {
			var created Reservation
			created, err = env.reservations.Create(ctx, createParams(trainers[rng.IntN(len(trainers))], start, end))
			if err == nil {
				ids = append(ids, created.ID)
			}
		} else {
			_, err = env.reservations.Reschedule(ctx, ids[rng.IntN(len(ids))], start, end, "")
		}

		switch {
		case start.Sub(baseTime) < lead:
			if !errors.Is(err, ErrInsufficientLeadTime) {
				t.Fatalf("step %d: expected lead time rejection for %s, got %v", step, start, err)
			}
			continue
		case errors.Is(err, ErrConflict):
			continue
		case err != nil:
			t.Fatalf("step %d: unexpected error %v", step, err)
		}

		for _, trainer := range trainers {
			active, err := env.reservations.List(ctx, ReservationFilter{
				TrainerID: trainer,
				Statuses:  ActiveStatuses,
			})
			if err != nil {
				t.Fatalf("List returned error: %v", err)
			}
			for i := range active {
				for j := i + 1; j < len(active); j++ {
					a, b := active[i], active[j]
					if a.StartAt.Before(b.EndAt) && b.StartAt.Before(a.EndAt) {
						t.Fatalf("step %d: %s [%s, %s) overlaps %s [%s, %s)", step, a.ID, a.StartAt, a.EndAt, b.ID, b.StartAt, b.EndAt)
					}
				}
			}
		}
	}

	if len(ids) == 0 {
		t.Fatalf("expected some bookings to succeed")
	}
}

func TestReservationService_Reschedule_KeepsLinkWhenProviderFails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	start, end := slot(2, 10, 60)
	params := createParams("trainer-1", start, end)
	params.SessionMode = ModeVideoCall
	reservation := mustCreate(t, env, params)

	env.video.mu.Lock()
	env.video.err = errors.New("timeout")
	env.video.mu.Unlock()

	moved, err := env.reservations.Reschedule(ctx, reservation.ID, start.Add(24*time.Hour), end.Add(24*time.Hour), "")
	if err != nil {
		t.Fatalf("Reschedule returned error: %v", err)
	}
	if moved.VideoCallLink != reservation.VideoCallLink || moved.VideoCallLink == "" {
		t.Fatalf("expected old link %q to be kept, got %q", reservation.VideoCallLink, moved.VideoCallLink)
	}
}

func TestReservationService_Modify(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	start, end := slot(2, 10, 60)
	reservation := mustCreate(t, env, createParams("trainer-1", start, end))

	newStart := clock.MustTimeOfDay("12:00")
	kind := KindPhysio
	price := int64(6000)
	modified, err := env.reservations.Modify(ctx, reservation.ID, ReservationPatch{
		StartTime: &newStart,
		Kind:      &kind,
		Price:     &price,
	}, "new plan")
	if err != nil {
		t.Fatalf("Modify returned error: %v", err)
	}

	wantStart := time.Date(2025, time.January, 8, 12, 0, 0, 0, time.UTC)
	if !modified.StartAt.Equal(wantStart) || modified.Duration() != time.Hour {
		t.Fatalf("expected 12:00 for one hour, got %s-%s", modified.StartAt, modified.EndAt)
	}
	if modified.Kind != KindPhysio || modified.Price != 6000 {
		t.Fatalf("expected kind and price to change, got %+v", modified)
	}
	if len(modified.Notes) != len(reservation.Notes)+1 {
		t.Fatalf("expected exactly one new note, got %d", len(modified.Notes)-len(reservation.Notes))
	}

	if _, err := env.reservations.Modify(ctx, reservation.ID, ReservationPatch{}, ""); err == nil {
		t.Fatalf("expected empty patch to be rejected")
	}

	duration := 30
	shorter, err := env.reservations.Modify(ctx, reservation.ID, ReservationPatch{DurationMinutes: &duration}, "")
	if err != nil {
		t.Fatalf("Modify duration returned error: %v", err)
	}
	if shorter.Duration() != 30*time.Minute {
		t.Fatalf("expected 30 minute session, got %s", shorter.Duration())
	}
}

func TestReservationService_Modify_SwitchToVideoCreatesLink(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	start, end := slot(2, 10, 60)
	reservation := mustCreate(t, env, createParams("trainer-1", start, end))

	mode := ModeVideoCall
	modified, err := env.reservations.Modify(context.Background(), reservation.ID, ReservationPatch{SessionMode: &mode}, "")
	if err != nil {
		t.Fatalf("Modify returned error: %v", err)
	}
	if modified.VideoCallLink == "" {
		t.Fatalf("expected link after switching to video")
	}
}

func TestReservationService_AutoCompleteSweep(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	early, earlyEnd := slot(2, 8, 60)
	late, lateEnd := slot(2, 10, 60)
	a := mustCreate(t, env, createParams("trainer-1", early, earlyEnd))
	b := mustCreate(t, env, createParams("trainer-2", early, earlyEnd))
	c := mustCreate(t, env, createParams("trainer-1", late, lateEnd))
	cancelled := mustCreate(t, env, createParams("trainer-3", early, earlyEnd))
	if _, err := env.reservations.Cancel(ctx, cancelled.ID, "", ActorCenter); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	// 10:40 on the session day: a and b ended 100 minutes ago, c is still running.
	now := lateEnd.Add(-20 * time.Minute)
	result, err := env.reservations.AutoCompleteSweep(ctx, now)
	if err != nil {
		t.Fatalf("AutoCompleteSweep returned error: %v", err)
	}
	if result.Completed != 2 || result.Failed != 0 {
		t.Fatalf("expected two completions, got %+v", result)
	}

	for id, want := range map[string]ReservationStatus{
		a.ID:         StatusCompleted,
		b.ID:         StatusCompleted,
		c.ID:         StatusPending,
		cancelled.ID: StatusCancelledByCenter,
	} {
		stored, _ := env.store.GetReservation(ctx, id)
		if stored.Status != want {
			t.Fatalf("%s: expected %s, got %s", id, want, stored.Status)
		}
	}

	stored, _ := env.store.GetReservation(ctx, a.ID)
	if got := stored.Notes[len(stored.Notes)-1].Text; got != "Completed automatically" {
		t.Fatalf("unexpected note %q", got)
	}

	// Just inside the grace period.
	result, _ = env.reservations.AutoCompleteSweep(ctx, lateEnd.Add(29*time.Minute))
	if result.Completed != 0 {
		t.Fatalf("expected grace period to hold, got %+v", result)
	}
	result, _ = env.reservations.AutoCompleteSweep(ctx, lateEnd.Add(30*time.Minute))
	if result.Completed != 1 {
		t.Fatalf("expected completion at the grace boundary, got %+v", result)
	}
}

func TestReservationService_AutoCompleteSweep_ContinuesOnError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	start, end := slot(2, 8, 60)
	broken := mustCreate(t, env, createParams("trainer-1", start, end))
	fine := mustCreate(t, env, createParams("trainer-2", start, end))
	env.store.updateErrs[broken.ID] = errors.New("disk full")

	result, err := env.reservations.AutoCompleteSweep(ctx, end.Add(time.Hour))
	if err != nil {
		t.Fatalf("AutoCompleteSweep returned error: %v", err)
	}
	if result.Completed != 1 || result.Failed != 1 || result.Errors[0].ID != broken.ID {
		t.Fatalf("expected one completion and one failure, got %+v", result)
	}
	stored, _ := env.store.GetReservation(ctx, fine.ID)
	if stored.Status != StatusCompleted {
		t.Fatalf("expected %s to complete, got %s", fine.ID, stored.Status)
	}
}

func TestReservationService_Queries(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	soon, soonEnd := slot(1, 12, 60)
	later, laterEnd := slot(10, 12, 60)
	first := mustCreate(t, env, createParams("trainer-1", soon, soonEnd))
	mustCreate(t, env, createParams("trainer-1", later, laterEnd))

	other := createParams("trainer-2", soon, soonEnd)
	other.ClientID = "client-2"
	mustCreate(t, env, other)

	upcoming, err := env.reservations.Upcoming(ctx, 72*time.Hour)
	if err != nil {
		t.Fatalf("Upcoming returned error: %v", err)
	}
	if len(upcoming) != 2 {
		t.Fatalf("expected two upcoming reservations, got %d", len(upcoming))
	}
	if _, err := env.reservations.Upcoming(ctx, 0); err == nil {
		t.Fatalf("expected non-positive horizon to fail")
	}

	byTrainer, err := env.reservations.List(ctx, ReservationFilter{TrainerID: "trainer-1"})
	if err != nil || len(byTrainer) != 2 || byTrainer[0].ID != first.ID {
		t.Fatalf("expected trainer listing ordered by start, got %v (%v)", byTrainer, err)
	}

	byClient, _ := env.reservations.List(ctx, ReservationFilter{ClientID: "client-2"})
	if len(byClient) != 1 {
		t.Fatalf("expected one reservation for client-2, got %d", len(byClient))
	}

	from, to := soon.Add(-time.Hour), soonEnd
	window, _ := env.reservations.List(ctx, ReservationFilter{TrainerID: "trainer-1", From: &from, To: &to})
	if len(window) != 1 || window[0].ID != first.ID {
		t.Fatalf("expected window listing to return %s, got %v", first.ID, window)
	}
}
