package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/example/reservation-engine/internal/clock"
)

const (
	// DefaultProviderTimeout bounds video link and notification calls.
	DefaultProviderTimeout = 5 * time.Second
	// DefaultCompletionGrace is how long after its end a session is auto-completed.
	DefaultCompletionGrace = 30 * time.Minute
	// DefaultSweepConcurrency bounds the trainer groups processed at once by a sweep.
	DefaultSweepConcurrency = 4
)

var errNoChange = errors.New("application: no change")

// ReservationOptions tunes lifecycle policies.
type ReservationOptions struct {
	// Location is the calendar location for date arithmetic. Nil means UTC.
	Location *time.Location
	// AutoConfirmOrigins start in confirmed. Nil selects manual and recurrence.
	AutoConfirmOrigins []Origin
	// CancellationWindow rejects client cancellations closer than this to the
	// start. Zero disables the window.
	CancellationWindow  time.Duration
	CompletionGrace     time.Duration
	ProviderTimeout     time.Duration
	SweepConcurrency    int
	NotificationChannel string
	VideoPlatform       string
}

// DefaultReservationOptions returns the options used when none are supplied.
func DefaultReservationOptions() ReservationOptions {
	return ReservationOptions{
		Location:            time.UTC,
		AutoConfirmOrigins:  []Origin{OriginManual, OriginRecurrence},
		CompletionGrace:     DefaultCompletionGrace,
		ProviderTimeout:     DefaultProviderTimeout,
		SweepConcurrency:    DefaultSweepConcurrency,
		NotificationChannel: "default",
		VideoPlatform:       "default",
	}
}

func (o ReservationOptions) withDefaults() ReservationOptions {
	defaults := DefaultReservationOptions()
	if o.Location == nil {
		o.Location = defaults.Location
	}
	if o.AutoConfirmOrigins == nil {
		o.AutoConfirmOrigins = defaults.AutoConfirmOrigins
	}
	if o.CompletionGrace <= 0 {
		o.CompletionGrace = defaults.CompletionGrace
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = defaults.ProviderTimeout
	}
	if o.SweepConcurrency <= 0 {
		o.SweepConcurrency = defaults.SweepConcurrency
	}
	if o.NotificationChannel == "" {
		o.NotificationChannel = defaults.NotificationChannel
	}
	if o.VideoPlatform == "" {
		o.VideoPlatform = defaults.VideoPlatform
	}
	return o
}

// ReservationServiceDeps captures dependencies for constructing a reservation service.
type ReservationServiceDeps struct {
	Reservations ReservationRepository
	Availability *AvailabilityService
	Locker       Locker
	VideoLinks   VideoLinkProvider
	Notifier     NotificationDispatcher
	Metrics      Metrics
	IDGenerator  func() string
	Now          func() time.Time
	Logger       *slog.Logger
	Options      ReservationOptions
}

// ReservationService owns the reservation lifecycle. Calendar writes for one
// trainer are serialised through the Locker; provider calls happen after the
// write and outside the lock.
type ReservationService struct {
	reservations ReservationRepository
	availability *AvailabilityService
	locker       Locker
	videoLinks   VideoLinkProvider
	notifier     NotificationDispatcher
	metrics      Metrics
	idGenerator  func() string
	now          func() time.Time
	logger       *slog.Logger
	options      ReservationOptions

	inflight sync.WaitGroup
}

// NewReservationService wires dependencies for reservation operations.
func NewReservationService(deps ReservationServiceDeps) *ReservationService {
	idGenerator := deps.IDGenerator
	if idGenerator == nil {
		idGenerator = func() string { return "" }
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &ReservationService{
		reservations: deps.Reservations,
		availability: deps.Availability,
		locker:       deps.Locker,
		videoLinks:   deps.VideoLinks,
		notifier:     deps.Notifier,
		metrics:      defaultMetrics(deps.Metrics),
		idGenerator:  idGenerator,
		now:          now,
		logger:       defaultLogger(deps.Logger),
		options:      deps.Options.withDefaults(),
	}
}

// Location returns the calendar location used for date arithmetic.
func (s *ReservationService) Location() *time.Location {
	return s.options.Location
}

// Drain blocks until every asynchronous notification has been handed to the dispatcher.
func (s *ReservationService) Drain() {
	if s == nil {
		return
	}
	s.inflight.Wait()
}

func (s *ReservationService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "ReservationService", operation, attrs...)
}

func (s *ReservationService) ready() error {
	if s == nil {
		return fmt.Errorf("ReservationService is nil")
	}
	if s.reservations == nil || s.availability == nil {
		return fmt.Errorf("reservation repository not configured")
	}
	return nil
}

// Create validates params and books the slot. The slot checks and the insert
// run under the trainer lock.
func (s *ReservationService) Create(ctx context.Context, params CreateReservationParams) (reservation Reservation, err error) {
	if err = s.ready(); err != nil {
		return
	}

	logger := s.loggerWith(ctx, "Create",
		"trainer_id", params.TrainerID,
		"client_id", params.ClientID,
		"origin", params.Origin,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to create reservation", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("reservation_id", reservation.ID, "status", reservation.Status).InfoContext(ctx, "reservation created")
	}()

	params = normalizeCreateParams(params)
	if vErr := validateCreateParams(params); vErr.HasErrors() {
		err = vErr
		return
	}

	now := s.now()
	status := StatusPending
	if slices.Contains(s.options.AutoConfirmOrigins, params.Origin) {
		status = StatusConfirmed
	}

	candidate := Reservation{
		ID:                s.idGenerator(),
		TrainerID:         params.TrainerID,
		ClientID:          params.ClientID,
		ClientDisplayName: params.ClientDisplayName,
		StartAt:           params.StartAt,
		EndAt:             params.EndAt,
		Kind:              params.Kind,
		SessionMode:       params.SessionMode,
		Status:            status,
		Origin:            params.Origin,
		Price:             params.Price,
		RecurrenceID:      params.RecurrenceID,
		OccurrenceDate:    params.OccurrenceDate,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	candidate.addNote(now, "Created via %s as %s", params.Origin, status)
	if params.Notes != "" {
		candidate.addNote(now, "%s", params.Notes)
	}

	err = s.withTrainerLock(ctx, candidate.TrainerID, func() error {
		check, err := s.availability.evaluate(ctx, SlotQuery{
			TrainerID: candidate.TrainerID,
			StartAt:   candidate.StartAt,
			EndAt:     candidate.EndAt,
		})
		if err != nil {
			return err
		}
		if !check.OK {
			return check.Err()
		}

		persisted, err := s.reservations.CreateReservation(ctx, candidate)
		if err != nil {
			return mapRepoError(err)
		}
		reservation = persisted
		return nil
	})
	if err != nil {
		reservation = Reservation{}
		return
	}

	s.metrics.ReservationCreated(reservation.Origin, reservation.Status)

	if reservation.SessionMode == ModeVideoCall {
		reservation = s.refreshVideoLink(ctx, reservation)
	}

	s.notify(ctx, EventReservationCreated, reservation, nil, nil)
	return
}

// Confirm moves a pending reservation to confirmed.
func (s *ReservationService) Confirm(ctx context.Context, id string) (reservation Reservation, err error) {
	reservation, err = s.transition(ctx, "Confirm", id, StatusConfirmed, func(r *Reservation, now time.Time) error {
		if r.Status != StatusPending {
			return invalidTransition(r.Status, "confirm")
		}
		r.Status = StatusConfirmed
		r.addNote(now, "Confirmed")
		return nil
	})
	if err == nil {
		s.notify(ctx, EventReservationConfirmed, reservation, nil, nil)
	}
	return
}

// Cancel cancels an active reservation on behalf of actor. Client
// cancellations inside the cancellation window are rejected.
func (s *ReservationService) Cancel(ctx context.Context, id, reason string, actor CancelActor) (reservation Reservation, err error) {
	if !actor.Valid() {
		vErr := &ValidationError{}
		vErr.add("actor", "actor must be client or center")
		return Reservation{}, vErr
	}

	reason = strings.TrimSpace(reason)
	target := actor.status()
	reservation, err = s.transition(ctx, "Cancel", id, target, func(r *Reservation, now time.Time) error {
		if err := s.cancelPolicy(*r, actor, now); err != nil {
			return err
		}
		r.Status = target
		r.addNote(now, "Cancelled by %s%s", actor, reasonSuffix(reason))
		return nil
	})
	if err == nil {
		s.notify(ctx, EventReservationCancelled, reservation, nil, nil)
	}
	return
}

// cancelPolicy reports whether actor may cancel r at now.
func (s *ReservationService) cancelPolicy(r Reservation, actor CancelActor, now time.Time) error {
	if !r.Status.CanTransition(actor.status()) {
		return invalidTransition(r.Status, "cancel")
	}
	window := s.options.CancellationWindow
	if actor == ActorClient && window > 0 && r.StartAt.Sub(now) < window {
		return fmt.Errorf("%w: client cancellations close %s before the session", ErrPolicyViolation, window)
	}
	return nil
}

// Reschedule moves an active reservation to a new window after repeating the
// slot checks without the reservation itself.
func (s *ReservationService) Reschedule(ctx context.Context, id string, newStart, newEnd time.Time, reason string) (reservation Reservation, err error) {
	vErr := &ValidationError{}
	validateWindow(newStart, newEnd, vErr)
	if vErr.HasErrors() {
		return Reservation{}, vErr
	}

	reason = strings.TrimSpace(reason)
	var previous Reservation
	previous, reservation, err = s.update(ctx, "Reschedule", id, func(r *Reservation, now time.Time) error {
		if !r.Status.IsActive() {
			return invalidTransition(r.Status, "reschedule")
		}
		if err := s.checkSlot(ctx, r, newStart, newEnd); err != nil {
			return err
		}
		r.addNote(now, "Rescheduled from %s to %s%s",
			s.formatWindow(r.StartAt, r.EndAt), s.formatWindow(newStart, newEnd), reasonSuffix(reason))
		r.StartAt = newStart
		r.EndAt = newEnd
		return nil
	})
	if err != nil {
		return
	}

	if reservation.SessionMode == ModeVideoCall && windowChanged(previous, reservation) {
		reservation = s.refreshVideoLink(ctx, reservation)
	}

	s.notify(ctx, EventReservationRescheduled, reservation, &previous, nil)
	return
}

// Modify applies a restricted patch to an active reservation. Window changes
// go through the same checks as Reschedule. Exactly one note is appended.
func (s *ReservationService) Modify(ctx context.Context, id string, patch ReservationPatch, reason string) (reservation Reservation, err error) {
	if vErr := validatePatch(patch); vErr.HasErrors() {
		return Reservation{}, vErr
	}

	reason = strings.TrimSpace(reason)
	var previous Reservation
	previous, reservation, err = s.update(ctx, "Modify", id, func(r *Reservation, now time.Time) error {
		if !r.Status.IsActive() {
			return invalidTransition(r.Status, "modify")
		}

		start, end := s.patchedWindow(*r, patch)
		if !start.Before(end) {
			vErr := &ValidationError{}
			vErr.add("end_time", "end must be after start")
			return vErr
		}

		var changes []string
		if !start.Equal(r.StartAt) || !end.Equal(r.EndAt) {
			if err := s.checkSlot(ctx, r, start, end); err != nil {
				return err
			}
			changes = append(changes, fmt.Sprintf("window %s -> %s", s.formatWindow(r.StartAt, r.EndAt), s.formatWindow(start, end)))
			r.StartAt, r.EndAt = start, end
		}
		if patch.Kind != nil && *patch.Kind != r.Kind {
			changes = append(changes, fmt.Sprintf("kind %s -> %s", r.Kind, *patch.Kind))
			r.Kind = *patch.Kind
		}
		if patch.SessionMode != nil && *patch.SessionMode != r.SessionMode {
			changes = append(changes, fmt.Sprintf("mode %s -> %s", r.SessionMode, *patch.SessionMode))
			r.SessionMode = *patch.SessionMode
			if r.SessionMode != ModeVideoCall {
				r.VideoCallLink = ""
			}
		}
		if patch.Price != nil && *patch.Price != r.Price {
			changes = append(changes, fmt.Sprintf("price %d -> %d", r.Price, *patch.Price))
			r.Price = *patch.Price
		}
		if patch.Notes != nil && strings.TrimSpace(*patch.Notes) != "" {
			changes = append(changes, "note: "+strings.TrimSpace(*patch.Notes))
		}
		if len(changes) == 0 {
			changes = append(changes, "no field changes")
		}

		r.addNote(now, "Modified (%s)%s", strings.Join(changes, "; "), reasonSuffix(reason))
		return nil
	})
	if err != nil {
		return
	}

	modeSwitched := previous.SessionMode != ModeVideoCall && reservation.SessionMode == ModeVideoCall
	if reservation.SessionMode == ModeVideoCall && (modeSwitched || windowChanged(previous, reservation)) {
		reservation = s.refreshVideoLink(ctx, reservation)
	}

	s.notify(ctx, EventReservationModified, reservation, &previous, nil)
	return
}

// MarkPaid records payment. Repeating the call with the same method returns
// the stored reservation without a second note.
func (s *ReservationService) MarkPaid(ctx context.Context, id string, method PaymentMethod) (reservation Reservation, err error) {
	if !method.Valid() {
		vErr := &ValidationError{}
		vErr.add("method", "method must be cash, transfer or card")
		return Reservation{}, vErr
	}

	var changed bool
	reservation, changed, err = s.apply(ctx, "MarkPaid", id, func(r *Reservation, now time.Time) error {
		if r.Status.IsCancelled() {
			return invalidTransition(r.Status, "mark paid")
		}
		if r.Paid && r.PaymentMethod == method {
			return errNoChange
		}
		r.Paid = true
		r.PaymentMethod = method
		r.addNote(now, "Marked paid (%s)", method)
		return nil
	})
	if err == nil && changed {
		s.notify(ctx, EventReservationPaid, reservation, nil, nil)
	}
	return
}

// MarkNoShow records that the client did not attend.
func (s *ReservationService) MarkNoShow(ctx context.Context, id string, penalty bool) (reservation Reservation, err error) {
	reservation, err = s.transition(ctx, "MarkNoShow", id, StatusNoShow, func(r *Reservation, now time.Time) error {
		if !r.Status.CanTransition(StatusNoShow) {
			return invalidTransition(r.Status, "mark no-show")
		}
		r.Status = StatusNoShow
		r.NoShowPenalty = penalty
		if penalty {
			r.addNote(now, "Marked no-show (penalty applied)")
		} else {
			r.addNote(now, "Marked no-show")
		}
		return nil
	})
	if err == nil {
		s.notify(ctx, EventReservationNoShow, reservation, nil, nil)
	}
	return
}

// MarkCompleted records that the session took place.
func (s *ReservationService) MarkCompleted(ctx context.Context, id, notes string) (reservation Reservation, err error) {
	notes = strings.TrimSpace(notes)
	reservation, err = s.transition(ctx, "MarkCompleted", id, StatusCompleted, func(r *Reservation, now time.Time) error {
		if !r.Status.CanTransition(StatusCompleted) {
			return invalidTransition(r.Status, "complete")
		}
		r.Status = StatusCompleted
		r.addNote(now, "Completed%s", reasonSuffix(notes))
		return nil
	})
	if err == nil {
		s.notify(ctx, EventReservationCompleted, reservation, nil, nil)
	}
	return
}

// RecordReminder stamps the time a reminder went out.
func (s *ReservationService) RecordReminder(ctx context.Context, id string, sentAt time.Time) (Reservation, error) {
	reservation, _, err := s.apply(ctx, "RecordReminder", id, func(r *Reservation, now time.Time) error {
		r.ReminderSentAt = &sentAt
		r.addNote(now, "Reminder sent")
		return nil
	})
	return reservation, err
}

// Get returns a reservation by ID.
func (s *ReservationService) Get(ctx context.Context, id string) (Reservation, error) {
	if err := s.ready(); err != nil {
		return Reservation{}, err
	}
	reservation, err := s.reservations.GetReservation(ctx, id)
	if err != nil {
		return Reservation{}, mapRepoError(err)
	}
	return reservation, nil
}

// List returns reservations matching the filter ordered by start time.
func (s *ReservationService) List(ctx context.Context, filter ReservationFilter) ([]Reservation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		vErr := &ValidationError{}
		vErr.add("to", "to must be after from")
		return nil, vErr
	}
	reservations, err := s.reservations.ListReservations(ctx, ReservationQuery{
		TrainerID:   filter.TrainerID,
		ClientID:    filter.ClientID,
		Statuses:    filter.Statuses,
		OverlapFrom: filter.From,
		OverlapTo:   filter.To,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}
	return reservations, nil
}

// Upcoming returns active reservations starting within horizon from now.
func (s *ReservationService) Upcoming(ctx context.Context, horizon time.Duration) ([]Reservation, error) {
	return s.upcoming(ctx, horizon, false)
}

func (s *ReservationService) upcoming(ctx context.Context, horizon time.Duration, notReminded bool) ([]Reservation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if horizon <= 0 {
		vErr := &ValidationError{}
		vErr.add("horizon", "horizon must be positive")
		return nil, vErr
	}
	now := s.now()
	until := now.Add(horizon)
	reservations, err := s.reservations.ListReservations(ctx, ReservationQuery{
		Statuses:     ActiveStatuses,
		StartsFrom:   &now,
		StartsBefore: &until,
		NotReminded:  notReminded,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}
	return reservations, nil
}

// PendingPayments returns confirmed or completed reservations that are unpaid.
func (s *ReservationService) PendingPayments(ctx context.Context) ([]Reservation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	unpaid := false
	reservations, err := s.reservations.ListReservations(ctx, ReservationQuery{
		Statuses: []ReservationStatus{StatusConfirmed, StatusCompleted},
		Paid:     &unpaid,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}
	return reservations, nil
}

// transition applies a status change and records the metric.
func (s *ReservationService) transition(ctx context.Context, operation, id string, target ReservationStatus, fn func(*Reservation, time.Time) error) (Reservation, error) {
	previous, reservation, err := s.update(ctx, operation, id, fn)
	if err != nil {
		return Reservation{}, err
	}
	s.metrics.TransitionApplied(previous.Status, target)
	return reservation, nil
}

// apply is update for callers that tolerate errNoChange.
func (s *ReservationService) apply(ctx context.Context, operation, id string, fn func(*Reservation, time.Time) error) (Reservation, bool, error) {
	changed := true
	_, reservation, err := s.update(ctx, operation, id, func(r *Reservation, now time.Time) error {
		err := fn(r, now)
		if errors.Is(err, errNoChange) {
			changed = false
		}
		return err
	})
	return reservation, changed, err
}

// update re-reads the reservation under its trainer lock, applies fn and
// writes the result. When fn returns errNoChange the stored record is returned
// unchanged.
func (s *ReservationService) update(ctx context.Context, operation, id string, fn func(*Reservation, time.Time) error) (previous, reservation Reservation, err error) {
	if err = s.ready(); err != nil {
		return
	}

	logger := s.loggerWith(ctx, operation, "reservation_id", id)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "reservation update failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("status", reservation.Status).InfoContext(ctx, "reservation updated")
	}()

	current, err := s.reservations.GetReservation(ctx, id)
	if err != nil {
		err = mapRepoError(err)
		return
	}

	err = s.withTrainerLock(ctx, current.TrainerID, func() error {
		current, err := s.reservations.GetReservation(ctx, id)
		if err != nil {
			return mapRepoError(err)
		}
		previous = cloneReservation(current)

		now := s.now()
		if err := fn(&current, now); err != nil {
			if errors.Is(err, errNoChange) {
				reservation = previous
				return nil
			}
			return err
		}
		current.UpdatedAt = now

		persisted, err := s.reservations.UpdateReservation(ctx, current)
		if err != nil {
			return mapRepoError(err)
		}
		reservation = persisted
		return nil
	})
	if err != nil {
		previous, reservation = Reservation{}, Reservation{}
	}
	return
}

func (s *ReservationService) withTrainerLock(ctx context.Context, trainerID string, fn func() error) error {
	if s.locker == nil {
		return fn()
	}
	release, err := s.locker.Lock(ctx, "trainer:"+trainerID)
	if err != nil {
		return fmt.Errorf("acquire trainer lock: %w", err)
	}
	defer release()
	return fn()
}

// checkSlot runs the availability checks for moving r to [start, end).
func (s *ReservationService) checkSlot(ctx context.Context, r *Reservation, start, end time.Time) error {
	check, err := s.availability.evaluate(ctx, SlotQuery{
		TrainerID:            r.TrainerID,
		StartAt:              start,
		EndAt:                end,
		ExcludeReservationID: r.ID,
	})
	if err != nil {
		return err
	}
	return check.Err()
}

func (s *ReservationService) patchedWindow(r Reservation, patch ReservationPatch) (time.Time, time.Time) {
	loc := s.options.Location
	date := clock.DateOf(r.StartAt, loc)

	start := r.StartAt
	if patch.StartTime != nil {
		start = clock.Compose(date, *patch.StartTime, loc)
	}
	end := start.Add(r.Duration())
	if patch.DurationMinutes != nil {
		end = start.Add(time.Duration(*patch.DurationMinutes) * time.Minute)
	}
	if patch.EndTime != nil {
		end = clock.Compose(date, *patch.EndTime, loc)
	}
	return start, end
}

// refreshVideoLink asks the provider for a new link and stores it. On failure
// the reservation keeps whatever link it had.
func (s *ReservationService) refreshVideoLink(ctx context.Context, reservation Reservation) Reservation {
	if s.videoLinks == nil {
		return reservation
	}

	logger := s.loggerWith(ctx, "VideoLink", "reservation_id", reservation.ID)

	callCtx, cancel := withProviderTimeout(ctx, s.options.ProviderTimeout)
	link, err := s.videoLinks.CreateMeetingLink(callCtx, MeetingRequest{
		Platform:      s.options.VideoPlatform,
		ReservationID: reservation.ID,
		Start:         reservation.StartAt,
		End:           reservation.EndAt,
		ClientName:    reservation.ClientDisplayName,
	})
	cancel()
	if err == nil && strings.TrimSpace(link) == "" {
		err = errors.New("empty link")
	}
	if err != nil {
		err = fmt.Errorf("%w: video link: %v", ErrProvider, err)
		s.metrics.ProviderFailure("video_link")
		logger.WarnContext(ctx, "video link generation failed", "error", err, "error_kind", ErrorKind(err))
		return reservation
	}

	updated, _, err := s.apply(ctx, "StoreVideoLink", reservation.ID, func(r *Reservation, now time.Time) error {
		if r.VideoCallLink == link {
			return errNoChange
		}
		r.VideoCallLink = link
		return nil
	})
	if err != nil {
		return reservation
	}
	return updated
}

// notify hands the event to the dispatcher on a separate goroutine.
func (s *ReservationService) notify(ctx context.Context, event string, reservation Reservation, previous *Reservation, links map[string]string) {
	if s.notifier == nil {
		return
	}
	notification := s.notification(event, reservation, previous, links)
	ctx = context.WithoutCancel(ctx)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		_ = s.send(ctx, notification)
	}()
}

func (s *ReservationService) notification(event string, reservation Reservation, previous *Reservation, links map[string]string) Notification {
	return Notification{
		Channel:     s.options.NotificationChannel,
		Recipient:   reservation.ClientID,
		Event:       event,
		Reservation: cloneReservation(reservation),
		Previous:    previous,
		Links:       links,
	}
}

// send delivers a notification synchronously within the provider timeout.
func (s *ReservationService) send(ctx context.Context, notification Notification) error {
	if s.notifier == nil {
		return nil
	}
	callCtx, cancel := withProviderTimeout(ctx, s.options.ProviderTimeout)
	defer cancel()

	if err := s.notifier.Send(callCtx, notification); err != nil {
		err = fmt.Errorf("%w: notification: %v", ErrProvider, err)
		s.metrics.ProviderFailure("notification")
		s.loggerWith(ctx, "Notify",
			"reservation_id", notification.Reservation.ID,
			"recipient", notification.Recipient,
			"event", notification.Event,
		).WarnContext(ctx, "notification dispatch failed", "error", err, "error_kind", ErrorKind(err))
		return err
	}
	return nil
}

func (s *ReservationService) formatWindow(start, end time.Time) string {
	loc := s.options.Location
	return start.In(loc).Format("2006-01-02 15:04") + "-" + end.In(loc).Format("15:04")
}

func windowChanged(a, b Reservation) bool {
	return !a.StartAt.Equal(b.StartAt) || !a.EndAt.Equal(b.EndAt)
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return ": " + reason
}

func cloneReservation(r Reservation) Reservation {
	clone := r
	clone.Notes = slices.Clone(r.Notes)
	if r.ReminderSentAt != nil {
		at := *r.ReminderSentAt
		clone.ReminderSentAt = &at
	}
	return clone
}

func normalizeCreateParams(params CreateReservationParams) CreateReservationParams {
	params.TrainerID = strings.TrimSpace(params.TrainerID)
	params.ClientID = strings.TrimSpace(params.ClientID)
	params.ClientDisplayName = strings.TrimSpace(params.ClientDisplayName)
	params.RecurrenceID = strings.TrimSpace(params.RecurrenceID)
	params.OccurrenceDate = strings.TrimSpace(params.OccurrenceDate)
	params.Notes = strings.TrimSpace(params.Notes)
	if params.Origin == "" {
		params.Origin = OriginManual
	}
	if params.SessionMode == "" {
		params.SessionMode = ModeInPerson
	}
	return params
}

func validateCreateParams(params CreateReservationParams) *ValidationError {
	vErr := &ValidationError{}
	if params.TrainerID == "" {
		vErr.add("trainer_id", "trainer is required")
	}
	if params.ClientID == "" {
		vErr.add("client_id", "client is required")
	}
	validateWindow(params.StartAt, params.EndAt, vErr)
	if !params.Kind.Valid() {
		vErr.add("kind", "unknown session kind")
	}
	if !params.SessionMode.Valid() {
		vErr.add("session_mode", "session mode must be in_person or video_call")
	}
	if !params.Origin.Valid() {
		vErr.add("origin", "unknown origin")
	}
	if params.Price < 0 {
		vErr.add("price", "price must not be negative")
	}
	if params.Origin == OriginRecurrence && params.RecurrenceID == "" {
		vErr.add("recurrence_id", "recurrence origin requires a rule")
	}
	return vErr
}

func validatePatch(patch ReservationPatch) *ValidationError {
	vErr := &ValidationError{}
	if patch.Empty() {
		vErr.add("patch", "at least one field must change")
	}
	if patch.DurationMinutes != nil && *patch.DurationMinutes <= 0 {
		vErr.add("duration_minutes", "duration must be positive")
	}
	if patch.DurationMinutes != nil && patch.EndTime != nil {
		vErr.add("end_time", "end time and duration are mutually exclusive")
	}
	if patch.Kind != nil && !patch.Kind.Valid() {
		vErr.add("kind", "unknown session kind")
	}
	if patch.SessionMode != nil && !patch.SessionMode.Valid() {
		vErr.add("session_mode", "session mode must be in_person or video_call")
	}
	if patch.Price != nil && *patch.Price < 0 {
		vErr.add("price", "price must not be negative")
	}
	return vErr
}
