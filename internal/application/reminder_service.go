package application

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/example/reservation-engine/internal/clock"
)

// ReminderServiceDeps captures dependencies for constructing a reminder service.
type ReminderServiceDeps struct {
	Lifecycle *ReservationService
	Tokens    *TokenService
	// BaseURL prefixes the confirm and cancel links placed in reminders.
	BaseURL string
	Metrics Metrics
	Now     func() time.Time
	Logger  *slog.Logger
}

// ReminderService sends reminders with self-service links for upcoming sessions.
type ReminderService struct {
	lifecycle *ReservationService
	tokens    *TokenService
	baseURL   string
	metrics   Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// NewReminderService wires dependencies for reminder operations.
func NewReminderService(deps ReminderServiceDeps) *ReminderService {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &ReminderService{
		lifecycle: deps.Lifecycle,
		tokens:    deps.Tokens,
		baseURL:   deps.BaseURL,
		metrics:   defaultMetrics(deps.Metrics),
		now:       now,
		logger:    defaultLogger(deps.Logger),
	}
}

func (s *ReminderService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "ReminderService", operation, attrs...)
}

// SendDue reminds every active reservation starting within horizon that has
// not been reminded yet. Each reservation gets a fresh token. A reservation is
// only stamped once its notification was accepted, so failures are retried by
// the next run.
func (s *ReminderService) SendDue(ctx context.Context, horizon time.Duration) (result ReminderResult, err error) {
	if s == nil || s.lifecycle == nil || s.tokens == nil {
		err = fmt.Errorf("ReminderService is not configured")
		return
	}

	logger := s.loggerWith(ctx, "SendDue", "horizon", horizon.String())
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "reminder run failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		s.metrics.BatchCompleted("reminders", result.Sent, result.Failed)
		logger.With("sent", result.Sent, "failed", result.Failed).InfoContext(ctx, "reminder run finished")
	}()

	due, err := s.lifecycle.upcoming(ctx, horizon, true)
	if err != nil {
		return
	}

	for _, reservation := range due {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			return
		}
		if remindErr := s.remind(ctx, reservation); remindErr != nil {
			result.Failed++
			result.Errors = append(result.Errors, newItemError(reservation.ID, remindErr))
			continue
		}
		result.Sent++
	}
	return
}

func (s *ReminderService) remind(ctx context.Context, reservation Reservation) error {
	issued, err := s.tokens.Issue(ctx, reservation.ID)
	if err != nil {
		return err
	}

	links, err := s.links(issued.Token)
	if err != nil {
		return err
	}

	notification := s.lifecycle.notification(EventReservationReminder, reservation, nil, links)
	if err := s.lifecycle.send(ctx, notification); err != nil {
		return err
	}

	_, err = s.lifecycle.RecordReminder(ctx, reservation.ID, s.now())
	return err
}

// SendPaymentReminders notifies the client of every confirmed or completed
// reservation that is still unpaid. Each reservation is handled on its own;
// failures are counted and do not stop the run.
func (s *ReminderService) SendPaymentReminders(ctx context.Context) (result ReminderResult, err error) {
	if s == nil || s.lifecycle == nil {
		err = fmt.Errorf("ReminderService is not configured")
		return
	}

	logger := s.loggerWith(ctx, "SendPaymentReminders")
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "payment reminder run failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		s.metrics.BatchCompleted("payment_reminders", result.Sent, result.Failed)
		logger.With("sent", result.Sent, "failed", result.Failed).InfoContext(ctx, "payment reminder run finished")
	}()

	unpaid, err := s.lifecycle.PendingPayments(ctx)
	if err != nil {
		return
	}

	for _, reservation := range unpaid {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			return
		}
		notification := s.lifecycle.notification(EventPaymentReminder, reservation, nil, nil)
		if sendErr := s.lifecycle.send(ctx, notification); sendErr != nil {
			result.Failed++
			result.Errors = append(result.Errors, newItemError(reservation.ID, sendErr))
			continue
		}
		result.Sent++
	}
	return
}

// SendTrainerAgenda sends every trainer with active sessions on the calendar
// day of date one agenda listing those sessions in start order. Trainers
// without sessions receive nothing. Sent and Failed count trainers.
func (s *ReminderService) SendTrainerAgenda(ctx context.Context, date time.Time) (result ReminderResult, err error) {
	if s == nil || s.lifecycle == nil {
		err = fmt.Errorf("ReminderService is not configured")
		return
	}

	loc := s.lifecycle.Location()
	dayStart := clock.DateOf(date, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)
	dayKey := dayStart.Format(time.DateOnly)

	logger := s.loggerWith(ctx, "SendTrainerAgenda", "agenda_date", dayKey)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "trainer agenda run failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		s.metrics.BatchCompleted("trainer_agenda", result.Sent, result.Failed)
		logger.With("sent", result.Sent, "failed", result.Failed).InfoContext(ctx, "trainer agenda run finished")
	}()

	sessions, err := s.lifecycle.reservations.ListReservations(ctx, ReservationQuery{
		Statuses:     []ReservationStatus{StatusPending, StatusConfirmed},
		StartsFrom:   &dayStart,
		StartsBefore: &dayEnd,
	})
	if err != nil {
		err = mapRepoError(err)
		return
	}

	byTrainer := make(map[string][]Reservation)
	for _, reservation := range sessions {
		byTrainer[reservation.TrainerID] = append(byTrainer[reservation.TrainerID], reservation)
	}
	trainers := make([]string, 0, len(byTrainer))
	for trainerID := range byTrainer {
		trainers = append(trainers, trainerID)
	}
	slices.Sort(trainers)

	for _, trainerID := range trainers {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			return
		}
		agenda := byTrainer[trainerID]
		slices.SortFunc(agenda, func(a, b Reservation) int {
			return cmp.Or(a.StartAt.Compare(b.StartAt), cmp.Compare(a.ID, b.ID))
		})
		notification := Notification{
			Channel:   s.lifecycle.options.NotificationChannel,
			Recipient: trainerID,
			Event:     EventTrainerAgenda,
			Agenda: &TrainerAgenda{
				TrainerID:    trainerID,
				Date:         dayKey,
				Reservations: agenda,
			},
		}
		if sendErr := s.lifecycle.send(ctx, notification); sendErr != nil {
			result.Failed++
			result.Errors = append(result.Errors, newItemError(trainerID, sendErr))
			continue
		}
		result.Sent++
	}
	return
}

// links returns the confirm and cancel URLs for token.
func (s *ReminderService) links(token string) (map[string]string, error) {
	redeem, err := url.JoinPath(s.baseURL, "tokens", token, "redeem")
	if err != nil {
		return nil, fmt.Errorf("build redeem link: %w", err)
	}
	links := make(map[string]string, 2)
	for _, action := range []TokenAction{ActionConfirm, ActionCancel} {
		links[string(action)] = redeem + "?" + url.Values{"action": {string(action)}}.Encode()
	}
	return links, nil
}
