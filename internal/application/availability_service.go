package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/reservation-engine/internal/scheduler"
)

// AvailabilityService answers slot questions against a trainer's calendar and
// manages the trainer's blocked periods.
type AvailabilityService struct {
	reservations ReservationRepository
	blocked      BlockedPeriodRepository
	resolver     *scheduler.Resolver
	idGenerator  func() string
	now          func() time.Time
	logger       *slog.Logger
	metrics      Metrics
}

// NewAvailabilityService wires dependencies for availability checks.
func NewAvailabilityService(reservations ReservationRepository, blocked BlockedPeriodRepository, policy scheduler.Policy, idGenerator func() string, now func() time.Time) *AvailabilityService {
	return NewAvailabilityServiceWithLogger(reservations, blocked, policy, idGenerator, now, nil, nil)
}

// NewAvailabilityServiceWithLogger wires dependencies with a logger and metrics recorder.
func NewAvailabilityServiceWithLogger(reservations ReservationRepository, blocked BlockedPeriodRepository, policy scheduler.Policy, idGenerator func() string, now func() time.Time, logger *slog.Logger, metrics Metrics) *AvailabilityService {
	if idGenerator == nil {
		idGenerator = func() string { return "" }
	}
	if now == nil {
		now = time.Now
	}
	return &AvailabilityService{
		reservations: reservations,
		blocked:      blocked,
		resolver:     scheduler.NewResolver(policy, now),
		idGenerator:  idGenerator,
		now:          now,
		logger:       defaultLogger(logger),
		metrics:      defaultMetrics(metrics),
	}
}

// Policy returns the booking policy in force.
func (s *AvailabilityService) Policy() scheduler.Policy {
	return s.resolver.Policy()
}

func (s *AvailabilityService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "AvailabilityService", operation, attrs...)
}

// CheckSlot evaluates lead time, horizon, overlapping reservations and
// blocked periods in that order. It has no side effects.
func (s *AvailabilityService) CheckSlot(ctx context.Context, query SlotQuery) (SlotCheck, error) {
	if s == nil {
		return SlotCheck{}, fmt.Errorf("AvailabilityService is nil")
	}
	vErr := &ValidationError{}
	if strings.TrimSpace(query.TrainerID) == "" {
		vErr.add("trainer_id", "trainer is required")
	}
	validateWindow(query.StartAt, query.EndAt, vErr)
	if vErr.HasErrors() {
		return SlotCheck{}, vErr
	}

	return s.evaluate(ctx, query)
}

// evaluate loads the calendar snapshot for the query and runs the resolver.
// Callers that write must hold the trainer lock.
func (s *AvailabilityService) evaluate(ctx context.Context, query SlotQuery) (SlotCheck, error) {
	req := scheduler.SlotRequest{
		TrainerID: query.TrainerID,
		Start:     query.StartAt,
		End:       query.EndAt,
		ExcludeID: query.ExcludeReservationID,
	}

	if err := s.resolver.CheckTiming(req); err != nil {
		return s.reject(toSlotCheck(scheduler.Decision{Reason: err})), nil
	}

	from, to := s.resolver.QueryWindow(req)
	existing, err := s.reservations.ListReservations(ctx, ReservationQuery{
		TrainerID:   query.TrainerID,
		Statuses:    ActiveStatuses,
		OverlapFrom: &from,
		OverlapTo:   &to,
	})
	if err != nil {
		return SlotCheck{}, mapRepoError(err)
	}

	var blocked []BlockedPeriod
	if s.blocked != nil {
		blocked, err = s.blocked.ListBlockedPeriods(ctx, query.TrainerID, &query.StartAt, &query.EndAt)
		if err != nil {
			return SlotCheck{}, mapRepoError(err)
		}
	}

	decision := s.resolver.Check(req, toBookings(existing), toSchedulerBlocked(blocked))
	return s.reject(toSlotCheck(decision)), nil
}

func (s *AvailabilityService) reject(check SlotCheck) SlotCheck {
	if !check.OK {
		s.metrics.SlotRejected(ErrorKind(check.Reason))
	}
	return check
}

// CreateBlockedPeriod records a span in which the trainer takes no bookings.
// Existing reservations inside the span are left untouched.
func (s *AvailabilityService) CreateBlockedPeriod(ctx context.Context, input BlockedPeriodInput) (period BlockedPeriod, err error) {
	if s == nil {
		err = fmt.Errorf("AvailabilityService is nil")
		return
	}

	logger := s.loggerWith(ctx, "CreateBlockedPeriod", "trainer_id", input.TrainerID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to create blocked period", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("blocked_period_id", period.ID).InfoContext(ctx, "blocked period created")
	}()

	vErr := &ValidationError{}
	if strings.TrimSpace(input.TrainerID) == "" {
		vErr.add("trainer_id", "trainer is required")
	}
	validateWindow(input.StartAt, input.EndAt, vErr)
	if vErr.HasErrors() {
		err = vErr
		return
	}

	period = BlockedPeriod{
		ID:        s.idGenerator(),
		TrainerID: strings.TrimSpace(input.TrainerID),
		StartAt:   input.StartAt,
		EndAt:     input.EndAt,
		Reason:    strings.TrimSpace(input.Reason),
		CreatedAt: s.now(),
	}

	if s.blocked == nil {
		return
	}

	period, err = s.blocked.CreateBlockedPeriod(ctx, period)
	err = mapRepoError(err)
	return
}

// DeleteBlockedPeriod removes a blocked period owned by trainerID.
func (s *AvailabilityService) DeleteBlockedPeriod(ctx context.Context, trainerID, id string) (err error) {
	if s == nil || s.blocked == nil {
		return fmt.Errorf("blocked period repository not configured")
	}

	logger := s.loggerWith(ctx, "DeleteBlockedPeriod", "trainer_id", trainerID, "blocked_period_id", id)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to delete blocked period", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "blocked period deleted")
	}()

	periods, err := s.blocked.ListBlockedPeriods(ctx, trainerID, nil, nil)
	if err != nil {
		return mapRepoError(err)
	}
	owned := false
	for _, period := range periods {
		if period.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		return ErrNotFound
	}

	return mapRepoError(s.blocked.DeleteBlockedPeriod(ctx, id))
}

// ListBlockedPeriods returns the trainer's periods intersecting [from, to).
func (s *AvailabilityService) ListBlockedPeriods(ctx context.Context, trainerID string, from, to *time.Time) ([]BlockedPeriod, error) {
	if s == nil || s.blocked == nil {
		return nil, fmt.Errorf("blocked period repository not configured")
	}
	periods, err := s.blocked.ListBlockedPeriods(ctx, trainerID, from, to)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return periods, nil
}

func validateWindow(start, end time.Time, vErr *ValidationError) {
	if start.IsZero() {
		vErr.add("start_at", "start is required")
	}
	if end.IsZero() {
		vErr.add("end_at", "end is required")
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		vErr.add("end_at", "end must be after start")
	}
}

func toSlotCheck(decision scheduler.Decision) SlotCheck {
	if decision.OK {
		return SlotCheck{OK: true}
	}

	check := SlotCheck{}
	switch {
	case errors.Is(decision.Reason, scheduler.ErrInsufficientLeadTime):
		check.Reason = ErrInsufficientLeadTime
	case errors.Is(decision.Reason, scheduler.ErrBeyondHorizon):
		check.Reason = fmt.Errorf("%w: slot is beyond the booking horizon", ErrPolicyViolation)
	case errors.Is(decision.Reason, scheduler.ErrConflict), errors.Is(decision.Reason, scheduler.ErrBlocked):
		check.Reason = ErrConflict
	case errors.Is(decision.Reason, scheduler.ErrInvalidWindow):
		vErr := &ValidationError{}
		vErr.add("end_at", "end must be after start")
		check.Reason = vErr
	default:
		check.Reason = decision.Reason
	}

	if decision.Conflict != nil {
		switch decision.Conflict.Type {
		case scheduler.ConflictTypeReservation:
			check.ConflictingReservationID = decision.Conflict.WithID
		case scheduler.ConflictTypeBlocked:
			check.BlockedPeriodID = decision.Conflict.WithID
		}
	}
	return check
}

func toBookings(reservations []Reservation) []scheduler.Booking {
	bookings := make([]scheduler.Booking, 0, len(reservations))
	for _, r := range reservations {
		if !r.Status.IsActive() {
			continue
		}
		bookings = append(bookings, scheduler.Booking{ID: r.ID, TrainerID: r.TrainerID, Start: r.StartAt, End: r.EndAt})
	}
	return bookings
}

func toSchedulerBlocked(periods []BlockedPeriod) []scheduler.BlockedPeriod {
	blocked := make([]scheduler.BlockedPeriod, 0, len(periods))
	for _, p := range periods {
		blocked = append(blocked, scheduler.BlockedPeriod{ID: p.ID, TrainerID: p.TrainerID, Start: p.StartAt, End: p.EndAt})
	}
	return blocked
}
