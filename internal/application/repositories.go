package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/reservation-engine/internal/persistence"
)

// ReservationRepository captures the persistence operations needed for reservations.
type ReservationRepository interface {
	CreateReservation(ctx context.Context, reservation Reservation) (Reservation, error)
	UpdateReservation(ctx context.Context, reservation Reservation) (Reservation, error)
	GetReservation(ctx context.Context, id string) (Reservation, error)
	ListReservations(ctx context.Context, query ReservationQuery) ([]Reservation, error)
}

// ReservationQuery narrows queries issued to the reservation repository.
type ReservationQuery struct {
	TrainerID    string
	ClientID     string
	RecurrenceID string
	Statuses     []ReservationStatus
	StartsFrom   *time.Time
	StartsBefore *time.Time
	EndsBy       *time.Time
	OverlapFrom  *time.Time
	OverlapTo    *time.Time
	Paid         *bool
	NotReminded  bool
}

// RecurrenceRepository captures the persistence operations needed for rules.
type RecurrenceRepository interface {
	CreateRule(ctx context.Context, rule RecurrenceRule) (RecurrenceRule, error)
	UpdateRule(ctx context.Context, rule RecurrenceRule) (RecurrenceRule, error)
	GetRule(ctx context.Context, id string) (RecurrenceRule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]RecurrenceRule, error)
}

// TokenRepository captures the persistence operations needed for tokens.
type TokenRepository interface {
	CreateToken(ctx context.Context, token ConfirmationToken) error
	GetTokenByDigest(ctx context.Context, digest string) (ConfirmationToken, error)
	// ConsumeToken atomically marks an unused, unexpired token as used. When
	// that is not possible it returns the stored token and
	// persistence.ErrTokenUnavailable.
	ConsumeToken(ctx context.Context, digest string, action TokenAction, at time.Time) (ConfirmationToken, error)
}

// BlockedPeriodRepository captures the persistence operations needed for blocked periods.
type BlockedPeriodRepository interface {
	CreateBlockedPeriod(ctx context.Context, period BlockedPeriod) (BlockedPeriod, error)
	DeleteBlockedPeriod(ctx context.Context, id string) error
	ListBlockedPeriods(ctx context.Context, trainerID string, from, to *time.Time) ([]BlockedPeriod, error)
}

// mapRepoError translates persistence failures into application errors.
func mapRepoError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, persistence.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, persistence.ErrDuplicate):
		return fmt.Errorf("%w: record already exists", ErrConflict)
	case errors.Is(err, persistence.ErrConstraintViolation):
		vErr := &ValidationError{}
		vErr.add("record", "violates a storage constraint")
		return vErr
	case errors.Is(err, persistence.ErrForeignKeyViolation):
		vErr := &ValidationError{}
		vErr.add("reference", "related records are missing")
		return vErr
	}
	return err
}
