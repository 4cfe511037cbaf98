package persistence

import (
	"context"
	"time"
)

// ReservationFilter narrows reservation queries. Zero values do not filter.
type ReservationFilter struct {
	TrainerID    string
	ClientID     string
	RecurrenceID string
	Statuses     []string
	// StartsFrom keeps reservations with StartAt >= StartsFrom.
	StartsFrom *time.Time
	// StartsBefore keeps reservations with StartAt < StartsBefore.
	StartsBefore *time.Time
	// EndsBy keeps reservations with EndAt <= EndsBy.
	EndsBy *time.Time
	// OverlapFrom and OverlapTo keep reservations intersecting [OverlapFrom, OverlapTo).
	OverlapFrom *time.Time
	OverlapTo   *time.Time
	Paid        *bool
	NotReminded bool
}

// ReservationRepository stores reservations and their audit notes. Results of
// ListReservations are ordered by StartAt, then ID.
type ReservationRepository interface {
	CreateReservation(ctx context.Context, reservation Reservation) error
	UpdateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, id string) (Reservation, error)
	ListReservations(ctx context.Context, filter ReservationFilter) ([]Reservation, error)
}

// RecurrenceFilter narrows recurrence rule queries.
type RecurrenceFilter struct {
	TrainerID string
	ClientID  string
	Statuses  []string
}

// RecurrenceRepository stores recurrence rules.
type RecurrenceRepository interface {
	CreateRecurrence(ctx context.Context, rule RecurrenceRule) error
	UpdateRecurrence(ctx context.Context, rule RecurrenceRule) error
	GetRecurrence(ctx context.Context, id string) (RecurrenceRule, error)
	ListRecurrences(ctx context.Context, filter RecurrenceFilter) ([]RecurrenceRule, error)
}

// TokenRepository stores confirmation tokens.
type TokenRepository interface {
	CreateToken(ctx context.Context, token ConfirmationToken) error
	GetTokenByDigest(ctx context.Context, digest string) (ConfirmationToken, error)
	// ConsumeToken marks the token used with action in one atomic step when it
	// is unused and expires after usedAt. Otherwise it returns the current
	// record together with ErrTokenUnavailable.
	ConsumeToken(ctx context.Context, digest, action string, usedAt time.Time) (ConfirmationToken, error)
}

// BlockedPeriodRepository stores trainer unavailability.
type BlockedPeriodRepository interface {
	CreateBlockedPeriod(ctx context.Context, period BlockedPeriod) error
	DeleteBlockedPeriod(ctx context.Context, id string) error
	// ListBlockedPeriods returns the trainer's periods intersecting [from, to)
	// ordered by start. Nil bounds are open.
	ListBlockedPeriods(ctx context.Context, trainerID string, from, to *time.Time) ([]BlockedPeriod, error)
}
