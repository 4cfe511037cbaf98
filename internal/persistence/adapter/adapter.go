// Package adapter exposes persistence repositories through the interfaces
// the application services depend on.
package adapter

import (
	"context"
	"time"

	"github.com/example/reservation-engine/internal/application"
	"github.com/example/reservation-engine/internal/persistence"
)

// Repositories groups the application repositories built over one storage.
type Repositories struct {
	Reservations   application.ReservationRepository
	Recurrences    application.RecurrenceRepository
	Tokens         application.TokenRepository
	BlockedPeriods application.BlockedPeriodRepository
}

// Backend names the persistence repositories of one storage implementation.
type Backend struct {
	Reservations   persistence.ReservationRepository
	Recurrences    persistence.RecurrenceRepository
	Tokens         persistence.TokenRepository
	BlockedPeriods persistence.BlockedPeriodRepository
}

// New builds the application repositories over backend.
func New(backend Backend) Repositories {
	return Repositories{
		Reservations:   NewReservationRepository(backend.Reservations),
		Recurrences:    NewRecurrenceRepository(backend.Recurrences),
		Tokens:         NewTokenRepository(backend.Tokens),
		BlockedPeriods: NewBlockedPeriodRepository(backend.BlockedPeriods),
	}
}

// ReservationRepository adapts a persistence.ReservationRepository.
type ReservationRepository struct {
	repo persistence.ReservationRepository
}

// NewReservationRepository wraps repo.
func NewReservationRepository(repo persistence.ReservationRepository) *ReservationRepository {
	return &ReservationRepository{repo: repo}
}

func (a *ReservationRepository) CreateReservation(ctx context.Context, reservation application.Reservation) (application.Reservation, error) {
	if err := a.repo.CreateReservation(ctx, toPersistenceReservation(reservation)); err != nil {
		return application.Reservation{}, err
	}
	return a.GetReservation(ctx, reservation.ID)
}

func (a *ReservationRepository) UpdateReservation(ctx context.Context, reservation application.Reservation) (application.Reservation, error) {
	if err := a.repo.UpdateReservation(ctx, toPersistenceReservation(reservation)); err != nil {
		return application.Reservation{}, err
	}
	return a.GetReservation(ctx, reservation.ID)
}

func (a *ReservationRepository) GetReservation(ctx context.Context, id string) (application.Reservation, error) {
	stored, err := a.repo.GetReservation(ctx, id)
	if err != nil {
		return application.Reservation{}, err
	}
	return toApplicationReservation(stored), nil
}

func (a *ReservationRepository) ListReservations(ctx context.Context, query application.ReservationQuery) ([]application.Reservation, error) {
	statuses := make([]string, 0, len(query.Statuses))
	for _, status := range query.Statuses {
		statuses = append(statuses, string(status))
	}
	models, err := a.repo.ListReservations(ctx, persistence.ReservationFilter{
		TrainerID:    query.TrainerID,
		ClientID:     query.ClientID,
		RecurrenceID: query.RecurrenceID,
		Statuses:     statuses,
		StartsFrom:   query.StartsFrom,
		StartsBefore: query.StartsBefore,
		EndsBy:       query.EndsBy,
		OverlapFrom:  query.OverlapFrom,
		OverlapTo:    query.OverlapTo,
		Paid:         query.Paid,
		NotReminded:  query.NotReminded,
	})
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}
	reservations := make([]application.Reservation, 0, len(models))
	for _, model := range models {
		reservations = append(reservations, toApplicationReservation(model))
	}
	return reservations, nil
}

// RecurrenceRepository adapts a persistence.RecurrenceRepository.
type RecurrenceRepository struct {
	repo persistence.RecurrenceRepository
}

// NewRecurrenceRepository wraps repo.
func NewRecurrenceRepository(repo persistence.RecurrenceRepository) *RecurrenceRepository {
	return &RecurrenceRepository{repo: repo}
}

func (a *RecurrenceRepository) CreateRule(ctx context.Context, rule application.RecurrenceRule) (application.RecurrenceRule, error) {
	if err := a.repo.CreateRecurrence(ctx, toPersistenceRule(rule)); err != nil {
		return application.RecurrenceRule{}, err
	}
	return a.GetRule(ctx, rule.ID)
}

func (a *RecurrenceRepository) UpdateRule(ctx context.Context, rule application.RecurrenceRule) (application.RecurrenceRule, error) {
	if err := a.repo.UpdateRecurrence(ctx, toPersistenceRule(rule)); err != nil {
		return application.RecurrenceRule{}, err
	}
	return a.GetRule(ctx, rule.ID)
}

func (a *RecurrenceRepository) GetRule(ctx context.Context, id string) (application.RecurrenceRule, error) {
	stored, err := a.repo.GetRecurrence(ctx, id)
	if err != nil {
		return application.RecurrenceRule{}, err
	}
	return toApplicationRule(stored)
}

func (a *RecurrenceRepository) ListRules(ctx context.Context, filter application.RuleFilter) ([]application.RecurrenceRule, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, status := range filter.Statuses {
		statuses = append(statuses, string(status))
	}
	models, err := a.repo.ListRecurrences(ctx, persistence.RecurrenceFilter{
		TrainerID: filter.TrainerID,
		ClientID:  filter.ClientID,
		Statuses:  statuses,
	})
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}
	rules := make([]application.RecurrenceRule, 0, len(models))
	for _, model := range models {
		rule, err := toApplicationRule(model)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// TokenRepository adapts a persistence.TokenRepository.
type TokenRepository struct {
	repo persistence.TokenRepository
}

// NewTokenRepository wraps repo.
func NewTokenRepository(repo persistence.TokenRepository) *TokenRepository {
	return &TokenRepository{repo: repo}
}

func (a *TokenRepository) CreateToken(ctx context.Context, token application.ConfirmationToken) error {
	return a.repo.CreateToken(ctx, toPersistenceToken(token))
}

func (a *TokenRepository) GetTokenByDigest(ctx context.Context, digest string) (application.ConfirmationToken, error) {
	stored, err := a.repo.GetTokenByDigest(ctx, digest)
	if err != nil {
		return application.ConfirmationToken{}, err
	}
	return toApplicationToken(stored), nil
}

func (a *TokenRepository) ConsumeToken(ctx context.Context, digest string, action application.TokenAction, at time.Time) (application.ConfirmationToken, error) {
	stored, err := a.repo.ConsumeToken(ctx, digest, string(action), at)
	return toApplicationToken(stored), err
}

// BlockedPeriodRepository adapts a persistence.BlockedPeriodRepository.
type BlockedPeriodRepository struct {
	repo persistence.BlockedPeriodRepository
}

// NewBlockedPeriodRepository wraps repo.
func NewBlockedPeriodRepository(repo persistence.BlockedPeriodRepository) *BlockedPeriodRepository {
	return &BlockedPeriodRepository{repo: repo}
}

func (a *BlockedPeriodRepository) CreateBlockedPeriod(ctx context.Context, period application.BlockedPeriod) (application.BlockedPeriod, error) {
	if err := a.repo.CreateBlockedPeriod(ctx, toPersistenceBlockedPeriod(period)); err != nil {
		return application.BlockedPeriod{}, err
	}
	return period, nil
}

func (a *BlockedPeriodRepository) DeleteBlockedPeriod(ctx context.Context, id string) error {
	return a.repo.DeleteBlockedPeriod(ctx, id)
}

func (a *BlockedPeriodRepository) ListBlockedPeriods(ctx context.Context, trainerID string, from, to *time.Time) ([]application.BlockedPeriod, error) {
	models, err := a.repo.ListBlockedPeriods(ctx, trainerID, from, to)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}
	periods := make([]application.BlockedPeriod, 0, len(models))
	for _, model := range models {
		periods = append(periods, toApplicationBlockedPeriod(model))
	}
	return periods, nil
}
