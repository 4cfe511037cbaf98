// Package memory provides an in-process implementation of the persistence
// repositories, used for tests and single-node deployments without a database.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/example/reservation-engine/internal/persistence"
)

// Storage keeps every record in maps guarded by one RWMutex.
type Storage struct {
	mu             sync.RWMutex
	reservations   map[string]persistence.Reservation
	recurrences    map[string]persistence.RecurrenceRule
	tokens         map[string]persistence.ConfirmationToken
	blockedPeriods map[string]persistence.BlockedPeriod
}

// Open returns a new empty Storage.
func Open() *Storage {
	return &Storage{
		reservations:   make(map[string]persistence.Reservation),
		recurrences:    make(map[string]persistence.RecurrenceRule),
		tokens:         make(map[string]persistence.ConfirmationToken),
		blockedPeriods: make(map[string]persistence.BlockedPeriod),
	}
}

// Close releases resources held by the storage. No-op for the in-memory implementation.
func (s *Storage) Close() error {
	return nil
}

// --- ReservationRepository implementation ---

// CreateReservation stores a new reservation.
func (s *Storage) CreateReservation(ctx context.Context, reservation persistence.Reservation) error {
	if reservation.ID == "" || !reservation.EndAt.After(reservation.StartAt) {
		return persistence.ErrConstraintViolation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reservations[reservation.ID]; ok {
		return fmt.Errorf("%w: reservation %s", persistence.ErrDuplicate, reservation.ID)
	}
	if reservation.RecurrenceID != nil {
		if _, ok := s.recurrences[*reservation.RecurrenceID]; !ok {
			return fmt.Errorf("%w: recurrence %s", persistence.ErrForeignKeyViolation, *reservation.RecurrenceID)
		}
	}

	s.reservations[reservation.ID] = cloneReservation(reservation)
	return nil
}

// UpdateReservation replaces the mutable fields of an existing reservation.
// Notes are append-only.
func (s *Storage) UpdateReservation(ctx context.Context, reservation persistence.Reservation) error {
	if reservation.ID == "" || !reservation.EndAt.After(reservation.StartAt) {
		return persistence.ErrConstraintViolation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.reservations[reservation.ID]
	if !ok {
		return persistence.ErrNotFound
	}
	if len(reservation.Notes) < len(stored.Notes) {
		return fmt.Errorf("%w: notes are append-only", persistence.ErrConstraintViolation)
	}

	updated := cloneReservation(reservation)
	updated.TrainerID = stored.TrainerID
	updated.ClientID = stored.ClientID
	updated.ClientDisplayName = stored.ClientDisplayName
	updated.Origin = stored.Origin
	updated.RecurrenceID = cloneString(stored.RecurrenceID)
	updated.OccurrenceDate = cloneString(stored.OccurrenceDate)
	updated.CreatedAt = stored.CreatedAt
	updated.Notes = append(slices.Clone(stored.Notes), reservation.Notes[len(stored.Notes):]...)

	s.reservations[reservation.ID] = updated
	return nil
}

// GetReservation retrieves a reservation by ID.
func (s *Storage) GetReservation(ctx context.Context, id string) (persistence.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reservation, ok := s.reservations[id]
	if !ok {
		return persistence.Reservation{}, persistence.ErrNotFound
	}
	return cloneReservation(reservation), nil
}

// ListReservations returns reservations matching the filter ordered by start time.
func (s *Storage) ListReservations(ctx context.Context, filter persistence.ReservationFilter) ([]persistence.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var reservations []persistence.Reservation
	for _, reservation := range s.reservations {
		if matchesReservationFilter(reservation, filter) {
			reservations = append(reservations, cloneReservation(reservation))
		}
	}

	sort.Slice(reservations, func(i, j int) bool {
		if reservations[i].StartAt.Equal(reservations[j].StartAt) {
			return reservations[i].ID < reservations[j].ID
		}
		return reservations[i].StartAt.Before(reservations[j].StartAt)
	})

	return reservations, nil
}

// --- RecurrenceRepository implementation ---

// CreateRecurrence stores a new recurrence rule.
func (s *Storage) CreateRecurrence(ctx context.Context, rule persistence.RecurrenceRule) error {
	if rule.ID == "" {
		return persistence.ErrConstraintViolation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.recurrences[rule.ID]; ok {
		return fmt.Errorf("%w: recurrence %s", persistence.ErrDuplicate, rule.ID)
	}

	s.recurrences[rule.ID] = cloneRecurrence(rule)
	return nil
}

// UpdateRecurrence replaces the mutable fields of a rule. The calendar
// definition is immutable and the materialized counter never decreases.
func (s *Storage) UpdateRecurrence(ctx context.Context, rule persistence.RecurrenceRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.recurrences[rule.ID]
	if !ok {
		return persistence.ErrNotFound
	}

	stored.ClientDisplayName = rule.ClientDisplayName
	stored.StartTime = rule.StartTime
	stored.EndTime = rule.EndTime
	stored.DurationMinutes = rule.DurationMinutes
	stored.Kind = rule.Kind
	stored.SessionMode = rule.SessionMode
	stored.Price = rule.Price
	stored.Active = rule.Active
	stored.Status = rule.Status
	stored.OccurrencesMaterialized = max(stored.OccurrencesMaterialized, rule.OccurrencesMaterialized)
	stored.Notes = cloneString(rule.Notes)
	stored.UpdatedAt = rule.UpdatedAt

	s.recurrences[rule.ID] = stored
	return nil
}

// GetRecurrence retrieves a rule by ID.
func (s *Storage) GetRecurrence(ctx context.Context, id string) (persistence.RecurrenceRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.recurrences[id]
	if !ok {
		return persistence.RecurrenceRule{}, persistence.ErrNotFound
	}
	return cloneRecurrence(rule), nil
}

// ListRecurrences returns rules matching the filter ordered by creation time.
func (s *Storage) ListRecurrences(ctx context.Context, filter persistence.RecurrenceFilter) ([]persistence.RecurrenceRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []persistence.RecurrenceRule
	for _, rule := range s.recurrences {
		if filter.TrainerID != "" && rule.TrainerID != filter.TrainerID {
			continue
		}
		if filter.ClientID != "" && rule.ClientID != filter.ClientID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, rule.Status) {
			continue
		}
		rules = append(rules, cloneRecurrence(rule))
	}

	sort.Slice(rules, func(i, j int) bool {
		if rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})

	return rules, nil
}

// --- TokenRepository implementation ---

// CreateToken stores a token record keyed by digest.
func (s *Storage) CreateToken(ctx context.Context, token persistence.ConfirmationToken) error {
	if token.ID == "" || token.TokenDigest == "" {
		return persistence.ErrConstraintViolation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[token.TokenDigest]; ok {
		return fmt.Errorf("%w: token digest", persistence.ErrDuplicate)
	}
	if _, ok := s.reservations[token.ReservationID]; !ok {
		return fmt.Errorf("%w: reservation %s", persistence.ErrForeignKeyViolation, token.ReservationID)
	}

	s.tokens[token.TokenDigest] = cloneToken(token)
	return nil
}

// GetTokenByDigest retrieves a token by digest.
func (s *Storage) GetTokenByDigest(ctx context.Context, digest string) (persistence.ConfirmationToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[digest]
	if !ok {
		return persistence.ConfirmationToken{}, persistence.ErrNotFound
	}
	return cloneToken(token), nil
}

// ConsumeToken marks the token used under the storage mutex.
func (s *Storage) ConsumeToken(ctx context.Context, digest, action string, usedAt time.Time) (persistence.ConfirmationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[digest]
	if !ok {
		return persistence.ConfirmationToken{}, persistence.ErrNotFound
	}
	if token.Used || !usedAt.Before(token.ExpiresAt) {
		return cloneToken(token), persistence.ErrTokenUnavailable
	}

	token.Used = true
	token.UsedAt = &usedAt
	token.Action = &action
	s.tokens[digest] = token

	return cloneToken(token), nil
}

// --- BlockedPeriodRepository implementation ---

// CreateBlockedPeriod stores a blocked period.
func (s *Storage) CreateBlockedPeriod(ctx context.Context, period persistence.BlockedPeriod) error {
	if period.ID == "" || !period.EndAt.After(period.StartAt) {
		return persistence.ErrConstraintViolation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blockedPeriods[period.ID]; ok {
		return fmt.Errorf("%w: blocked period %s", persistence.ErrDuplicate, period.ID)
	}

	period.Reason = cloneString(period.Reason)
	s.blockedPeriods[period.ID] = period
	return nil
}

// DeleteBlockedPeriod removes a blocked period by ID.
func (s *Storage) DeleteBlockedPeriod(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blockedPeriods[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.blockedPeriods, id)
	return nil
}

// ListBlockedPeriods returns the trainer's periods intersecting [from, to).
func (s *Storage) ListBlockedPeriods(ctx context.Context, trainerID string, from, to *time.Time) ([]persistence.BlockedPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var periods []persistence.BlockedPeriod
	for _, period := range s.blockedPeriods {
		if period.TrainerID != trainerID {
			continue
		}
		if from != nil && !period.EndAt.After(*from) {
			continue
		}
		if to != nil && !period.StartAt.Before(*to) {
			continue
		}
		period.Reason = cloneString(period.Reason)
		periods = append(periods, period)
	}

	sort.Slice(periods, func(i, j int) bool {
		if periods[i].StartAt.Equal(periods[j].StartAt) {
			return periods[i].ID < periods[j].ID
		}
		return periods[i].StartAt.Before(periods[j].StartAt)
	})

	return periods, nil
}

func matchesReservationFilter(reservation persistence.Reservation, filter persistence.ReservationFilter) bool {
	if filter.TrainerID != "" && reservation.TrainerID != filter.TrainerID {
		return false
	}
	if filter.ClientID != "" && reservation.ClientID != filter.ClientID {
		return false
	}
	if filter.RecurrenceID != "" && (reservation.RecurrenceID == nil || *reservation.RecurrenceID != filter.RecurrenceID) {
		return false
	}
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, reservation.Status) {
		return false
	}
	if filter.StartsFrom != nil && reservation.StartAt.Before(*filter.StartsFrom) {
		return false
	}
	if filter.StartsBefore != nil && !reservation.StartAt.Before(*filter.StartsBefore) {
		return false
	}
	if filter.EndsBy != nil && reservation.EndAt.After(*filter.EndsBy) {
		return false
	}
	if filter.OverlapFrom != nil && !reservation.EndAt.After(*filter.OverlapFrom) {
		return false
	}
	if filter.OverlapTo != nil && !reservation.StartAt.Before(*filter.OverlapTo) {
		return false
	}
	if filter.Paid != nil && reservation.Paid != *filter.Paid {
		return false
	}
	if filter.NotReminded && reservation.ReminderSentAt != nil {
		return false
	}
	return true
}

func cloneReservation(reservation persistence.Reservation) persistence.Reservation {
	clone := reservation
	clone.PaymentMethod = cloneString(reservation.PaymentMethod)
	clone.VideoCallLink = cloneString(reservation.VideoCallLink)
	clone.RecurrenceID = cloneString(reservation.RecurrenceID)
	clone.OccurrenceDate = cloneString(reservation.OccurrenceDate)
	clone.ReminderSentAt = cloneTime(reservation.ReminderSentAt)
	clone.Notes = slices.Clone(reservation.Notes)
	return clone
}

func cloneRecurrence(rule persistence.RecurrenceRule) persistence.RecurrenceRule {
	clone := rule
	clone.Weekday = cloneInt(rule.Weekday)
	clone.RepetitionCount = cloneInt(rule.RepetitionCount)
	clone.UntilDate = cloneTime(rule.UntilDate)
	clone.Notes = cloneString(rule.Notes)
	return clone
}

func cloneToken(token persistence.ConfirmationToken) persistence.ConfirmationToken {
	clone := token
	clone.UsedAt = cloneTime(token.UsedAt)
	clone.Action = cloneString(token.Action)
	return clone
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func cloneInt(value *int) *int {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
