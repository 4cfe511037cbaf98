package scheduler

import (
	"sort"
	"time"

	"github.com/example/reservation-engine/internal/clock"
)

// Booking is an interval occupied on a trainer's calendar by an active
// reservation.
type Booking struct {
	ID        string
	TrainerID string
	Start     time.Time
	End       time.Time
}

// BlockedPeriod is a span during which a trainer accepts no bookings.
type BlockedPeriod struct {
	ID        string
	TrainerID string
	Start     time.Time
	End       time.Time
}

// ConflictType describes what a candidate slot collided with.
type ConflictType string

const (
	// ConflictTypeReservation indicates the trainer is already booked.
	ConflictTypeReservation ConflictType = "reservation"
	// ConflictTypeBlocked indicates the trainer marked the period unavailable.
	ConflictTypeBlocked ConflictType = "blocked"
)

// Conflict details an overlap that callers can present to users.
type Conflict struct {
	WithID string
	Type   ConflictType
	Start  time.Time
	End    time.Time
}

// DetectConflicts returns every booking of the candidate's trainer whose
// interval overlaps the candidate, ordered by start. A booking sharing the
// candidate's ID is ignored so a reservation never collides with itself.
func DetectConflicts(existing []Booking, candidate Booking) []Conflict {
	return detectWithGap(existing, candidate, 0)
}

func detectWithGap(existing []Booking, candidate Booking, gap time.Duration) []Conflict {
	if !candidate.Start.Before(candidate.End) {
		return nil
	}
	from := candidate.Start.Add(-gap)
	to := candidate.End.Add(gap)

	var conflicts []Conflict
	for _, booking := range existing {
		if booking.TrainerID != candidate.TrainerID {
			continue
		}
		if candidate.ID != "" && booking.ID == candidate.ID {
			continue
		}
		if !clock.Overlaps(from, to, booking.Start, booking.End) {
			continue
		}
		conflicts = append(conflicts, Conflict{
			WithID: booking.ID,
			Type:   ConflictTypeReservation,
			Start:  booking.Start,
			End:    booking.End,
		})
	}

	sort.SliceStable(conflicts, func(i, j int) bool {
		if conflicts[i].Start.Equal(conflicts[j].Start) {
			return conflicts[i].WithID < conflicts[j].WithID
		}
		return conflicts[i].Start.Before(conflicts[j].Start)
	})
	return conflicts
}

// DetectBlocked returns the blocked periods of the candidate's trainer that
// overlap the candidate interval.
func DetectBlocked(blocked []BlockedPeriod, candidate Booking) []Conflict {
	var conflicts []Conflict
	for _, period := range blocked {
		if period.TrainerID != candidate.TrainerID {
			continue
		}
		if !clock.Overlaps(candidate.Start, candidate.End, period.Start, period.End) {
			continue
		}
		conflicts = append(conflicts, Conflict{
			WithID: period.ID,
			Type:   ConflictTypeBlocked,
			Start:  period.Start,
			End:    period.End,
		})
	}
	return conflicts
}
