package scheduler

import (
	"errors"
	"time"
)

// DefaultMinimumLeadTime is the notice required before a session starts.
const DefaultMinimumLeadTime = 24 * time.Hour

var (
	// ErrInvalidWindow indicates the slot does not start before it ends.
	ErrInvalidWindow = errors.New("scheduler: start must be before end")
	// ErrInsufficientLeadTime indicates the slot starts too soon.
	ErrInsufficientLeadTime = errors.New("scheduler: insufficient lead time")
	// ErrBeyondHorizon indicates the slot starts past the booking horizon.
	ErrBeyondHorizon = errors.New("scheduler: slot is beyond the booking horizon")
	// ErrConflict indicates the slot overlaps an active booking.
	ErrConflict = errors.New("scheduler: slot overlaps an existing booking")
	// ErrBlocked indicates the slot overlaps a blocked period.
	ErrBlocked = errors.New("scheduler: trainer is unavailable during the slot")
)

// Policy configures which slots are bookable.
type Policy struct {
	// MinimumLeadTime is the minimum gap between now and the slot start.
	MinimumLeadTime time.Duration
	// BufferBefore and BufferAfter pad every session on the calendar.
	BufferBefore time.Duration
	BufferAfter  time.Duration
	// MaxDaysAhead limits how far in the future slots may start. Zero disables the limit.
	MaxDaysAhead int
}

// DefaultPolicy returns the 24h lead time policy without buffers or horizon.
func DefaultPolicy() Policy {
	return Policy{MinimumLeadTime: DefaultMinimumLeadTime}
}

// SlotRequest identifies the slot being validated.
type SlotRequest struct {
	TrainerID string
	Start     time.Time
	End       time.Time
	// ExcludeID skips the booking being rescheduled.
	ExcludeID string
}

// Decision is the outcome of a slot check. Reason is nil when OK.
type Decision struct {
	OK       bool
	Reason   error
	Conflict *Conflict
}

// Resolver decides whether slots are bookable under a policy.
type Resolver struct {
	policy Policy
	now    func() time.Time
}

// NewResolver constructs a Resolver. A nil now defaults to time.Now.
func NewResolver(policy Policy, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	if policy.MinimumLeadTime < 0 {
		policy.MinimumLeadTime = 0
	}
	return &Resolver{policy: policy, now: now}
}

// Policy returns the configured policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// QueryWindow returns the interval whose bookings can collide with req once
// buffers are applied.
func (r *Resolver) QueryWindow(req SlotRequest) (time.Time, time.Time) {
	gap := r.gap()
	return req.Start.Add(-gap), req.End.Add(gap)
}

// CheckTiming validates the window shape, lead time and horizon of req.
func (r *Resolver) CheckTiming(req SlotRequest) error {
	if !req.Start.Before(req.End) {
		return ErrInvalidWindow
	}
	now := r.now()
	if req.Start.Sub(now) < r.policy.MinimumLeadTime {
		return ErrInsufficientLeadTime
	}
	if r.policy.MaxDaysAhead > 0 && req.Start.After(now.AddDate(0, 0, r.policy.MaxDaysAhead)) {
		return ErrBeyondHorizon
	}
	return nil
}

// Check runs every rule against the supplied calendar snapshot. Existing
// bookings must be the trainer's active reservations covering QueryWindow.
func (r *Resolver) Check(req SlotRequest, existing []Booking, blocked []BlockedPeriod) Decision {
	if err := r.CheckTiming(req); err != nil {
		return Decision{Reason: err}
	}

	candidate := Booking{ID: req.ExcludeID, TrainerID: req.TrainerID, Start: req.Start, End: req.End}

	// Both sessions carry their buffers, so the required gap on either side is the sum.
	if conflicts := detectWithGap(existing, candidate, r.gap()); len(conflicts) > 0 {
		return Decision{Reason: ErrConflict, Conflict: &conflicts[0]}
	}
	if conflicts := DetectBlocked(blocked, candidate); len(conflicts) > 0 {
		return Decision{Reason: ErrBlocked, Conflict: &conflicts[0]}
	}

	return Decision{OK: true}
}

func (r *Resolver) gap() time.Duration {
	gap := r.policy.BufferBefore + r.policy.BufferAfter
	if gap < 0 {
		return 0
	}
	return gap
}
