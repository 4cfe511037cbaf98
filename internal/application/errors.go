package application

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the requested resource does not exist.
	ErrNotFound = errors.New("application: not found")
	// ErrConflict is returned when a slot overlaps another booking or a blocked period.
	ErrConflict = errors.New("application: slot conflicts with the trainer's calendar")
	// ErrInsufficientLeadTime is returned when a slot starts sooner than the minimum notice.
	ErrInsufficientLeadTime = errors.New("application: insufficient lead time")
	// ErrPolicyViolation is returned when a booking policy other than lead time rejects the request.
	ErrPolicyViolation = errors.New("application: booking policy violation")
	// ErrInvalidTransition is returned when the current status does not allow the operation.
	ErrInvalidTransition = errors.New("application: invalid status transition")
	// ErrInvalidRule is returned when a recurrence rule is malformed.
	ErrInvalidRule = errors.New("application: invalid recurrence rule")
	// ErrRuleInactive is returned when expanding a rule that is not active.
	ErrRuleInactive = errors.New("application: recurrence rule is not active")
	// ErrTokenExpired is returned when a confirmation token is past its expiry.
	ErrTokenExpired = errors.New("application: confirmation token expired")
	// ErrTokenAlreadyUsed is returned when a confirmation token was consumed before.
	ErrTokenAlreadyUsed = errors.New("application: confirmation token already used")
	// ErrExpansionFailed is returned by CreateRule when the rule was stored but
	// the immediate expansion failed. The stored rule is returned alongside it.
	ErrExpansionFailed = errors.New("application: recurrence rule stored but not expanded")
	// ErrProvider is returned by collaborator calls that failed. It never fails the owning operation.
	ErrProvider = errors.New("application: external provider failure")
)

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
	// Cause is matched by errors.Is, e.g. ErrInvalidRule.
	Cause error
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	if v == nil {
		return ""
	}
	if v.Cause != nil {
		return fmt.Sprintf("validation failed: %v", v.Cause)
	}
	return "validation failed"
}

// Unwrap exposes the cause to errors.Is.
func (v *ValidationError) Unwrap() error {
	if v == nil {
		return nil
	}
	return v.Cause
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

// add records a field level validation error.
func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

// merge copies entries from another validation error into the receiver.
func (v *ValidationError) merge(other *ValidationError) {
	if other == nil || len(other.FieldErrors) == 0 {
		return
	}
	for field, msg := range other.FieldErrors {
		v.add(field, msg)
	}
}

// SlotError reports why a slot was rejected. It unwraps to ErrConflict,
// ErrInsufficientLeadTime or ErrPolicyViolation.
type SlotError struct {
	Reason                   error
	ConflictingReservationID string
	BlockedPeriodID          string
}

// Error implements the error interface.
func (e *SlotError) Error() string {
	switch {
	case e.ConflictingReservationID != "":
		return fmt.Sprintf("%v (reservation %s)", e.Reason, e.ConflictingReservationID)
	case e.BlockedPeriodID != "":
		return fmt.Sprintf("%v (blocked period %s)", e.Reason, e.BlockedPeriodID)
	}
	return e.Reason.Error()
}

// Unwrap returns the reason sentinel.
func (e *SlotError) Unwrap() error {
	return e.Reason
}

func invalidTransition(from ReservationStatus, operation string) error {
	return fmt.Errorf("%w: cannot %s a %s reservation", ErrInvalidTransition, operation, from)
}
