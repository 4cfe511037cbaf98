package application

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/example/reservation-engine/internal/clock"
	"github.com/example/reservation-engine/internal/recurrence"
)

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	StatusPending           ReservationStatus = "pending"
	StatusConfirmed         ReservationStatus = "confirmed"
	StatusCancelledByClient ReservationStatus = "cancelled_by_client"
	StatusCancelledByCenter ReservationStatus = "cancelled_by_center"
	StatusNoShow            ReservationStatus = "no_show"
	StatusCompleted         ReservationStatus = "completed"
)

// ActiveStatuses are the states that occupy the trainer's calendar.
var ActiveStatuses = []ReservationStatus{StatusPending, StatusConfirmed}

var allowedTransitions = map[ReservationStatus][]ReservationStatus{
	StatusPending:   {StatusConfirmed, StatusCancelledByClient, StatusCancelledByCenter, StatusNoShow, StatusCompleted},
	StatusConfirmed: {StatusCancelledByClient, StatusCancelledByCenter, StatusNoShow, StatusCompleted},
}

// IsActive reports whether the reservation still holds its slot.
func (s ReservationStatus) IsActive() bool {
	return s == StatusPending || s == StatusConfirmed
}

// IsCancelled reports whether either party cancelled.
func (s ReservationStatus) IsCancelled() bool {
	return s == StatusCancelledByClient || s == StatusCancelledByCenter
}

// IsTerminal reports whether no further transition is possible.
func (s ReservationStatus) IsTerminal() bool {
	return len(allowedTransitions[s]) == 0
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s ReservationStatus) CanTransition(next ReservationStatus) bool {
	return slices.Contains(allowedTransitions[s], next)
}

// ParseReservationStatus resolves a status name.
func ParseReservationStatus(value string) (ReservationStatus, error) {
	status := ReservationStatus(strings.ToLower(strings.TrimSpace(value)))
	switch status {
	case StatusPending, StatusConfirmed, StatusCancelledByClient, StatusCancelledByCenter, StatusNoShow, StatusCompleted:
		return status, nil
	}
	return "", fmt.Errorf("unknown reservation status %q", value)
}

// SessionKind is the service being booked.
type SessionKind string

const (
	KindOneOnOne   SessionKind = "one_on_one"
	KindGroupClass SessionKind = "group_class"
	KindPhysio     SessionKind = "physio"
	KindNutrition  SessionKind = "nutrition"
	KindMassage    SessionKind = "massage"
)

// Valid reports whether k is a known session kind.
func (k SessionKind) Valid() bool {
	switch k {
	case KindOneOnOne, KindGroupClass, KindPhysio, KindNutrition, KindMassage:
		return true
	}
	return false
}

// SessionMode is how the session takes place.
type SessionMode string

const (
	ModeInPerson  SessionMode = "in_person"
	ModeVideoCall SessionMode = "video_call"
)

// Valid reports whether m is a known session mode.
func (m SessionMode) Valid() bool {
	return m == ModeInPerson || m == ModeVideoCall
}

// Origin records which channel created a reservation.
type Origin string

const (
	OriginClientApp           Origin = "client_app"
	OriginPublicLink          Origin = "public_link"
	OriginManual              Origin = "manual"
	OriginExternalIntegration Origin = "external_integration"
	OriginRecurrence          Origin = "recurrence"
)

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	switch o {
	case OriginClientApp, OriginPublicLink, OriginManual, OriginExternalIntegration, OriginRecurrence:
		return true
	}
	return false
}

// PaymentMethod is how a session was paid.
type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentTransfer PaymentMethod = "transfer"
	PaymentCard     PaymentMethod = "card"
)

// Valid reports whether p is a known payment method.
func (p PaymentMethod) Valid() bool {
	return p == PaymentCash || p == PaymentTransfer || p == PaymentCard
}

// CancelActor identifies who cancelled a reservation.
type CancelActor string

const (
	ActorClient CancelActor = "client"
	ActorCenter CancelActor = "center"
)

// Valid reports whether a is a known actor.
func (a CancelActor) Valid() bool {
	return a == ActorClient || a == ActorCenter
}

func (a CancelActor) status() ReservationStatus {
	if a == ActorClient {
		return StatusCancelledByClient
	}
	return StatusCancelledByCenter
}

// TokenAction is what a confirmation token was redeemed for.
type TokenAction string

const (
	ActionConfirm TokenAction = "confirm"
	ActionCancel  TokenAction = "cancel"
)

// Valid reports whether a is a known token action.
func (a TokenAction) Valid() bool {
	return a == ActionConfirm || a == ActionCancel
}

// RuleStatus is the lifecycle state of a recurrence rule.
type RuleStatus string

const (
	RuleActive    RuleStatus = "active"
	RulePaused    RuleStatus = "paused"
	RuleCancelled RuleStatus = "cancelled"
	RuleCompleted RuleStatus = "completed"
)

// Note is one entry of a reservation's audit log.
type Note struct {
	At   time.Time
	Text string
}

// Reservation is a booked session between a trainer and a client.
type Reservation struct {
	ID                string
	TrainerID         string
	ClientID          string
	ClientDisplayName string
	StartAt           time.Time
	EndAt             time.Time
	Kind              SessionKind
	SessionMode       SessionMode
	Status            ReservationStatus
	Origin            Origin
	Price             int64
	Paid              bool
	PaymentMethod     PaymentMethod
	VideoCallLink     string
	RecurrenceID      string
	OccurrenceDate    string
	NoShowPenalty     bool
	ReminderSentAt    *time.Time
	Notes             []Note
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Duration returns the session length.
func (r Reservation) Duration() time.Duration {
	return r.EndAt.Sub(r.StartAt)
}

func (r *Reservation) addNote(at time.Time, format string, args ...any) {
	r.Notes = append(r.Notes, Note{At: at, Text: fmt.Sprintf(format, args...)})
}

// CreateReservationParams captures caller provided reservation fields.
type CreateReservationParams struct {
	TrainerID         string
	ClientID          string
	ClientDisplayName string
	StartAt           time.Time
	EndAt             time.Time
	Kind              SessionKind
	SessionMode       SessionMode
	Origin            Origin
	Price             int64
	RecurrenceID      string
	OccurrenceDate    string
	Notes             string
}

// ReservationPatch is the restricted set of fields Modify may change. Time
// fields are interpreted on the reservation's own calendar date.
type ReservationPatch struct {
	StartTime       *clock.TimeOfDay
	EndTime         *clock.TimeOfDay
	DurationMinutes *int
	Kind            *SessionKind
	SessionMode     *SessionMode
	Price           *int64
	Notes           *string
}

// Empty reports whether the patch changes nothing.
func (p ReservationPatch) Empty() bool {
	return p.StartTime == nil && p.EndTime == nil && p.DurationMinutes == nil &&
		p.Kind == nil && p.SessionMode == nil && p.Price == nil && p.Notes == nil
}

// ReservationFilter narrows reservation listings.
type ReservationFilter struct {
	TrainerID string
	ClientID  string
	Statuses  []ReservationStatus
	// From and To select reservations overlapping [From, To).
	From *time.Time
	To   *time.Time
}

// SlotQuery identifies a slot to check.
type SlotQuery struct {
	TrainerID            string
	StartAt              time.Time
	EndAt                time.Time
	ExcludeReservationID string
}

// SlotCheck is the outcome of an availability check.
type SlotCheck struct {
	OK                       bool
	Reason                   error
	ConflictingReservationID string
	BlockedPeriodID          string
}

// Err returns the rejection as a *SlotError, or nil when the slot is free.
func (c SlotCheck) Err() error {
	if c.OK {
		return nil
	}
	return &SlotError{
		Reason:                   c.Reason,
		ConflictingReservationID: c.ConflictingReservationID,
		BlockedPeriodID:          c.BlockedPeriodID,
	}
}

// BlockedPeriod marks a span in which a trainer takes no bookings.
type BlockedPeriod struct {
	ID        string
	TrainerID string
	StartAt   time.Time
	EndAt     time.Time
	Reason    string
	CreatedAt time.Time
}

// BlockedPeriodInput captures caller provided blocked period fields.
type BlockedPeriodInput struct {
	TrainerID string
	StartAt   time.Time
	EndAt     time.Time
	Reason    string
}

// RecurrenceRule describes a recurring booking series.
type RecurrenceRule struct {
	ID                      string
	TrainerID               string
	ClientID                string
	ClientDisplayName       string
	AnchorDate              time.Time
	StartTime               clock.TimeOfDay
	EndTime                 clock.TimeOfDay
	DurationMinutes         int
	Kind                    SessionKind
	SessionMode             SessionMode
	Price                   int64
	Frequency               recurrence.Frequency
	Weekday                 *time.Weekday
	RepetitionCount         *int
	UntilDate               *time.Time
	Active                  bool
	Status                  RuleStatus
	OccurrencesMaterialized int
	Notes                   string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Calendar returns the calendar part of the rule for the recurrence engine.
func (r RecurrenceRule) Calendar() recurrence.Rule {
	return recurrence.Rule{
		Frequency:       r.Frequency,
		Weekday:         r.Weekday,
		AnchorDate:      r.AnchorDate,
		RepetitionCount: r.RepetitionCount,
		UntilDate:       r.UntilDate,
	}
}

// Duration returns the session length.
func (r RecurrenceRule) Duration() time.Duration {
	return time.Duration(r.DurationMinutes) * time.Minute
}

// RuleInput captures caller provided recurrence rule fields. EndTime may be
// omitted when DurationMinutes is set, and the reverse.
type RuleInput struct {
	TrainerID         string
	ClientID          string
	ClientDisplayName string
	AnchorDate        time.Time
	StartTime         clock.TimeOfDay
	EndTime           *clock.TimeOfDay
	DurationMinutes   int
	Kind              SessionKind
	SessionMode       SessionMode
	Price             int64
	Frequency         string
	Weekday           *time.Weekday
	RepetitionCount   *int
	UntilDate         *time.Time
	Notes             string
}

// RuleFilter narrows rule listings.
type RuleFilter struct {
	TrainerID string
	ClientID  string
	Statuses  []RuleStatus
}

// Occurrence is one computed slot of a rule's calendar.
type Occurrence struct {
	Date    time.Time
	StartAt time.Time
	EndAt   time.Time
}

// SkippedOccurrence is a calendar slot that expansion did not book.
type SkippedOccurrence struct {
	Occurrence
	Reason                   string
	ConflictingReservationID string
}

// ItemError describes a failed item of a batch operation.
type ItemError struct {
	ID      string
	Kind    string
	Message string
}

func newItemError(id string, err error) ItemError {
	return ItemError{ID: id, Kind: ErrorKind(err), Message: err.Error()}
}

// ExpansionResult reports what one expansion run did.
type ExpansionResult struct {
	RuleID     string
	Created    []Reservation
	Skipped    []SkippedOccurrence
	Failed     []ItemError
	RuleStatus RuleStatus
}

// CascadeResult reports a cascade over future occurrences.
type CascadeResult struct {
	Affected []string
	Failed   int
	Errors   []ItemError
}

// SweepResult reports an auto-complete sweep.
type SweepResult struct {
	Completed int
	Failed    int
	Errors    []ItemError
}

// ConfirmationToken is the stored form of a self-service token. The plain
// token never leaves TokenService.Issue.
type ConfirmationToken struct {
	ID            string
	ReservationID string
	Digest        string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Used          bool
	UsedAt        *time.Time
	Action        TokenAction
}

// IssuedToken is returned exactly once when a token is created.
type IssuedToken struct {
	Token         string
	ReservationID string
	ExpiresAt     time.Time
}

// TokenInfo describes a token without consuming it.
type TokenInfo struct {
	ReservationID string
	ExpiresAt     time.Time
	Used          bool
	UsedAt        *time.Time
	Action        TokenAction
	Valid         bool
	Reservation   Reservation
}

// ReminderResult reports a reminder run.
type ReminderResult struct {
	Sent   int
	Failed int
	Errors []ItemError
}
