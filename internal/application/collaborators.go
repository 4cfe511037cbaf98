package application

import (
	"context"
	"time"
)

// Locker serialises calendar writes per trainer.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// MeetingRequest describes the session a meeting link is created for.
type MeetingRequest struct {
	Platform      string
	ReservationID string
	Start         time.Time
	End           time.Time
	ClientName    string
}

// VideoLinkProvider creates meeting links for video-call sessions.
type VideoLinkProvider interface {
	CreateMeetingLink(ctx context.Context, req MeetingRequest) (string, error)
}

// Notification events.
const (
	EventReservationCreated     = "reservation.created"
	EventReservationConfirmed   = "reservation.confirmed"
	EventReservationCancelled   = "reservation.cancelled"
	EventReservationRescheduled = "reservation.rescheduled"
	EventReservationModified    = "reservation.modified"
	EventReservationCompleted   = "reservation.completed"
	EventReservationNoShow      = "reservation.no_show"
	EventReservationPaid        = "reservation.paid"
	EventReservationReminder    = "reservation.reminder"
	EventPaymentReminder        = "reservation.payment_reminder"
	EventTrainerAgenda          = "trainer.agenda"
)

// Notification carries the structured facts of a reservation event. Message
// content and delivery belong to the dispatcher.
type Notification struct {
	Channel     string
	Recipient   string
	Event       string
	Reservation Reservation
	// Previous holds the reservation before a reschedule or modification.
	Previous *Reservation
	Links    map[string]string
	// Agenda is set for trainer agenda events, which carry no single
	// reservation.
	Agenda *TrainerAgenda
}

// TrainerAgenda lists a trainer's active sessions on one calendar day, in
// start order.
type TrainerAgenda struct {
	TrainerID    string
	Date         string
	Reservations []Reservation
}

// NotificationDispatcher delivers notifications.
type NotificationDispatcher interface {
	Send(ctx context.Context, notification Notification) error
}

// Metrics records engine counters.
type Metrics interface {
	ReservationCreated(origin Origin, status ReservationStatus)
	SlotRejected(reason string)
	TransitionApplied(from, to ReservationStatus)
	ProviderFailure(provider string)
	BatchCompleted(batch string, succeeded, failed int)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) ReservationCreated(Origin, ReservationStatus) {}

func (NopMetrics) SlotRejected(string) {}

func (NopMetrics) TransitionApplied(ReservationStatus, ReservationStatus) {}

func (NopMetrics) ProviderFailure(string) {}

func (NopMetrics) BatchCompleted(string, int, int) {}

func defaultMetrics(metrics Metrics) Metrics {
	if metrics != nil {
		return metrics
	}
	return NopMetrics{}
}

// withProviderTimeout bounds a collaborator call. The call keeps the values of
// ctx but not its cancellation, so a finished request does not abort it.
func withProviderTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
