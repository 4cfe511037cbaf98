// Package notify delivers reservation notifications produced by the
// application services.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/reservation-engine/internal/application"
)

// DefaultSubjectPrefix is prepended to the event name when publishing.
const DefaultSubjectPrefix = "reservations"

// LogDispatcher writes every notification to a structured logger.
type LogDispatcher struct {
	logger *slog.Logger
}

var _ application.NotificationDispatcher = (*LogDispatcher)(nil)

// NewLogDispatcher returns a dispatcher that logs at info level.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger.With("component", "notify")}
}

func (d *LogDispatcher) Send(ctx context.Context, n application.Notification) error {
	attrs := []any{
		"event", n.Event,
		"channel", n.Channel,
		"recipient", n.Recipient,
	}
	if n.Agenda != nil {
		attrs = append(attrs,
			"trainer_id", n.Agenda.TrainerID,
			"agenda_date", n.Agenda.Date,
			"sessions", len(n.Agenda.Reservations),
		)
	} else {
		attrs = append(attrs,
			"reservation_id", n.Reservation.ID,
			"trainer_id", n.Reservation.TrainerID,
			"status", string(n.Reservation.Status),
			"start_at", n.Reservation.StartAt.UTC().Format(time.RFC3339),
		)
	}
	if n.Previous != nil {
		attrs = append(attrs, "previous_start_at", n.Previous.StartAt.UTC().Format(time.RFC3339))
	}
	for name, link := range n.Links {
		attrs = append(attrs, "link_"+name, link)
	}
	d.logger.InfoContext(ctx, "notification dispatched", attrs...)
	return nil
}

// Publisher is the subset of *nats.Conn the dispatcher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSDispatcher publishes notifications as JSON events on
// "<prefix>.<event>" subjects.
type NATSDispatcher struct {
	conn   Publisher
	prefix string
	now    func() time.Time
}

var _ application.NotificationDispatcher = (*NATSDispatcher)(nil)

// NATSOption customises a NATSDispatcher.
type NATSOption func(*NATSDispatcher)

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(d *NATSDispatcher) {
		if p := strings.Trim(strings.TrimSpace(prefix), "."); p != "" {
			d.prefix = p
		}
	}
}

// WithClock sets the source of the published_at stamp.
func WithClock(now func() time.Time) NATSOption {
	return func(d *NATSDispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewNATSDispatcher wraps an established connection.
func NewNATSDispatcher(conn Publisher, opts ...NATSOption) *NATSDispatcher {
	d := &NATSDispatcher{conn: conn, prefix: DefaultSubjectPrefix, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Connect dials the NATS server at url.
func Connect(url, name string) (*nats.Conn, error) {
	if strings.TrimSpace(url) == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return conn, nil
}

// Subject returns the subject an event is published on.
func (d *NATSDispatcher) Subject(event string) string {
	return d.prefix + "." + event
}

func (d *NATSDispatcher) Send(ctx context.Context, n application.Notification) error {
	if d == nil || d.conn == nil {
		return errors.New("nats dispatcher is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(newEvent(n, d.now()))
	if err != nil {
		return fmt.Errorf("encode %s: %w", n.Event, err)
	}
	if err := d.conn.Publish(d.Subject(n.Event), payload); err != nil {
		return fmt.Errorf("publish %s: %w", n.Event, err)
	}
	return nil
}

// Event is the JSON body published for each notification.
type Event struct {
	Event       string            `json:"event"`
	Channel     string            `json:"channel"`
	Recipient   string            `json:"recipient"`
	PublishedAt time.Time         `json:"published_at"`
	Reservation *EventReservation `json:"reservation,omitempty"`
	Previous    *EventReservation `json:"previous,omitempty"`
	Links       map[string]string `json:"links,omitempty"`
	Agenda      *EventAgenda      `json:"agenda,omitempty"`
}

// EventAgenda is the day plan carried by trainer agenda events.
type EventAgenda struct {
	TrainerID    string             `json:"trainer_id"`
	Date         string             `json:"date"`
	Reservations []EventReservation `json:"reservations"`
}

// EventReservation is the reservation snapshot carried by an Event.
type EventReservation struct {
	ID                string    `json:"id"`
	TrainerID         string    `json:"trainer_id"`
	ClientID          string    `json:"client_id"`
	ClientDisplayName string    `json:"client_display_name,omitempty"`
	StartAt           time.Time `json:"start_at"`
	EndAt             time.Time `json:"end_at"`
	Kind              string    `json:"kind"`
	SessionMode       string    `json:"session_mode"`
	Status            string    `json:"status"`
	Origin            string    `json:"origin"`
	Price             int64     `json:"price"`
	Paid              bool      `json:"paid"`
	VideoCallLink     string    `json:"video_call_link,omitempty"`
	RecurrenceID      string    `json:"recurrence_id,omitempty"`
}

func newEvent(n application.Notification, now time.Time) Event {
	evt := Event{
		Event:       n.Event,
		Channel:     n.Channel,
		Recipient:   n.Recipient,
		PublishedAt: now.UTC(),
		Links:       n.Links,
	}
	if n.Agenda != nil {
		agenda := &EventAgenda{
			TrainerID:    n.Agenda.TrainerID,
			Date:         n.Agenda.Date,
			Reservations: make([]EventReservation, 0, len(n.Agenda.Reservations)),
		}
		for _, r := range n.Agenda.Reservations {
			agenda.Reservations = append(agenda.Reservations, snapshot(r))
		}
		evt.Agenda = agenda
	} else {
		current := snapshot(n.Reservation)
		evt.Reservation = &current
	}
	if n.Previous != nil {
		prev := snapshot(*n.Previous)
		evt.Previous = &prev
	}
	return evt
}

func snapshot(r application.Reservation) EventReservation {
	return EventReservation{
		ID:                r.ID,
		TrainerID:         r.TrainerID,
		ClientID:          r.ClientID,
		ClientDisplayName: r.ClientDisplayName,
		StartAt:           r.StartAt.UTC(),
		EndAt:             r.EndAt.UTC(),
		Kind:              string(r.Kind),
		SessionMode:       string(r.SessionMode),
		Status:            string(r.Status),
		Origin:            string(r.Origin),
		Price:             r.Price,
		Paid:              r.Paid,
		VideoCallLink:     r.VideoCallLink,
		RecurrenceID:      r.RecurrenceID,
	}
}
