// Package calendar renders reservations, blocked periods and recurrence rules
// as iCalendar (RFC 5545) documents.
package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/example/reservation-engine/internal/application"
	"github.com/example/reservation-engine/internal/recurrence"
)

// DefaultProductID identifies the generator in exported calendars.
const DefaultProductID = "-//reservation-engine//calendar export//EN"

// ErrEmptyRule is returned when a rule has no occurrences to export.
var ErrEmptyRule = errors.New("calendar: rule produces no occurrences")

// Exporter builds iCalendar feeds.
type Exporter struct {
	engine    *recurrence.Engine
	productID string
	now       func() time.Time
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithProductID overrides the PRODID of generated calendars.
func WithProductID(id string) Option {
	return func(e *Exporter) {
		if strings.TrimSpace(id) != "" {
			e.productID = id
		}
	}
}

// WithClock sets the time source used for DTSTAMP.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExporter constructs an Exporter that renders rules with engine.
func NewExporter(engine *recurrence.Engine, opts ...Option) *Exporter {
	if engine == nil {
		engine = recurrence.NewEngine(time.UTC)
	}
	e := &Exporter{engine: engine, productID: DefaultProductID, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Exporter) newCalendar(name string) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(e.productID)
	if name != "" {
		cal.SetXWRCalName(name)
	}
	cal.SetXWRTimezone(e.engine.Location().String())
	return cal
}

// TrainerFeed renders a trainer's reservations and blocked periods. Cancelled
// reservations are kept with STATUS:CANCELLED so subscribers drop them.
func (e *Exporter) TrainerFeed(trainerID string, reservations []application.Reservation, blocked []application.BlockedPeriod) string {
	cal := e.newCalendar("Sessions " + trainerID)
	stamp := e.now().UTC()

	for _, reservation := range reservations {
		event := cal.AddEvent(reservation.ID + "@reservations")
		event.SetDtStampTime(stamp)
		event.SetCreatedTime(reservation.CreatedAt)
		event.SetModifiedAt(reservation.UpdatedAt)
		event.SetStartAt(reservation.StartAt)
		event.SetEndAt(reservation.EndAt)
		event.SetSummary(reservationSummary(reservation))
		event.SetStatus(eventStatus(reservation.Status))
		if reservation.VideoCallLink != "" {
			event.SetLocation(reservation.VideoCallLink)
			event.SetURL(reservation.VideoCallLink)
		}
		if description := reservationDescription(reservation); description != "" {
			event.SetDescription(description)
		}
	}

	for _, period := range blocked {
		event := cal.AddEvent(period.ID + "@blocked")
		event.SetDtStampTime(stamp)
		event.SetCreatedTime(period.CreatedAt)
		event.SetStartAt(period.StartAt)
		event.SetEndAt(period.EndAt)
		event.SetSummary("Unavailable")
		event.SetTimeTransparency(ical.TransparencyOpaque)
		if period.Reason != "" {
			event.SetDescription(period.Reason)
		}
	}

	return cal.Serialize()
}

// RuleCalendar renders a recurrence rule as a single recurring event.
func (e *Exporter) RuleCalendar(rule application.RecurrenceRule) (string, error) {
	rr, err := e.engine.ToRRule(rule.Calendar(), rule.StartTime)
	if err != nil {
		if errors.Is(err, recurrence.ErrEmptyCalendar) {
			return "", fmt.Errorf("%w: %s", ErrEmptyRule, rule.ID)
		}
		return "", fmt.Errorf("render rule %s: %w", rule.ID, err)
	}

	start := rr.OrigOptions.Dtstart
	cal := e.newCalendar("")
	event := cal.AddEvent(rule.ID + "@rules")
	event.SetDtStampTime(e.now().UTC())
	event.SetCreatedTime(rule.CreatedAt)
	event.SetModifiedAt(rule.UpdatedAt)
	event.SetStartAt(start)
	event.SetEndAt(start.Add(rule.Duration()))
	event.SetSummary(fmt.Sprintf("%s with %s", humanize(string(rule.Kind)), clientName(rule.ClientDisplayName, rule.ClientID)))
	event.SetProperty(ical.ComponentPropertyRrule, rr.OrigOptions.RRuleString())
	if rule.Status == application.RuleCancelled {
		event.SetStatus(ical.ObjectStatusCancelled)
	} else {
		event.SetStatus(ical.ObjectStatusConfirmed)
	}
	if rule.Notes != "" {
		event.SetDescription(rule.Notes)
	}
	return cal.Serialize(), nil
}

func eventStatus(status application.ReservationStatus) ical.ObjectStatus {
	switch {
	case status == application.StatusPending:
		return ical.ObjectStatusTentative
	case status.IsCancelled():
		return ical.ObjectStatusCancelled
	default:
		return ical.ObjectStatusConfirmed
	}
}

func reservationSummary(r application.Reservation) string {
	return fmt.Sprintf("%s with %s", humanize(string(r.Kind)), clientName(r.ClientDisplayName, r.ClientID))
}

func reservationDescription(r application.Reservation) string {
	var lines []string
	if r.Status == application.StatusNoShow {
		lines = append(lines, "Client did not attend")
	}
	if r.SessionMode == application.ModeVideoCall {
		lines = append(lines, "Video call")
	}
	for _, note := range r.Notes {
		lines = append(lines, note.Text)
	}
	return strings.Join(lines, "\n")
}

func clientName(display, id string) string {
	if strings.TrimSpace(display) != "" {
		return display
	}
	return id
}

func humanize(value string) string {
	value = strings.ReplaceAll(value, "_", " ")
	if value == "" {
		return "Session"
	}
	return strings.ToUpper(value[:1]) + value[1:]
}
