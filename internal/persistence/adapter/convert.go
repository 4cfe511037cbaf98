package adapter

import (
	"fmt"
	"time"

	"github.com/example/reservation-engine/internal/application"
	"github.com/example/reservation-engine/internal/clock"
	"github.com/example/reservation-engine/internal/persistence"
	"github.com/example/reservation-engine/internal/recurrence"
)

func toPersistenceReservation(r application.Reservation) persistence.Reservation {
	notes := make([]persistence.ReservationNote, 0, len(r.Notes))
	for _, note := range r.Notes {
		notes = append(notes, persistence.ReservationNote{At: note.At, Text: note.Text})
	}
	return persistence.Reservation{
		ID:                r.ID,
		TrainerID:         r.TrainerID,
		ClientID:          r.ClientID,
		ClientDisplayName: r.ClientDisplayName,
		StartAt:           r.StartAt,
		EndAt:             r.EndAt,
		Kind:              string(r.Kind),
		SessionMode:       string(r.SessionMode),
		Status:            string(r.Status),
		Origin:            string(r.Origin),
		Price:             r.Price,
		Paid:              r.Paid,
		PaymentMethod:     optional(string(r.PaymentMethod)),
		VideoCallLink:     optional(r.VideoCallLink),
		RecurrenceID:      optional(r.RecurrenceID),
		OccurrenceDate:    optional(r.OccurrenceDate),
		NoShowPenalty:     r.NoShowPenalty,
		ReminderSentAt:    r.ReminderSentAt,
		Notes:             notes,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func toApplicationReservation(r persistence.Reservation) application.Reservation {
	var notes []application.Note
	if len(r.Notes) > 0 {
		notes = make([]application.Note, 0, len(r.Notes))
		for _, note := range r.Notes {
			notes = append(notes, application.Note{At: note.At, Text: note.Text})
		}
	}
	return application.Reservation{
		ID:                r.ID,
		TrainerID:         r.TrainerID,
		ClientID:          r.ClientID,
		ClientDisplayName: r.ClientDisplayName,
		StartAt:           r.StartAt,
		EndAt:             r.EndAt,
		Kind:              application.SessionKind(r.Kind),
		SessionMode:       application.SessionMode(r.SessionMode),
		Status:            application.ReservationStatus(r.Status),
		Origin:            application.Origin(r.Origin),
		Price:             r.Price,
		Paid:              r.Paid,
		PaymentMethod:     application.PaymentMethod(value(r.PaymentMethod)),
		VideoCallLink:     value(r.VideoCallLink),
		RecurrenceID:      value(r.RecurrenceID),
		OccurrenceDate:    value(r.OccurrenceDate),
		NoShowPenalty:     r.NoShowPenalty,
		ReminderSentAt:    r.ReminderSentAt,
		Notes:             notes,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func toPersistenceRule(r application.RecurrenceRule) persistence.RecurrenceRule {
	var weekday *int
	if r.Weekday != nil {
		w := int(*r.Weekday)
		weekday = &w
	}
	return persistence.RecurrenceRule{
		ID:                      r.ID,
		TrainerID:               r.TrainerID,
		ClientID:                r.ClientID,
		ClientDisplayName:       r.ClientDisplayName,
		AnchorDate:              r.AnchorDate,
		StartTime:               r.StartTime.String(),
		EndTime:                 r.EndTime.String(),
		DurationMinutes:         r.DurationMinutes,
		Kind:                    string(r.Kind),
		SessionMode:             string(r.SessionMode),
		Price:                   r.Price,
		Frequency:               r.Frequency.String(),
		Weekday:                 weekday,
		RepetitionCount:         r.RepetitionCount,
		UntilDate:               r.UntilDate,
		Active:                  r.Active,
		Status:                  string(r.Status),
		OccurrencesMaterialized: r.OccurrencesMaterialized,
		Notes:                   optional(r.Notes),
		CreatedAt:               r.CreatedAt,
		UpdatedAt:               r.UpdatedAt,
	}
}

func toApplicationRule(r persistence.RecurrenceRule) (application.RecurrenceRule, error) {
	start, err := clock.ParseTimeOfDay(r.StartTime)
	if err != nil {
		return application.RecurrenceRule{}, fmt.Errorf("rule %s start time: %w", r.ID, err)
	}
	end, err := clock.ParseTimeOfDay(r.EndTime)
	if err != nil {
		return application.RecurrenceRule{}, fmt.Errorf("rule %s end time: %w", r.ID, err)
	}
	frequency, err := recurrence.ParseFrequency(r.Frequency)
	if err != nil {
		return application.RecurrenceRule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}

	var weekday *time.Weekday
	if r.Weekday != nil {
		w := time.Weekday(*r.Weekday)
		weekday = &w
	}
	return application.RecurrenceRule{
		ID:                      r.ID,
		TrainerID:               r.TrainerID,
		ClientID:                r.ClientID,
		ClientDisplayName:       r.ClientDisplayName,
		AnchorDate:              r.AnchorDate,
		StartTime:               start,
		EndTime:                 end,
		DurationMinutes:         r.DurationMinutes,
		Kind:                    application.SessionKind(r.Kind),
		SessionMode:             application.SessionMode(r.SessionMode),
		Price:                   r.Price,
		Frequency:               frequency,
		Weekday:                 weekday,
		RepetitionCount:         r.RepetitionCount,
		UntilDate:               r.UntilDate,
		Active:                  r.Active,
		Status:                  application.RuleStatus(r.Status),
		OccurrencesMaterialized: r.OccurrencesMaterialized,
		Notes:                   value(r.Notes),
		CreatedAt:               r.CreatedAt,
		UpdatedAt:               r.UpdatedAt,
	}, nil
}

func toPersistenceToken(t application.ConfirmationToken) persistence.ConfirmationToken {
	return persistence.ConfirmationToken{
		ID:            t.ID,
		ReservationID: t.ReservationID,
		TokenDigest:   t.Digest,
		IssuedAt:      t.IssuedAt,
		ExpiresAt:     t.ExpiresAt,
		Used:          t.Used,
		UsedAt:        t.UsedAt,
		Action:        optional(string(t.Action)),
	}
}

func toApplicationToken(t persistence.ConfirmationToken) application.ConfirmationToken {
	return application.ConfirmationToken{
		ID:            t.ID,
		ReservationID: t.ReservationID,
		Digest:        t.TokenDigest,
		IssuedAt:      t.IssuedAt,
		ExpiresAt:     t.ExpiresAt,
		Used:          t.Used,
		UsedAt:        t.UsedAt,
		Action:        application.TokenAction(value(t.Action)),
	}
}

func toPersistenceBlockedPeriod(p application.BlockedPeriod) persistence.BlockedPeriod {
	return persistence.BlockedPeriod{
		ID:        p.ID,
		TrainerID: p.TrainerID,
		StartAt:   p.StartAt,
		EndAt:     p.EndAt,
		Reason:    optional(p.Reason),
		CreatedAt: p.CreatedAt,
	}
}

func toApplicationBlockedPeriod(p persistence.BlockedPeriod) application.BlockedPeriod {
	return application.BlockedPeriod{
		ID:        p.ID,
		TrainerID: p.TrainerID,
		StartAt:   p.StartAt,
		EndAt:     p.EndAt,
		Reason:    value(p.Reason),
		CreatedAt: p.CreatedAt,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
