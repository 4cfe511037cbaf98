package testfixtures

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/reservation-engine/internal/application"
	"github.com/example/reservation-engine/internal/clock"
	"github.com/example/reservation-engine/internal/persistence"
	"github.com/example/reservation-engine/internal/recurrence"
)

var (
	reservationCounter uint64
	ruleCounter        uint64
	blockedCounter     uint64
)

var referenceTime = time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)

// ReferenceTime returns the canonical baseline timestamp used by fixtures.
func ReferenceTime() time.Time {
	return referenceTime
}

// -------------------------- Reservation fixtures --------------------------

// ReservationFixture represents a deterministic reservation that can be
// materialised for application or persistence tests.
type ReservationFixture struct {
	ID                string
	TrainerID         string
	ClientID          string
	ClientDisplayName string
	StartAt           time.Time
	EndAt             time.Time
	Kind              application.SessionKind
	SessionMode       application.SessionMode
	Status            application.ReservationStatus
	Origin            application.Origin
	Price             int64
	Paid              bool
	PaymentMethod     application.PaymentMethod
	VideoCallLink     string
	RecurrenceID      string
	OccurrenceDate    string
	ReminderSentAt    *time.Time
	Notes             []application.Note
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ReservationOption configures the generated reservation fixture.
type ReservationOption func(*ReservationFixture)

// NewReservationFixture returns a confirmed one-hour session two days after
// ReferenceTime, with optional overrides.
func NewReservationFixture(opts ...ReservationOption) ReservationFixture {
	idx := atomic.AddUint64(&reservationCounter, 1)
	start := referenceTime.Truncate(time.Hour).Add(48 * time.Hour)
	fixture := ReservationFixture{
		ID:                fmt.Sprintf("reservation-%03d", idx),
		TrainerID:         "trainer-001",
		ClientID:          fmt.Sprintf("client-%03d", idx),
		ClientDisplayName: fmt.Sprintf("Client %03d", idx),
		StartAt:           start,
		EndAt:             start.Add(time.Hour),
		Kind:              application.KindOneOnOne,
		SessionMode:       application.ModeInPerson,
		Status:            application.StatusConfirmed,
		Origin:            application.OriginManual,
		Price:             4500,
		CreatedAt:         referenceTime,
		UpdatedAt:         referenceTime,
	}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithReservationID overrides the generated reservation ID.
func WithReservationID(id string) ReservationOption {
	return func(f *ReservationFixture) {
		f.ID = id
	}
}

// WithReservationTrainer overrides the trainer.
func WithReservationTrainer(id string) ReservationOption {
	return func(f *ReservationFixture) {
		f.TrainerID = id
	}
}

// WithReservationClient overrides the client.
func WithReservationClient(id, displayName string) ReservationOption {
	return func(f *ReservationFixture) {
		f.ClientID = id
		f.ClientDisplayName = displayName
	}
}

// WithReservationWindow sets the session interval.
func WithReservationWindow(start, end time.Time) ReservationOption {
	return func(f *ReservationFixture) {
		f.StartAt = start
		f.EndAt = end
	}
}

// WithReservationStatus sets the lifecycle status.
func WithReservationStatus(status application.ReservationStatus) ReservationOption {
	return func(f *ReservationFixture) {
		f.Status = status
	}
}

// WithReservationOrigin sets the creation channel.
func WithReservationOrigin(origin application.Origin) ReservationOption {
	return func(f *ReservationFixture) {
		f.Origin = origin
	}
}

// WithReservationVideoCall switches the session to a video call with link.
func WithReservationVideoCall(link string) ReservationOption {
	return func(f *ReservationFixture) {
		f.SessionMode = application.ModeVideoCall
		f.VideoCallLink = link
	}
}

// WithReservationPayment marks the reservation paid with method.
func WithReservationPayment(method application.PaymentMethod) ReservationOption {
	return func(f *ReservationFixture) {
		f.Paid = true
		f.PaymentMethod = method
	}
}

// WithReservationRecurrence links the reservation to a rule.
func WithReservationRecurrence(ruleID string) ReservationOption {
	return func(f *ReservationFixture) {
		f.RecurrenceID = ruleID
		f.Origin = application.OriginRecurrence
	}
}

// WithReservationReminderSentAt stamps the reminder time.
func WithReservationReminderSentAt(t time.Time) ReservationOption {
	return func(f *ReservationFixture) {
		f.ReminderSentAt = &t
	}
}

// WithReservationNotes appends audit notes stamped at the created time.
func WithReservationNotes(texts ...string) ReservationOption {
	return func(f *ReservationFixture) {
		for _, text := range texts {
			f.Notes = append(f.Notes, application.Note{At: f.CreatedAt, Text: text})
		}
	}
}

// WithReservationTimestamps sets both created and updated timestamps.
func WithReservationTimestamps(created, updated time.Time) ReservationOption {
	return func(f *ReservationFixture) {
		f.CreatedAt = created
		f.UpdatedAt = updated
	}
}

// Application converts the fixture into an application reservation.
func (f ReservationFixture) Application() application.Reservation {
	return application.Reservation{
		ID:                f.ID,
		TrainerID:         f.TrainerID,
		ClientID:          f.ClientID,
		ClientDisplayName: f.ClientDisplayName,
		StartAt:           f.StartAt,
		EndAt:             f.EndAt,
		Kind:              f.Kind,
		SessionMode:       f.SessionMode,
		Status:            f.Status,
		Origin:            f.Origin,
		Price:             f.Price,
		Paid:              f.Paid,
		PaymentMethod:     f.PaymentMethod,
		VideoCallLink:     f.VideoCallLink,
		RecurrenceID:      f.RecurrenceID,
		OccurrenceDate:    f.OccurrenceDate,
		ReminderSentAt:    copyTime(f.ReminderSentAt),
		Notes:             append([]application.Note(nil), f.Notes...),
		CreatedAt:         f.CreatedAt,
		UpdatedAt:         f.UpdatedAt,
	}
}

// Persistence converts the fixture into a persistence reservation.
func (f ReservationFixture) Persistence() persistence.Reservation {
	var notes []persistence.ReservationNote
	for _, note := range f.Notes {
		notes = append(notes, persistence.ReservationNote{At: note.At, Text: note.Text})
	}
	return persistence.Reservation{
		ID:                f.ID,
		TrainerID:         f.TrainerID,
		ClientID:          f.ClientID,
		ClientDisplayName: f.ClientDisplayName,
		StartAt:           f.StartAt,
		EndAt:             f.EndAt,
		Kind:              string(f.Kind),
		SessionMode:       string(f.SessionMode),
		Status:            string(f.Status),
		Origin:            string(f.Origin),
		Price:             f.Price,
		Paid:              f.Paid,
		PaymentMethod:     stringPtr(string(f.PaymentMethod)),
		VideoCallLink:     stringPtr(f.VideoCallLink),
		RecurrenceID:      stringPtr(f.RecurrenceID),
		OccurrenceDate:    stringPtr(f.OccurrenceDate),
		ReminderSentAt:    copyTime(f.ReminderSentAt),
		Notes:             notes,
		CreatedAt:         f.CreatedAt,
		UpdatedAt:         f.UpdatedAt,
	}
}

// Params converts the fixture into reservation creation parameters.
func (f ReservationFixture) Params() application.CreateReservationParams {
	return application.CreateReservationParams{
		TrainerID:         f.TrainerID,
		ClientID:          f.ClientID,
		ClientDisplayName: f.ClientDisplayName,
		StartAt:           f.StartAt,
		EndAt:             f.EndAt,
		Kind:              f.Kind,
		SessionMode:       f.SessionMode,
		Origin:            f.Origin,
		Price:             f.Price,
		RecurrenceID:      f.RecurrenceID,
		OccurrenceDate:    f.OccurrenceDate,
	}
}

// --------------------------- Recurrence fixtures ---------------------------

// RuleFixture represents a deterministic recurrence rule.
type RuleFixture struct {
	ID                      string
	TrainerID               string
	ClientID                string
	ClientDisplayName       string
	AnchorDate              time.Time
	StartTime               clock.TimeOfDay
	DurationMinutes         int
	Kind                    application.SessionKind
	SessionMode             application.SessionMode
	Price                   int64
	Frequency               recurrence.Frequency
	Weekday                 *time.Weekday
	RepetitionCount         *int
	UntilDate               *time.Time
	Status                  application.RuleStatus
	OccurrencesMaterialized int
	Notes                   string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// RuleOption configures the generated rule fixture.
type RuleOption func(*RuleFixture)

// NewRuleFixture returns an active weekly rule of four one-hour sessions at
// 10:00 starting the week after ReferenceTime.
func NewRuleFixture(opts ...RuleOption) RuleFixture {
	idx := atomic.AddUint64(&ruleCounter, 1)
	anchor := clock.DateOf(referenceTime, time.UTC).AddDate(0, 0, 7)
	weekday := anchor.Weekday()
	count := 4
	fixture := RuleFixture{
		ID:                fmt.Sprintf("rule-%03d", idx),
		TrainerID:         "trainer-001",
		ClientID:          fmt.Sprintf("client-%03d", idx),
		ClientDisplayName: fmt.Sprintf("Client %03d", idx),
		AnchorDate:        anchor,
		StartTime:         clock.MustTimeOfDay("10:00"),
		DurationMinutes:   60,
		Kind:              application.KindOneOnOne,
		SessionMode:       application.ModeInPerson,
		Price:             4500,
		Frequency:         recurrence.FrequencyWeekly,
		Weekday:           &weekday,
		RepetitionCount:   &count,
		Status:            application.RuleActive,
		CreatedAt:         referenceTime,
		UpdatedAt:         referenceTime,
	}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithRuleID overrides the generated rule ID.
func WithRuleID(id string) RuleOption {
	return func(f *RuleFixture) {
		f.ID = id
	}
}

// WithRuleTrainer overrides the trainer.
func WithRuleTrainer(id string) RuleOption {
	return func(f *RuleFixture) {
		f.TrainerID = id
	}
}

// WithRuleAnchor sets the anchor date.
func WithRuleAnchor(date time.Time) RuleOption {
	return func(f *RuleFixture) {
		f.AnchorDate = date
	}
}

// WithRuleStart sets the session start time and length.
func WithRuleStart(start string, durationMinutes int) RuleOption {
	return func(f *RuleFixture) {
		f.StartTime = clock.MustTimeOfDay(start)
		f.DurationMinutes = durationMinutes
	}
}

// WithRuleFrequency sets the frequency and clears the weekday for non-weekly rules.
func WithRuleFrequency(freq recurrence.Frequency) RuleOption {
	return func(f *RuleFixture) {
		f.Frequency = freq
		if freq != recurrence.FrequencyWeekly && freq != recurrence.FrequencyBiweekly {
			f.Weekday = nil
		}
	}
}

// WithRuleWeekday sets the weekday.
func WithRuleWeekday(weekday time.Weekday) RuleOption {
	return func(f *RuleFixture) {
		f.Weekday = &weekday
	}
}

// WithRuleCount sets the repetition count.
func WithRuleCount(count int) RuleOption {
	return func(f *RuleFixture) {
		f.RepetitionCount = &count
	}
}

// WithRuleUntil replaces the repetition count with an until date.
func WithRuleUntil(date time.Time) RuleOption {
	return func(f *RuleFixture) {
		f.RepetitionCount = nil
		f.UntilDate = &date
	}
}

// WithRuleStatus sets the rule status.
func WithRuleStatus(status application.RuleStatus) RuleOption {
	return func(f *RuleFixture) {
		f.Status = status
	}
}

// WithRuleMaterialized sets the materialized occurrence counter.
func WithRuleMaterialized(n int) RuleOption {
	return func(f *RuleFixture) {
		f.OccurrencesMaterialized = n
	}
}

// WithRuleNotes sets the free-text notes.
func WithRuleNotes(notes string) RuleOption {
	return func(f *RuleFixture) {
		f.Notes = notes
	}
}

func (f RuleFixture) endTime() clock.TimeOfDay {
	end, _ := f.StartTime.Add(time.Duration(f.DurationMinutes) * time.Minute)
	return end
}

// Application converts the fixture into an application rule.
func (f RuleFixture) Application() application.RecurrenceRule {
	return application.RecurrenceRule{
		ID:                      f.ID,
		TrainerID:               f.TrainerID,
		ClientID:                f.ClientID,
		ClientDisplayName:       f.ClientDisplayName,
		AnchorDate:              f.AnchorDate,
		StartTime:               f.StartTime,
		EndTime:                 f.endTime(),
		DurationMinutes:         f.DurationMinutes,
		Kind:                    f.Kind,
		SessionMode:             f.SessionMode,
		Price:                   f.Price,
		Frequency:               f.Frequency,
		Weekday:                 copyWeekday(f.Weekday),
		RepetitionCount:         copyInt(f.RepetitionCount),
		UntilDate:               copyTime(f.UntilDate),
		Active:                  f.Status == application.RuleActive,
		Status:                  f.Status,
		OccurrencesMaterialized: f.OccurrencesMaterialized,
		Notes:                   f.Notes,
		CreatedAt:               f.CreatedAt,
		UpdatedAt:               f.UpdatedAt,
	}
}

// Persistence converts the fixture into a persistence rule.
func (f RuleFixture) Persistence() persistence.RecurrenceRule {
	var weekday *int
	if f.Weekday != nil {
		value := int(*f.Weekday)
		weekday = &value
	}
	return persistence.RecurrenceRule{
		ID:                      f.ID,
		TrainerID:               f.TrainerID,
		ClientID:                f.ClientID,
		ClientDisplayName:       f.ClientDisplayName,
		AnchorDate:              f.AnchorDate,
		StartTime:               f.StartTime.String(),
		EndTime:                 f.endTime().String(),
		DurationMinutes:         f.DurationMinutes,
		Kind:                    string(f.Kind),
		SessionMode:             string(f.SessionMode),
		Price:                   f.Price,
		Frequency:               f.Frequency.String(),
		Weekday:                 weekday,
		RepetitionCount:         copyInt(f.RepetitionCount),
		UntilDate:               copyTime(f.UntilDate),
		Active:                  f.Status == application.RuleActive,
		Status:                  string(f.Status),
		OccurrencesMaterialized: f.OccurrencesMaterialized,
		Notes:                   stringPtr(f.Notes),
		CreatedAt:               f.CreatedAt,
		UpdatedAt:               f.UpdatedAt,
	}
}

// Input converts the fixture into rule creation input.
func (f RuleFixture) Input() application.RuleInput {
	return application.RuleInput{
		TrainerID:         f.TrainerID,
		ClientID:          f.ClientID,
		ClientDisplayName: f.ClientDisplayName,
		AnchorDate:        f.AnchorDate,
		StartTime:         f.StartTime,
		DurationMinutes:   f.DurationMinutes,
		Kind:              f.Kind,
		SessionMode:       f.SessionMode,
		Price:             f.Price,
		Frequency:         f.Frequency.String(),
		Weekday:           copyWeekday(f.Weekday),
		RepetitionCount:   copyInt(f.RepetitionCount),
		UntilDate:         copyTime(f.UntilDate),
		Notes:             f.Notes,
	}
}

// ------------------------- Blocked period fixtures -------------------------

// BlockedPeriodFixture represents a deterministic trainer unavailability.
type BlockedPeriodFixture struct {
	ID        string
	TrainerID string
	StartAt   time.Time
	EndAt     time.Time
	Reason    string
	CreatedAt time.Time
}

// BlockedPeriodOption configures the generated blocked period fixture.
type BlockedPeriodOption func(*BlockedPeriodFixture)

// NewBlockedPeriodFixture returns a two-hour block three days after ReferenceTime.
func NewBlockedPeriodFixture(opts ...BlockedPeriodOption) BlockedPeriodFixture {
	idx := atomic.AddUint64(&blockedCounter, 1)
	start := referenceTime.Truncate(time.Hour).Add(72 * time.Hour)
	fixture := BlockedPeriodFixture{
		ID:        fmt.Sprintf("blocked-%03d", idx),
		TrainerID: "trainer-001",
		StartAt:   start,
		EndAt:     start.Add(2 * time.Hour),
		Reason:    "Vacation",
		CreatedAt: referenceTime,
	}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithBlockedTrainer overrides the trainer.
func WithBlockedTrainer(id string) BlockedPeriodOption {
	return func(f *BlockedPeriodFixture) {
		f.TrainerID = id
	}
}

// WithBlockedWindow sets the blocked interval.
func WithBlockedWindow(start, end time.Time) BlockedPeriodOption {
	return func(f *BlockedPeriodFixture) {
		f.StartAt = start
		f.EndAt = end
	}
}

// Application converts the fixture into an application blocked period.
func (f BlockedPeriodFixture) Application() application.BlockedPeriod {
	return application.BlockedPeriod{
		ID:        f.ID,
		TrainerID: f.TrainerID,
		StartAt:   f.StartAt,
		EndAt:     f.EndAt,
		Reason:    f.Reason,
		CreatedAt: f.CreatedAt,
	}
}

// Persistence converts the fixture into a persistence blocked period.
func (f BlockedPeriodFixture) Persistence() persistence.BlockedPeriod {
	return persistence.BlockedPeriod{
		ID:        f.ID,
		TrainerID: f.TrainerID,
		StartAt:   f.StartAt,
		EndAt:     f.EndAt,
		Reason:    stringPtr(f.Reason),
		CreatedAt: f.CreatedAt,
	}
}

// -------------------------------- helpers --------------------------------

func stringPtr(value string) *string {
	if value == "" {
		return nil
	}
	v := value
	return &v
}

func copyTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func copyInt(value *int) *int {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func copyWeekday(value *time.Weekday) *time.Weekday {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
