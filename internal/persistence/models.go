package persistence

import "time"

// Reservation is the stored form of a booked session. Enumerations are kept
// as their canonical string values.
type Reservation struct {
	ID                string
	TrainerID         string
	ClientID          string
	ClientDisplayName string
	StartAt           time.Time
	EndAt             time.Time
	Kind              string
	SessionMode       string
	Status            string
	Origin            string
	Price             int64
	Paid              bool
	PaymentMethod     *string
	VideoCallLink     *string
	RecurrenceID      *string
	OccurrenceDate    *string
	NoShowPenalty     bool
	ReminderSentAt    *time.Time
	Notes             []ReservationNote
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ReservationNote is one entry of a reservation's append-only audit log.
type ReservationNote struct {
	At   time.Time
	Text string
}

// RecurrenceRule is the stored form of a recurring booking series.
type RecurrenceRule struct {
	ID                      string
	TrainerID               string
	ClientID                string
	ClientDisplayName       string
	AnchorDate              time.Time
	StartTime               string
	EndTime                 string
	DurationMinutes         int
	Kind                    string
	SessionMode             string
	Price                   int64
	Frequency               string
	Weekday                 *int
	RepetitionCount         *int
	UntilDate               *time.Time
	Active                  bool
	Status                  string
	OccurrencesMaterialized int
	Notes                   *string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// ConfirmationToken stores a self-service token by digest only.
type ConfirmationToken struct {
	ID            string
	ReservationID string
	TokenDigest   string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Used          bool
	UsedAt        *time.Time
	Action        *string
}

// BlockedPeriod marks a span in which a trainer takes no bookings.
type BlockedPeriod struct {
	ID        string
	TrainerID string
	StartAt   time.Time
	EndAt     time.Time
	Reason    *string
	CreatedAt time.Time
}
