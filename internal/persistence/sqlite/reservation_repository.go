package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/example/reservation-engine/internal/persistence"
)

const reservationColumns = `id, trainer_id, client_id, client_display_name, start_at, end_at, kind, session_mode,
	status, origin, price, paid, payment_method, video_call_link, recurrence_id, occurrence_date,
	no_show_penalty, reminder_sent_at, created_at, updated_at`

// ReservationRepository implements persistence.ReservationRepository using SQLite
type ReservationRepository struct {
	pool   *ConnectionPool
	mapper *ErrorMapper
}

// NewReservationRepository creates a new SQLite reservation repository
func NewReservationRepository(pool *ConnectionPool) *ReservationRepository {
	return &ReservationRepository{pool: pool, mapper: NewErrorMapper()}
}

// CreateReservation inserts a reservation and its notes.
func (r *ReservationRepository) CreateReservation(ctx context.Context, reservation persistence.Reservation) error {
	if reservation.ID == "" || !reservation.EndAt.After(reservation.StartAt) {
		return persistence.ErrConstraintViolation
	}

	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (`+reservationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			reservation.ID,
			reservation.TrainerID,
			reservation.ClientID,
			reservation.ClientDisplayName,
			formatTime(reservation.StartAt),
			formatTime(reservation.EndAt),
			reservation.Kind,
			reservation.SessionMode,
			reservation.Status,
			reservation.Origin,
			reservation.Price,
			boolInt(reservation.Paid),
			nullString(reservation.PaymentMethod),
			nullString(reservation.VideoCallLink),
			nullString(reservation.RecurrenceID),
			nullString(reservation.OccurrenceDate),
			boolInt(reservation.NoShowPenalty),
			nullTime(reservation.ReminderSentAt),
			formatTime(reservation.CreatedAt),
			formatTime(reservation.UpdatedAt),
		)
		if err != nil {
			return r.mapper.MapError(err)
		}

		return r.appendNotes(ctx, tx, reservation.ID, 0, reservation.Notes)
	})
}

// UpdateReservation rewrites the mutable columns and appends notes that are
// not stored yet. A note list shorter than the stored one is rejected.
func (r *ReservationRepository) UpdateReservation(ctx context.Context, reservation persistence.Reservation) error {
	if reservation.ID == "" || !reservation.EndAt.After(reservation.StartAt) {
		return persistence.ErrConstraintViolation
	}

	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE reservations
			SET start_at = ?, end_at = ?, kind = ?, session_mode = ?, status = ?, price = ?, paid = ?,
				payment_method = ?, video_call_link = ?, no_show_penalty = ?, reminder_sent_at = ?, updated_at = ?
			WHERE id = ?
		`,
			formatTime(reservation.StartAt),
			formatTime(reservation.EndAt),
			reservation.Kind,
			reservation.SessionMode,
			reservation.Status,
			reservation.Price,
			boolInt(reservation.Paid),
			nullString(reservation.PaymentMethod),
			nullString(reservation.VideoCallLink),
			boolInt(reservation.NoShowPenalty),
			nullTime(reservation.ReminderSentAt),
			formatTime(reservation.UpdatedAt),
			reservation.ID,
		)
		if err != nil {
			return r.mapper.MapError(err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return persistence.ErrNotFound
		}

		var stored int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM reservation_notes WHERE reservation_id = ?", reservation.ID,
		).Scan(&stored); err != nil {
			return r.mapper.MapError(err)
		}
		if len(reservation.Notes) < stored {
			return fmt.Errorf("%w: notes are append-only", persistence.ErrConstraintViolation)
		}

		return r.appendNotes(ctx, tx, reservation.ID, stored, reservation.Notes[stored:])
	})
}

// GetReservation retrieves a reservation with its notes.
func (r *ReservationRepository) GetReservation(ctx context.Context, id string) (persistence.Reservation, error) {
	if id == "" {
		return persistence.Reservation{}, persistence.ErrNotFound
	}

	row := r.pool.DB().QueryRowContext(ctx, "SELECT "+reservationColumns+" FROM reservations WHERE id = ?", id)
	reservation, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.Reservation{}, persistence.ErrNotFound
		}
		return persistence.Reservation{}, r.mapper.MapError(err)
	}

	notes, err := r.loadNotes(ctx, []string{id})
	if err != nil {
		return persistence.Reservation{}, err
	}
	reservation.Notes = notes[id]

	return reservation, nil
}

// ListReservations lists reservations matching the filter ordered by start time.
func (r *ReservationRepository) ListReservations(ctx context.Context, filter persistence.ReservationFilter) ([]persistence.Reservation, error) {
	query, args := buildReservationQuery(filter)

	rows, err := r.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var (
		reservations []persistence.Reservation
		ids          []string
	)
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, r.mapper.MapError(err)
		}
		reservations = append(reservations, reservation)
		ids = append(ids, reservation.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	if err := rows.Close(); err != nil {
		return nil, r.mapper.MapError(err)
	}

	notes, err := r.loadNotes(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range reservations {
		reservations[i].Notes = notes[reservations[i].ID]
	}

	return reservations, nil
}

func (r *ReservationRepository) appendNotes(ctx context.Context, tx *sql.Tx, reservationID string, offset int, notes []persistence.ReservationNote) error {
	for i, note := range notes {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO reservation_notes (reservation_id, seq, noted_at, body) VALUES (?, ?, ?, ?)",
			reservationID, offset+i, formatTime(note.At), note.Text,
		)
		if err != nil {
			return r.mapper.MapError(err)
		}
	}
	return nil
}

func (r *ReservationRepository) loadNotes(ctx context.Context, ids []string) (map[string][]persistence.ReservationNote, error) {
	notes := make(map[string][]persistence.ReservationNote, len(ids))
	if len(ids) == 0 {
		return notes, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := r.pool.DB().QueryContext(ctx, `
		SELECT reservation_id, noted_at, body
		FROM reservation_notes
		WHERE reservation_id IN (`+placeholders(len(ids))+`)
		ORDER BY reservation_id ASC, seq ASC
	`, args...)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var reservationID, notedAt string
		var note persistence.ReservationNote
		if err := rows.Scan(&reservationID, &notedAt, &note.Text); err != nil {
			return nil, r.mapper.MapError(err)
		}
		if note.At, err = parseTime("noted_at", notedAt); err != nil {
			return nil, err
		}
		notes[reservationID] = append(notes[reservationID], note)
	}

	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return notes, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (persistence.Reservation, error) {
	var (
		reservation                          persistence.Reservation
		startAt, endAt, createdAt, updatedAt string
		paid, penalty                        int
		paymentMethod, link, recurrenceID    sql.NullString
		occurrenceDate, reminderSentAt       sql.NullString
	)

	err := row.Scan(
		&reservation.ID,
		&reservation.TrainerID,
		&reservation.ClientID,
		&reservation.ClientDisplayName,
		&startAt,
		&endAt,
		&reservation.Kind,
		&reservation.SessionMode,
		&reservation.Status,
		&reservation.Origin,
		&reservation.Price,
		&paid,
		&paymentMethod,
		&link,
		&recurrenceID,
		&occurrenceDate,
		&penalty,
		&reminderSentAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return persistence.Reservation{}, err
	}

	reservation.Paid = paid != 0
	reservation.NoShowPenalty = penalty != 0
	reservation.PaymentMethod = stringPtr(paymentMethod)
	reservation.VideoCallLink = stringPtr(link)
	reservation.RecurrenceID = stringPtr(recurrenceID)
	reservation.OccurrenceDate = stringPtr(occurrenceDate)

	if reservation.StartAt, err = parseTime("start_at", startAt); err != nil {
		return persistence.Reservation{}, err
	}
	if reservation.EndAt, err = parseTime("end_at", endAt); err != nil {
		return persistence.Reservation{}, err
	}
	if reservation.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return persistence.Reservation{}, err
	}
	if reservation.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return persistence.Reservation{}, err
	}
	if reservation.ReminderSentAt, err = timePtr("reminder_sent_at", reminderSentAt); err != nil {
		return persistence.Reservation{}, err
	}

	return reservation, nil
}

// buildReservationQuery builds the SQL query for listing reservations with filters
func buildReservationQuery(filter persistence.ReservationFilter) (string, []any) {
	var (
		conditions []string
		args       []any
	)

	if filter.TrainerID != "" {
		conditions = append(conditions, "trainer_id = ?")
		args = append(args, filter.TrainerID)
	}
	if filter.ClientID != "" {
		conditions = append(conditions, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.RecurrenceID != "" {
		conditions = append(conditions, "recurrence_id = ?")
		args = append(args, filter.RecurrenceID)
	}
	if len(filter.Statuses) > 0 {
		conditions = append(conditions, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, status)
		}
	}
	if filter.StartsFrom != nil {
		conditions = append(conditions, "start_at >= ?")
		args = append(args, formatTime(*filter.StartsFrom))
	}
	if filter.StartsBefore != nil {
		conditions = append(conditions, "start_at < ?")
		args = append(args, formatTime(*filter.StartsBefore))
	}
	if filter.EndsBy != nil {
		conditions = append(conditions, "end_at <= ?")
		args = append(args, formatTime(*filter.EndsBy))
	}
	if filter.OverlapFrom != nil {
		conditions = append(conditions, "end_at > ?")
		args = append(args, formatTime(*filter.OverlapFrom))
	}
	if filter.OverlapTo != nil {
		conditions = append(conditions, "start_at < ?")
		args = append(args, formatTime(*filter.OverlapTo))
	}
	if filter.Paid != nil {
		conditions = append(conditions, "paid = ?")
		args = append(args, boolInt(*filter.Paid))
	}
	if filter.NotReminded {
		conditions = append(conditions, "reminder_sent_at IS NULL")
	}

	query := "SELECT " + reservationColumns + " FROM reservations"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY start_at ASC, id ASC"

	return query, args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
