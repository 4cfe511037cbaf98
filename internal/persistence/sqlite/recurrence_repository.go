package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/example/reservation-engine/internal/persistence"
)

const recurrenceColumns = `id, trainer_id, client_id, client_display_name, anchor_date, start_time, end_time,
	duration_minutes, kind, session_mode, price, frequency, weekday, repetition_count, until_date,
	active, status, occurrences_materialized, notes, created_at, updated_at`

// RecurrenceRepository implements persistence.RecurrenceRepository using SQLite
type RecurrenceRepository struct {
	pool   *ConnectionPool
	mapper *ErrorMapper
}

// NewRecurrenceRepository creates a new SQLite recurrence repository
func NewRecurrenceRepository(pool *ConnectionPool) *RecurrenceRepository {
	return &RecurrenceRepository{pool: pool, mapper: NewErrorMapper()}
}

// CreateRecurrence inserts a recurrence rule.
func (r *RecurrenceRepository) CreateRecurrence(ctx context.Context, rule persistence.RecurrenceRule) error {
	if rule.ID == "" {
		return persistence.ErrConstraintViolation
	}

	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO recurrence_rules (`+recurrenceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rule.ID,
			rule.TrainerID,
			rule.ClientID,
			rule.ClientDisplayName,
			formatTime(rule.AnchorDate),
			rule.StartTime,
			rule.EndTime,
			rule.DurationMinutes,
			rule.Kind,
			rule.SessionMode,
			rule.Price,
			rule.Frequency,
			nullInt(rule.Weekday),
			nullInt(rule.RepetitionCount),
			nullTime(rule.UntilDate),
			boolInt(rule.Active),
			rule.Status,
			rule.OccurrencesMaterialized,
			nullString(rule.Notes),
			formatTime(rule.CreatedAt),
			formatTime(rule.UpdatedAt),
		)
		return r.mapper.MapError(err)
	})
}

// UpdateRecurrence rewrites a recurrence rule. The materialized counter never
// moves backwards.
func (r *RecurrenceRepository) UpdateRecurrence(ctx context.Context, rule persistence.RecurrenceRule) error {
	if rule.ID == "" {
		return persistence.ErrConstraintViolation
	}

	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE recurrence_rules
			SET client_display_name = ?, start_time = ?, end_time = ?, duration_minutes = ?, kind = ?,
				session_mode = ?, price = ?, active = ?, status = ?,
				occurrences_materialized = MAX(occurrences_materialized, ?), notes = ?, updated_at = ?
			WHERE id = ?
		`,
			rule.ClientDisplayName,
			rule.StartTime,
			rule.EndTime,
			rule.DurationMinutes,
			rule.Kind,
			rule.SessionMode,
			rule.Price,
			boolInt(rule.Active),
			rule.Status,
			rule.OccurrencesMaterialized,
			nullString(rule.Notes),
			formatTime(rule.UpdatedAt),
			rule.ID,
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
		return nil
	})
}

// GetRecurrence retrieves a recurrence rule by ID.
func (r *RecurrenceRepository) GetRecurrence(ctx context.Context, id string) (persistence.RecurrenceRule, error) {
	if id == "" {
		return persistence.RecurrenceRule{}, persistence.ErrNotFound
	}

	rule, err := scanRecurrence(r.pool.DB().QueryRowContext(ctx,
		"SELECT "+recurrenceColumns+" FROM recurrence_rules WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.RecurrenceRule{}, persistence.ErrNotFound
		}
		return persistence.RecurrenceRule{}, r.mapper.MapError(err)
	}
	return rule, nil
}

// ListRecurrences lists rules ordered by creation time.
func (r *RecurrenceRepository) ListRecurrences(ctx context.Context, filter persistence.RecurrenceFilter) ([]persistence.RecurrenceRule, error) {
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
	if len(filter.Statuses) > 0 {
		conditions = append(conditions, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, status)
		}
	}

	query := "SELECT " + recurrenceColumns + " FROM recurrence_rules"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := r.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var rules []persistence.RecurrenceRule
	for rows.Next() {
		rule, err := scanRecurrence(rows)
		if err != nil {
			return nil, r.mapper.MapError(err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return rules, nil
}

func scanRecurrence(row rowScanner) (persistence.RecurrenceRule, error) {
	var (
		rule                             persistence.RecurrenceRule
		anchorDate, createdAt, updatedAt string
		weekday, count                   sql.NullInt64
		untilDate, notes                 sql.NullString
		active                           int
	)

	err := row.Scan(
		&rule.ID,
		&rule.TrainerID,
		&rule.ClientID,
		&rule.ClientDisplayName,
		&anchorDate,
		&rule.StartTime,
		&rule.EndTime,
		&rule.DurationMinutes,
		&rule.Kind,
		&rule.SessionMode,
		&rule.Price,
		&rule.Frequency,
		&weekday,
		&count,
		&untilDate,
		&active,
		&rule.Status,
		&rule.OccurrencesMaterialized,
		&notes,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return persistence.RecurrenceRule{}, err
	}

	rule.Weekday = intPtr(weekday)
	rule.RepetitionCount = intPtr(count)
	rule.Active = active != 0
	rule.Notes = stringPtr(notes)

	if rule.AnchorDate, err = parseTime("anchor_date", anchorDate); err != nil {
		return persistence.RecurrenceRule{}, err
	}
	if rule.UntilDate, err = timePtr("until_date", untilDate); err != nil {
		return persistence.RecurrenceRule{}, err
	}
	if rule.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return persistence.RecurrenceRule{}, err
	}
	if rule.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return persistence.RecurrenceRule{}, err
	}

	return rule, nil
}
