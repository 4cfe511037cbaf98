package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/example/reservation-engine/internal/persistence"
)

// BlockedPeriodRepository implements persistence.BlockedPeriodRepository using SQLite
type BlockedPeriodRepository struct {
	pool   *ConnectionPool
	mapper *ErrorMapper
}

// NewBlockedPeriodRepository creates a new SQLite blocked period repository
func NewBlockedPeriodRepository(pool *ConnectionPool) *BlockedPeriodRepository {
	return &BlockedPeriodRepository{pool: pool, mapper: NewErrorMapper()}
}

// CreateBlockedPeriod inserts a blocked period.
func (r *BlockedPeriodRepository) CreateBlockedPeriod(ctx context.Context, period persistence.BlockedPeriod) error {
	if period.ID == "" || !period.EndAt.After(period.StartAt) {
		return persistence.ErrConstraintViolation
	}

	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO blocked_periods (id, trainer_id, start_at, end_at, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			period.ID,
			period.TrainerID,
			formatTime(period.StartAt),
			formatTime(period.EndAt),
			nullString(period.Reason),
			formatTime(period.CreatedAt),
		)
		return r.mapper.MapError(err)
	})
}

// DeleteBlockedPeriod removes a blocked period by ID.
func (r *BlockedPeriodRepository) DeleteBlockedPeriod(ctx context.Context, id string) error {
	if id == "" {
		return persistence.ErrNotFound
	}

	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, "DELETE FROM blocked_periods WHERE id = ?", id)
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

// ListBlockedPeriods lists a trainer's periods intersecting [from, to).
func (r *BlockedPeriodRepository) ListBlockedPeriods(ctx context.Context, trainerID string, from, to *time.Time) ([]persistence.BlockedPeriod, error) {
	query := "SELECT id, trainer_id, start_at, end_at, reason, created_at FROM blocked_periods WHERE trainer_id = ?"
	args := []any{trainerID}
	if from != nil {
		query += " AND end_at > ?"
		args = append(args, formatTime(*from))
	}
	if to != nil {
		query += " AND start_at < ?"
		args = append(args, formatTime(*to))
	}
	query += " ORDER BY start_at ASC, id ASC"

	rows, err := r.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var periods []persistence.BlockedPeriod
	for rows.Next() {
		var (
			period                    persistence.BlockedPeriod
			startAt, endAt, createdAt string
			reason                    sql.NullString
		)
		if err := rows.Scan(&period.ID, &period.TrainerID, &startAt, &endAt, &reason, &createdAt); err != nil {
			return nil, r.mapper.MapError(err)
		}
		period.Reason = stringPtr(reason)
		if period.StartAt, err = parseTime("start_at", startAt); err != nil {
			return nil, err
		}
		if period.EndAt, err = parseTime("end_at", endAt); err != nil {
			return nil, err
		}
		if period.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		periods = append(periods, period)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return periods, nil
}
