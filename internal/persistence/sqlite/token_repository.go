package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/reservation-engine/internal/persistence"
)

const tokenColumns = `id, reservation_id, token_digest, issued_at, expires_at, used, used_at, action`

// TokenRepository implements persistence.TokenRepository using SQLite
type TokenRepository struct {
	pool   *ConnectionPool
	mapper *ErrorMapper
}

// NewTokenRepository creates a new SQLite token repository
func NewTokenRepository(pool *ConnectionPool) *TokenRepository {
	return &TokenRepository{pool: pool, mapper: NewErrorMapper()}
}

// CreateToken inserts a token record.
func (r *TokenRepository) CreateToken(ctx context.Context, token persistence.ConfirmationToken) error {
	if token.ID == "" || token.TokenDigest == "" {
		return persistence.ErrConstraintViolation
	}

	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO confirmation_tokens (`+tokenColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			token.ID,
			token.ReservationID,
			token.TokenDigest,
			formatTime(token.IssuedAt),
			formatTime(token.ExpiresAt),
			boolInt(token.Used),
			nullTime(token.UsedAt),
			nullString(token.Action),
		)
		return r.mapper.MapError(err)
	})
}

// GetTokenByDigest retrieves a token by its digest.
func (r *TokenRepository) GetTokenByDigest(ctx context.Context, digest string) (persistence.ConfirmationToken, error) {
	token, err := r.getByDigest(ctx, r.pool.DB(), digest)
	if err != nil {
		return persistence.ConfirmationToken{}, err
	}
	return token, nil
}

// ConsumeToken marks the token used with a single conditional UPDATE so that
// concurrent redemptions cannot both succeed.
func (r *TokenRepository) ConsumeToken(ctx context.Context, digest, action string, usedAt time.Time) (persistence.ConfirmationToken, error) {
	var token persistence.ConfirmationToken

	err := r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE confirmation_tokens
			SET used = 1, used_at = ?, action = ?
			WHERE token_digest = ? AND used = 0 AND expires_at > ?
		`, formatTime(usedAt), action, digest, formatTime(usedAt))
		if err != nil {
			return r.mapper.MapError(err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}

		token, err = r.getByDigest(ctx, tx, digest)
		if err != nil {
			return err
		}

		if rowsAffected == 0 {
			return persistence.ErrTokenUnavailable
		}
		return nil
	})

	return token, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *TokenRepository) getByDigest(ctx context.Context, q queryRower, digest string) (persistence.ConfirmationToken, error) {
	if digest == "" {
		return persistence.ConfirmationToken{}, persistence.ErrNotFound
	}

	var (
		token               persistence.ConfirmationToken
		issuedAt, expiresAt string
		used                int
		usedAt, action      sql.NullString
	)

	err := q.QueryRowContext(ctx,
		"SELECT "+tokenColumns+" FROM confirmation_tokens WHERE token_digest = ?", digest,
	).Scan(&token.ID, &token.ReservationID, &token.TokenDigest, &issuedAt, &expiresAt, &used, &usedAt, &action)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.ConfirmationToken{}, persistence.ErrNotFound
		}
		return persistence.ConfirmationToken{}, r.mapper.MapError(err)
	}

	token.Used = used != 0
	token.Action = stringPtr(action)
	if token.IssuedAt, err = parseTime("issued_at", issuedAt); err != nil {
		return persistence.ConfirmationToken{}, err
	}
	if token.ExpiresAt, err = parseTime("expires_at", expiresAt); err != nil {
		return persistence.ConfirmationToken{}, err
	}
	if token.UsedAt, err = timePtr("used_at", usedAt); err != nil {
		return persistence.ConfirmationToken{}, err
	}

	return token, nil
}
