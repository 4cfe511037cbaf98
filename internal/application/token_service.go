package application

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/example/reservation-engine/internal/persistence"
)

const (
	// DefaultTokenTTL is how long an issued token stays redeemable.
	DefaultTokenTTL = 7 * 24 * time.Hour

	tokenBytes         = 32
	redeemCancelReason = "cancelled via confirmation link"
)

// TokenServiceDeps captures dependencies for constructing a token service.
type TokenServiceDeps struct {
	Tokens      TokenRepository
	Lifecycle   *ReservationService
	TTL         time.Duration
	Random      io.Reader
	IDGenerator func() string
	Now         func() time.Time
	Logger      *slog.Logger
}

// TokenService issues and redeems single-use confirmation tokens. Only a
// BLAKE2b-256 digest of each token is stored.
type TokenService struct {
	tokens      TokenRepository
	lifecycle   *ReservationService
	ttl         time.Duration
	random      io.Reader
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

// NewTokenService wires dependencies for token operations.
func NewTokenService(deps TokenServiceDeps) *TokenService {
	ttl := deps.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	random := deps.Random
	if random == nil {
		random = rand.Reader
	}
	idGenerator := deps.IDGenerator
	if idGenerator == nil {
		idGenerator = func() string { return "" }
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &TokenService{
		tokens:      deps.Tokens,
		lifecycle:   deps.Lifecycle,
		ttl:         ttl,
		random:      random,
		idGenerator: idGenerator,
		now:         now,
		logger:      defaultLogger(deps.Logger),
	}
}

func (s *TokenService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "TokenService", operation, attrs...)
}

func (s *TokenService) ready() error {
	if s == nil {
		return fmt.Errorf("TokenService is nil")
	}
	if s.tokens == nil || s.lifecycle == nil {
		return fmt.Errorf("token repository not configured")
	}
	return nil
}

// Issue creates a token for an active reservation. The plain token is only
// ever returned here.
func (s *TokenService) Issue(ctx context.Context, reservationID string) (issued IssuedToken, err error) {
	if err = s.ready(); err != nil {
		return
	}

	logger := s.loggerWith(ctx, "Issue", "reservation_id", reservationID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to issue token", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("expires_at", issued.ExpiresAt).InfoContext(ctx, "token issued")
	}()

	reservation, err := s.lifecycle.Get(ctx, reservationID)
	if err != nil {
		return
	}
	if !reservation.Status.IsActive() {
		err = invalidTransition(reservation.Status, "issue a token for")
		return
	}

	raw := make([]byte, tokenBytes)
	if _, err = io.ReadFull(s.random, raw); err != nil {
		err = fmt.Errorf("generate token: %w", err)
		return
	}
	plain := base64.RawURLEncoding.EncodeToString(raw)

	now := s.now()
	token := ConfirmationToken{
		ID:            s.idGenerator(),
		ReservationID: reservation.ID,
		Digest:        digestToken(plain),
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.ttl),
	}
	if err = s.tokens.CreateToken(ctx, token); err != nil {
		err = mapRepoError(err)
		return
	}

	issued = IssuedToken{Token: plain, ReservationID: reservation.ID, ExpiresAt: token.ExpiresAt}
	return
}

// Validate describes a token without consuming it.
func (s *TokenService) Validate(ctx context.Context, token string) (TokenInfo, error) {
	if err := s.ready(); err != nil {
		return TokenInfo{}, err
	}
	stored, err := s.lookup(ctx, token)
	if err != nil {
		return TokenInfo{}, err
	}
	reservation, err := s.lifecycle.Get(ctx, stored.ReservationID)
	if err != nil {
		return TokenInfo{}, err
	}
	return TokenInfo{
		ReservationID: stored.ReservationID,
		ExpiresAt:     stored.ExpiresAt,
		Used:          stored.Used,
		UsedAt:        stored.UsedAt,
		Action:        stored.Action,
		Valid:         !stored.Used && s.now().Before(stored.ExpiresAt),
		Reservation:   reservation,
	}, nil
}

// Consume marks the token used for action. Exactly one concurrent caller
// succeeds; the others see ErrTokenAlreadyUsed.
func (s *TokenService) Consume(ctx context.Context, token string, action TokenAction) (ConfirmationToken, error) {
	if err := s.ready(); err != nil {
		return ConfirmationToken{}, err
	}
	if !action.Valid() {
		vErr := &ValidationError{}
		vErr.add("action", "action must be confirm or cancel")
		return ConfirmationToken{}, vErr
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return ConfirmationToken{}, ErrNotFound
	}

	now := s.now()
	consumed, err := s.tokens.ConsumeToken(ctx, digestToken(token), action, now)
	if err != nil {
		if errors.Is(err, persistence.ErrTokenUnavailable) {
			return ConfirmationToken{}, unavailableReason(consumed, now)
		}
		return ConfirmationToken{}, mapRepoError(err)
	}
	return consumed, nil
}

// Redeem consumes the token and applies its action to the reservation. The
// reservation is checked before the token is spent so that a rejected action
// leaves the token usable.
func (s *TokenService) Redeem(ctx context.Context, token string, action TokenAction) (reservation Reservation, err error) {
	if err = s.ready(); err != nil {
		return
	}

	logger := s.loggerWith(ctx, "Redeem", "action", action)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to redeem token", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("reservation_id", reservation.ID, "status", reservation.Status).InfoContext(ctx, "token redeemed")
	}()

	if !action.Valid() {
		vErr := &ValidationError{}
		vErr.add("action", "action must be confirm or cancel")
		err = vErr
		return
	}

	stored, err := s.lookup(ctx, token)
	if err != nil {
		return
	}
	now := s.now()
	if stored.Used || !now.Before(stored.ExpiresAt) {
		err = unavailableReason(stored, now)
		return
	}

	current, err := s.lifecycle.Get(ctx, stored.ReservationID)
	if err != nil {
		return
	}
	switch action {
	case ActionConfirm:
		if !current.Status.IsActive() {
			err = invalidTransition(current.Status, "confirm")
		}
	case ActionCancel:
		err = s.lifecycle.cancelPolicy(current, ActorClient, now)
	}
	if err != nil {
		return
	}

	if _, err = s.Consume(ctx, token, action); err != nil {
		return
	}

	switch action {
	case ActionConfirm:
		if current.Status == StatusConfirmed {
			reservation = current
			return
		}
		reservation, err = s.lifecycle.Confirm(ctx, current.ID)
	case ActionCancel:
		reservation, err = s.lifecycle.Cancel(ctx, current.ID, redeemCancelReason, ActorClient)
	}
	return
}

func (s *TokenService) lookup(ctx context.Context, token string) (ConfirmationToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return ConfirmationToken{}, ErrNotFound
	}
	stored, err := s.tokens.GetTokenByDigest(ctx, digestToken(token))
	if err != nil {
		return ConfirmationToken{}, mapRepoError(err)
	}
	return stored, nil
}

func unavailableReason(token ConfirmationToken, now time.Time) error {
	if token.Used {
		return ErrTokenAlreadyUsed
	}
	if !now.Before(token.ExpiresAt) {
		return ErrTokenExpired
	}
	return ErrTokenAlreadyUsed
}

func digestToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
