package http

import (
	"context"
	"log/slog"

	"github.com/example/reservation-engine/internal/logging"
)

type contextKey string

const (
	reservationIDContextKey contextKey = "reservation_id"
	ruleIDContextKey        contextKey = "rule_id"
	trainerIDContextKey     contextKey = "trainer_id"
	tokenContextKey         contextKey = "token"
)

// ContextWithLogger attaches a request scoped logger.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return logging.ContextWithLogger(ctx, logger)
}

// LoggerFromContext returns the request scoped logger, if any.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx)
}

// ContextWithReservationID injects the reservation identifier resolved from the request path.
func ContextWithReservationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, reservationIDContextKey, id)
}

// ReservationIDFromContext extracts a reservation identifier previously associated with the context.
func ReservationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(reservationIDContextKey).(string)
	return id, ok
}

// ContextWithRuleID injects the recurrence rule identifier resolved from the request path.
func ContextWithRuleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ruleIDContextKey, id)
}

// RuleIDFromContext extracts a recurrence rule identifier.
func RuleIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ruleIDContextKey).(string)
	return id, ok
}

// ContextWithTrainerID injects the trainer identifier resolved from the request path.
func ContextWithTrainerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, trainerIDContextKey, id)
}

// TrainerIDFromContext extracts a trainer identifier.
func TrainerIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(trainerIDContextKey).(string)
	return id, ok
}

// ContextWithToken injects the confirmation token resolved from the request path.
func ContextWithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey, token)
}

// TokenFromContext extracts a confirmation token.
func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenContextKey).(string)
	return token, ok
}
