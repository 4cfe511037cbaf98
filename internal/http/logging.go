package http

import (
	"context"
	"log/slog"
)

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// handlerLogger derives the logger for one handler operation. Identifiers the
// router resolved from the path are attached unless attrs already carry them;
// tokens are logged by prefix only.
func handlerLogger(ctx context.Context, fallback *slog.Logger, handlerName, operation string, attrs ...any) *slog.Logger {
	logger := LoggerFromContext(ctx)
	if logger == nil {
		logger = defaultLogger(fallback)
	}

	pairs := make([]any, 0, 4+len(attrs)+4)
	pairs = append(pairs, "handler", handlerName)
	if operation != "" {
		pairs = append(pairs, "operation", operation)
	}
	pairs = append(pairs, attrs...)

	for _, path := range []struct {
		key   string
		value func(context.Context) (string, bool)
	}{
		{"reservation_id", ReservationIDFromContext},
		{"rule_id", RuleIDFromContext},
		{"trainer_id", TrainerIDFromContext},
	} {
		if id, ok := path.value(ctx); ok && id != "" && !hasAttr(attrs, path.key) {
			pairs = append(pairs, path.key, id)
		}
	}
	if token, ok := TokenFromContext(ctx); ok && token != "" {
		pairs = append(pairs, "token_prefix", tokenPrefix(token))
	}
	return logger.With(pairs...)
}

func hasAttr(attrs []any, key string) bool {
	for i := 0; i < len(attrs); i += 2 {
		if k, ok := attrs[i].(string); ok && k == key {
			return true
		}
	}
	return false
}

func tokenPrefix(token string) string {
	const visible = 6
	if len(token) <= visible {
		return token
	}
	return token[:visible]
}
