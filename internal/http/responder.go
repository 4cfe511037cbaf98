package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/example/reservation-engine/internal/application"
)

var (
	errBadRequestBody     = errors.New("request body is not valid JSON")
	errInvalidReservation = errors.New("reservation id is required")
	errInvalidRuleID      = errors.New("recurrence rule id is required")
	errInvalidTrainerID   = errors.New("trainer id is required")
	errInvalidToken       = errors.New("token is required")
)

type responder struct {
	logger *slog.Logger
}

func newResponder(logger *slog.Logger) responder {
	if logger == nil {
		logger = slog.Default()
	}
	return responder{logger: logger}
}

func (r responder) writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	if w == nil {
		return
	}

	if status == http.StatusNoContent || payload == nil {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.loggerFor(ctx).ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (r responder) writeCalendar(ctx context.Context, w http.ResponseWriter, filename, body string) {
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(body)); err != nil {
		r.loggerFor(ctx).ErrorContext(ctx, "failed to write calendar", "error", err)
	}
}

func (r responder) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	message := statusMessage(status)
	if err != nil {
		if msg := strings.TrimSpace(err.Error()); msg != "" {
			message = msg
		}
		r.loggerFor(ctx).ErrorContext(ctx, "request failed", "status", status, "error", err)
	}

	r.writeJSON(ctx, w, status, errorResponse{ErrorCode: errorCode(status), Message: message})
}

func (r responder) writeValidation(ctx context.Context, w http.ResponseWriter, fields map[string]string) {
	r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{
		ErrorCode: "VALIDATION_FAILED",
		Message:   statusMessage(http.StatusUnprocessableEntity),
		Errors:    fields,
	})
}

func (r responder) handleServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		r.writeError(ctx, w, http.StatusInternalServerError, errors.New("unknown error"))
		return
	}

	var slotErr *application.SlotError
	if errors.As(err, &slotErr) {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, application.ErrConflict) {
			status = http.StatusConflict
		}
		details := map[string]string{}
		if slotErr.ConflictingReservationID != "" {
			details["conflicting_reservation_id"] = slotErr.ConflictingReservationID
		}
		if slotErr.BlockedPeriodID != "" {
			details["blocked_period_id"] = slotErr.BlockedPeriodID
		}
		if len(details) == 0 {
			details = nil
		}
		r.writeJSON(ctx, w, status, errorResponse{
			ErrorCode: errorKindCode(err),
			Message:   slotErr.Error(),
			Errors:    details,
		})
		return
	}

	var vErr *application.ValidationError
	if errors.As(err, &vErr) {
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{
			ErrorCode: errorKindCode(err),
			Message:   statusMessage(http.StatusUnprocessableEntity),
			Errors:    vErr.FieldErrors,
		})
		return
	}

	switch {
	case errors.Is(err, application.ErrNotFound):
		r.writeJSON(ctx, w, http.StatusNotFound, errorResponse{ErrorCode: "NOT_FOUND", Message: statusMessage(http.StatusNotFound)})
	case errors.Is(err, application.ErrConflict),
		errors.Is(err, application.ErrInvalidTransition),
		errors.Is(err, application.ErrRuleInactive),
		errors.Is(err, application.ErrTokenAlreadyUsed):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: errorKindCode(err), Message: err.Error()})
	case errors.Is(err, application.ErrInsufficientLeadTime),
		errors.Is(err, application.ErrPolicyViolation),
		errors.Is(err, application.ErrInvalidRule):
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{ErrorCode: errorKindCode(err), Message: err.Error()})
	case errors.Is(err, application.ErrTokenExpired):
		r.writeJSON(ctx, w, http.StatusGone, errorResponse{ErrorCode: errorKindCode(err), Message: err.Error()})
	default:
		r.loggerFor(ctx).ErrorContext(ctx, "unexpected service error", "error", err, "error_kind", application.ErrorKind(err))
		r.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{ErrorCode: "INTERNAL", Message: statusMessage(http.StatusInternalServerError)})
	}
}

func (r responder) loggerFor(ctx context.Context) *slog.Logger {
	if logger := LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return r.logger
}

// errorKindCode renders the application error kind as an upper-case code.
func errorKindCode(err error) string {
	return strings.ToUpper(application.ErrorKind(err))
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusUnprocessableEntity:
		return "VALIDATION_FAILED"
	default:
		return "INTERNAL"
	}
}

func statusMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "The request is malformed."
	case http.StatusNotFound:
		return "The requested resource was not found."
	case http.StatusConflict:
		return "The request conflicts with the current state of the resource."
	case http.StatusUnprocessableEntity:
		return "The request contains invalid fields."
	default:
		return "An internal error occurred."
	}
}

type errorResponse struct {
	ErrorCode string            `json:"error_code,omitempty"`
	Message   string            `json:"message"`
	Errors    map[string]string `json:"errors,omitempty"`
}
