package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/reservation-engine/internal/application"
)

type tokenService interface {
	Validate(ctx context.Context, token string) (application.TokenInfo, error)
	Redeem(ctx context.Context, token string, action application.TokenAction) (application.Reservation, error)
}

// TokenHandler serves the public confirmation link endpoints. Tokens carry
// their own authorization, so these routes need no session.
type TokenHandler struct {
	service   tokenService
	location  *time.Location
	responder responder
	logger    *slog.Logger
}

func NewTokenHandler(service tokenService, location *time.Location, logger *slog.Logger) *TokenHandler {
	base := defaultLogger(logger)
	if location == nil {
		location = time.UTC
	}
	return &TokenHandler{service: service, location: location, responder: newResponder(base), logger: base}
}

func (h *TokenHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "TokenHandler", operation, attrs...)
}

func (h *TokenHandler) token(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return "", false
	}
	token, ok := TokenFromContext(r.Context())
	if !ok || strings.TrimSpace(token) == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidToken)
		return "", false
	}
	return token, true
}

// Validate reports the token state without spending it. Following a
// redeem link with GET lands here too, echoing the requested action.
func (h *TokenHandler) Validate(w http.ResponseWriter, r *http.Request) {
	token, ok := h.token(w, r)
	if !ok {
		return
	}

	info, err := h.service.Validate(r.Context(), token)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	resp := tokenInfoDTO{
		ReservationID:   info.ReservationID,
		ExpiresAt:       formatTimestamp(info.ExpiresAt, h.location),
		Used:            info.Used,
		Action:          string(info.Action),
		RequestedAction: strings.ToLower(strings.TrimSpace(r.URL.Query().Get("action"))),
		Valid:           info.Valid,
		Reservation:     toReservationDTO(info.Reservation, h.location),
	}
	if info.UsedAt != nil {
		usedAt := formatTimestamp(*info.UsedAt, h.location)
		resp.UsedAt = &usedAt
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, resp)
}

// Redeem applies the action named in the body, or in the action query
// parameter carried over from the link.
func (h *TokenHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	token, ok := h.token(w, r)
	if !ok {
		return
	}

	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}
	action := strings.TrimSpace(req.Action)
	if action == "" {
		action = strings.TrimSpace(r.URL.Query().Get("action"))
	}

	logger := h.log(r.Context(), "Redeem", "action", action)
	reservation, err := h.service.Redeem(r.Context(), token, application.TokenAction(strings.ToLower(action)))
	if err != nil {
		logger.ErrorContext(r.Context(), "token redemption failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("reservation_id", reservation.ID).InfoContext(r.Context(), "token redeemed")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, reservationResponse{Reservation: toReservationDTO(reservation, h.location)})
}

type redeemRequest struct {
	Action string `json:"action"`
}

type tokenInfoDTO struct {
	ReservationID   string         `json:"reservation_id"`
	ExpiresAt       string         `json:"expires_at"`
	Used            bool           `json:"used"`
	UsedAt          *string        `json:"used_at,omitempty"`
	Action          string         `json:"action,omitempty"`
	RequestedAction string         `json:"requested_action,omitempty"`
	Valid           bool           `json:"valid"`
	Reservation     reservationDTO `json:"reservation"`
}
