package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/reservation-engine/internal/application"
)

type reservationService interface {
	Create(ctx context.Context, params application.CreateReservationParams) (application.Reservation, error)
	Get(ctx context.Context, id string) (application.Reservation, error)
	List(ctx context.Context, filter application.ReservationFilter) ([]application.Reservation, error)
	Upcoming(ctx context.Context, horizon time.Duration) ([]application.Reservation, error)
	PendingPayments(ctx context.Context) ([]application.Reservation, error)
	Confirm(ctx context.Context, id string) (application.Reservation, error)
	Cancel(ctx context.Context, id, reason string, actor application.CancelActor) (application.Reservation, error)
	Reschedule(ctx context.Context, id string, newStart, newEnd time.Time, reason string) (application.Reservation, error)
	Modify(ctx context.Context, id string, patch application.ReservationPatch, reason string) (application.Reservation, error)
	MarkPaid(ctx context.Context, id string, method application.PaymentMethod) (application.Reservation, error)
	MarkNoShow(ctx context.Context, id string, penalty bool) (application.Reservation, error)
	MarkCompleted(ctx context.Context, id, notes string) (application.Reservation, error)
}

type tokenIssuer interface {
	Issue(ctx context.Context, reservationID string) (application.IssuedToken, error)
}

// ReservationHandler serves the reservation lifecycle endpoints.
type ReservationHandler struct {
	service   reservationService
	tokens    tokenIssuer
	location  *time.Location
	responder responder
	logger    *slog.Logger
}

// NewReservationHandler builds a handler over service. tokens may be nil, in
// which case token issuance is not routed.
func NewReservationHandler(service reservationService, tokens tokenIssuer, location *time.Location, logger *slog.Logger) *ReservationHandler {
	base := defaultLogger(logger)
	if location == nil {
		location = time.UTC
	}
	return &ReservationHandler{service: service, tokens: tokens, location: location, responder: newResponder(base), logger: base}
}

func (h *ReservationHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "ReservationHandler", operation, attrs...)
}

func (h *ReservationHandler) ready(w http.ResponseWriter) bool {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return false
	}
	return true
}

func (h *ReservationHandler) reservationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := ReservationIDFromContext(r.Context())
	if !ok || strings.TrimSpace(id) == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidReservation)
		return "", false
	}
	return id, true
}

func (h *ReservationHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	var req createReservationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.log(r.Context(), "Create", "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode reservation request", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Create", "trainer_id", req.TrainerID, "origin", req.Origin)

	reservation, err := h.service.Create(r.Context(), req.toParams())
	if err != nil {
		logger.ErrorContext(r.Context(), "reservation creation failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("reservation_id", reservation.ID).InfoContext(r.Context(), "reservation created")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, reservationResponse{Reservation: h.toDTO(reservation)})
}

func (h *ReservationHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := h.reservationID(w, r)
	if !ok {
		return
	}

	reservation, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, reservationResponse{Reservation: h.toDTO(reservation)})
}

func (h *ReservationHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	filter, fieldErrors := buildReservationFilter(r.URL.Query())
	if len(fieldErrors) > 0 {
		h.responder.writeValidation(r.Context(), w, fieldErrors)
		return
	}

	reservations, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.log(r.Context(), "List").ErrorContext(r.Context(), "reservation listing failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.writeList(r.Context(), w, reservations)
}

func (h *ReservationHandler) Upcoming(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	horizon := 24 * time.Hour
	if raw := strings.TrimSpace(r.URL.Query().Get("horizon")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			h.responder.writeValidation(r.Context(), w, map[string]string{"horizon": "horizon must be a duration such as 48h"})
			return
		}
		horizon = parsed
	}

	reservations, err := h.service.Upcoming(r.Context(), horizon)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.writeList(r.Context(), w, reservations)
}

func (h *ReservationHandler) PendingPayments(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	reservations, err := h.service.PendingPayments(r.Context())
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.writeList(r.Context(), w, reservations)
}

func (h *ReservationHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "Confirm", func(ctx context.Context, id string) (application.Reservation, error) {
		return h.service.Confirm(ctx, id)
	})
}

func (h *ReservationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	h.actWithBody(w, r, "Cancel", &req, func(ctx context.Context, id string) (application.Reservation, error) {
		actor := application.CancelActor(strings.TrimSpace(req.Actor))
		if actor == "" {
			actor = application.ActorCenter
		}
		return h.service.Cancel(ctx, id, req.Reason, actor)
	})
}

func (h *ReservationHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	h.actWithBody(w, r, "Reschedule", &req, func(ctx context.Context, id string) (application.Reservation, error) {
		return h.service.Reschedule(ctx, id, parseTimestamp(req.StartAt), parseTimestamp(req.EndAt), req.Reason)
	})
}

func (h *ReservationHandler) Modify(w http.ResponseWriter, r *http.Request) {
	var req modifyRequest
	h.actWithBody(w, r, "Modify", &req, func(ctx context.Context, id string) (application.Reservation, error) {
		patch, err := req.toPatch()
		if err != nil {
			return application.Reservation{}, err
		}
		return h.service.Modify(ctx, id, patch, req.Reason)
	})
}

func (h *ReservationHandler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	h.actWithBody(w, r, "MarkPaid", &req, func(ctx context.Context, id string) (application.Reservation, error) {
		return h.service.MarkPaid(ctx, id, application.PaymentMethod(strings.TrimSpace(req.Method)))
	})
}

func (h *ReservationHandler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	var req noShowRequest
	h.actWithBody(w, r, "MarkNoShow", &req, func(ctx context.Context, id string) (application.Reservation, error) {
		return h.service.MarkNoShow(ctx, id, req.Penalty)
	})
}

func (h *ReservationHandler) MarkCompleted(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	h.actWithBody(w, r, "MarkCompleted", &req, func(ctx context.Context, id string) (application.Reservation, error) {
		return h.service.MarkCompleted(ctx, id, req.Notes)
	})
}

func (h *ReservationHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.tokens == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	id, ok := h.reservationID(w, r)
	if !ok {
		return
	}

	logger := h.log(r.Context(), "IssueToken", "reservation_id", id)
	issued, err := h.tokens.Issue(r.Context(), id)
	if err != nil {
		logger.ErrorContext(r.Context(), "token issuance failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "token issued")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, issuedTokenDTO{
		Token:         issued.Token,
		ReservationID: issued.ReservationID,
		ExpiresAt:     formatTimestamp(issued.ExpiresAt, h.location),
	})
}

func (h *ReservationHandler) act(w http.ResponseWriter, r *http.Request, operation string, fn func(ctx context.Context, id string) (application.Reservation, error)) {
	h.actWithBody(w, r, operation, nil, fn)
}

// actWithBody decodes the optional request body into req and applies fn to
// the reservation named by the path.
func (h *ReservationHandler) actWithBody(w http.ResponseWriter, r *http.Request, operation string, req any, fn func(ctx context.Context, id string) (application.Reservation, error)) {
	if !h.ready(w) {
		return
	}
	id, ok := h.reservationID(w, r)
	if !ok {
		return
	}
	logger := h.log(r.Context(), operation, "reservation_id", id)

	if req != nil {
		if err := decodeJSON(r, req); err != nil {
			logger.ErrorContext(r.Context(), "failed to decode request", "error", err, "error_kind", "bad_request")
			h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
			return
		}
	}

	reservation, err := fn(r.Context(), id)
	if err != nil {
		logger.ErrorContext(r.Context(), "reservation operation failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("status", reservation.Status).InfoContext(r.Context(), "reservation updated")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, reservationResponse{Reservation: h.toDTO(reservation)})
}

func (h *ReservationHandler) writeList(ctx context.Context, w http.ResponseWriter, reservations []application.Reservation) {
	dtos := make([]reservationDTO, 0, len(reservations))
	for _, reservation := range reservations {
		dtos = append(dtos, h.toDTO(reservation))
	}
	h.responder.writeJSON(ctx, w, http.StatusOK, listReservationsResponse{Reservations: dtos})
}

func (h *ReservationHandler) toDTO(reservation application.Reservation) reservationDTO {
	return toReservationDTO(reservation, h.location)
}

func buildReservationFilter(query map[string][]string) (application.ReservationFilter, map[string]string) {
	get := func(key string) string {
		if values := query[key]; len(values) > 0 {
			return strings.TrimSpace(values[0])
		}
		return ""
	}

	filter := application.ReservationFilter{
		TrainerID: get("trainer_id"),
		ClientID:  get("client_id"),
	}
	fieldErrors := map[string]string{}

	if raw := get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, err := application.ParseReservationStatus(part)
			if err != nil {
				fieldErrors["status"] = err.Error()
				break
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	for key, target := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := get(key)
		if raw == "" {
			continue
		}
		ts := parseTimestamp(raw)
		if ts.IsZero() {
			fieldErrors[key] = key + " must be an RFC 3339 timestamp"
			continue
		}
		*target = &ts
	}
	return filter, fieldErrors
}

type createReservationRequest struct {
	TrainerID         string `json:"trainer_id"`
	ClientID          string `json:"client_id"`
	ClientDisplayName string `json:"client_display_name"`
	StartAt           string `json:"start_at"`
	EndAt             string `json:"end_at"`
	Kind              string `json:"kind"`
	SessionMode       string `json:"session_mode"`
	Origin            string `json:"origin"`
	Price             int64  `json:"price"`
	RecurrenceID      string `json:"recurrence_id"`
	Notes             string `json:"notes"`
}

func (r createReservationRequest) toParams() application.CreateReservationParams {
	return application.CreateReservationParams{
		TrainerID:         r.TrainerID,
		ClientID:          r.ClientID,
		ClientDisplayName: r.ClientDisplayName,
		StartAt:           parseTimestamp(r.StartAt),
		EndAt:             parseTimestamp(r.EndAt),
		Kind:              application.SessionKind(strings.TrimSpace(r.Kind)),
		SessionMode:       application.SessionMode(strings.TrimSpace(r.SessionMode)),
		Origin:            application.Origin(strings.TrimSpace(r.Origin)),
		Price:             r.Price,
		RecurrenceID:      r.RecurrenceID,
		Notes:             r.Notes,
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

type rescheduleRequest struct {
	StartAt string `json:"start_at"`
	EndAt   string `json:"end_at"`
	Reason  string `json:"reason"`
}

type paymentRequest struct {
	Method string `json:"method"`
}

type noShowRequest struct {
	Penalty bool `json:"penalty"`
}

type completeRequest struct {
	Notes string `json:"notes"`
}

type modifyRequest struct {
	patchRequest
	Reason string `json:"reason"`
}

type reservationResponse struct {
	Reservation reservationDTO `json:"reservation"`
}

type listReservationsResponse struct {
	Reservations []reservationDTO `json:"reservations"`
}

type noteDTO struct {
	At   string `json:"at"`
	Text string `json:"text"`
}

type reservationDTO struct {
	ID                string    `json:"id"`
	TrainerID         string    `json:"trainer_id"`
	ClientID          string    `json:"client_id"`
	ClientDisplayName string    `json:"client_display_name,omitempty"`
	StartAt           string    `json:"start_at"`
	EndAt             string    `json:"end_at"`
	Kind              string    `json:"kind"`
	SessionMode       string    `json:"session_mode"`
	Status            string    `json:"status"`
	Origin            string    `json:"origin"`
	Price             int64     `json:"price"`
	Paid              bool      `json:"paid"`
	PaymentMethod     string    `json:"payment_method,omitempty"`
	VideoCallLink     string    `json:"video_call_link,omitempty"`
	RecurrenceID      string    `json:"recurrence_id,omitempty"`
	OccurrenceDate    string    `json:"occurrence_date,omitempty"`
	NoShowPenalty     bool      `json:"no_show_penalty"`
	ReminderSentAt    *string   `json:"reminder_sent_at,omitempty"`
	Notes             []noteDTO `json:"notes"`
	CreatedAt         string    `json:"created_at"`
	UpdatedAt         string    `json:"updated_at"`
}

func toReservationDTO(reservation application.Reservation, loc *time.Location) reservationDTO {
	notes := make([]noteDTO, 0, len(reservation.Notes))
	for _, note := range reservation.Notes {
		notes = append(notes, noteDTO{At: formatTimestamp(note.At, loc), Text: note.Text})
	}
	var reminded *string
	if reservation.ReminderSentAt != nil {
		value := formatTimestamp(*reservation.ReminderSentAt, loc)
		reminded = &value
	}
	return reservationDTO{
		ID:                reservation.ID,
		TrainerID:         reservation.TrainerID,
		ClientID:          reservation.ClientID,
		ClientDisplayName: reservation.ClientDisplayName,
		StartAt:           formatTimestamp(reservation.StartAt, loc),
		EndAt:             formatTimestamp(reservation.EndAt, loc),
		Kind:              string(reservation.Kind),
		SessionMode:       string(reservation.SessionMode),
		Status:            string(reservation.Status),
		Origin:            string(reservation.Origin),
		Price:             reservation.Price,
		Paid:              reservation.Paid,
		PaymentMethod:     string(reservation.PaymentMethod),
		VideoCallLink:     reservation.VideoCallLink,
		RecurrenceID:      reservation.RecurrenceID,
		OccurrenceDate:    reservation.OccurrenceDate,
		NoShowPenalty:     reservation.NoShowPenalty,
		ReminderSentAt:    reminded,
		Notes:             notes,
		CreatedAt:         formatTimestamp(reservation.CreatedAt, loc),
		UpdatedAt:         formatTimestamp(reservation.UpdatedAt, loc),
	}
}

type issuedTokenDTO struct {
	Token         string `json:"token"`
	ReservationID string `json:"reservation_id"`
	ExpiresAt     string `json:"expires_at"`
}
