package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/reservation-engine/internal/application"
)

type availabilityService interface {
	CheckSlot(ctx context.Context, query application.SlotQuery) (application.SlotCheck, error)
	CreateBlockedPeriod(ctx context.Context, input application.BlockedPeriodInput) (application.BlockedPeriod, error)
	DeleteBlockedPeriod(ctx context.Context, trainerID, id string) error
	ListBlockedPeriods(ctx context.Context, trainerID string, from, to *time.Time) ([]application.BlockedPeriod, error)
}

type reservationLister interface {
	List(ctx context.Context, filter application.ReservationFilter) ([]application.Reservation, error)
}

type trainerFeedRenderer interface {
	TrainerFeed(trainerID string, reservations []application.Reservation, blocked []application.BlockedPeriod) string
}

// TrainerHandler serves availability checks, blocked periods and the
// trainer calendar feed.
type TrainerHandler struct {
	availability availabilityService
	reservations reservationLister
	feed         trainerFeedRenderer
	location     *time.Location
	responder    responder
	logger       *slog.Logger
}

// TrainerHandlerDeps groups the collaborators of a TrainerHandler. Feed and
// Reservations are only needed for the calendar feed.
type TrainerHandlerDeps struct {
	Availability availabilityService
	Reservations reservationLister
	Feed         trainerFeedRenderer
	Location     *time.Location
	Logger       *slog.Logger
}

func NewTrainerHandler(deps TrainerHandlerDeps) *TrainerHandler {
	base := defaultLogger(deps.Logger)
	location := deps.Location
	if location == nil {
		location = time.UTC
	}
	return &TrainerHandler{
		availability: deps.Availability,
		reservations: deps.Reservations,
		feed:         deps.Feed,
		location:     location,
		responder:    newResponder(base),
		logger:       base,
	}
}

func (h *TrainerHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "TrainerHandler", operation, attrs...)
}

func (h *TrainerHandler) trainerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h == nil || h.availability == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return "", false
	}
	id, ok := TrainerIDFromContext(r.Context())
	if !ok || strings.TrimSpace(id) == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidTrainerID)
		return "", false
	}
	return id, true
}

// Availability answers GET /availability?trainer_id=&start_at=&end_at=.
func (h *TrainerHandler) Availability(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.availability == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	query := r.URL.Query()
	slot := application.SlotQuery{
		TrainerID:            strings.TrimSpace(query.Get("trainer_id")),
		StartAt:              parseTimestamp(query.Get("start_at")),
		EndAt:                parseTimestamp(query.Get("end_at")),
		ExcludeReservationID: strings.TrimSpace(query.Get("exclude_reservation_id")),
	}

	check, err := h.availability.CheckSlot(r.Context(), slot)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	resp := availabilityResponse{
		Available:                check.OK,
		ConflictingReservationID: check.ConflictingReservationID,
		BlockedPeriodID:          check.BlockedPeriodID,
	}
	if !check.OK && check.Reason != nil {
		resp.Reason = application.ErrorKind(check.Reason)
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (h *TrainerHandler) ListBlocked(w http.ResponseWriter, r *http.Request) {
	trainerID, ok := h.trainerID(w, r)
	if !ok {
		return
	}

	from, to, fieldErrors := parseRange(r)
	if len(fieldErrors) > 0 {
		h.responder.writeValidation(r.Context(), w, fieldErrors)
		return
	}

	periods, err := h.availability.ListBlockedPeriods(r.Context(), trainerID, from, to)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	dtos := make([]blockedPeriodDTO, 0, len(periods))
	for _, period := range periods {
		dtos = append(dtos, h.toBlockedDTO(period))
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, listBlockedResponse{BlockedPeriods: dtos})
}

func (h *TrainerHandler) CreateBlocked(w http.ResponseWriter, r *http.Request) {
	trainerID, ok := h.trainerID(w, r)
	if !ok {
		return
	}

	var req blockedPeriodRequest
	if err := decodeJSON(r, &req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "CreateBlocked", "trainer_id", trainerID)
	period, err := h.availability.CreateBlockedPeriod(r.Context(), application.BlockedPeriodInput{
		TrainerID: trainerID,
		StartAt:   parseTimestamp(req.StartAt),
		EndAt:     parseTimestamp(req.EndAt),
		Reason:    req.Reason,
	})
	if err != nil {
		logger.ErrorContext(r.Context(), "blocked period creation failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("blocked_period_id", period.ID).InfoContext(r.Context(), "blocked period created")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, blockedPeriodResponse{BlockedPeriod: h.toBlockedDTO(period)})
}

func (h *TrainerHandler) DeleteBlocked(w http.ResponseWriter, r *http.Request, periodID string) {
	trainerID, ok := h.trainerID(w, r)
	if !ok {
		return
	}

	logger := h.log(r.Context(), "DeleteBlocked", "trainer_id", trainerID, "blocked_period_id", periodID)
	if err := h.availability.DeleteBlockedPeriod(r.Context(), trainerID, periodID); err != nil {
		logger.ErrorContext(r.Context(), "blocked period deletion failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "blocked period deleted")
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

// Calendar renders the trainer's reservations and blocked periods as an
// iCalendar feed. The range defaults to the last 30 and next 90 days.
func (h *TrainerHandler) Calendar(w http.ResponseWriter, r *http.Request) {
	trainerID, ok := h.trainerID(w, r)
	if !ok {
		return
	}
	if h.feed == nil || h.reservations == nil {
		http.NotFound(w, r)
		return
	}

	from, to, fieldErrors := parseRange(r)
	if len(fieldErrors) > 0 {
		h.responder.writeValidation(r.Context(), w, fieldErrors)
		return
	}
	now := time.Now()
	if from == nil {
		start := now.AddDate(0, 0, -30)
		from = &start
	}
	if to == nil {
		end := now.AddDate(0, 0, 90)
		to = &end
	}

	reservations, err := h.reservations.List(r.Context(), application.ReservationFilter{TrainerID: trainerID, From: from, To: to})
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	blocked, err := h.availability.ListBlockedPeriods(r.Context(), trainerID, from, to)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.responder.writeCalendar(r.Context(), w, "trainer-"+trainerID+".ics", h.feed.TrainerFeed(trainerID, reservations, blocked))
}

func (h *TrainerHandler) toBlockedDTO(period application.BlockedPeriod) blockedPeriodDTO {
	return blockedPeriodDTO{
		ID:        period.ID,
		TrainerID: period.TrainerID,
		StartAt:   formatTimestamp(period.StartAt, h.location),
		EndAt:     formatTimestamp(period.EndAt, h.location),
		Reason:    period.Reason,
		CreatedAt: formatTimestamp(period.CreatedAt, h.location),
	}
}

func parseRange(r *http.Request) (*time.Time, *time.Time, map[string]string) {
	var from, to *time.Time
	fieldErrors := map[string]string{}
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		if ts := parseTimestamp(raw); ts.IsZero() {
			fieldErrors["from"] = "from must be an RFC 3339 timestamp"
		} else {
			from = &ts
		}
	}
	if raw := strings.TrimSpace(query.Get("to")); raw != "" {
		if ts := parseTimestamp(raw); ts.IsZero() {
			fieldErrors["to"] = "to must be an RFC 3339 timestamp"
		} else {
			to = &ts
		}
	}
	return from, to, fieldErrors
}

type availabilityResponse struct {
	Available                bool   `json:"available"`
	Reason                   string `json:"reason,omitempty"`
	ConflictingReservationID string `json:"conflicting_reservation_id,omitempty"`
	BlockedPeriodID          string `json:"blocked_period_id,omitempty"`
}

type blockedPeriodRequest struct {
	StartAt string `json:"start_at"`
	EndAt   string `json:"end_at"`
	Reason  string `json:"reason"`
}

type blockedPeriodDTO struct {
	ID        string `json:"id"`
	TrainerID string `json:"trainer_id"`
	StartAt   string `json:"start_at"`
	EndAt     string `json:"end_at"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
}

type blockedPeriodResponse struct {
	BlockedPeriod blockedPeriodDTO `json:"blocked_period"`
}

type listBlockedResponse struct {
	BlockedPeriods []blockedPeriodDTO `json:"blocked_periods"`
}
