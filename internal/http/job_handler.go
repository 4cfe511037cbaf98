package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/reservation-engine/internal/application"
)

type sweeper interface {
	AutoCompleteSweep(ctx context.Context, now time.Time) (application.SweepResult, error)
}

type ruleExpander interface {
	ExpandActive(ctx context.Context) ([]application.ExpansionResult, error)
}

type reminderSender interface {
	SendDue(ctx context.Context, horizon time.Duration) (application.ReminderResult, error)
	SendPaymentReminders(ctx context.Context) (application.ReminderResult, error)
	SendTrainerAgenda(ctx context.Context, date time.Time) (application.ReminderResult, error)
}

// JobHandler triggers the batch operations that the scheduler otherwise runs
// on a timer.
type JobHandler struct {
	sweeper   sweeper
	expander  ruleExpander
	reminders reminderSender
	horizon   time.Duration
	now       func() time.Time
	location  *time.Location
	responder responder
	logger    *slog.Logger
}

// JobHandlerDeps groups the batch collaborators. Any of them may be nil, in
// which case its endpoint answers 404.
type JobHandlerDeps struct {
	Sweeper         sweeper
	Expander        ruleExpander
	Reminders       reminderSender
	ReminderHorizon time.Duration
	Now             func() time.Time
	// Location interprets the date parameter of the agenda endpoint.
	Location *time.Location
	Logger   *slog.Logger
}

func NewJobHandler(deps JobHandlerDeps) *JobHandler {
	base := defaultLogger(deps.Logger)
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	horizon := deps.ReminderHorizon
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	location := deps.Location
	if location == nil {
		location = time.UTC
	}
	return &JobHandler{
		sweeper:   deps.Sweeper,
		expander:  deps.Expander,
		reminders: deps.Reminders,
		horizon:   horizon,
		now:       now,
		location:  location,
		responder: newResponder(base),
		logger:    base,
	}
}

func (h *JobHandler) log(ctx context.Context, operation string) *slog.Logger {
	return handlerLogger(ctx, h.logger, "JobHandler", operation)
}

func (h *JobHandler) AutoComplete(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.sweeper == nil {
		http.NotFound(w, r)
		return
	}

	result, err := h.sweeper.AutoCompleteSweep(r.Context(), h.now())
	if err != nil {
		h.log(r.Context(), "AutoComplete").ErrorContext(r.Context(), "sweep failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, batchResponse{
		Succeeded: result.Completed,
		Failed:    result.Failed,
		Errors:    toItemErrorDTOs(result.Errors),
	})
}

func (h *JobHandler) Expand(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.expander == nil {
		http.NotFound(w, r)
		return
	}

	results, err := h.expander.ExpandActive(r.Context())
	if err != nil {
		h.log(r.Context(), "Expand").ErrorContext(r.Context(), "expansion failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	resp := batchResponse{Errors: []itemErrorDTO{}}
	for _, result := range results {
		resp.Succeeded += len(result.Created)
		resp.Failed += len(result.Failed)
		resp.Errors = append(resp.Errors, toItemErrorDTOs(result.Failed)...)
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (h *JobHandler) Reminders(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.reminders == nil {
		http.NotFound(w, r)
		return
	}

	horizon := h.horizon
	if raw := strings.TrimSpace(r.URL.Query().Get("horizon")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			h.responder.writeValidation(r.Context(), w, map[string]string{"horizon": "horizon must be a positive duration such as 24h"})
			return
		}
		horizon = parsed
	}

	result, err := h.reminders.SendDue(r.Context(), horizon)
	if err != nil {
		h.log(r.Context(), "Reminders").ErrorContext(r.Context(), "reminder run failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, batchResponse{
		Succeeded: result.Sent,
		Failed:    result.Failed,
		Errors:    toItemErrorDTOs(result.Errors),
	})
}

func (h *JobHandler) PaymentReminders(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.reminders == nil {
		http.NotFound(w, r)
		return
	}

	result, err := h.reminders.SendPaymentReminders(r.Context())
	if err != nil {
		h.log(r.Context(), "PaymentReminders").ErrorContext(r.Context(), "payment reminder run failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, batchResponse{
		Succeeded: result.Sent,
		Failed:    result.Failed,
		Errors:    toItemErrorDTOs(result.Errors),
	})
}

// TrainerAgenda sends the agenda for the date query parameter, or for today.
func (h *JobHandler) TrainerAgenda(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.reminders == nil {
		http.NotFound(w, r)
		return
	}

	date := h.now().In(h.location)
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		parsed, err := parseDate(raw, h.location)
		if err != nil {
			h.responder.writeValidation(r.Context(), w, map[string]string{"date": "date must use YYYY-MM-DD"})
			return
		}
		date = parsed
	}

	result, err := h.reminders.SendTrainerAgenda(r.Context(), date)
	if err != nil {
		h.log(r.Context(), "TrainerAgenda").ErrorContext(r.Context(), "trainer agenda run failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, batchResponse{
		Succeeded: result.Sent,
		Failed:    result.Failed,
		Errors:    toItemErrorDTOs(result.Errors),
	})
}

type batchResponse struct {
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Errors    []itemErrorDTO `json:"errors"`
}
