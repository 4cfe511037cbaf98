package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/reservation-engine/internal/application"
	"github.com/example/reservation-engine/internal/calendar"
	"github.com/example/reservation-engine/internal/clock"
)

type recurrenceService interface {
	CreateRule(ctx context.Context, input application.RuleInput, expandNow bool) (application.RecurrenceRule, *application.ExpansionResult, error)
	GetRule(ctx context.Context, id string) (application.RecurrenceRule, error)
	ListRules(ctx context.Context, filter application.RuleFilter) ([]application.RecurrenceRule, error)
	Preview(input application.RuleInput) ([]application.Occurrence, error)
	PreviewRule(ctx context.Context, id string) ([]application.Occurrence, error)
	Expand(ctx context.Context, id string) (application.ExpansionResult, error)
	PauseRule(ctx context.Context, id string) (application.RecurrenceRule, error)
	ResumeRule(ctx context.Context, id string) (application.RecurrenceRule, error)
	CancelRule(ctx context.Context, id string, cascade bool, reason string) (application.RecurrenceRule, application.CascadeResult, error)
	ModifyFutureOccurrences(ctx context.Context, id string, patch application.ReservationPatch, reason string) (application.RecurrenceRule, application.CascadeResult, error)
}

type ruleCalendarRenderer interface {
	RuleCalendar(rule application.RecurrenceRule) (string, error)
}

// RecurrenceHandler serves recurrence rule endpoints.
type RecurrenceHandler struct {
	service   recurrenceService
	calendar  ruleCalendarRenderer
	location  *time.Location
	responder responder
	logger    *slog.Logger
}

// NewRecurrenceHandler builds a handler over service. calendar may be nil,
// in which case the iCalendar export is not routed.
func NewRecurrenceHandler(service recurrenceService, calendar ruleCalendarRenderer, location *time.Location, logger *slog.Logger) *RecurrenceHandler {
	base := defaultLogger(logger)
	if location == nil {
		location = time.UTC
	}
	return &RecurrenceHandler{service: service, calendar: calendar, location: location, responder: newResponder(base), logger: base}
}

func (h *RecurrenceHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "RecurrenceHandler", operation, attrs...)
}

func (h *RecurrenceHandler) ready(w http.ResponseWriter) bool {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return false
	}
	return true
}

func (h *RecurrenceHandler) ruleID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := RuleIDFromContext(r.Context())
	if !ok || strings.TrimSpace(id) == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidRuleID)
		return "", false
	}
	return id, true
}

func (h *RecurrenceHandler) decodeRule(w http.ResponseWriter, r *http.Request, operation string) (createRuleRequest, application.RuleInput, bool) {
	var req createRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.log(r.Context(), operation, "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode rule request", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return req, application.RuleInput{}, false
	}
	input, fieldErrors := req.ToInput(h.location)
	if len(fieldErrors) > 0 {
		h.responder.writeValidation(r.Context(), w, fieldErrors)
		return req, application.RuleInput{}, false
	}
	return req, input, true
}

func (h *RecurrenceHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	req, input, ok := h.decodeRule(w, r, "Create")
	if !ok {
		return
	}

	expandNow := true
	if req.Expand != nil {
		expandNow = *req.Expand
	}

	logger := h.log(r.Context(), "Create", "trainer_id", input.TrainerID, "expand", expandNow)
	rule, expansion, err := h.service.CreateRule(r.Context(), input, expandNow)
	if errors.Is(err, application.ErrExpansionFailed) && rule.ID != "" {
		logger.With("rule_id", rule.ID).WarnContext(r.Context(), "rule created without expansion", "error", err)
		h.responder.writeJSON(r.Context(), w, http.StatusCreated, ruleResponse{
			Rule:           toRuleDTO(rule, h.location),
			ExpansionError: "rule stored but not expanded; retry POST /recurrence-rules/" + rule.ID + "/expand",
		})
		return
	}
	if err != nil {
		logger.ErrorContext(r.Context(), "rule creation failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	resp := ruleResponse{Rule: toRuleDTO(rule, h.location)}
	if expansion != nil {
		dto := toExpansionDTO(*expansion, h.location)
		resp.Expansion = &dto
	}
	logger.With("rule_id", rule.ID).InfoContext(r.Context(), "rule created")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, resp)
}

func (h *RecurrenceHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	query := r.URL.Query()
	filter := application.RuleFilter{
		TrainerID: strings.TrimSpace(query.Get("trainer_id")),
		ClientID:  strings.TrimSpace(query.Get("client_id")),
	}
	for _, status := range parseCSV(query.Get("status")) {
		filter.Statuses = append(filter.Statuses, application.RuleStatus(strings.ToLower(status)))
	}

	rules, err := h.service.ListRules(r.Context(), filter)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	dtos := make([]ruleDTO, 0, len(rules))
	for _, rule := range rules {
		dtos = append(dtos, toRuleDTO(rule, h.location))
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, listRulesResponse{Rules: dtos})
}

func (h *RecurrenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := h.ruleID(w, r)
	if !ok {
		return
	}

	rule, err := h.service.GetRule(r.Context(), id)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, ruleResponse{Rule: toRuleDTO(rule, h.location)})
}

// Preview computes the calendar of the rule in the request body without
// storing anything.
func (h *RecurrenceHandler) Preview(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	_, input, ok := h.decodeRule(w, r, "Preview")
	if !ok {
		return
	}

	occurrences, err := h.service.Preview(input)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.writeOccurrences(r.Context(), w, occurrences)
}

func (h *RecurrenceHandler) PreviewRule(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := h.ruleID(w, r)
	if !ok {
		return
	}

	occurrences, err := h.service.PreviewRule(r.Context(), id)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.writeOccurrences(r.Context(), w, occurrences)
}

func (h *RecurrenceHandler) Calendar(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	if h.calendar == nil {
		http.NotFound(w, r)
		return
	}
	id, ok := h.ruleID(w, r)
	if !ok {
		return
	}

	rule, err := h.service.GetRule(r.Context(), id)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	body, err := h.calendar.RuleCalendar(rule)
	if err != nil {
		if errors.Is(err, calendar.ErrEmptyRule) {
			h.responder.writeJSON(r.Context(), w, http.StatusUnprocessableEntity, errorResponse{ErrorCode: "EMPTY_CALENDAR", Message: err.Error()})
			return
		}
		h.log(r.Context(), "Calendar", "rule_id", id).ErrorContext(r.Context(), "rule calendar export failed", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	h.responder.writeCalendar(r.Context(), w, "rule-"+id+".ics", body)
}

func (h *RecurrenceHandler) Expand(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := h.ruleID(w, r)
	if !ok {
		return
	}

	logger := h.log(r.Context(), "Expand", "rule_id", id)
	result, err := h.service.Expand(r.Context(), id)
	if err != nil {
		logger.ErrorContext(r.Context(), "rule expansion failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	logger.With("created", len(result.Created)).InfoContext(r.Context(), "rule expanded")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, toExpansionDTO(result, h.location))
}

func (h *RecurrenceHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, "Pause", func(ctx context.Context, id string) (application.RecurrenceRule, error) {
		return h.service.PauseRule(ctx, id)
	})
}

func (h *RecurrenceHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, "Resume", func(ctx context.Context, id string) (application.RecurrenceRule, error) {
		return h.service.ResumeRule(ctx, id)
	})
}

func (h *RecurrenceHandler) setStatus(w http.ResponseWriter, r *http.Request, operation string, fn func(ctx context.Context, id string) (application.RecurrenceRule, error)) {
	if !h.ready(w) {
		return
	}
	id, ok := h.ruleID(w, r)
	if !ok {
		return
	}

	logger := h.log(r.Context(), operation, "rule_id", id)
	rule, err := fn(r.Context(), id)
	if err != nil {
		logger.ErrorContext(r.Context(), "rule update failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	logger.With("status", rule.Status).InfoContext(r.Context(), "rule updated")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, ruleResponse{Rule: toRuleDTO(rule, h.location)})
}

func (h *RecurrenceHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := h.ruleID(w, r)
	if !ok {
		return
	}

	var req cancelRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}
	cascade := true
	if req.Cascade != nil {
		cascade = *req.Cascade
	}

	logger := h.log(r.Context(), "Cancel", "rule_id", id, "cascade", cascade)
	rule, result, err := h.service.CancelRule(r.Context(), id, cascade, req.Reason)
	if err != nil {
		logger.ErrorContext(r.Context(), "rule cancellation failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	logger.With("affected", len(result.Affected), "failed", result.Failed).InfoContext(r.Context(), "rule cancelled")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, cascadeResponse{Rule: toRuleDTO(rule, h.location), Cascade: toCascadeDTO(result)})
}

func (h *RecurrenceHandler) ModifyOccurrences(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := h.ruleID(w, r)
	if !ok {
		return
	}

	var req modifyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger := h.log(r.Context(), "ModifyOccurrences", "rule_id", id)
	rule, result, err := h.service.ModifyFutureOccurrences(r.Context(), id, patch, req.Reason)
	if err != nil {
		logger.ErrorContext(r.Context(), "occurrence modification failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	logger.With("affected", len(result.Affected), "failed", result.Failed).InfoContext(r.Context(), "occurrences modified")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, cascadeResponse{Rule: toRuleDTO(rule, h.location), Cascade: toCascadeDTO(result)})
}

func (h *RecurrenceHandler) writeOccurrences(ctx context.Context, w http.ResponseWriter, occurrences []application.Occurrence) {
	dtos := make([]occurrenceDTO, 0, len(occurrences))
	for _, occurrence := range occurrences {
		dtos = append(dtos, toOccurrenceDTO(occurrence, h.location))
	}
	h.responder.writeJSON(ctx, w, http.StatusOK, previewResponse{Occurrences: dtos})
}

// RuleRequest is the wire form of a recurrence rule, shared by the HTTP API
// and bulk imports. Dates are "2006-01-02" and times "HH:MM".
type RuleRequest struct {
	TrainerID         string  `json:"trainer_id" yaml:"trainer_id"`
	ClientID          string  `json:"client_id" yaml:"client_id"`
	ClientDisplayName string  `json:"client_display_name" yaml:"client_display_name"`
	AnchorDate        string  `json:"anchor_date" yaml:"anchor_date"`
	StartTime         string  `json:"start_time" yaml:"start_time"`
	EndTime           *string `json:"end_time" yaml:"end_time"`
	DurationMinutes   int     `json:"duration_minutes" yaml:"duration_minutes"`
	Kind              string  `json:"kind" yaml:"kind"`
	SessionMode       string  `json:"session_mode" yaml:"session_mode"`
	Price             int64   `json:"price" yaml:"price"`
	Frequency         string  `json:"frequency" yaml:"frequency"`
	Weekday           *string `json:"weekday" yaml:"weekday"`
	RepetitionCount   *int    `json:"repetition_count" yaml:"repetition_count"`
	UntilDate         *string `json:"until_date" yaml:"until_date"`
	Notes             string  `json:"notes" yaml:"notes"`
}

// ToInput converts the request into a RuleInput, interpreting dates in loc.
// Unparseable fields are reported by name.
func (r RuleRequest) ToInput(loc *time.Location) (application.RuleInput, map[string]string) {
	input := application.RuleInput{
		TrainerID:         r.TrainerID,
		ClientID:          r.ClientID,
		ClientDisplayName: r.ClientDisplayName,
		DurationMinutes:   r.DurationMinutes,
		Kind:              application.SessionKind(strings.TrimSpace(r.Kind)),
		SessionMode:       application.SessionMode(strings.TrimSpace(r.SessionMode)),
		Price:             r.Price,
		Frequency:         r.Frequency,
		RepetitionCount:   r.RepetitionCount,
		Notes:             r.Notes,
	}
	fieldErrors := map[string]string{}

	if strings.TrimSpace(r.AnchorDate) != "" {
		anchor, err := parseDate(r.AnchorDate, loc)
		if err != nil {
			fieldErrors["anchor_date"] = "anchor_date must be YYYY-MM-DD"
		} else {
			input.AnchorDate = anchor
		}
	}
	if strings.TrimSpace(r.StartTime) != "" {
		start, err := clock.ParseTimeOfDay(r.StartTime)
		if err != nil {
			fieldErrors["start_time"] = "start_time must be HH:MM"
		} else {
			input.StartTime = start
		}
	}
	if r.EndTime != nil {
		end, err := clock.ParseTimeOfDay(*r.EndTime)
		if err != nil {
			fieldErrors["end_time"] = "end_time must be HH:MM"
		} else {
			input.EndTime = &end
		}
	}
	if r.Weekday != nil {
		weekday, err := parseWeekday(*r.Weekday)
		if err != nil {
			fieldErrors["weekday"] = err.Error()
		} else {
			input.Weekday = &weekday
		}
	}
	if r.UntilDate != nil {
		until, err := parseDate(*r.UntilDate, loc)
		if err != nil {
			fieldErrors["until_date"] = "until_date must be YYYY-MM-DD"
		} else {
			input.UntilDate = &until
		}
	}
	return input, fieldErrors
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

// parseWeekday accepts a weekday name, its three letter prefix or 0-6 with
// Sunday as 0.
func parseWeekday(value string) (time.Weekday, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if n, err := strconv.Atoi(value); err == nil {
		if n < 0 || n > 6 {
			return 0, errors.New("weekday must be between 0 and 6")
		}
		return time.Weekday(n), nil
	}
	for name, weekday := range weekdayNames {
		if value == name || (len(value) == 3 && strings.HasPrefix(name, value)) {
			return weekday, nil
		}
	}
	return 0, errors.New("weekday must be a day name or 0-6")
}

type createRuleRequest struct {
	RuleRequest
	Expand *bool `json:"expand"`
}

type cancelRuleRequest struct {
	Cascade *bool  `json:"cascade"`
	Reason  string `json:"reason"`
}

type ruleDTO struct {
	ID                      string  `json:"id"`
	TrainerID               string  `json:"trainer_id"`
	ClientID                string  `json:"client_id"`
	ClientDisplayName       string  `json:"client_display_name,omitempty"`
	AnchorDate              string  `json:"anchor_date"`
	StartTime               string  `json:"start_time"`
	EndTime                 string  `json:"end_time"`
	DurationMinutes         int     `json:"duration_minutes"`
	Kind                    string  `json:"kind"`
	SessionMode             string  `json:"session_mode"`
	Price                   int64   `json:"price"`
	Frequency               string  `json:"frequency"`
	Weekday                 *string `json:"weekday,omitempty"`
	RepetitionCount         *int    `json:"repetition_count,omitempty"`
	UntilDate               *string `json:"until_date,omitempty"`
	Active                  bool    `json:"active"`
	Status                  string  `json:"status"`
	OccurrencesMaterialized int     `json:"occurrences_materialized"`
	Notes                   string  `json:"notes,omitempty"`
	CreatedAt               string  `json:"created_at"`
	UpdatedAt               string  `json:"updated_at"`
}

func toRuleDTO(rule application.RecurrenceRule, loc *time.Location) ruleDTO {
	dto := ruleDTO{
		ID:                      rule.ID,
		TrainerID:               rule.TrainerID,
		ClientID:                rule.ClientID,
		ClientDisplayName:       rule.ClientDisplayName,
		AnchorDate:              rule.AnchorDate.Format(dateLayout),
		StartTime:               rule.StartTime.String(),
		EndTime:                 rule.EndTime.String(),
		DurationMinutes:         rule.DurationMinutes,
		Kind:                    string(rule.Kind),
		SessionMode:             string(rule.SessionMode),
		Price:                   rule.Price,
		Frequency:               rule.Frequency.String(),
		RepetitionCount:         rule.RepetitionCount,
		Active:                  rule.Active,
		Status:                  string(rule.Status),
		OccurrencesMaterialized: rule.OccurrencesMaterialized,
		Notes:                   rule.Notes,
		CreatedAt:               formatTimestamp(rule.CreatedAt, loc),
		UpdatedAt:               formatTimestamp(rule.UpdatedAt, loc),
	}
	if rule.Weekday != nil {
		name := strings.ToLower(rule.Weekday.String())
		dto.Weekday = &name
	}
	if rule.UntilDate != nil {
		until := rule.UntilDate.Format(dateLayout)
		dto.UntilDate = &until
	}
	return dto
}

type ruleResponse struct {
	Rule           ruleDTO       `json:"rule"`
	Expansion      *expansionDTO `json:"expansion,omitempty"`
	ExpansionError string        `json:"expansion_error,omitempty"`
}

type listRulesResponse struct {
	Rules []ruleDTO `json:"rules"`
}

type occurrenceDTO struct {
	Date    string `json:"date"`
	StartAt string `json:"start_at"`
	EndAt   string `json:"end_at"`
}

func toOccurrenceDTO(occurrence application.Occurrence, loc *time.Location) occurrenceDTO {
	return occurrenceDTO{
		Date:    occurrence.Date.Format(dateLayout),
		StartAt: formatTimestamp(occurrence.StartAt, loc),
		EndAt:   formatTimestamp(occurrence.EndAt, loc),
	}
}

type previewResponse struct {
	Occurrences []occurrenceDTO `json:"occurrences"`
}

type skippedDTO struct {
	occurrenceDTO
	Reason                   string `json:"reason"`
	ConflictingReservationID string `json:"conflicting_reservation_id,omitempty"`
}

type itemErrorDTO struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func toItemErrorDTOs(items []application.ItemError) []itemErrorDTO {
	dtos := make([]itemErrorDTO, 0, len(items))
	for _, item := range items {
		dtos = append(dtos, itemErrorDTO{ID: item.ID, Kind: item.Kind, Message: item.Message})
	}
	return dtos
}

type expansionDTO struct {
	RuleID     string           `json:"rule_id"`
	Created    []reservationDTO `json:"created"`
	Skipped    []skippedDTO     `json:"skipped"`
	Failed     []itemErrorDTO   `json:"failed"`
	RuleStatus string           `json:"rule_status"`
}

func toExpansionDTO(result application.ExpansionResult, loc *time.Location) expansionDTO {
	dto := expansionDTO{
		RuleID:     result.RuleID,
		Created:    make([]reservationDTO, 0, len(result.Created)),
		Skipped:    make([]skippedDTO, 0, len(result.Skipped)),
		Failed:     toItemErrorDTOs(result.Failed),
		RuleStatus: string(result.RuleStatus),
	}
	for _, reservation := range result.Created {
		dto.Created = append(dto.Created, toReservationDTO(reservation, loc))
	}
	for _, skipped := range result.Skipped {
		dto.Skipped = append(dto.Skipped, skippedDTO{
			occurrenceDTO:            toOccurrenceDTO(skipped.Occurrence, loc),
			Reason:                   skipped.Reason,
			ConflictingReservationID: skipped.ConflictingReservationID,
		})
	}
	return dto
}

type cascadeDTO struct {
	Affected []string       `json:"affected"`
	Failed   int            `json:"failed"`
	Errors   []itemErrorDTO `json:"errors"`
}

func toCascadeDTO(result application.CascadeResult) cascadeDTO {
	affected := result.Affected
	if affected == nil {
		affected = []string{}
	}
	return cascadeDTO{Affected: affected, Failed: result.Failed, Errors: toItemErrorDTOs(result.Errors)}
}

type cascadeResponse struct {
	Rule    ruleDTO    `json:"rule"`
	Cascade cascadeDTO `json:"cascade"`
}
