package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/reservation-engine/internal/clock"
	"github.com/example/reservation-engine/internal/recurrence"
)

const defaultCascadeCancelReason = "Recurrence cancelled"

// RecurrenceServiceDeps captures dependencies for constructing a recurrence service.
type RecurrenceServiceDeps struct {
	Rules        RecurrenceRepository
	Reservations ReservationRepository
	Lifecycle    *ReservationService
	Engine       *recurrence.Engine
	Locker       Locker
	Metrics      Metrics
	IDGenerator  func() string
	Now          func() time.Time
	Logger       *slog.Logger
}

// RecurrenceService manages recurrence rules, materializes their occurrences
// and applies cascade operations to future occurrences.
type RecurrenceService struct {
	rules        RecurrenceRepository
	reservations ReservationRepository
	lifecycle    *ReservationService
	engine       *recurrence.Engine
	locker       Locker
	metrics      Metrics
	idGenerator  func() string
	now          func() time.Time
	logger       *slog.Logger
}

// NewRecurrenceService wires dependencies for recurrence operations.
func NewRecurrenceService(deps RecurrenceServiceDeps) *RecurrenceService {
	idGenerator := deps.IDGenerator
	if idGenerator == nil {
		idGenerator = func() string { return "" }
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	engine := deps.Engine
	if engine == nil {
		var loc *time.Location
		if deps.Lifecycle != nil {
			loc = deps.Lifecycle.Location()
		}
		engine = recurrence.NewEngine(loc)
	}
	return &RecurrenceService{
		rules:        deps.Rules,
		reservations: deps.Reservations,
		lifecycle:    deps.Lifecycle,
		engine:       engine,
		locker:       deps.Locker,
		metrics:      defaultMetrics(deps.Metrics),
		idGenerator:  idGenerator,
		now:          now,
		logger:       defaultLogger(deps.Logger),
	}
}

// Engine returns the calendar engine used for expansion.
func (s *RecurrenceService) Engine() *recurrence.Engine {
	return s.engine
}

func (s *RecurrenceService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "RecurrenceService", operation, attrs...)
}

func (s *RecurrenceService) ready() error {
	if s == nil {
		return fmt.Errorf("RecurrenceService is nil")
	}
	if s.rules == nil || s.reservations == nil || s.lifecycle == nil {
		return fmt.Errorf("recurrence repository not configured")
	}
	return nil
}

// CreateRule validates and stores a rule. When expandNow is set the rule is
// expanded immediately and the expansion result is returned as well.
func (s *RecurrenceService) CreateRule(ctx context.Context, input RuleInput, expandNow bool) (rule RecurrenceRule, expansion *ExpansionResult, err error) {
	if err = s.ready(); err != nil {
		return
	}

	logger := s.loggerWith(ctx, "CreateRule", "trainer_id", input.TrainerID, "client_id", input.ClientID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to create recurrence rule", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("rule_id", rule.ID, "frequency", rule.Frequency.String()).InfoContext(ctx, "recurrence rule created")
	}()

	candidate, vErr := s.buildRule(input)
	if vErr.HasErrors() {
		err = vErr
		return
	}

	now := s.now()
	candidate.ID = s.idGenerator()
	candidate.Active = true
	candidate.Status = RuleActive
	candidate.CreatedAt = now
	candidate.UpdatedAt = now

	rule, err = s.rules.CreateRule(ctx, candidate)
	if err != nil {
		rule = RecurrenceRule{}
		err = mapRepoError(err)
		return
	}

	if expandNow {
		result, expandErr := s.Expand(ctx, rule.ID)
		if expandErr != nil {
			err = fmt.Errorf("%w: rule %s: %w", ErrExpansionFailed, rule.ID, expandErr)
			return
		}
		expansion = &result
		if rule, err = s.GetRule(ctx, rule.ID); err != nil {
			return
		}
	}
	return
}

// GetRule returns a rule by ID.
func (s *RecurrenceService) GetRule(ctx context.Context, id string) (RecurrenceRule, error) {
	if err := s.ready(); err != nil {
		return RecurrenceRule{}, err
	}
	rule, err := s.rules.GetRule(ctx, id)
	if err != nil {
		return RecurrenceRule{}, mapRepoError(err)
	}
	return rule, nil
}

// ListRules returns rules matching filter.
func (s *RecurrenceService) ListRules(ctx context.Context, filter RuleFilter) ([]RecurrenceRule, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rules, err := s.rules.ListRules(ctx, filter)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return rules, nil
}

// Preview computes the calendar of an unsaved rule without side effects.
func (s *RecurrenceService) Preview(input RuleInput) ([]Occurrence, error) {
	rule, vErr := s.buildRule(input)
	if vErr.HasErrors() {
		return nil, vErr
	}
	return s.Occurrences(rule)
}

// PreviewRule computes the calendar of a stored rule without side effects.
func (s *RecurrenceService) PreviewRule(ctx context.Context, id string) ([]Occurrence, error) {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Occurrences(rule)
}

// Occurrences returns every slot of the rule's calendar in ascending order.
func (s *RecurrenceService) Occurrences(rule RecurrenceRule) ([]Occurrence, error) {
	dates, err := s.engine.Dates(rule.Calendar())
	if err != nil {
		return nil, &ValidationError{FieldErrors: calendarFieldErrors(err), Cause: ErrInvalidRule}
	}

	loc := s.engine.Location()
	occurrences := make([]Occurrence, 0, len(dates))
	for _, date := range dates {
		start := clock.Compose(date, rule.StartTime, loc)
		occurrences = append(occurrences, Occurrence{
			Date:    date,
			StartAt: start,
			EndAt:   start.Add(rule.Duration()),
		})
	}
	return occurrences, nil
}

// Expand materializes the rule's future occurrences. Occurrences in the past
// and dates that were already materialized for the rule, even when the
// reservation was later moved, are skipped silently.
// Slot rejections are reported as skipped and other failures as failed items;
// neither stops the batch.
func (s *RecurrenceService) Expand(ctx context.Context, id string) (result ExpansionResult, err error) {
	if err = s.ready(); err != nil {
		return
	}

	logger := s.loggerWith(ctx, "Expand", "rule_id", id)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to expand recurrence rule", "error", err, "error_kind", ErrorKind(err))
			return
		}
		s.metrics.BatchCompleted("expand", len(result.Created), len(result.Failed))
		logger.With(
			"created", len(result.Created),
			"skipped", len(result.Skipped),
			"failed", len(result.Failed),
			"rule_status", result.RuleStatus,
		).InfoContext(ctx, "recurrence rule expanded")
	}()

	err = s.withRuleLock(ctx, id, func() error {
		var expandErr error
		result, expandErr = s.expandLocked(ctx, id)
		return expandErr
	})
	return
}

func (s *RecurrenceService) expandLocked(ctx context.Context, id string) (ExpansionResult, error) {
	result := ExpansionResult{RuleID: id}

	rule, err := s.rules.GetRule(ctx, id)
	if err != nil {
		return result, mapRepoError(err)
	}
	result.RuleStatus = rule.Status
	if rule.Status != RuleActive {
		return result, fmt.Errorf("%w: rule is %s", ErrRuleInactive, rule.Status)
	}

	occurrences, err := s.Occurrences(rule)
	if err != nil {
		return result, err
	}

	existing, err := s.reservations.ListReservations(ctx, ReservationQuery{RecurrenceID: rule.ID})
	if err != nil {
		return result, mapRepoError(err)
	}
	loc := s.engine.Location()
	materialized := make(map[string]struct{}, len(existing))
	for _, reservation := range existing {
		materialized[occurrenceKey(reservation, loc)] = struct{}{}
	}

	now := s.now()
	for _, occurrence := range occurrences {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if occurrence.StartAt.Before(now) {
			continue
		}
		key := dateKey(occurrence.StartAt, loc)
		if _, ok := materialized[key]; ok {
			continue
		}

		reservation, err := s.lifecycle.Create(ctx, CreateReservationParams{
			TrainerID:         rule.TrainerID,
			ClientID:          rule.ClientID,
			ClientDisplayName: rule.ClientDisplayName,
			StartAt:           occurrence.StartAt,
			EndAt:             occurrence.EndAt,
			Kind:              rule.Kind,
			SessionMode:       rule.SessionMode,
			Origin:            OriginRecurrence,
			Price:             rule.Price,
			RecurrenceID:      rule.ID,
			OccurrenceDate:    key,
			Notes:             rule.Notes,
		})

		var slotErr *SlotError
		switch {
		case err == nil:
			result.Created = append(result.Created, reservation)
			materialized[key] = struct{}{}
		case errors.As(err, &slotErr):
			result.Skipped = append(result.Skipped, SkippedOccurrence{
				Occurrence:               occurrence,
				Reason:                   ErrorKind(err),
				ConflictingReservationID: slotErr.ConflictingReservationID,
			})
		default:
			result.Failed = append(result.Failed, newItemError(key, err))
		}
	}

	finished := len(occurrences) == 0 || occurrences[len(occurrences)-1].StartAt.Before(now)
	if len(result.Created) == 0 && !finished {
		return result, nil
	}

	rule.OccurrencesMaterialized += len(result.Created)
	if finished {
		rule.Status = RuleCompleted
		rule.Active = false
	}
	rule.UpdatedAt = now
	updated, err := s.rules.UpdateRule(ctx, rule)
	if err != nil {
		return result, mapRepoError(err)
	}
	result.RuleStatus = updated.Status
	return result, nil
}

// ExpandActive expands every active rule. Rules that fail are logged and
// counted; the remaining rules are still expanded.
func (s *RecurrenceService) ExpandActive(ctx context.Context) ([]ExpansionResult, error) {
	rules, err := s.ListRules(ctx, RuleFilter{Statuses: []RuleStatus{RuleActive}})
	if err != nil {
		return nil, err
	}

	results := make([]ExpansionResult, 0, len(rules))
	var failed int
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := s.Expand(ctx, rule.ID)
		if err != nil {
			if errors.Is(err, ErrRuleInactive) {
				continue
			}
			failed++
			continue
		}
		results = append(results, result)
	}
	s.metrics.BatchCompleted("expand_active", len(results), failed)
	return results, nil
}

// PauseRule stops materialization of an active rule.
func (s *RecurrenceService) PauseRule(ctx context.Context, id string) (RecurrenceRule, error) {
	return s.setStatus(ctx, "PauseRule", id, func(rule *RecurrenceRule) error {
		if rule.Status != RuleActive {
			return ruleTransitionError(rule.Status, "pause")
		}
		rule.Status = RulePaused
		rule.Active = false
		return nil
	})
}

// ResumeRule reactivates a paused rule.
func (s *RecurrenceService) ResumeRule(ctx context.Context, id string) (RecurrenceRule, error) {
	return s.setStatus(ctx, "ResumeRule", id, func(rule *RecurrenceRule) error {
		if rule.Status != RulePaused {
			return ruleTransitionError(rule.Status, "resume")
		}
		rule.Status = RuleActive
		rule.Active = true
		return nil
	})
}

// CancelRule cancels the rule. With cascade every future active occurrence
// is cancelled on behalf of the center.
func (s *RecurrenceService) CancelRule(ctx context.Context, id string, cascade bool, reason string) (rule RecurrenceRule, result CascadeResult, err error) {
	rule, err = s.setStatus(ctx, "CancelRule", id, func(rule *RecurrenceRule) error {
		if rule.Status == RuleCancelled || rule.Status == RuleCompleted {
			return ruleTransitionError(rule.Status, "cancel")
		}
		rule.Status = RuleCancelled
		rule.Active = false
		return nil
	})
	if err != nil || !cascade {
		return
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultCascadeCancelReason
	}
	result, err = s.cascade(ctx, "cancel", rule, func(reservation Reservation) error {
		_, err := s.lifecycle.Cancel(ctx, reservation.ID, reason, ActorCenter)
		return err
	})
	return
}

// ModifyFutureOccurrences applies patch to every future active occurrence
// and writes the schedule fields back to the rule for later expansions.
func (s *RecurrenceService) ModifyFutureOccurrences(ctx context.Context, id string, patch ReservationPatch, reason string) (rule RecurrenceRule, result CascadeResult, err error) {
	if vErr := validatePatch(patch); vErr.HasErrors() {
		err = vErr
		return
	}

	rule, err = s.setStatus(ctx, "ModifyFutureOccurrences", id, func(rule *RecurrenceRule) error {
		if rule.Status == RuleCancelled {
			return fmt.Errorf("%w: rule is %s", ErrRuleInactive, rule.Status)
		}
		return applyPatchToRule(rule, patch)
	})
	if err != nil {
		return
	}

	result, err = s.cascade(ctx, "modify", rule, func(reservation Reservation) error {
		_, err := s.lifecycle.Modify(ctx, reservation.ID, patch, reason)
		return err
	})
	return
}

// cascade applies fn to each active occurrence of rule starting at or after
// now. Failures are collected and do not stop the batch.
func (s *RecurrenceService) cascade(ctx context.Context, operation string, rule RecurrenceRule, fn func(Reservation) error) (result CascadeResult, err error) {
	logger := s.loggerWith(ctx, "Cascade", "rule_id", rule.ID, "cascade", operation)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "cascade failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		s.metrics.BatchCompleted("cascade_"+operation, len(result.Affected), result.Failed)
		logger.With("affected", len(result.Affected), "failed", result.Failed).InfoContext(ctx, "cascade finished")
	}()

	now := s.now()
	future, err := s.reservations.ListReservations(ctx, ReservationQuery{
		RecurrenceID: rule.ID,
		Statuses:     ActiveStatuses,
		StartsFrom:   &now,
	})
	if err != nil {
		err = mapRepoError(err)
		return
	}

	for _, reservation := range future {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			return
		}
		if fnErr := fn(reservation); fnErr != nil {
			result.Failed++
			result.Errors = append(result.Errors, newItemError(reservation.ID, fnErr))
			continue
		}
		result.Affected = append(result.Affected, reservation.ID)
	}
	return
}

func (s *RecurrenceService) setStatus(ctx context.Context, operation, id string, fn func(*RecurrenceRule) error) (rule RecurrenceRule, err error) {
	if err = s.ready(); err != nil {
		return
	}

	logger := s.loggerWith(ctx, operation, "rule_id", id)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "recurrence rule update failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("status", rule.Status).InfoContext(ctx, "recurrence rule updated")
	}()

	err = s.withRuleLock(ctx, id, func() error {
		current, err := s.rules.GetRule(ctx, id)
		if err != nil {
			return mapRepoError(err)
		}
		if err := fn(&current); err != nil {
			return err
		}
		current.UpdatedAt = s.now()
		updated, err := s.rules.UpdateRule(ctx, current)
		if err != nil {
			return mapRepoError(err)
		}
		rule = updated
		return nil
	})
	if err != nil {
		rule = RecurrenceRule{}
	}
	return
}

func (s *RecurrenceService) withRuleLock(ctx context.Context, id string, fn func() error) error {
	if s.locker == nil {
		return fn()
	}
	release, err := s.locker.Lock(ctx, "rule:"+id)
	if err != nil {
		return fmt.Errorf("acquire rule lock: %w", err)
	}
	defer release()
	return fn()
}

// buildRule validates input and converts it into an unsaved rule.
func (s *RecurrenceService) buildRule(input RuleInput) (RecurrenceRule, *ValidationError) {
	vErr := &ValidationError{Cause: ErrInvalidRule}

	rule := RecurrenceRule{
		TrainerID:         strings.TrimSpace(input.TrainerID),
		ClientID:          strings.TrimSpace(input.ClientID),
		ClientDisplayName: strings.TrimSpace(input.ClientDisplayName),
		StartTime:         input.StartTime,
		Kind:              input.Kind,
		SessionMode:       input.SessionMode,
		Price:             input.Price,
		Weekday:           input.Weekday,
		RepetitionCount:   input.RepetitionCount,
		Notes:             strings.TrimSpace(input.Notes),
	}
	if rule.SessionMode == "" {
		rule.SessionMode = ModeInPerson
	}
	if !input.AnchorDate.IsZero() {
		rule.AnchorDate = clock.DateOf(input.AnchorDate, s.engine.Location())
	}
	if input.UntilDate != nil {
		until := clock.DateOf(*input.UntilDate, s.engine.Location())
		rule.UntilDate = &until
	}

	if rule.TrainerID == "" {
		vErr.add("trainer_id", "trainer is required")
	}
	if rule.ClientID == "" {
		vErr.add("client_id", "client is required")
	}
	if !rule.Kind.Valid() {
		vErr.add("kind", "unknown session kind")
	}
	if !rule.SessionMode.Valid() {
		vErr.add("session_mode", "session mode must be in_person or video_call")
	}
	if rule.Price < 0 {
		vErr.add("price", "price must not be negative")
	}

	frequency, err := recurrence.ParseFrequency(input.Frequency)
	if err != nil {
		vErr.add("frequency", "frequency must be daily, weekly, biweekly or monthly")
	}
	rule.Frequency = frequency

	end, duration, msg := resolveRuleTimes(input.StartTime, input.EndTime, input.DurationMinutes)
	if msg != "" {
		vErr.add("end_time", msg)
	}
	rule.EndTime = end
	rule.DurationMinutes = duration

	if err == nil {
		for field, message := range calendarFieldErrors(rule.Calendar().Validate()) {
			vErr.add(field, message)
		}
	}

	return rule, vErr
}

// resolveRuleTimes derives the missing one of end time and duration. When
// both are supplied they must agree.
func resolveRuleTimes(start clock.TimeOfDay, end *clock.TimeOfDay, durationMinutes int) (clock.TimeOfDay, int, string) {
	if end == nil {
		if durationMinutes <= 0 {
			return clock.TimeOfDay{}, 0, "end time or a positive duration is required"
		}
		derived, ok := start.Add(time.Duration(durationMinutes) * time.Minute)
		if !ok {
			return clock.TimeOfDay{}, 0, "session must end on the day it starts"
		}
		return derived, durationMinutes, ""
	}

	if !start.Before(*end) {
		return clock.TimeOfDay{}, 0, "end time must be after start time"
	}
	derived := end.Minutes() - start.Minutes()
	if durationMinutes > 0 && durationMinutes != derived {
		return clock.TimeOfDay{}, 0, "end time and duration disagree"
	}
	return *end, derived, ""
}

// applyPatchToRule writes the schedule fields of patch onto rule.
func applyPatchToRule(rule *RecurrenceRule, patch ReservationPatch) error {
	start := rule.StartTime
	if patch.StartTime != nil {
		start = *patch.StartTime
	}

	var end *clock.TimeOfDay
	duration := rule.DurationMinutes
	switch {
	case patch.EndTime != nil:
		end = patch.EndTime
		duration = 0
	case patch.DurationMinutes != nil:
		duration = *patch.DurationMinutes
	}

	resolvedEnd, resolvedDuration, msg := resolveRuleTimes(start, end, duration)
	if msg != "" {
		return &ValidationError{FieldErrors: map[string]string{"end_time": msg}, Cause: ErrInvalidRule}
	}
	rule.StartTime = start
	rule.EndTime = resolvedEnd
	rule.DurationMinutes = resolvedDuration

	if patch.Kind != nil {
		rule.Kind = *patch.Kind
	}
	if patch.SessionMode != nil {
		rule.SessionMode = *patch.SessionMode
	}
	if patch.Price != nil {
		rule.Price = *patch.Price
	}
	return nil
}

func calendarFieldErrors(err error) map[string]string {
	fields := make(map[string]string)
	if err == nil {
		return fields
	}
	if errors.Is(err, recurrence.ErrInvalidFrequency) {
		fields["frequency"] = "frequency must be daily, weekly, biweekly or monthly"
	}
	if errors.Is(err, recurrence.ErrMissingWeekday) {
		fields["weekday"] = "weekly rules require a weekday"
	}
	if errors.Is(err, recurrence.ErrInvalidWeekday) {
		fields["weekday"] = "weekday must be between 0 and 6"
	}
	if errors.Is(err, recurrence.ErrMissingAnchor) {
		fields["anchor_date"] = "anchor date is required"
	}
	if errors.Is(err, recurrence.ErrInvalidCount) {
		fields["repetition_count"] = "repetition count must not be negative"
	}
	if len(fields) == 0 {
		fields["rule"] = err.Error()
	}
	return fields
}

func ruleTransitionError(from RuleStatus, operation string) error {
	return fmt.Errorf("%w: cannot %s a %s rule", ErrInvalidTransition, operation, from)
}

func dateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.DateOnly)
}

// occurrenceKey identifies the calendar slot a reservation was materialized
// for. Reservations stored without an occurrence date fall back to the date
// they start on.
func occurrenceKey(r Reservation, loc *time.Location) string {
	if r.OccurrenceDate != "" {
		return r.OccurrenceDate
	}
	return dateKey(r.StartAt, loc)
}
