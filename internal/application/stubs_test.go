package application

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/reservation-engine/internal/lock"
	"github.com/example/reservation-engine/internal/persistence"
	"github.com/example/reservation-engine/internal/scheduler"
)

// baseTime is a Monday morning.
var baseTime = time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

// fakeStore implements every application repository in memory.
type fakeStore struct {
	mu           sync.Mutex
	reservations map[string]Reservation
	rules        map[string]RecurrenceRule
	tokens       map[string]ConfirmationToken
	blocked      map[string]BlockedPeriod

	updateErrs map[string]error
	listErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		reservations: make(map[string]Reservation),
		rules:        make(map[string]RecurrenceRule),
		tokens:       make(map[string]ConfirmationToken),
		blocked:      make(map[string]BlockedPeriod),
		updateErrs:   make(map[string]error),
	}
}

func (f *fakeStore) CreateReservation(ctx context.Context, reservation Reservation) (Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.reservations[reservation.ID]; ok {
		return Reservation{}, persistence.ErrDuplicate
	}
	f.reservations[reservation.ID] = cloneReservation(reservation)
	return cloneReservation(reservation), nil
}

func (f *fakeStore) UpdateReservation(ctx context.Context, reservation Reservation) (Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.updateErrs[reservation.ID]; err != nil {
		return Reservation{}, err
	}
	if _, ok := f.reservations[reservation.ID]; !ok {
		return Reservation{}, persistence.ErrNotFound
	}
	f.reservations[reservation.ID] = cloneReservation(reservation)
	return cloneReservation(reservation), nil
}

func (f *fakeStore) GetReservation(ctx context.Context, id string) (Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reservation, ok := f.reservations[id]
	if !ok {
		return Reservation{}, persistence.ErrNotFound
	}
	return cloneReservation(reservation), nil
}

func (f *fakeStore) ListReservations(ctx context.Context, query ReservationQuery) ([]Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}

	var out []Reservation
	for _, r := range f.reservations {
		if query.TrainerID != "" && r.TrainerID != query.TrainerID {
			continue
		}
		if query.ClientID != "" && r.ClientID != query.ClientID {
			continue
		}
		if query.RecurrenceID != "" && r.RecurrenceID != query.RecurrenceID {
			continue
		}
		if len(query.Statuses) > 0 && !slices.Contains(query.Statuses, r.Status) {
			continue
		}
		if query.StartsFrom != nil && r.StartAt.Before(*query.StartsFrom) {
			continue
		}
		if query.StartsBefore != nil && !r.StartAt.Before(*query.StartsBefore) {
			continue
		}
		if query.EndsBy != nil && r.EndAt.After(*query.EndsBy) {
			continue
		}
		if query.OverlapFrom != nil && !r.EndAt.After(*query.OverlapFrom) {
			continue
		}
		if query.OverlapTo != nil && !r.StartAt.Before(*query.OverlapTo) {
			continue
		}
		if query.Paid != nil && r.Paid != *query.Paid {
			continue
		}
		if query.NotReminded && r.ReminderSentAt != nil {
			continue
		}
		out = append(out, cloneReservation(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartAt.Equal(out[j].StartAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartAt.Before(out[j].StartAt)
	})
	return out, nil
}

func (f *fakeStore) CreateRule(ctx context.Context, rule RecurrenceRule) (RecurrenceRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[rule.ID] = rule
	return rule, nil
}

func (f *fakeStore) UpdateRule(ctx context.Context, rule RecurrenceRule) (RecurrenceRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.rules[rule.ID]
	if !ok {
		return RecurrenceRule{}, persistence.ErrNotFound
	}
	rule.OccurrencesMaterialized = max(rule.OccurrencesMaterialized, stored.OccurrencesMaterialized)
	f.rules[rule.ID] = rule
	return rule, nil
}

func (f *fakeStore) GetRule(ctx context.Context, id string) (RecurrenceRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.rules[id]
	if !ok {
		return RecurrenceRule{}, persistence.ErrNotFound
	}
	return rule, nil
}

func (f *fakeStore) ListRules(ctx context.Context, filter RuleFilter) ([]RecurrenceRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RecurrenceRule
	for _, rule := range f.rules {
		if filter.TrainerID != "" && rule.TrainerID != filter.TrainerID {
			continue
		}
		if filter.ClientID != "" && rule.ClientID != filter.ClientID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, rule.Status) {
			continue
		}
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) CreateToken(ctx context.Context, token ConfirmationToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tokens[token.Digest]; ok {
		return persistence.ErrDuplicate
	}
	f.tokens[token.Digest] = token
	return nil
}

func (f *fakeStore) GetTokenByDigest(ctx context.Context, digest string) (ConfirmationToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token, ok := f.tokens[digest]
	if !ok {
		return ConfirmationToken{}, persistence.ErrNotFound
	}
	return token, nil
}

func (f *fakeStore) ConsumeToken(ctx context.Context, digest string, action TokenAction, at time.Time) (ConfirmationToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token, ok := f.tokens[digest]
	if !ok {
		return ConfirmationToken{}, persistence.ErrNotFound
	}
	if token.Used || !at.Before(token.ExpiresAt) {
		return token, persistence.ErrTokenUnavailable
	}
	token.Used = true
	token.UsedAt = &at
	token.Action = action
	f.tokens[digest] = token
	return token, nil
}

func (f *fakeStore) CreateBlockedPeriod(ctx context.Context, period BlockedPeriod) (BlockedPeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[period.ID] = period
	return period, nil
}

func (f *fakeStore) DeleteBlockedPeriod(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blocked[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(f.blocked, id)
	return nil
}

func (f *fakeStore) ListBlockedPeriods(ctx context.Context, trainerID string, from, to *time.Time) ([]BlockedPeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []BlockedPeriod
	for _, period := range f.blocked {
		if period.TrainerID != trainerID {
			continue
		}
		if from != nil && !period.EndAt.After(*from) {
			continue
		}
		if to != nil && !period.StartAt.Before(*to) {
			continue
		}
		out = append(out, period)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (f *fakeStore) reservationsOfRule(ruleID string) []Reservation {
	out, _ := f.ListReservations(context.Background(), ReservationQuery{RecurrenceID: ruleID})
	return out
}

type videoLinkStub struct {
	mu    sync.Mutex
	link  string
	err   error
	calls []MeetingRequest
}

func (v *videoLinkStub) CreateMeetingLink(ctx context.Context, req MeetingRequest) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, req)
	if v.err != nil {
		return "", v.err
	}
	return fmt.Sprintf("%s/%d", v.link, len(v.calls)), nil
}

type notifierStub struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *notifierStub) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *notifierStub) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	events := make([]string, 0, len(n.sent))
	for _, notification := range n.sent {
		events = append(events, notification.Event)
	}
	return events
}

func (n *notifierStub) last(event string) (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		if n.sent[i].Event == event {
			return n.sent[i], true
		}
	}
	return Notification{}, false
}

type metricsStub struct {
	NopMetrics
	mu               sync.Mutex
	created          int
	rejected         []string
	providerFailures []string
	transitions      []string
}

func (m *metricsStub) ReservationCreated(Origin, ReservationStatus) {
	m.mu.Lock()
	m.created++
	m.mu.Unlock()
}

func (m *metricsStub) SlotRejected(reason string) {
	m.mu.Lock()
	m.rejected = append(m.rejected, reason)
	m.mu.Unlock()
}

func (m *metricsStub) TransitionApplied(from, to ReservationStatus) {
	m.mu.Lock()
	m.transitions = append(m.transitions, string(from)+"->"+string(to))
	m.mu.Unlock()
}

func (m *metricsStub) ProviderFailure(provider string) {
	m.mu.Lock()
	m.providerFailures = append(m.providerFailures, provider)
	m.mu.Unlock()
}

type envConfig struct {
	policy  scheduler.Policy
	options ReservationOptions
}

type testEnv struct {
	store        *fakeStore
	clock        *testClock
	video        *videoLinkStub
	notifier     *notifierStub
	metrics      *metricsStub
	availability *AvailabilityService
	reservations *ReservationService
	recurrences  *RecurrenceService
	tokens       *TokenService
	reminders    *ReminderService
}

func newTestEnv(t *testing.T, configure ...func(*envConfig)) *testEnv {
	t.Helper()

	cfg := envConfig{policy: scheduler.DefaultPolicy()}
	for _, fn := range configure {
		fn(&cfg)
	}

	env := &testEnv{
		store:    newFakeStore(),
		clock:    &testClock{now: baseTime},
		video:    &videoLinkStub{link: "https://meet.example.com/room"},
		notifier: &notifierStub{},
		metrics:  &metricsStub{},
	}
	locker := lock.NewKeyedMutex()

	env.availability = NewAvailabilityServiceWithLogger(env.store, env.store, cfg.policy, sequentialIDs("blocked"), env.clock.Now, nil, env.metrics)
	env.reservations = NewReservationService(ReservationServiceDeps{
		Reservations: env.store,
		Availability: env.availability,
		Locker:       locker,
		VideoLinks:   env.video,
		Notifier:     env.notifier,
		Metrics:      env.metrics,
		IDGenerator:  sequentialIDs("res"),
		Now:          env.clock.Now,
		Options:      cfg.options,
	})
	env.recurrences = NewRecurrenceService(RecurrenceServiceDeps{
		Rules:        env.store,
		Reservations: env.store,
		Lifecycle:    env.reservations,
		Locker:       locker,
		Metrics:      env.metrics,
		IDGenerator:  sequentialIDs("rule"),
		Now:          env.clock.Now,
	})
	env.tokens = NewTokenService(TokenServiceDeps{
		Tokens:      env.store,
		Lifecycle:   env.reservations,
		IDGenerator: sequentialIDs("token"),
		Now:         env.clock.Now,
	})
	env.reminders = NewReminderService(ReminderServiceDeps{
		Lifecycle: env.reservations,
		Tokens:    env.tokens,
		BaseURL:   "https://book.example.com",
		Metrics:   env.metrics,
		Now:       env.clock.Now,
	})

	t.Cleanup(env.reservations.Drain)
	return env
}

// slot returns a window starting daysAhead days after baseTime at hour:00.
func slot(daysAhead, hour, minutes int) (time.Time, time.Time) {
	start := time.Date(baseTime.Year(), baseTime.Month(), baseTime.Day()+daysAhead, hour, 0, 0, 0, time.UTC)
	return start, start.Add(time.Duration(minutes) * time.Minute)
}

func createParams(trainerID string, start, end time.Time) CreateReservationParams {
	return CreateReservationParams{
		TrainerID:         trainerID,
		ClientID:          "client-1",
		ClientDisplayName: "Ana",
		StartAt:           start,
		EndAt:             end,
		Kind:              KindOneOnOne,
		SessionMode:       ModeInPerson,
		Origin:            OriginClientApp,
		Price:             4500,
	}
}

func mustCreate(t *testing.T, env *testEnv, params CreateReservationParams) Reservation {
	t.Helper()
	reservation, err := env.reservations.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	return reservation
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
