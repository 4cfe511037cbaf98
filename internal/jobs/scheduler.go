// Package jobs runs the engine's batch operations on cron schedules.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/reservation-engine/internal/application"
)

// Job names, also used as log and metric labels.
const (
	JobAutoComplete = "auto_complete"
	JobExpand       = "expand"
	JobReminders    = "reminders"
	JobPayments     = "payment_reminders"
	JobAgenda       = "trainer_agenda"
)

// Sweeper completes reservations whose grace period has elapsed.
type Sweeper interface {
	AutoCompleteSweep(ctx context.Context, now time.Time) (application.SweepResult, error)
}

// Expander materialises occurrences for every active rule.
type Expander interface {
	ExpandActive(ctx context.Context) ([]application.ExpansionResult, error)
}

// ReminderSender dispatches reminders for sessions inside the horizon.
type ReminderSender interface {
	SendDue(ctx context.Context, horizon time.Duration) (application.ReminderResult, error)
}

// PaymentReminderSender reminds clients of unpaid sessions.
type PaymentReminderSender interface {
	SendPaymentReminders(ctx context.Context) (application.ReminderResult, error)
}

// AgendaSender sends trainers the sessions of one day.
type AgendaSender interface {
	SendTrainerAgenda(ctx context.Context, date time.Time) (application.ReminderResult, error)
}

// Config holds the cron specs. An empty spec disables that job.
type Config struct {
	AutoCompleteSpec string
	ExpandSpec       string
	ReminderSpec     string
	PaymentSpec      string
	AgendaSpec       string
	ReminderHorizon  time.Duration
	Timeout          time.Duration
	Location         *time.Location
}

// Deps groups the collaborators the jobs call into.
type Deps struct {
	Sweeper   Sweeper
	Expander  Expander
	Reminders ReminderSender
	Payments  PaymentReminderSender
	Agenda    AgendaSender
	Now       func() time.Time
	Logger    *slog.Logger
}

// Scheduler owns a cron instance with the configured jobs registered.
type Scheduler struct {
	cron    *cron.Cron
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
	once    sync.Once
}

// New validates every spec and registers the enabled jobs.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "jobs")
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ReminderHorizon <= 0 {
		cfg.ReminderHorizon = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	cronLogger := slogAdapter{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}

	jobs := []struct {
		name    string
		spec    string
		enabled bool
		run     func(context.Context) error
	}{
		{JobAutoComplete, cfg.AutoCompleteSpec, deps.Sweeper != nil, s.RunAutoComplete},
		{JobExpand, cfg.ExpandSpec, deps.Expander != nil, s.RunExpand},
		{JobReminders, cfg.ReminderSpec, deps.Reminders != nil, s.RunReminders},
		{JobPayments, cfg.PaymentSpec, deps.Payments != nil, s.RunPaymentReminders},
		{JobAgenda, cfg.AgendaSpec, deps.Agenda != nil, s.RunTrainerAgenda},
	}
	var errs []error
	for _, job := range jobs {
		spec := strings.TrimSpace(job.spec)
		if spec == "" || !job.enabled {
			continue
		}
		if err := s.add(job.name, spec, job.run); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, run func(context.Context) error) error {
	id, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
		defer cancel()
		_ = run(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.entries[name] = id
	return nil
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.entries))
	for _, name := range []string{JobAutoComplete, JobExpand, JobReminders, JobPayments, JobAgenda} {
		if _, ok := s.entries[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Next reports when a job fires next; the zero time means it is not scheduled
// or the scheduler is not running.
func (s *Scheduler) Next(name string) time.Time {
	id, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.logger.Info("job scheduler started", "jobs", s.Jobs())
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		done := s.cron.Stop()
		select {
		case <-done.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
		s.cancel()
		s.logger.Info("job scheduler stopped")
	})
	return err
}

// RunAutoComplete runs one auto-complete sweep.
func (s *Scheduler) RunAutoComplete(ctx context.Context) error {
	if s.deps.Sweeper == nil {
		return nil
	}
	started := time.Now()
	result, err := s.deps.Sweeper.AutoCompleteSweep(ctx, s.deps.Now())
	return s.finish(ctx, JobAutoComplete, started, result.Completed, result.Failed, err)
}

// RunExpand expands every active rule.
func (s *Scheduler) RunExpand(ctx context.Context) error {
	if s.deps.Expander == nil {
		return nil
	}
	started := time.Now()
	results, err := s.deps.Expander.ExpandActive(ctx)
	created, failed := 0, 0
	for _, r := range results {
		created += len(r.Created)
		failed += len(r.Failed)
	}
	return s.finish(ctx, JobExpand, started, created, failed, err)
}

// RunReminders sends reminders within the configured horizon.
func (s *Scheduler) RunReminders(ctx context.Context) error {
	if s.deps.Reminders == nil {
		return nil
	}
	started := time.Now()
	result, err := s.deps.Reminders.SendDue(ctx, s.cfg.ReminderHorizon)
	return s.finish(ctx, JobReminders, started, result.Sent, result.Failed, err)
}

// RunPaymentReminders reminds clients of every unpaid session.
func (s *Scheduler) RunPaymentReminders(ctx context.Context) error {
	if s.deps.Payments == nil {
		return nil
	}
	started := time.Now()
	result, err := s.deps.Payments.SendPaymentReminders(ctx)
	return s.finish(ctx, JobPayments, started, result.Sent, result.Failed, err)
}

// RunTrainerAgenda sends each trainer today's sessions.
func (s *Scheduler) RunTrainerAgenda(ctx context.Context) error {
	if s.deps.Agenda == nil {
		return nil
	}
	started := time.Now()
	result, err := s.deps.Agenda.SendTrainerAgenda(ctx, s.deps.Now().In(s.cfg.Location))
	return s.finish(ctx, JobAgenda, started, result.Sent, result.Failed, err)
}

func (s *Scheduler) finish(ctx context.Context, job string, started time.Time, succeeded, failed int, err error) error {
	logger := s.logger.With("job", job, "duration", time.Since(started))
	if err != nil {
		logger.ErrorContext(ctx, "job failed", "error", err, "error_kind", application.ErrorKind(err))
		return err
	}
	level := slog.LevelInfo
	if failed > 0 {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "job finished", "succeeded", succeeded, "failed", failed)
	return nil
}

type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
