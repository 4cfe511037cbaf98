package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/example/reservation-engine/internal/application"
	"github.com/example/reservation-engine/internal/calendar"
	"github.com/example/reservation-engine/internal/config"
	httptransport "github.com/example/reservation-engine/internal/http"
	"github.com/example/reservation-engine/internal/jobs"
	"github.com/example/reservation-engine/internal/lock"
	"github.com/example/reservation-engine/internal/metrics"
	"github.com/example/reservation-engine/internal/notify"
	"github.com/example/reservation-engine/internal/persistence/adapter"
	"github.com/example/reservation-engine/internal/persistence/memory"
	"github.com/example/reservation-engine/internal/persistence/sqlite"
	"github.com/example/reservation-engine/internal/videolink"
)

// app holds the wired services and the resources that must be released on
// shutdown, in reverse order of acquisition.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time

	availability *application.AvailabilityService
	reservations *application.ReservationService
	recurrences  *application.RecurrenceService
	tokens       *application.TokenService
	reminders    *application.ReminderService
	exporter     *calendar.Exporter
	recorder     *metrics.Recorder

	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, now: time.Now}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	backend, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}
	locker, err := a.newLocker(ctx)
	if err != nil {
		return nil, err
	}
	notifier, err := a.newNotifier()
	if err != nil {
		return nil, err
	}
	videoLinks, err := videolink.NewTemplateProvider(cfg.Providers.VideoLinkTemplate)
	if err != nil {
		return nil, err
	}

	var recorder application.Metrics = application.NopMetrics{}
	if cfg.Metrics.Enabled {
		a.recorder = metrics.NewRecorder()
		recorder = a.recorder
	}

	repos := adapter.New(backend)
	idGenerator := uuid.NewString

	a.availability = application.NewAvailabilityServiceWithLogger(
		repos.Reservations,
		repos.BlockedPeriods,
		cfg.Policy(),
		idGenerator,
		a.now,
		logger,
		recorder,
	)
	a.reservations = application.NewReservationService(application.ReservationServiceDeps{
		Reservations: repos.Reservations,
		Availability: a.availability,
		Locker:       locker,
		VideoLinks:   videoLinks,
		Notifier:     notifier,
		Metrics:      recorder,
		IDGenerator:  idGenerator,
		Now:          a.now,
		Logger:       logger,
		Options:      cfg.ReservationOptions(),
	})
	a.closers = append(a.closers, func() error {
		a.reservations.Drain()
		return nil
	})
	a.recurrences = application.NewRecurrenceService(application.RecurrenceServiceDeps{
		Rules:        repos.Recurrences,
		Reservations: repos.Reservations,
		Lifecycle:    a.reservations,
		Locker:       locker,
		Metrics:      recorder,
		IDGenerator:  idGenerator,
		Now:          a.now,
		Logger:       logger,
	})
	a.tokens = application.NewTokenService(application.TokenServiceDeps{
		Tokens:      repos.Tokens,
		Lifecycle:   a.reservations,
		TTL:         cfg.Tokens.TTL,
		IDGenerator: idGenerator,
		Now:         a.now,
		Logger:      logger,
	})
	a.reminders = application.NewReminderService(application.ReminderServiceDeps{
		Lifecycle: a.reservations,
		Tokens:    a.tokens,
		BaseURL:   cfg.Tokens.BaseURL,
		Metrics:   recorder,
		Now:       a.now,
		Logger:    logger,
	})
	a.exporter = calendar.NewExporter(a.recurrences.Engine(), calendar.WithClock(a.now))
	return a, nil
}

func (a *app) openStorage(ctx context.Context) (adapter.Backend, error) {
	switch a.cfg.Storage.Driver {
	case "memory":
		storage := memory.Open()
		a.closers = append(a.closers, storage.Close)
		return adapter.Backend{
			Reservations:   storage,
			Recurrences:    storage,
			Tokens:         storage,
			BlockedPeriods: storage,
		}, nil
	case "sqlite":
		pool, err := sqlite.NewConnectionPool(ctx, a.cfg.SQLite())
		if err != nil {
			return adapter.Backend{}, fmt.Errorf("open storage: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if a.cfg.Storage.AutoMigrate {
			if _, err := pool.Migrate(ctx, a.logger); err != nil {
				return adapter.Backend{}, fmt.Errorf("apply migrations: %w", err)
			}
		}
		return adapter.Backend{
			Reservations:   sqlite.NewReservationRepository(pool),
			Recurrences:    sqlite.NewRecurrenceRepository(pool),
			Tokens:         sqlite.NewTokenRepository(pool),
			BlockedPeriods: sqlite.NewBlockedPeriodRepository(pool),
		}, nil
	default:
		return adapter.Backend{}, fmt.Errorf("unsupported storage driver %q", a.cfg.Storage.Driver)
	}
}

func (a *app) newLocker(ctx context.Context) (application.Locker, error) {
	if a.cfg.Lock.Backend != "redis" {
		return lock.NewKeyedMutex(), nil
	}
	client, err := lock.NewRedisClient(ctx, a.cfg.Redis())
	if err != nil {
		return nil, fmt.Errorf("connect lock backend: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	return lock.NewRedisLocker(client, a.cfg.Lock.TTL,
		lock.WithPrefix(a.cfg.Lock.Prefix),
		lock.WithReleaseHook(func(key string, err error) {
			if err != nil {
				a.logger.Warn("lock release failed", "key", key, "error", err)
			}
		}),
	), nil
}

func (a *app) newNotifier() (application.NotificationDispatcher, error) {
	switch a.cfg.Notifications.Backend {
	case "none":
		return nil, nil
	case "nats":
		conn, err := notify.Connect(a.cfg.Notifications.NATSURL, "reservations")
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Drain)
		return notify.NewNATSDispatcher(conn, notify.WithSubjectPrefix(a.cfg.Notifications.SubjectPrefix)), nil
	default:
		return notify.NewLogDispatcher(a.logger), nil
	}
}

// handler assembles the HTTP API.
func (a *app) handler() http.Handler {
	loc := a.cfg.Location()
	var metricsHandler http.Handler
	if a.recorder != nil {
		metricsHandler = a.recorder.Handler()
	}
	return httptransport.NewRouter(httptransport.RouterConfig{
		Reservations: httptransport.NewReservationHandler(a.reservations, a.tokens, loc, a.logger),
		Rules:        httptransport.NewRecurrenceHandler(a.recurrences, a.exporter, loc, a.logger),
		Tokens:       httptransport.NewTokenHandler(a.tokens, loc, a.logger),
		Trainers: httptransport.NewTrainerHandler(httptransport.TrainerHandlerDeps{
			Availability: a.availability,
			Reservations: a.reservations,
			Feed:         a.exporter,
			Location:     loc,
			Logger:       a.logger,
		}),
		Jobs: httptransport.NewJobHandler(httptransport.JobHandlerDeps{
			Sweeper:         a.reservations,
			Expander:        a.recurrences,
			Reminders:       a.reminders,
			ReminderHorizon: a.cfg.Jobs.ReminderHorizon,
			Now:             a.now,
			Location:        a.cfg.Location(),
			Logger:          a.logger,
		}),
		Metrics: metricsHandler,
		Middleware: []func(http.Handler) http.Handler{
			httptransport.RequestLogger(a.logger),
			httptransport.Recoverer(a.logger),
		},
	})
}

// scheduler registers the periodic batch jobs.
func (a *app) scheduler() (*jobs.Scheduler, error) {
	return jobs.New(jobs.Config{
		AutoCompleteSpec: a.cfg.Jobs.AutoComplete,
		ExpandSpec:       a.cfg.Jobs.Expand,
		ReminderSpec:     a.cfg.Jobs.Reminders,
		PaymentSpec:      a.cfg.Jobs.Payments,
		AgendaSpec:       a.cfg.Jobs.Agenda,
		ReminderHorizon:  a.cfg.Jobs.ReminderHorizon,
		Timeout:          a.cfg.Jobs.Timeout,
		Location:         a.cfg.Location(),
	}, jobs.Deps{
		Sweeper:   a.reservations,
		Expander:  a.recurrences,
		Reminders: a.reminders,
		Payments:  a.reminders,
		Agenda:    a.reminders,
		Now:       a.now,
		Logger:    a.logger,
	})
}

// Close releases resources in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
