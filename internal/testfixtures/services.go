package testfixtures

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/reservation-engine/internal/application"
	"github.com/example/reservation-engine/internal/lock"
	"github.com/example/reservation-engine/internal/persistence/adapter"
	"github.com/example/reservation-engine/internal/scheduler"
)

// ServiceFactory assists tests with constructing application services using
// deterministic identifiers and clocks.
type ServiceFactory struct {
	Clock       *Clock
	IDGenerator *IDGenerator
	Policy      scheduler.Policy
	Options     application.ReservationOptions
}

// ServiceFactoryOption configures a ServiceFactory instance.
type ServiceFactoryOption func(*ServiceFactory)

// NewServiceFactory constructs a ServiceFactory with defaults.
func NewServiceFactory(opts ...ServiceFactoryOption) *ServiceFactory {
	factory := &ServiceFactory{
		Clock:       NewClock(time.Time{}),
		IDGenerator: NewIDGenerator("id"),
		Policy:      scheduler.DefaultPolicy(),
		Options:     application.DefaultReservationOptions(),
	}
	for _, opt := range opts {
		opt(factory)
	}
	if factory.Clock == nil {
		factory.Clock = NewClock(time.Time{})
	}
	if factory.IDGenerator == nil {
		factory.IDGenerator = NewIDGenerator("id")
	}
	return factory
}

// WithClock overrides the clock used by the factory.
func WithClock(clock *Clock) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Clock = clock
	}
}

// WithIDGenerator overrides the identifier generator used by the factory.
func WithIDGenerator(generator *IDGenerator) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.IDGenerator = generator
	}
}

// WithPolicy overrides the booking policy.
func WithPolicy(policy scheduler.Policy) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Policy = policy
	}
}

// WithReservationOptions overrides the lifecycle options.
func WithReservationOptions(options application.ReservationOptions) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Options = options
	}
}

// ServiceDeps captures the collaborators shared by the application services.
// Nil collaborators are left unset except Locker, which defaults to an
// in-process keyed mutex.
type ServiceDeps struct {
	Repositories adapter.Repositories
	Locker       application.Locker
	VideoLinks   application.VideoLinkProvider
	Notifier     application.NotificationDispatcher
	Metrics      application.Metrics
	Random       io.Reader
	TokenTTL     time.Duration
	BaseURL      string
	Logger       *slog.Logger
}

// Services is the wired application layer.
type Services struct {
	Repositories adapter.Repositories
	Availability *application.AvailabilityService
	Reservations *application.ReservationService
	Recurrences  *application.RecurrenceService
	Tokens       *application.TokenService
	Reminders    *application.ReminderService
}

// NewServices wires every application service over deps using the factory
// clock and identifiers.
func (f *ServiceFactory) NewServices(deps ServiceDeps) *Services {
	idGen := f.IDGenerator.NextFunc()
	now := f.Clock.NowFunc()
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	repos := deps.Repositories

	availability := application.NewAvailabilityServiceWithLogger(
		repos.Reservations,
		repos.BlockedPeriods,
		f.Policy,
		idGen,
		now,
		deps.Logger,
		deps.Metrics,
	)
	reservations := application.NewReservationService(application.ReservationServiceDeps{
		Reservations: repos.Reservations,
		Availability: availability,
		Locker:       locker,
		VideoLinks:   deps.VideoLinks,
		Notifier:     deps.Notifier,
		Metrics:      deps.Metrics,
		IDGenerator:  idGen,
		Now:          now,
		Logger:       deps.Logger,
		Options:      f.Options,
	})
	recurrences := application.NewRecurrenceService(application.RecurrenceServiceDeps{
		Rules:        repos.Recurrences,
		Reservations: repos.Reservations,
		Lifecycle:    reservations,
		Locker:       locker,
		Metrics:      deps.Metrics,
		IDGenerator:  idGen,
		Now:          now,
		Logger:       deps.Logger,
	})
	tokens := application.NewTokenService(application.TokenServiceDeps{
		Tokens:      repos.Tokens,
		Lifecycle:   reservations,
		TTL:         deps.TokenTTL,
		Random:      deps.Random,
		IDGenerator: idGen,
		Now:         now,
		Logger:      deps.Logger,
	})
	reminders := application.NewReminderService(application.ReminderServiceDeps{
		Lifecycle: reservations,
		Tokens:    tokens,
		BaseURL:   deps.BaseURL,
		Metrics:   deps.Metrics,
		Now:       now,
		Logger:    deps.Logger,
	})

	return &Services{
		Repositories: repos,
		Availability: availability,
		Reservations: reservations,
		Recurrences:  recurrences,
		Tokens:       tokens,
		Reminders:    reminders,
	}
}

// NewHarnessServices wires the services over harness storage. Pending
// notifications are drained when the test finishes.
func (f *ServiceFactory) NewHarnessServices(tb testing.TB, harness *StorageHarness, deps ServiceDeps) *Services {
	tb.Helper()

	deps.Repositories = adapter.New(harness.Backend())
	services := f.NewServices(deps)
	tb.Cleanup(services.Reservations.Drain)
	return services
}
