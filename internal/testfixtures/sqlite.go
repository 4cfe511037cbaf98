package testfixtures

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/reservation-engine/internal/persistence"
	"github.com/example/reservation-engine/internal/persistence/adapter"
	"github.com/example/reservation-engine/internal/persistence/memory"
	"github.com/example/reservation-engine/internal/persistence/sqlite"
	"github.com/example/reservation-engine/internal/persistence/sqlite/migration"
)

// StorageHarness exposes one storage backend through the persistence
// repository interfaces.
type StorageHarness struct {
	Name           string
	Reservations   persistence.ReservationRepository
	Recurrences    persistence.RecurrenceRepository
	Tokens         persistence.TokenRepository
	BlockedPeriods persistence.BlockedPeriodRepository

	cleanup func()
}

// Close releases resources associated with the harness.
func (h *StorageHarness) Close() {
	if h != nil && h.cleanup != nil {
		h.cleanup()
		h.cleanup = nil
	}
}

// Backend returns the harness repositories for adapter.New.
func (h *StorageHarness) Backend() adapter.Backend {
	return adapter.Backend{
		Reservations:   h.Reservations,
		Recurrences:    h.Recurrences,
		Tokens:         h.Tokens,
		BlockedPeriods: h.BlockedPeriods,
	}
}

// NewMemoryHarness constructs a harness over a fresh in-memory storage.
func NewMemoryHarness(tb testing.TB) *StorageHarness {
	tb.Helper()

	storage := memory.Open()
	harness := &StorageHarness{
		Name:           "memory",
		Reservations:   storage,
		Recurrences:    storage,
		Tokens:         storage,
		BlockedPeriods: storage,
		cleanup: func() {
			_ = storage.Close()
		},
	}
	tb.Cleanup(harness.Close)
	return harness
}

// NewSQLiteHarness constructs a harness using a temporary database file that
// is migrated automatically. The harness registers its own cleanup with tb.
func NewSQLiteHarness(tb testing.TB) *StorageHarness {
	tb.Helper()

	ctx := context.Background()
	config := migration.DefaultSQLiteConfig(filepath.Join(tb.TempDir(), "reservations.db"))
	config.BusyTimeout = 5 * time.Second

	pool, err := sqlite.NewConnectionPool(ctx, config)
	if err != nil {
		tb.Fatalf("failed to open storage: %v", err)
	}

	if _, err := pool.Migrate(ctx, nil); err != nil {
		_ = pool.Close()
		tb.Fatalf("failed to migrate storage: %v", err)
	}

	harness := &StorageHarness{
		Name:           "sqlite",
		Reservations:   sqlite.NewReservationRepository(pool),
		Recurrences:    sqlite.NewRecurrenceRepository(pool),
		Tokens:         sqlite.NewTokenRepository(pool),
		BlockedPeriods: sqlite.NewBlockedPeriodRepository(pool),
		cleanup: func() {
			_ = pool.Close()
		},
	}

	tb.Cleanup(harness.Close)
	return harness
}

// StorageHarnesses returns one harness per storage backend for contract tests.
func StorageHarnesses(tb testing.TB) []*StorageHarness {
	tb.Helper()
	return []*StorageHarness{NewMemoryHarness(tb), NewSQLiteHarness(tb)}
}
