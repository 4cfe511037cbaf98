package migration

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
)

// Manager orchestrates scanning and applying pending migrations.
type Manager struct {
	scanner  *Scanner
	executor *SQLiteExecutor
	logger   *slog.Logger
	verify   bool
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithChecksumVerification rejects runs in which an applied file changed on disk.
func WithChecksumVerification() ManagerOption {
	return func(m *Manager) { m.verify = true }
}

// NewManager creates a Manager. A nil logger discards output.
func NewManager(scanner *Scanner, executor *SQLiteExecutor, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{scanner: scanner, executor: executor, logger: logger.With("component", "migration")}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run applies every pending migration in version order and returns the number applied.
func (m *Manager) Run(ctx context.Context) (int, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return 0, err
	}

	if len(status.Pending) == 0 {
		m.logger.InfoContext(ctx, "schema up to date", "version", status.CurrentVersion)
		return 0, nil
	}

	m.logger.InfoContext(ctx, "applying migrations",
		"current_version", status.CurrentVersion,
		"pending", len(status.Pending),
	)

	for i, migration := range status.Pending {
		if err := m.executor.Apply(ctx, migration); err != nil {
			m.logger.ErrorContext(ctx, "migration failed",
				"version", migration.Version,
				"file", migration.FilePath,
				"error", err,
			)
			return i, err
		}
		m.logger.InfoContext(ctx, "migration applied",
			"version", migration.Version,
			"description", migration.Description,
		)
	}

	return len(status.Pending), nil
}

// Status compares the scanned files with the versions recorded in the database.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	if err := m.executor.InitializeVersionTable(ctx); err != nil {
		return nil, err
	}

	migrations, err := m.scanner.Scan()
	if err != nil {
		return nil, err
	}

	applied, err := m.executor.Applied(ctx)
	if err != nil {
		return nil, err
	}

	appliedByVersion := make(map[int]AppliedMigration, len(applied))
	for _, record := range applied {
		number, err := strconv.Atoi(record.Version)
		if err != nil {
			return nil, fmt.Errorf("schema_migrations holds non-numeric version %q", record.Version)
		}
		appliedByVersion[number] = record
	}

	status := &Status{Applied: applied}
	if len(applied) > 0 {
		status.CurrentVersion = applied[len(applied)-1].Version
	}

	for _, migration := range migrations {
		number, _ := strconv.Atoi(migration.Version)
		record, ok := appliedByVersion[number]
		if !ok {
			status.Pending = append(status.Pending, migration)
			continue
		}
		if m.verify && record.Checksum != "" && record.Checksum != migration.Checksum {
			return nil, NewMigrationError(migration.Version, migration.FilePath, "verify checksum", ErrChecksumMismatch)
		}
	}

	return status, nil
}
