// Package migration applies versioned SQL schema changes to SQLite databases.
//
// Migration files follow the naming convention {version}_{description}.sql
// (e.g. "001_reservations.sql") and are read from an fs.FS, which lets the
// binary ship its schema through embed. Applied versions are tracked in the
// schema_migrations table so each file runs exactly once.
//
// Example usage:
//
//	manager := migration.NewManager(migration.NewScanner(schema.Files, "."), migration.NewSQLiteExecutor(db), logger)
//	if err := manager.Run(ctx); err != nil {
//		return err
//	}
package migration
