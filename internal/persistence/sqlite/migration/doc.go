// Package migration applies versioned SQL schema changes to a SQLite database.
//
// Migration files are read from an fs.FS (normally an embedded directory) and
// must be named {version}_{description}.sql, e.g. "001_initial_schema.sql".
// Applied versions are tracked in the schema_migrations table so each file
// runs at most once, inside its own transaction.
//
// Example usage:
//
//	manager := migration.NewManager(migration.NewFileScanner(files, "migrations"), migration.NewSQLiteExecutor(db), logger)
//	if err := manager.RunMigrations(ctx); err != nil {
//		return err
//	}
package migration
