// Package migration applies versioned SQL schema files to a database.
//
// Migration files follow the naming convention {version}_{description}.sql
// (e.g. "001_directory.sql") and are read from an fs.FS, usually an embedded
// directory per SQL dialect. Applied versions are tracked in the
// schema_migrations table together with the file checksum so edits to an
// already applied file are detected.
//
// Example usage:
//
//	manager := migration.NewManager(migration.NewScanner(files), migration.NewExecutor(db), logger)
//	if err := manager.RunMigrations(ctx); err != nil {
//		return err
//	}
package migration
