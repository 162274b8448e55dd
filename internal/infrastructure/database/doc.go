// Package database provides SQLite connectivity for the pool bridge.
//
// The database holds the command audit log. This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Additive-only schema migrations read from an fs.FS
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS, "."); err != nil {
//	    log.Fatal(err)
//	}
package database
