// Package database provides SQLite database connectivity for graycomms.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Read-only connections for CLI inspection
//   - Schema migrations (additive-only)
//   - STRICT mode enforcement for type safety
//
// Security Considerations:
//   - All queries use parameterised statements (no SQL injection)
//   - Database file permissions are set to 0600 (owner read/write only)
//   - Device credentials (SSH passwords) are stored in the transport JSON;
//     protect the file accordingly
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration Strategy:
//
// Migrations are additive-only to support safe rollbacks:
//   - New columns must be NULLABLE or have DEFAULT values
//   - Never DROP or RENAME columns in an up migration
//   - Each migration file has both .up.sql and .down.sql
package database
