// Package database provides SQLite persistence for the Sound + Light daemon.
//
// This package manages:
//   - Opening and configuring the SQLite database (WAL mode, busy timeout)
//   - Idempotent schema bootstrap at startup
//   - Connection lifecycle and health checks
//
// The daemon persists very little: the most recently rotated refresh token
// (so a restart does not force a fresh password login, which may trigger an
// MFA challenge) and the per-device colour memory used to restore colour
// context after a "no colour" command.
//
// # Usage
//
//	db, err := database.Open(database.Config{
//	    Path:        cfg.Database.Path,
//	    WALMode:     cfg.Database.WALMode,
//	    BusyTimeout: cfg.Database.BusyTimeout,
//	})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
// # Thread Safety
//
// The underlying sql.DB is safe for concurrent use. The pool is limited to a
// single open connection because SQLite supports only one writer.
package database
