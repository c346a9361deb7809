// Package database opens the SQLite file that holds the bridge's command
// audit log and applies its schema migrations.
//
// The connection pool is pinned to a single connection. WAL mode is used for
// on-disk databases when enabled; MemoryPath gives a throwaway database for
// tests. Migrations are read from any fs.FS, normally the embedded
// migrations.FS.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
