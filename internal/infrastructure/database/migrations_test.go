package database

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"20261019_000001_zones.up.sql":   {Data: []byte("CREATE TABLE zones (id INTEGER PRIMARY KEY);")},
		"20261019_000001_zones.down.sql": {Data: []byte("DROP TABLE zones;")},
		"20261020_000001_amps.up.sql":    {Data: []byte("CREATE TABLE amps (id TEXT PRIMARY KEY);")},
		"20261020_000001_amps.down.sql":  {Data: []byte("DROP TABLE amps;")},
		"README.md":                      {Data: []byte("ignored")},
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&n)
	if err != nil {
		t.Fatalf("sqlite_master query: %v", err)
	}
	return n == 1
}

func TestMigrate(t *testing.T) {
	db := openMemoryDB(t)
	ctx := context.Background()
	src := testMigrations()

	if err := db.Migrate(ctx, src); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "zones") || !tableExists(t, db, "amps") {
		t.Fatal("migrated tables missing")
	}

	applied, pending, err := db.MigrationStatus(ctx, src)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 0 {
		t.Errorf("applied=%d pending=%d, want 2/0", len(applied), len(pending))
	}
	if applied[0].Version != "20261019_000001" || applied[0].AppliedAt.IsZero() {
		t.Errorf("applied[0] = %+v", applied[0])
	}

	// Idempotent.
	if err := db.Migrate(ctx, src); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
}

func TestMigrate_FailureStopsAtBrokenMigration(t *testing.T) {
	db := openMemoryDB(t)
	ctx := context.Background()
	src := testMigrations()
	src["20261021_000001_broken.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE (")}

	err := db.Migrate(ctx, src)
	if err == nil || !strings.Contains(err.Error(), "20261021_000001") {
		t.Fatalf("Migrate() error = %v, want failure naming the broken version", err)
	}

	applied, pending, err := db.MigrationStatus(ctx, src)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 1 {
		t.Errorf("applied=%d pending=%d, want 2/1", len(applied), len(pending))
	}
}

func TestMigrateDown(t *testing.T) {
	db := openMemoryDB(t)
	ctx := context.Background()
	src := testMigrations()

	if err := db.Migrate(ctx, src); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx, src); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}

	if tableExists(t, db, "amps") {
		t.Error("latest migration not rolled back")
	}
	if !tableExists(t, db, "zones") {
		t.Error("earlier migration rolled back too")
	}

	_, pending, err := db.MigrationStatus(ctx, src)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Name != "amps" {
		t.Errorf("pending = %+v, want [amps]", pending)
	}
}

func TestMigrateDown_NothingApplied(t *testing.T) {
	db := openMemoryDB(t)
	ctx := context.Background()

	if err := db.createMigrationsTable(ctx); err != nil {
		t.Fatal(err)
	}
	if err := db.MigrateDown(ctx, testMigrations()); err != nil {
		t.Errorf("MigrateDown() error = %v", err)
	}
}

func TestLoadMigrations(t *testing.T) {
	t.Run("sorted and paired", func(t *testing.T) {
		got, err := LoadMigrations(testMigrations())
		if err != nil {
			t.Fatalf("LoadMigrations() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len = %d, want 2", len(got))
		}
		if got[0].Name != "zones" || got[1].Name != "amps" {
			t.Errorf("order = %s, %s", got[0].Name, got[1].Name)
		}
		if got[0].DownSQL == "" {
			t.Error("down SQL not paired")
		}
	})

	t.Run("down without up", func(t *testing.T) {
		src := fstest.MapFS{"20261019_000001_x.down.sql": {Data: []byte("DROP TABLE x;")}}
		if _, err := LoadMigrations(src); err == nil {
			t.Error("expected error for orphan down migration")
		}
	})

	t.Run("nil source", func(t *testing.T) {
		got, err := LoadMigrations(nil)
		if err != nil || got != nil {
			t.Errorf("LoadMigrations(nil) = %v, %v", got, err)
		}
	})
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		file    string
		version string
		name    string
		up      bool
		ok      bool
	}{
		{"20261019_000001_command_audit.up.sql", "20261019_000001", "command_audit", true, true},
		{"20261019_000001_command_audit.down.sql", "20261019_000001", "command_audit", false, true},
		{"20261019_000002.up.sql", "20261019_000002", "20261019_000002", true, true},
		{"20261019_000001_x.sql", "", "", false, false},
		{"2026_000001_x.up.sql", "", "", false, false},
		{"notes.txt", "", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			version, name, up, ok := parseMigrationFilename(tt.file)
			if version != tt.version || name != tt.name || up != tt.up || ok != tt.ok {
				t.Errorf("parseMigrationFilename(%q) = %q, %q, %v, %v", tt.file, version, name, up, ok)
			}
		})
	}
}
