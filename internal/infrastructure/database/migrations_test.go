package database

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/nerrad567/gray-logic-comms/migrations"
)

// testMigrations is a two-step schema used by the migration tests.
func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"20260118_120000_create_users.up.sql": {
			Data: []byte("CREATE TABLE test_users (id TEXT PRIMARY KEY) STRICT;"),
		},
		"20260118_120000_create_users.down.sql": {
			Data: []byte("DROP TABLE test_users;"),
		},
		"20260119_080000_add_email.up.sql": {
			Data: []byte("ALTER TABLE test_users ADD COLUMN email TEXT;"),
		},
		"20260119_080000_add_email.down.sql": {
			Data: []byte("ALTER TABLE test_users DROP COLUMN email;"),
		},
		"README.md": {Data: []byte("ignored")},
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var count int
	err := db.DB.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&count)
	if err != nil {
		t.Fatalf("query error: %v", err)
	}
	return count == 1
}

// TestMigrate verifies migration application.
func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := db.Migrate(ctx, testMigrations())
	if err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Migrate() applied %d, want 2", n)
	}
	if !tableExists(t, db, "test_users") {
		t.Fatal("table test_users not created")
	}

	version, err := db.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if version != "20260119_080000" {
		t.Errorf("SchemaVersion() = %q", version)
	}

	// Running again should be idempotent
	n, err = db.Migrate(ctx, testMigrations())
	if err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	if n != 0 {
		t.Errorf("second Migrate() applied %d, want 0", n)
	}
}

// TestMigrate_FailureStopsAtBrokenMigration verifies per-migration atomicity.
func TestMigrate_FailureStopsAtBrokenMigration(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	fsys := testMigrations()
	fsys["20260119_080000_add_email.up.sql"] = &fstest.MapFile{Data: []byte("ALTER TABLE missing ADD COLUMN x TEXT;")}

	n, err := db.Migrate(context.Background(), fsys)
	if err == nil {
		t.Fatal("Migrate() should fail on broken migration")
	}
	if n != 1 {
		t.Errorf("applied %d before failure, want 1", n)
	}

	applied, pending, err := db.GetMigrationStatus(context.Background(), fsys)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 1 || len(pending) != 1 {
		t.Errorf("applied=%d pending=%d, want 1 and 1", len(applied), len(pending))
	}
}

// TestMigrateDown verifies migration rollback.
func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	fsys := testMigrations()

	if _, err := db.Migrate(ctx, fsys); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	// Two rollbacks undo both steps.
	for i := 0; i < 2; i++ {
		if err := db.MigrateDown(ctx, fsys); err != nil {
			t.Fatalf("MigrateDown() #%d error = %v", i+1, err)
		}
	}
	if tableExists(t, db, "test_users") {
		t.Error("table test_users should have been dropped")
	}

	applied, _, err := db.GetMigrationStatus(ctx, fsys)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected 0 applied migrations after rollback, got %d", len(applied))
	}

	// Nothing left to roll back.
	if err := db.MigrateDown(ctx, fsys); err != nil {
		t.Errorf("MigrateDown() on empty history error = %v", err)
	}
}

// TestMigrateDown_Missing verifies rollback of a version fsys does not know.
func TestMigrateDown_Missing(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if _, err := db.Migrate(ctx, testMigrations()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	err := db.MigrateDown(ctx, fstest.MapFS{})
	if !errors.Is(err, ErrMigrationMissing) {
		t.Errorf("MigrateDown() error = %v, want ErrMigrationMissing", err)
	}
}

// TestMigrateNoMigrations verifies behaviour with no migrations.
func TestMigrateNoMigrations(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()

	if n, err := db.Migrate(ctx, nil); err != nil || n != 0 {
		t.Fatalf("Migrate(nil) = %d, %v", n, err)
	}
	if n, err := db.Migrate(ctx, fstest.MapFS{}); err != nil || n != 0 {
		t.Fatalf("Migrate(empty) = %d, %v", n, err)
	}

	version, err := db.SchemaVersion(ctx)
	if err != nil || version != "" {
		t.Errorf("SchemaVersion() = %q, %v; want empty", version, err)
	}
}

// TestSchemaVersion_NoTable verifies a fresh database reports no version.
func TestSchemaVersion_NoTable(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	version, err := db.SchemaVersion(context.Background())
	if err != nil || version != "" {
		t.Errorf("SchemaVersion() = %q, %v; want empty", version, err)
	}
}

// TestGetMigrationStatus verifies status reporting.
func TestGetMigrationStatus(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	applied, pending, err := db.GetMigrationStatus(context.Background(), testMigrations())
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected 0 applied, got %d", len(applied))
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].Name != "create_users" || pending[1].Name != "add_email" {
		t.Errorf("pending order = %s, %s", pending[0].Name, pending[1].Name)
	}
	if pending[0].DownSQL == "" {
		t.Error("down SQL not loaded")
	}
}

// TestEmbeddedMigrations applies the shipped schema.
func TestEmbeddedMigrations(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "devices") {
		t.Fatal("devices table not created")
	}
	if err := db.MigrateDown(ctx, migrations.FS); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "devices") {
		t.Error("devices table should have been dropped")
	}
}

// TestParseMigrationFilename verifies filename parsing.
func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		wantVersion string
		wantIsUp    bool
		wantOk      bool
	}{
		{
			name:        "valid up migration",
			filename:    "20260118_120000_create_users.up.sql",
			wantVersion: "20260118_120000",
			wantIsUp:    true,
			wantOk:      true,
		},
		{
			name:        "valid down migration",
			filename:    "20260118_120000_create_users.down.sql",
			wantVersion: "20260118_120000",
			wantIsUp:    false,
			wantOk:      true,
		},
		{
			name:     "not sql file",
			filename: "readme.txt",
			wantOk:   false,
		},
		{
			name:     "missing direction",
			filename: "20260118_120000_create_users.sql",
			wantOk:   false,
		},
		{
			name:     "invalid format",
			filename: "invalid.up.sql",
			wantOk:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, isUp, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOk {
				t.Errorf("ok = %v, want %v", ok, tt.wantOk)
			}
			if ok {
				if version != tt.wantVersion {
					t.Errorf("version = %v, want %v", version, tt.wantVersion)
				}
				if isUp != tt.wantIsUp {
					t.Errorf("isUp = %v, want %v", isUp, tt.wantIsUp)
				}
			}
		})
	}
}

// TestExtractMigrationName verifies name extraction.
func TestExtractMigrationName(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"20260118_120000_create_users.up.sql", "create_users"},
		{"20260118_120000_initial_schema.down.sql", "initial_schema"},
		{"20260118_120000_add_email_to_users.up.sql", "add_email_to_users"},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got := extractMigrationName(tt.filename)
			if got != tt.want {
				t.Errorf("extractMigrationName(%q) = %q, want %q", tt.filename, got, tt.want)
			}
		})
	}
}
