package sqlitemigrate

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return n
}

func TestApplyRunsFilesInOrderOnce(t *testing.T) {
	db := openTestDB(t)
	migrations := fstest.MapFS{
		"migrations/002_index.sql": {Data: []byte("-- +migrate Up\nCREATE INDEX idx_items_name ON items(name);\n-- +migrate Down\nDROP INDEX idx_items_name;")},
		"migrations/001_items.sql": {Data: []byte("-- +migrate Up\nCREATE TABLE items(id TEXT PRIMARY KEY, name TEXT);")},
		"migrations/README.md":     {Data: []byte("ignored")},
	}

	applied, err := Apply(context.Background(), db, migrations, "migrations")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := []string{"migrations/001_items.sql", "migrations/002_index.sql"}
	if strings.Join(applied, ",") != strings.Join(want, ",") {
		t.Fatalf("applied = %v, want %v", applied, want)
	}

	again, err := Apply(context.Background(), db, migrations, "migrations")
	if err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no migrations on second run, got %v", again)
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM schema_migrations"); n != 2 {
		t.Fatalf("expected 2 recorded migrations, got %d", n)
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_items_name'"); n != 1 {
		t.Fatalf("expected index to exist")
	}
}

func TestApplyToleratesExistingObjects(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec("CREATE TABLE items(id TEXT PRIMARY KEY)"); err != nil {
		t.Fatalf("seed table: %v", err)
	}
	migrations := fstest.MapFS{
		"001_items.sql": {Data: []byte("CREATE TABLE items(id TEXT PRIMARY KEY);")},
	}
	if err := ApplyMigrations(db, migrations, ""); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM schema_migrations WHERE name = ?", "001_items.sql"); n != 1 {
		t.Fatalf("expected migration recorded, got %d", n)
	}
}

func TestApplyFailureIsNotRecorded(t *testing.T) {
	db := openTestDB(t)
	migrations := fstest.MapFS{
		"001_bad.sql": {Data: []byte("CREATE TABLE broken(")},
	}
	if _, err := Apply(context.Background(), db, migrations, "."); err == nil {
		t.Fatal("expected syntax error")
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM schema_migrations"); n != 0 {
		t.Fatalf("expected no recorded migrations, got %d", n)
	}
}

func TestApplyRequiresDB(t *testing.T) {
	if _, err := Apply(context.Background(), nil, fstest.MapFS{}, ""); err == nil {
		t.Fatal("expected nil db error")
	}
}

func TestExtractUpMigration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"no markers", "CREATE TABLE a(x);", "CREATE TABLE a(x);"},
		{"up only", "-- +migrate Up\nCREATE TABLE a(x);", "\nCREATE TABLE a(x);"},
		{"up and down", "-- +migrate Up\nA;\n-- +migrate Down\nB;", "\nA;\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractUpMigration(tt.content); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsAlreadyExistsError(t *testing.T) {
	if IsAlreadyExistsError(nil) {
		t.Fatal("nil should not match")
	}
	if !IsAlreadyExistsError(errors.New("table items already exists")) {
		t.Fatal("expected already exists match")
	}
	if !IsAlreadyExistsError(errors.New("duplicate column name: x")) {
		t.Fatal("expected duplicate column match")
	}
	if IsAlreadyExistsError(errors.New("no such table")) {
		t.Fatal("unexpected match")
	}
}
