package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrations, err := DiscoverMigrations(filepath.Join("..", "..", "db", "migrations"))
	if err != nil {
		t.Fatalf("discover migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no migrations discovered")
	}
	for _, m := range migrations {
		if m.Up == "" || m.Down == "" {
			t.Fatalf("version %s must include both up and down files", m.Version)
		}
	}
}

func TestDiscoverMigrationsRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0001_a.up.sql", "0001_b.up.sql", "0001_a.down.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if _, err := DiscoverMigrations(dir); err == nil {
		t.Fatal("expected duplicate up migration to be rejected")
	}
}

func TestDiscoverMigrationsOrdersByVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0002_b.down.sql", "0001_a.up.sql", "0001_a.down.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	migrations, err := DiscoverMigrations(dir)
	if err != nil {
		t.Fatalf("discover migrations: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Version != "0001" || migrations[1].Version != "0002" {
		t.Fatalf("unexpected migrations %+v", migrations)
	}
}

func TestParseNodeID(t *testing.T) {
	cases := map[string]bool{"5": true, " 42 ": true, "0": false, "-3": false, "abc": false, "": false}
	for input, ok := range cases {
		_, err := ParseNodeID(input)
		if ok && err != nil {
			t.Fatalf("ParseNodeID(%q) failed: %v", input, err)
		}
		if !ok && err == nil {
			t.Fatalf("ParseNodeID(%q) should fail", input)
		}
	}
}
