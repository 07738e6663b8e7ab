package db

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestDiscoverMigrations(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"0002_parsed_hits.sql",
		"0001_raw_hits.sql",
		"0010_later.sql",
		"notes.txt",
		"README.sql.bak",
		"no-version.sql",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := discoverMigrations(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("discoverMigrations: %v", err)
	}

	want := []migrationFile{
		{version: 1, name: "0001_raw_hits.sql"},
		{version: 2, name: "0002_parsed_hits.sql"},
		{version: 10, name: "0010_later.sql"},
	}
	if len(files) != len(want) {
		t.Fatalf("got %d migrations %v, want %d", len(files), files, len(want))
	}
	for i, w := range want {
		if files[i] != w {
			t.Errorf("migration %d = %+v, want %+v", i, files[i], w)
		}
	}
}

func TestDiscoverMigrationsMissingDir(t *testing.T) {
	if _, err := discoverMigrations(filepath.Join(t.TempDir(), "absent"), zap.NewNop()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
