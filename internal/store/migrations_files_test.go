package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func TestMigrationFilesWellFormed(t *testing.T) {
	dir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no migration files found")
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			t.Fatalf("unexpected directory in migrations: %s", entry.Name())
		}
		name := entry.Name()
		if !migrationFile.MatchString(name) {
			t.Errorf("migration %q does not match NNNN_name.up.sql", name)
		}
		names = append(names, name)
	}

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	seen := map[string]bool{}
	for _, name := range sorted {
		prefix := strings.SplitN(name, "_", 2)[0]
		if seen[prefix] {
			t.Errorf("duplicate migration number %s", prefix)
		}
		seen[prefix] = true

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read migration %s: %v", name, err)
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			t.Errorf("migration %s is empty", name)
		}
	}
}
