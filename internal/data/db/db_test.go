package db

import (
	"path/filepath"
	"testing"
)

func TestDialectorFor(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		url    string
		driver string
	}{
		{"sqlite://:memory:", "sqlite"},
		{"sqlite:///" + filepath.Join(dir, "a", "hub.sqlite"), "sqlite"},
		{"postgres://u:p@localhost:5432/hub?sslmode=disable", "postgres"},
	}
	for _, tc := range cases {
		d, err := dialectorFor(tc.url)
		if err != nil {
			t.Fatalf("%s: %v", tc.url, err)
		}
		if d.Name() != tc.driver {
			t.Fatalf("%s: driver=%s want %s", tc.url, d.Name(), tc.driver)
		}
	}
	if _, err := dialectorFor("mysql://x"); err == nil {
		t.Fatalf("expected unsupported url error")
	}
	if _, err := dialectorFor("sqlite://"); err == nil {
		t.Fatalf("expected empty sqlite path error")
	}
}

func TestOpenAndMigrateSQLite(t *testing.T) {
	url := "sqlite:///" + filepath.Join(t.TempDir(), "hub.sqlite")
	gdb, err := Open(url, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := AutoMigrateAll(gdb); err != nil {
		t.Fatalf("AutoMigrateAll: %v", err)
	}
	// idempotent
	if err := AutoMigrateAll(gdb); err != nil {
		t.Fatalf("AutoMigrateAll (again): %v", err)
	}
}
