package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := Defaults()
	if cfg.StoreRoot != want.StoreRoot || cfg.DefaultShell != want.DefaultShell || cfg.MarkerGID != want.MarkerGID {
		t.Errorf("Load(missing) = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadOverlaysJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxctl.json")

	contents := `{
		// operator override
		"storeRoot": "/srv/sandboxes",
		"forks": 5,
	}`

	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.StoreRoot != "/srv/sandboxes" {
		t.Errorf("StoreRoot = %q, want /srv/sandboxes", cfg.StoreRoot)
	}

	if cfg.Forks != 5 {
		t.Errorf("Forks = %d, want 5", cfg.Forks)
	}

	if cfg.DefaultShell != Defaults().DefaultShell {
		t.Errorf("DefaultShell = %q, want unchanged default %q", cfg.DefaultShell, Defaults().DefaultShell)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxctl.json")

	if err := os.WriteFile(path, []byte(`{"bogusField": true}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown config field")
	}
}
