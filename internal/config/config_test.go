package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWithEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	want := Defaults()
	if *cfg != *want {
		t.Fatalf("Load(\"\") = %+v, want %+v", cfg, want)
	}
}

func TestLoadOverridesDefaultsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eamsa512.yaml")
	contents := "backend: sqlite\ndb_path: /tmp/wallet.db\nhw_secret_env: WALLET_HW_SECRET\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != "sqlite" {
		t.Errorf("Backend = %q, want sqlite", cfg.Backend)
	}
	if cfg.DBPath != "/tmp/wallet.db" {
		t.Errorf("DBPath = %q, want /tmp/wallet.db", cfg.DBPath)
	}
	if cfg.HWSecretEnv != "WALLET_HW_SECRET" {
		t.Errorf("HWSecretEnv = %q, want WALLET_HW_SECRET", cfg.HWSecretEnv)
	}
}
