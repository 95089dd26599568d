package config

import (
	"os"
	"path/filepath"
	"testing"
)

func loadFromDir(t *testing.T, dir, contents string) Config {
	t.Helper()
	t.Setenv("MCTL_HOME", dir)
	if contents != "" {
		if err := os.WriteFile(ConfigPath(dir), []byte(contents), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadFromDir(t, t.TempDir(), "")
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Errorf("bind_addr = %s", cfg.BindAddr)
	}
	if cfg.ApprovalTTLMinutes != 15 {
		t.Errorf("approval_ttl_minutes = %d, want 15", cfg.ApprovalTTLMinutes)
	}
	if cfg.Loops.CommentStormLimit != 20 || cfg.Loops.FailureStreakLimit != 5 {
		t.Errorf("loop defaults = %+v", cfg.Loops)
	}
	if cfg.Sweep.ApprovalExpiry != "*/15 * * * *" {
		t.Errorf("sweep default = %s", cfg.Sweep.ApprovalExpiry)
	}
	if cfg.DBPath != filepath.Join(cfg.HomeDir, "mctl.db") {
		t.Errorf("db_path = %s", cfg.DBPath)
	}
}

func TestLoadFileAndNormalize(t *testing.T) {
	cfg := loadFromDir(t, t.TempDir(), `
bind_addr: "0.0.0.0:9999"
approval_ttl_minutes: -5
loops:
  comment_storm_limit: 7
`)
	if cfg.BindAddr != "0.0.0.0:9999" {
		t.Errorf("bind_addr = %s", cfg.BindAddr)
	}
	if cfg.ApprovalTTLMinutes != 15 {
		t.Errorf("negative TTL should normalize to default, got %d", cfg.ApprovalTTLMinutes)
	}
	if cfg.Loops.CommentStormLimit != 7 {
		t.Errorf("comment_storm_limit = %d, want 7", cfg.Loops.CommentStormLimit)
	}
	if cfg.Loops.ReviewLoopLimit != 3 {
		t.Errorf("unset loop field should default, got %d", cfg.Loops.ReviewLoopLimit)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MCTL_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("MCTL_APPROVAL_TTL_MINUTES", "30")
	cfg := loadFromDir(t, dir, "bind_addr: \"127.0.0.1:1111\"\n")
	if cfg.BindAddr != "127.0.0.1:7777" {
		t.Errorf("env should beat file: %s", cfg.BindAddr)
	}
	if cfg.ApprovalTTLMinutes != 30 {
		t.Errorf("approval_ttl_minutes = %d, want 30", cfg.ApprovalTTLMinutes)
	}
}

func TestFingerprintChangesWithConfig(t *testing.T) {
	a := loadFromDir(t, t.TempDir(), "")
	b := loadFromDir(t, t.TempDir(), "bind_addr: \"0.0.0.0:1234\"\n")
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("different configs should fingerprint differently")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Error("fingerprint should be stable")
	}
}
