package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nMCTL_TEST_KEY=from-file\nMCTL_TEST_SET=ignored\n\nBROKENLINE\n=novalue\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("MCTL_TEST_SET", "from-env")
	t.Setenv("MCTL_TEST_KEY", "")
	os.Unsetenv("MCTL_TEST_KEY")

	loadDotEnv(path)

	if got := os.Getenv("MCTL_TEST_KEY"); got != "from-file" {
		t.Errorf("MCTL_TEST_KEY = %q", got)
	}
	// Existing environment wins over the file.
	if got := os.Getenv("MCTL_TEST_SET"); got != "from-env" {
		t.Errorf("MCTL_TEST_SET = %q", got)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	// Must be a no-op, not a crash.
	loadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
}
