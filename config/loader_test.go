package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoader_Layers(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	work := filepath.Join(project, "sub", "dir")
	if err := os.MkdirAll(work, 0755); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HOME", home)
	t.Chdir(work)

	writeFile(t, filepath.Join(home, UserConfigDir, UserConfigFile), `
api:
  base_url: https://user.example.com
stream:
  transport: websocket
mission:
  max_revisions: 5
`)
	writeFile(t, filepath.Join(project, ProjectConfigFile), `
api:
  base_url: https://project.example.com
log:
  level: debug
`)
	writeFile(t, filepath.Join(work, EnvFile), "SEMMISSION_API_TOKEN=from-dotenv\nSEMMISSION_MAX_ROUNDS=4\nSEMMISSION_LOG_LEVEL=error\n")

	t.Setenv("SEMMISSION_LOG_LEVEL", "warn")
	t.Setenv("SEMMISSION_IDLE_TIMEOUT", "90s")
	// godotenv sets these for the rest of the process; restore on cleanup.
	t.Setenv("SEMMISSION_API_TOKEN", "")
	t.Setenv("SEMMISSION_MAX_ROUNDS", "")
	os.Unsetenv("SEMMISSION_API_TOKEN")
	os.Unsetenv("SEMMISSION_MAX_ROUNDS")

	cfg, err := NewLoader(nil).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.BaseURL != "https://project.example.com" {
		t.Errorf("project config should win over user config, got %s", cfg.API.BaseURL)
	}
	if cfg.Stream.Transport != TransportWebSocket {
		t.Errorf("user setting absent from project config should survive, got %s", cfg.Stream.Transport)
	}
	if cfg.Mission.MaxRevisions != 5 {
		t.Errorf("expected 5 revisions from user config, got %d", cfg.Mission.MaxRevisions)
	}
	if cfg.API.Token != "from-dotenv" {
		t.Errorf("expected token from .env, got %q", cfg.API.Token)
	}
	if cfg.Mission.MaxRounds != 4 {
		t.Errorf("expected 4 rounds from .env, got %d", cfg.Mission.MaxRounds)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("environment should win over .env, got %s", cfg.Log.Level)
	}
	if cfg.Stream.IdleTimeout != 90*time.Second {
		t.Errorf("expected idle timeout from environment, got %v", cfg.Stream.IdleTimeout)
	}
}

func TestLoader_InvalidEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	t.Setenv("SEMMISSION_MAX_REVISIONS", "lots")

	if _, err := NewLoader(nil).Load(); err == nil {
		t.Error("expected error for non-numeric SEMMISSION_MAX_REVISIONS")
	}
}

func TestLoader_EnsureUserConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	l := NewLoader(nil)
	if err := l.EnsureUserConfig(); err != nil {
		t.Fatalf("EnsureUserConfig() error = %v", err)
	}
	path := filepath.Join(home, UserConfigDir, UserConfigFile)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Stream.Transport != TransportSSE {
		t.Errorf("expected default transport, got %s", cfg.Stream.Transport)
	}

	writeFile(t, path, "log:\n  level: debug\n")
	if err := l.EnsureUserConfig(); err != nil {
		t.Fatalf("EnsureUserConfig() error = %v", err)
	}
	cfg, _ = LoadFromFile(path)
	if cfg.Log.Level != "debug" {
		t.Error("existing user config was overwritten")
	}
}
