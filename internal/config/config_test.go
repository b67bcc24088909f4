package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "METRICS_PORT", "MAX_CLIENTS_PER_ROOM", "MAX_CONNECTIONS_PER_IP_PER_ROOM",
		"WEBSOCKET_PING_INTERVAL", "CLEANUP_INTERVAL", "GRACE_PERIOD_MS", "API_BASE_URL",
		"LOG_LEVEL", "ENABLE_CODE_EDITOR_FEATURES", "NODE_ENV",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadAppliesBuiltinDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 1234 || cfg.MaxClientsPerRoom != 50 || cfg.GracePeriodMs != 120000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestEnvOverridesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "5000")
	t.Setenv("MAX_CLIENTS_PER_ROOM", "5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 5000 || cfg.MaxClientsPerRoom != 5 {
		t.Fatalf("expected env overrides applied, got %+v", cfg)
	}
}

func TestYAMLFileOverridesDefaultsButNotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte("port: 7000\nmax_clients_per_room: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MAX_CLIENTS_PER_ROOM", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 7000 {
		t.Fatalf("expected file value for port, got %d", cfg.Port)
	}
	if cfg.MaxClientsPerRoom != 3 {
		t.Fatalf("expected env to override file value, got %d", cfg.MaxClientsPerRoom)
	}
}

func TestMissingYAMLFileIsNotAnError(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("expected missing file to be tolerated, got %v", err)
	}
}

func TestValidatePortRange(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "70000")
	if _, err := Load(""); err == nil {
		t.Fatal("expected out-of-range port to fail validation")
	}
}

func TestValidateMinimums(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_CLIENTS_PER_ROOM", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected MAX_CLIENTS_PER_ROOM=0 to fail validation")
	}
	clearEnv(t)
	t.Setenv("WEBSOCKET_PING_INTERVAL", "500")
	if _, err := Load(""); err == nil {
		t.Fatal("expected ping interval below 1000ms to fail validation")
	}
	clearEnv(t)
	t.Setenv("GRACE_PERIOD_MS", "1000")
	if _, err := Load(""); err == nil {
		t.Fatal("expected grace period below 5000ms to fail validation")
	}
}

func TestValidateAPIBaseURLRequiredWhenCodeEditorEnabled(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENABLE_CODE_EDITOR_FEATURES", "true")
	t.Setenv("API_BASE_URL", "not a url")
	if _, err := Load(""); err == nil {
		t.Fatal("expected invalid API_BASE_URL to fail validation when code-editor features are enabled")
	}
}

func TestValidateAPIBaseURLIgnoredWhenCodeEditorDisabled(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENABLE_CODE_EDITOR_FEATURES", "false")
	t.Setenv("API_BASE_URL", "not a url")
	if _, err := Load(""); err != nil {
		t.Fatalf("expected invalid API_BASE_URL to be tolerated when code-editor features are disabled, got %v", err)
	}
}
