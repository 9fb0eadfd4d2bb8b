package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"WEBPILOT_CONFIG",
		"BROWSER_CANDIDATES",
		"BROWSER_PROBE_TIMEOUT",
		"BROWSER_RETRIES",
		"BROWSER_HEALTH_TIMEOUT",
		"BROWSER_GRANTED_PERMISSIONS",
		"BROWSER_START_URL",
		"AGENT_MAX_STEPS",
		"AGENT_STEP_TIMEOUT",
		"REASONING_MODE",
		"REASONING_BASE_URL",
		"REASONING_MODEL",
		"REASONING_TIMEOUT",
		"OPENAI_API_KEY",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.MetricsNamespace != "webpilot" {
		t.Fatalf("MetricsNamespace = %q, want webpilot", cfg.MetricsNamespace)
	}
	if cfg.MaxSteps != 8 {
		t.Fatalf("MaxSteps = %d, want 8", cfg.MaxSteps)
	}
	if cfg.ReasoningMode != "auto" {
		t.Fatalf("ReasoningMode = %q, want auto", cfg.ReasoningMode)
	}
	if len(cfg.BrowserCandidates) != 0 {
		t.Fatalf("BrowserCandidates = %v, want empty (resolver applies its own defaults)", cfg.BrowserCandidates)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("BROWSER_CANDIDATES", "http://one:9222, http://two:9222 ,")
	t.Setenv("AGENT_MAX_STEPS", "3")
	t.Setenv("AGENT_STEP_TIMEOUT", "45s")
	t.Setenv("BROWSER_GRANTED_PERMISSIONS", "clipboard-read,geolocation")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want :9090", cfg.BindAddr)
	}
	if len(cfg.BrowserCandidates) != 2 || cfg.BrowserCandidates[1] != "http://two:9222" {
		t.Fatalf("BrowserCandidates = %v", cfg.BrowserCandidates)
	}
	if cfg.MaxSteps != 3 {
		t.Fatalf("MaxSteps = %d, want 3", cfg.MaxSteps)
	}
	if cfg.StepTimeout != 45*time.Second {
		t.Fatalf("StepTimeout = %v, want 45s", cfg.StepTimeout)
	}
	if len(cfg.GrantedPermissions) != 2 {
		t.Fatalf("GrantedPermissions = %v", cfg.GrantedPermissions)
	}
}

func TestLoadYAMLFileWithEnvPrecedence(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "webpilot.yaml")
	data := []byte("bind_addr: \":7070\"\nmax_steps: 4\nstart_url: \"https://start.example\"\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("WEBPILOT_CONFIG", path)
	t.Setenv("BROWSER_START_URL", "https://env.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7070" {
		t.Fatalf("BindAddr = %q, want file value :7070", cfg.BindAddr)
	}
	if cfg.MaxSteps != 4 {
		t.Fatalf("MaxSteps = %d, want file value 4", cfg.MaxSteps)
	}
	if cfg.StartURL != "https://env.example" {
		t.Fatalf("StartURL = %q, want env to win over file", cfg.StartURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AGENT_MAX_STEPS", "zero")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() with bad AGENT_MAX_STEPS: expected error")
	}

	setCoreEnvEmpty(t)
	t.Setenv("AGENT_STEP_TIMEOUT", "10ms")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() with sub-second step timeout: expected error")
	}

	setCoreEnvEmpty(t)
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "maybe")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() with bad bool: expected error")
	}
}
