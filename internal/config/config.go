package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the browser agent service.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`

	BrowserCandidates  []string      `yaml:"browser_candidates"`
	BrowserProbeTime   time.Duration `yaml:"browser_probe_timeout"`
	BrowserRetries     int           `yaml:"browser_retries"`
	BrowserHealthTime  time.Duration `yaml:"browser_health_timeout"`
	GrantedPermissions []string      `yaml:"granted_permissions"`
	StartURL           string        `yaml:"start_url"`

	MaxSteps    int           `yaml:"max_steps"`
	StepTimeout time.Duration `yaml:"step_timeout"`

	ReasoningMode    string        `yaml:"reasoning_mode"`
	ReasoningAPIKey  string        `yaml:"-"`
	ReasoningBaseURL string        `yaml:"reasoning_base_url"`
	ReasoningModel   string        `yaml:"reasoning_model"`
	ReasoningTimeout time.Duration `yaml:"reasoning_timeout"`

	DatabaseURL string `yaml:"-"`
}

// Load reads an optional YAML file named by WEBPILOT_CONFIG, then applies
// environment variables and safe defaults on top. Secrets come from the
// environment only.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          ":8080",
		ShutdownTimeout:   15 * time.Second,
		MetricsNamespace:  "webpilot",
		BrowserProbeTime:  2 * time.Second,
		BrowserRetries:    5,
		BrowserHealthTime: 2 * time.Second,
		StartURL:          "https://www.google.com",
		MaxSteps:          8,
		StepTimeout:       90 * time.Second,
		ReasoningMode:     "auto",
		ReasoningTimeout:  60 * time.Second,
	}

	if path := stringsTrimSpace("WEBPILOT_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.StartURL = envOrDefault("BROWSER_START_URL", cfg.StartURL)
	cfg.ReasoningMode = envOrDefault("REASONING_MODE", cfg.ReasoningMode)
	cfg.ReasoningBaseURL = envOrDefault("REASONING_BASE_URL", cfg.ReasoningBaseURL)
	cfg.ReasoningModel = envOrDefault("REASONING_MODEL", cfg.ReasoningModel)
	cfg.ReasoningAPIKey = stringsTrimSpace("OPENAI_API_KEY")
	cfg.DatabaseURL = stringsTrimSpace("DATABASE_URL")

	if v := stringsTrimSpace("BROWSER_CANDIDATES"); v != "" {
		cfg.BrowserCandidates = splitList(v)
	}
	if v := stringsTrimSpace("BROWSER_GRANTED_PERMISSIONS"); v != "" {
		cfg.GrantedPermissions = splitList(v)
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BrowserProbeTime, err = durationFromEnv("BROWSER_PROBE_TIMEOUT", cfg.BrowserProbeTime)
	if err != nil {
		return Config{}, err
	}
	cfg.BrowserHealthTime, err = durationFromEnv("BROWSER_HEALTH_TIMEOUT", cfg.BrowserHealthTime)
	if err != nil {
		return Config{}, err
	}
	cfg.StepTimeout, err = durationFromEnv("AGENT_STEP_TIMEOUT", cfg.StepTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReasoningTimeout, err = durationFromEnv("REASONING_TIMEOUT", cfg.ReasoningTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BrowserRetries, err = intFromEnv("BROWSER_RETRIES", cfg.BrowserRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSteps, err = intFromEnv("AGENT_MAX_STEPS", cfg.MaxSteps)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxSteps <= 0 {
		return Config{}, fmt.Errorf("AGENT_MAX_STEPS must be positive")
	}
	if cfg.BrowserRetries <= 0 {
		return Config{}, fmt.Errorf("BROWSER_RETRIES must be positive")
	}
	if cfg.StepTimeout < time.Second {
		return Config{}, fmt.Errorf("AGENT_STEP_TIMEOUT must be at least 1s")
	}

	return cfg, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
