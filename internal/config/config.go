package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the companion chat service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	DataDir      string
	PrefsPath    string
	CharacterSet string
	LogPath      string

	PrimaryEnabled bool
	PrimaryBaseURL string
	PrimaryModel   string
	PrimaryTimeout time.Duration
	PrimaryKeys    string

	SecondaryURL     string
	SecondaryToken   string
	SecondaryTimeout time.Duration

	NSFWAllowed bool

	DatabaseURL string

	ContextTokenBudget int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "elara"),
		AllowAnyOrigin:   false,
		DataDir:          envOrDefault("APP_DATA_DIR", ".data"),
		PrefsPath:        stringsTrimSpace("APP_PREFS_PATH"),
		CharacterSet:     stringsTrimSpace("APP_CHARACTER_FILE"),
		LogPath:          stringsTrimSpace("APP_LOG_PATH"),
		PrimaryEnabled:   true,
		PrimaryBaseURL:   envOrDefault("PRIMARY_BASE_URL", "https://api.openai.com/v1"),
		PrimaryModel:     envOrDefault("PRIMARY_MODEL", "gpt-4o-mini"),
		PrimaryKeys:      stringsTrimSpace("PRIMARY_API_KEYS"),
		SecondaryURL:     stringsTrimSpace("SECONDARY_INFERENCE_URL"),
		SecondaryToken:   stringsTrimSpace("SECONDARY_INFERENCE_TOKEN"),
		NSFWAllowed:      false,
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		PrimaryTimeout:           45 * time.Second,
		SecondaryTimeout:         60 * time.Second,
		ContextTokenBudget:       1200,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PrimaryTimeout, err = durationFromEnv("PRIMARY_TIMEOUT", cfg.PrimaryTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SecondaryTimeout, err = durationFromEnv("SECONDARY_TIMEOUT", cfg.SecondaryTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.PrimaryEnabled, err = boolFromEnv("PRIMARY_ENABLED", cfg.PrimaryEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.NSFWAllowed, err = boolFromEnv("APP_NSFW_ALLOWED", cfg.NSFWAllowed)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextTokenBudget, err = intFromEnv("APP_CONTEXT_TOKEN_BUDGET", cfg.ContextTokenBudget)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.ContextTokenBudget <= 0 {
		return Config{}, fmt.Errorf("APP_CONTEXT_TOKEN_BUDGET must be positive")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return Config{}, fmt.Errorf("APP_DATA_DIR must not be empty")
	}

	return cfg, nil
}

// SplitKeys returns the configured primary credentials as a list.
func (c Config) SplitKeys() []string {
	parts := strings.Split(c.PrimaryKeys, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
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
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
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
