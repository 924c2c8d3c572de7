// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names an optional YAML file whose values sit below the
// environment.
const ConfigFileEnv = "AGENTDESK_CONFIG"

// Config holds all application configuration.
type Config struct {
	Port           string
	PublicBaseURL  string
	AllowedOrigins []string
	DBPath         string
	RedisURL       string // empty keeps expiry timers in memory
	LogLevel       slog.Level
	Delivery       DeliveryConfig
	ExpiryInterval time.Duration
	RateLimit      RateLimitConfig
	EscrowAccount  string
	ChatDomain     string
}

// DeliveryConfig controls webhook push and event lifetime.
type DeliveryConfig struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	AttemptTimeout time.Duration
	EventTTL       time.Duration
	HookPath       string
}

// RateLimitConfig bounds agent API traffic per credential.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type fileConfig struct {
	Port           string   `yaml:"port"`
	PublicBaseURL  string   `yaml:"public_base_url"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	DBPath         string   `yaml:"db_path"`
	RedisURL       string   `yaml:"redis_url"`
	LogLevel       string   `yaml:"log_level"`
	Delivery       struct {
		MaxAttempts    int    `yaml:"max_attempts"`
		BaseBackoff    string `yaml:"base_backoff"`
		AttemptTimeout string `yaml:"attempt_timeout"`
		EventTTL       string `yaml:"event_ttl"`
		HookPath       string `yaml:"hook_path"`
	} `yaml:"delivery"`
	ExpiryInterval string `yaml:"expiry_interval"`
	RateLimit      struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	EscrowAccount string `yaml:"escrow_account"`
	ChatDomain    string `yaml:"chat_domain"`
}

func loadFile(path string) (*fileConfig, error) {
	fc := &fileConfig{}
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

// Load reads configuration from the optional YAML file and environment
// variables. Environment variables win.
func Load() (*Config, error) {
	fc, err := loadFile(os.Getenv(ConfigFileEnv))
	if err != nil {
		return nil, err
	}

	origins := fc.AllowedOrigins
	if v, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		origins = splitList(v)
	}

	level, err := parseLevel(getEnv("LOG_LEVEL", or(fc.LogLevel, "info")))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:           getEnv("PORT", or(fc.Port, "8080")),
		PublicBaseURL:  getEnv("PUBLIC_BASE_URL", or(fc.PublicBaseURL, "http://localhost:8080")),
		AllowedOrigins: origins,
		DBPath:         getEnv("DB_PATH", or(fc.DBPath, "./data/agentdesk.db")),
		RedisURL:       getEnv("REDIS_URL", fc.RedisURL),
		LogLevel:       level,
		Delivery: DeliveryConfig{
			MaxAttempts:    getEnvInt("WEBHOOK_MAX_ATTEMPTS", orInt(fc.Delivery.MaxAttempts, 3)),
			BaseBackoff:    getEnvDuration("WEBHOOK_BASE_BACKOFF", orDuration(fc.Delivery.BaseBackoff, time.Second)),
			AttemptTimeout: getEnvDuration("WEBHOOK_TIMEOUT", orDuration(fc.Delivery.AttemptTimeout, 10*time.Second)),
			EventTTL:       getEnvDuration("EVENT_TTL", orDuration(fc.Delivery.EventTTL, 24*time.Hour)),
			HookPath:       getEnv("WEBHOOK_PATH", or(fc.Delivery.HookPath, "/hooks/agent")),
		},
		ExpiryInterval: getEnvDuration("EXPIRY_INTERVAL", orDuration(fc.ExpiryInterval, 30*time.Second)),
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvFloat("RATE_LIMIT_RPS", orFloat(fc.RateLimit.RequestsPerSecond, 10)),
			Burst:             getEnvInt("RATE_LIMIT_BURST", orInt(fc.RateLimit.Burst, 20)),
		},
		EscrowAccount: getEnv("ESCROW_ACCOUNT", or(fc.EscrowAccount, "agentdesk-escrow")),
		ChatDomain:    getEnv("CHAT_DOMAIN", or(fc.ChatDomain, "agentdesk.local")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be > 0")
	}
	if c.Delivery.BaseBackoff <= 0 || c.Delivery.AttemptTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_BASE_BACKOFF and WEBHOOK_TIMEOUT must be > 0")
	}
	if c.Delivery.EventTTL <= 0 {
		return fmt.Errorf("EVENT_TTL must be > 0")
	}
	if !strings.HasPrefix(c.Delivery.HookPath, "/") {
		return fmt.Errorf("WEBHOOK_PATH must start with /")
	}
	if c.ExpiryInterval <= 0 {
		return fmt.Errorf("EXPIRY_INTERVAL must be > 0")
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0")
	}
	if c.EscrowAccount == "" {
		return fmt.Errorf("ESCROW_ACCOUNT cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.Contains(c.PublicBaseURL, "localhost") ||
		strings.Contains(c.PublicBaseURL, "127.0.0.1")
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func orFloat(v, fallback float64) float64 {
	if v != 0 {
		return v
	}
	return fallback
}

func orDuration(v string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
		return d
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
