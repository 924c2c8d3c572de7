package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

var envKeys = []string{
	ConfigFileEnv, "PORT", "PUBLIC_BASE_URL", "ALLOWED_ORIGINS", "DB_PATH", "REDIS_URL",
	"LOG_LEVEL", "WEBHOOK_MAX_ATTEMPTS", "WEBHOOK_BASE_BACKOFF", "WEBHOOK_TIMEOUT",
	"EVENT_TTL", "WEBHOOK_PATH", "EXPIRY_INTERVAL", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"ESCROW_ACCOUNT", "CHAT_DOMAIN",
}

// clearEnv unsets every key Load reads and restores them after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected port 8080, got %q", cfg.Port)
	}
	if cfg.Delivery.MaxAttempts != 3 || cfg.Delivery.EventTTL != 24*time.Hour {
		t.Errorf("Unexpected delivery defaults: %+v", cfg.Delivery)
	}
	if cfg.Delivery.HookPath != "/hooks/agent" {
		t.Errorf("Expected default hook path, got %q", cfg.Delivery.HookPath)
	}
	if cfg.RedisURL != "" {
		t.Errorf("Expected in-memory timers by default, got %q", cfg.RedisURL)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("Expected info level, got %v", cfg.LogLevel)
	}
	if !cfg.IsDevelopment() {
		t.Error("Expected localhost base URL to count as development")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "agentdesk.yaml")
	data := []byte(`port: "9090"
public_base_url: https://desk.example
allowed_origins: [https://app.example]
log_level: debug
delivery:
  max_attempts: 5
  base_backoff: 2s
  event_ttl: 1h
rate_limit:
  burst: 7
chat_domain: chat.example
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigFileEnv, path)
	t.Setenv("PORT", "7070")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("EVENT_TTL", "30m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "7070" {
		t.Errorf("Expected env to win for port, got %q", cfg.Port)
	}
	if want := []string{"https://a.example", "https://b.example"}; !reflect.DeepEqual(cfg.AllowedOrigins, want) {
		t.Errorf("Expected origins %v, got %v", want, cfg.AllowedOrigins)
	}
	if cfg.Delivery.MaxAttempts != 5 || cfg.Delivery.BaseBackoff != 2*time.Second {
		t.Errorf("Expected file delivery settings, got %+v", cfg.Delivery)
	}
	if cfg.Delivery.EventTTL != 30*time.Minute {
		t.Errorf("Expected env TTL 30m, got %v", cfg.Delivery.EventTTL)
	}
	if cfg.RateLimit.Burst != 7 || cfg.RateLimit.RequestsPerSecond != 10 {
		t.Errorf("Unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("Expected debug level, got %v", cfg.LogLevel)
	}
	if cfg.ChatDomain != "chat.example" {
		t.Errorf("Expected chat domain from file, got %q", cfg.ChatDomain)
	}
	if cfg.IsDevelopment() {
		t.Error("Expected public base URL to count as production")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing file", map[string]string{ConfigFileEnv: "/nonexistent/agentdesk.yaml"}},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}},
		{"zero attempts", map[string]string{"WEBHOOK_MAX_ATTEMPTS": "0"}},
		{"relative hook path", map[string]string{"WEBHOOK_PATH": "hooks"}},
		{"empty port", map[string]string{"PORT": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEBHOOK_MAX_ATTEMPTS", "many")
	t.Setenv("EXPIRY_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Delivery.MaxAttempts != 3 {
		t.Errorf("Expected fallback attempts 3, got %d", cfg.Delivery.MaxAttempts)
	}
	if cfg.ExpiryInterval != 30*time.Second {
		t.Errorf("Expected fallback interval 30s, got %v", cfg.ExpiryInterval)
	}
}
